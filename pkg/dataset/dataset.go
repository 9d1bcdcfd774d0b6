package dataset

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/parquet-go/parquet-go"
)

// Dataset is a loaded handle on an episodic LeRobot dataset.
type Dataset struct {
	RepoID    string
	Root      string
	Meta      *Metadata
	DataFiles []string
	NumFrames int
}

// Load reads the metadata under root, resolves every data file and checks that the
// parquet row counts add up to the declared number of frames.
func Load(root, repoID string) (*Dataset, error) {
	meta, err := LoadMetadata(root)
	if err != nil {
		return nil, err
	}

	files, err := dataFiles(root, meta)
	if err != nil {
		return nil, err
	}
	if meta.Info.CodebaseVersion != V30 {
		if err := checkVideos(root, meta); err != nil {
			return nil, err
		}
	}

	frames := 0
	for _, path := range files {
		n, err := countRows(path)
		if err != nil {
			return nil, err
		}
		frames += n
	}
	if frames != meta.Info.TotalFrames {
		return nil, fmt.Errorf("data files hold %d frames, info.json declares %d", frames, meta.Info.TotalFrames)
	}

	return &Dataset{
		RepoID:    repoID,
		Root:      root,
		Meta:      meta,
		DataFiles: files,
		NumFrames: frames,
	}, nil
}

// Features returns the feature descriptors keyed by name.
func (d *Dataset) Features() map[string]Feature {
	return d.Meta.Info.Features
}

// FeatureNames returns the feature keys in sorted order.
func (d *Dataset) FeatureNames() []string {
	names := make([]string, 0, len(d.Meta.Info.Features))
	for k := range d.Meta.Info.Features {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// TotalEpisodes returns the episode count from info.json.
func (d *Dataset) TotalEpisodes() int {
	return d.Meta.Info.TotalEpisodes
}

// SplitFeatures partitions features by their type tag: "action" goes to outputs,
// everything else to inputs.
func SplitFeatures(features map[string]Feature) (inputs, outputs map[string]Feature) {
	inputs = make(map[string]Feature)
	outputs = make(map[string]Feature)
	for key, f := range features {
		if f.Type == TypeAction {
			outputs[key] = f
		} else {
			inputs[key] = f
		}
	}
	return inputs, outputs
}

func dataFiles(root string, meta *Metadata) ([]string, error) {
	if meta.Info.CodebaseVersion == V30 {
		return globParquet(filepath.Join(root, "data"))
	}

	files := make([]string, 0, len(meta.Episodes))
	for _, ep := range meta.Episodes {
		rel, err := FormatPath(meta.Info.DataPath, map[string]any{
			"episode_chunk": ep.Index / meta.Info.ChunksSize,
			"episode_index": ep.Index,
		})
		if err != nil {
			return nil, fmt.Errorf("data_path: %w", err)
		}
		path := filepath.Join(root, rel)
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("episode %d: %w", ep.Index, err)
		}
		files = append(files, path)
	}
	return files, nil
}

func checkVideos(root string, meta *Metadata) error {
	if meta.Info.VideoPath == "" {
		return nil
	}
	for key, f := range meta.Info.Features {
		if f.DType != "video" {
			continue
		}
		for _, ep := range meta.Episodes {
			rel, err := FormatPath(meta.Info.VideoPath, map[string]any{
				"episode_chunk": ep.Index / meta.Info.ChunksSize,
				"episode_index": ep.Index,
				"video_key":     key,
			})
			if err != nil {
				return fmt.Errorf("video_path: %w", err)
			}
			if _, err := os.Stat(filepath.Join(root, rel)); err != nil {
				return fmt.Errorf("episode %d video %s: %w", ep.Index, key, err)
			}
		}
	}
	return nil
}

func globParquet(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".parquet") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan data files: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no parquet files under %s", dir)
	}
	sort.Strings(files)
	return files, nil
}

func countRows(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		return 0, fmt.Errorf("open parquet %s: %w", path, err)
	}
	return int(pf.NumRows()), nil
}

var placeholder = regexp.MustCompile(`\{([a-z_]+)(?::0(\d+)d)?\}`)

// FormatPath expands LeRobot path templates such as
// "data/chunk-{episode_chunk:03d}/episode_{episode_index:06d}.parquet".
func FormatPath(tmpl string, vals map[string]any) (string, error) {
	var missing []string
	out := placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		sub := placeholder.FindStringSubmatch(m)
		v, ok := vals[sub[1]]
		if !ok {
			missing = append(missing, sub[1])
			return m
		}
		if n, isInt := v.(int); isInt && sub[2] != "" {
			width, _ := strconv.Atoi(sub[2])
			return fmt.Sprintf("%0*d", width, n)
		}
		return fmt.Sprint(v)
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("template %q: no value for %s", tmpl, strings.Join(missing, ", "))
	}
	return out, nil
}

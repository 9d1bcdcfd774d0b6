// Package dataset reads LeRobot episodic datasets from their on-disk layout.
package dataset

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Metadata file locations relative to the dataset root.
const (
	InfoPath          = "meta/info.json"
	StatsPath         = "meta/stats.json"
	EpisodesPath      = "meta/episodes.jsonl"
	EpisodesStatsPath = "meta/episodes_stats.jsonl"
	TasksPath         = "meta/tasks.jsonl"
)

// Supported codebase versions.
const (
	V20 = "v2.0"
	V21 = "v2.1"
	V30 = "v3.0"
)

// Feature type tags.
const (
	TypeAction = "action"
	TypeState  = "state"
	TypeVisual = "visual"
	TypeEnv    = "env"
)

// Feature describes one named signal recorded in the dataset.
type Feature struct {
	DType string `json:"dtype"`
	Shape []int  `json:"shape"`
	Names any    `json:"names,omitempty"`
	Type  string `json:"type,omitempty"`
}

// NumElements returns the product of the feature shape.
func (f Feature) NumElements() int {
	n := 1
	for _, d := range f.Shape {
		n *= d
	}
	return n
}

// IsVisual reports whether the feature holds images.
func (f Feature) IsVisual() bool {
	return f.DType == "image" || f.DType == "video"
}

// Info is the content of meta/info.json.
type Info struct {
	CodebaseVersion string             `json:"codebase_version"`
	RobotType       string             `json:"robot_type"`
	TotalEpisodes   int                `json:"total_episodes"`
	TotalFrames     int                `json:"total_frames"`
	TotalTasks      int                `json:"total_tasks"`
	ChunksSize      int                `json:"chunks_size"`
	FPS             float64            `json:"fps"`
	DataPath        string             `json:"data_path"`
	VideoPath       string             `json:"video_path"`
	Features        map[string]Feature `json:"features"`
}

// Episode is one line of meta/episodes.jsonl.
type Episode struct {
	Index  int      `json:"episode_index"`
	Tasks  []string `json:"tasks"`
	Length int      `json:"length"`
}

// Task is one line of meta/tasks.jsonl.
type Task struct {
	Index int    `json:"task_index"`
	Task  string `json:"task"`
}

// Metadata bundles everything under meta/.
type Metadata struct {
	Info     Info
	Stats    Stats
	Episodes []Episode
	Tasks    []Task
}

// LoadMetadata reads and checks the dataset metadata under root.
func LoadMetadata(root string) (*Metadata, error) {
	var meta Metadata
	if err := readJSON(filepath.Join(root, InfoPath), &meta.Info); err != nil {
		return nil, err
	}
	if err := meta.Info.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", InfoPath, err)
	}
	for key, f := range meta.Info.Features {
		if f.Type == "" {
			f.Type = InferFeatureType(key, f)
			meta.Info.Features[key] = f
		}
	}

	stats, err := loadStats(root)
	if err != nil {
		return nil, err
	}
	meta.Stats = stats

	// v3.0 keeps episodes and tasks in parquet; only the jsonl layout is read here.
	if meta.Info.CodebaseVersion != V30 {
		if err := readJSONL(filepath.Join(root, EpisodesPath), func(line []byte) error {
			var ep Episode
			if err := json.Unmarshal(line, &ep); err != nil {
				return err
			}
			meta.Episodes = append(meta.Episodes, ep)
			return nil
		}); err != nil {
			return nil, err
		}
		if len(meta.Episodes) != meta.Info.TotalEpisodes {
			return nil, fmt.Errorf("%s lists %d episodes, info.json declares %d",
				EpisodesPath, len(meta.Episodes), meta.Info.TotalEpisodes)
		}
		sort.Slice(meta.Episodes, func(i, j int) bool { return meta.Episodes[i].Index < meta.Episodes[j].Index })

		err := readJSONL(filepath.Join(root, TasksPath), func(line []byte) error {
			var task Task
			if err := json.Unmarshal(line, &task); err != nil {
				return err
			}
			meta.Tasks = append(meta.Tasks, task)
			return nil
		})
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	return &meta, nil
}

func (i Info) validate() error {
	switch i.CodebaseVersion {
	case V20, V21, V30:
	case "":
		return errors.New("missing codebase_version")
	default:
		return fmt.Errorf("unsupported codebase_version %q", i.CodebaseVersion)
	}
	if i.TotalEpisodes <= 0 {
		return fmt.Errorf("total_episodes must be positive, got %d", i.TotalEpisodes)
	}
	if i.DataPath == "" {
		return errors.New("missing data_path")
	}
	if len(i.Features) == 0 {
		return errors.New("no features declared")
	}
	if i.ChunksSize <= 0 {
		return fmt.Errorf("chunks_size must be positive, got %d", i.ChunksSize)
	}
	return nil
}

// InferFeatureType derives a type tag for features that do not carry one,
// following LeRobot's key conventions.
func InferFeatureType(key string, f Feature) string {
	switch {
	case key == "action" || strings.HasPrefix(key, "action."):
		return TypeAction
	case strings.HasPrefix(key, "observation.images.") || f.IsVisual():
		return TypeVisual
	case key == "observation.environment_state":
		return TypeEnv
	case key == "observation.state":
		return TypeState
	}
	return ""
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func readJSONL(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return fmt.Errorf("parse %s line %d: %w", path, lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}

package dataset

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frameRow struct {
	FrameIndex   int64 `parquet:"frame_index"`
	EpisodeIndex int64 `parquet:"episode_index"`
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func writeEpisode(t *testing.T, root string, episode, frames int) {
	t.Helper()
	rows := make([]frameRow, frames)
	for i := range rows {
		rows[i] = frameRow{FrameIndex: int64(i), EpisodeIndex: int64(episode)}
	}
	path, err := FormatPath("data/chunk-{episode_chunk:03d}/episode_{episode_index:06d}.parquet",
		map[string]any{"episode_chunk": 0, "episode_index": episode})
	require.NoError(t, err)
	full := filepath.Join(root, path)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
	require.NoError(t, parquet.WriteFile(full, rows))
}

// fixture writes a two-episode v2.1 dataset with 5 frames in total.
func fixture(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	info := map[string]any{
		"codebase_version": "v2.1",
		"robot_type":       "so101_follower",
		"total_episodes":   2,
		"total_frames":     5,
		"total_tasks":      1,
		"chunks_size":      1000,
		"fps":              30,
		"data_path":        "data/chunk-{episode_chunk:03d}/episode_{episode_index:06d}.parquet",
		"video_path":       "videos/chunk-{episode_chunk:03d}/{video_key}/episode_{episode_index:06d}.mp4",
		"features": map[string]any{
			"action":            map[string]any{"dtype": "float32", "shape": []int{6}},
			"observation.state": map[string]any{"dtype": "float32", "shape": []int{6}},
			"observation.images.front": map[string]any{
				"dtype": "video", "shape": []int{480, 640, 3},
			},
			"timestamp": map[string]any{"dtype": "float32", "shape": []int{1}},
		},
	}
	data, err := json.Marshal(info)
	require.NoError(t, err)
	writeFile(t, filepath.Join(root, InfoPath), string(data))

	writeFile(t, filepath.Join(root, EpisodesPath),
		`{"episode_index": 1, "tasks": ["throw paper"], "length": 2}`+"\n"+
			`{"episode_index": 0, "tasks": ["throw paper"], "length": 3}`+"\n")
	writeFile(t, filepath.Join(root, TasksPath), `{"task_index": 0, "task": "throw paper"}`+"\n")
	writeFile(t, filepath.Join(root, StatsPath), `{
		"action": {"mean": [0,0,0,0,0,0], "std": [1,1,1,1,1,1], "min": [-1,-1,-1,-1,-1,-1], "max": [1,1,1,1,1,1]},
		"observation.state": {"mean": [0,0,0,0,0,0], "std": [1,1,1,1,1,1], "min": [-1,-1,-1,-1,-1,-1], "max": [1,1,1,1,1,1]},
		"observation.images.front": {"mean": [[[0.5]],[[0.5]],[[0.5]]], "std": [[[0.2]],[[0.2]],[[0.2]]], "min": [[[0]],[[0]],[[0]]], "max": [[[1]],[[1]],[[1]]]}
	}`)

	writeEpisode(t, root, 0, 3)
	writeEpisode(t, root, 1, 2)
	for ep := 0; ep < 2; ep++ {
		rel, err := FormatPath(info["video_path"].(string), map[string]any{
			"episode_chunk": 0, "episode_index": ep, "video_key": "observation.images.front",
		})
		require.NoError(t, err)
		writeFile(t, filepath.Join(root, rel), "")
	}
	return root
}

func TestLoad(t *testing.T) {
	root := fixture(t)

	ds, err := Load(root, "koch_test")
	require.NoError(t, err)
	assert.Equal(t, 2, ds.TotalEpisodes())
	assert.Equal(t, 5, ds.NumFrames)
	assert.Len(t, ds.DataFiles, 2)
	assert.Equal(t, []string{"action", "observation.images.front", "observation.state", "timestamp"}, ds.FeatureNames())
	assert.Equal(t, 0, ds.Meta.Episodes[0].Index)
	assert.Equal(t, []float64{0.2, 0.2, 0.2}, ds.Meta.Stats["observation.images.front"].Std)

	features := ds.Features()
	assert.Equal(t, TypeAction, features["action"].Type)
	assert.Equal(t, TypeVisual, features["observation.images.front"].Type)
	assert.Equal(t, TypeState, features["observation.state"].Type)
	assert.Equal(t, "", features["timestamp"].Type)
}

func TestLoad_Failures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(root string)
		wantErr string
	}{
		{
			name:    "missing info",
			mutate:  func(root string) { os.Remove(filepath.Join(root, InfoPath)) },
			wantErr: "info.json",
		},
		{
			name:    "corrupt info",
			mutate:  func(root string) { os.WriteFile(filepath.Join(root, InfoPath), []byte("{"), 0644) },
			wantErr: "parse",
		},
		{
			name: "unsupported version",
			mutate: func(root string) {
				os.WriteFile(filepath.Join(root, InfoPath), []byte(`{"codebase_version": "v1.6"}`), 0644)
			},
			wantErr: "unsupported codebase_version",
		},
		{
			name: "missing episode file",
			mutate: func(root string) {
				os.Remove(filepath.Join(root, "data/chunk-000/episode_000001.parquet"))
			},
			wantErr: "episode 1",
		},
		{
			name: "missing video",
			mutate: func(root string) {
				os.Remove(filepath.Join(root, "videos/chunk-000/observation.images.front/episode_000000.mp4"))
			},
			wantErr: "video",
		},
		{
			name: "corrupt parquet",
			mutate: func(root string) {
				os.WriteFile(filepath.Join(root, "data/chunk-000/episode_000000.parquet"), []byte("not parquet"), 0644)
			},
			wantErr: "open parquet",
		},
		{
			name:    "frame count mismatch",
			mutate:  func(root string) { writeEpisode(t, root, 1, 4) },
			wantErr: "declares 5",
		},
		{
			name: "no stats",
			mutate: func(root string) {
				os.Remove(filepath.Join(root, StatsPath))
			},
			wantErr: "no dataset statistics",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := fixture(t)
			tt.mutate(root)
			_, err := Load(root, "koch_test")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_AggregatesEpisodeStats(t *testing.T) {
	root := fixture(t)
	require.NoError(t, os.Remove(filepath.Join(root, StatsPath)))
	writeFile(t, filepath.Join(root, EpisodesStatsPath),
		`{"episode_index": 0, "stats": {"action": {"mean": [0], "std": [1], "min": [-1], "max": [1], "count": [3]}}}`+"\n"+
			`{"episode_index": 1, "stats": {"action": {"mean": [2], "std": [1], "min": [0], "max": [4], "count": [1]}}}`+"\n")

	ds, err := Load(root, "koch_test")
	require.NoError(t, err)
	st := ds.Meta.Stats["action"]
	assert.Equal(t, 4, st.Count)
	assert.InDelta(t, 0.5, st.Mean[0], 1e-9)
	// pooled variance: 0.75*(1+0.25) + 0.25*(1+2.25) = 1.75
	assert.InDelta(t, math.Sqrt(1.75), st.Std[0], 1e-9)
	assert.Equal(t, []float64{-1}, st.Min)
	assert.Equal(t, []float64{4}, st.Max)
}

func TestAggregateStats_ShapeMismatch(t *testing.T) {
	_, err := AggregateStats([]Stats{
		{"a": {Mean: []float64{0}, Std: []float64{1}, Min: []float64{0}, Max: []float64{1}, Count: 1}},
		{"a": {Mean: []float64{0, 1}, Std: []float64{1, 1}, Min: []float64{0, 0}, Max: []float64{1, 1}, Count: 1}},
	})
	assert.Error(t, err)
}

func TestLoad_V30GlobsDataFiles(t *testing.T) {
	root := fixture(t)
	var info map[string]any
	data, err := os.ReadFile(filepath.Join(root, InfoPath))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &info))
	info["codebase_version"] = "v3.0"
	info["data_path"] = "data/chunk-{chunk_index:03d}/file-{file_index:03d}.parquet"
	data, err = json.Marshal(info)
	require.NoError(t, err)
	writeFile(t, filepath.Join(root, InfoPath), string(data))

	ds, err := Load(root, "koch_test")
	require.NoError(t, err)
	assert.Nil(t, ds.Meta.Episodes)
	assert.Equal(t, 5, ds.NumFrames)
}

func TestSplitFeatures(t *testing.T) {
	features := map[string]Feature{
		"action":                   {Type: TypeAction},
		"action.gripper":           {Type: TypeAction},
		"observation.state":        {Type: TypeState},
		"observation.images.front": {Type: TypeVisual},
		"timestamp":                {},
	}

	inputs, outputs := SplitFeatures(features)
	assert.Len(t, outputs, 2)
	assert.Len(t, inputs, 3)
	for key := range features {
		_, in := inputs[key]
		_, out := outputs[key]
		assert.True(t, in != out, "%s must be in exactly one set", key)
	}
	for key, f := range outputs {
		assert.Equal(t, TypeAction, f.Type, key)
	}
}

func TestSplitFeatures_Empty(t *testing.T) {
	inputs, outputs := SplitFeatures(nil)
	assert.Empty(t, inputs)
	assert.Empty(t, outputs)
}

func TestInferFeatureType(t *testing.T) {
	assert.Equal(t, TypeAction, InferFeatureType("action", Feature{}))
	assert.Equal(t, TypeVisual, InferFeatureType("observation.images.side", Feature{}))
	assert.Equal(t, TypeVisual, InferFeatureType("camera", Feature{DType: "image"}))
	assert.Equal(t, TypeEnv, InferFeatureType("observation.environment_state", Feature{}))
	assert.Equal(t, TypeState, InferFeatureType("observation.state", Feature{}))
	assert.Equal(t, "", InferFeatureType("frame_index", Feature{DType: "int64"}))
}

func TestFormatPath(t *testing.T) {
	got, err := FormatPath("videos/chunk-{episode_chunk:03d}/{video_key}/episode_{episode_index:06d}.mp4",
		map[string]any{"episode_chunk": 1, "episode_index": 1042, "video_key": "observation.images.side"})
	require.NoError(t, err)
	assert.Equal(t, "videos/chunk-001/observation.images.side/episode_001042.mp4", got)

	_, err = FormatPath("data/{missing}.parquet", nil)
	assert.Error(t, err)
}

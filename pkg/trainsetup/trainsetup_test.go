package trainsetup

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperthrow/lerobot/pkg/dataset"
	"github.com/paperthrow/lerobot/pkg/device"
	"github.com/paperthrow/lerobot/pkg/probe"
)

func cpuOnly() *device.Detector {
	return &device.Detector{
		GOOS:      "linux",
		GOARCH:    "amd64",
		LookupEnv: func(string) (string, bool) { return "", false },
		QueryGPUs: func(context.Context) ([]byte, error) { return nil, errors.New("nvidia-smi: not found") },
		HostInfo:  func(context.Context) (string, uint64) { return "Test CPU", 32 << 30 },
	}
}

func newTestChecker(buf *bytes.Buffer, load func(string, string) (*dataset.Dataset, error)) *Checker {
	c := NewChecker(zerolog.New(buf))
	c.detector = cpuOnly()
	if load != nil {
		c.load = load
	}
	return c
}

func rigDataset(root string) *dataset.Dataset {
	six := []float64{0, 0, 0, 0, 0, 0}
	ones := []float64{1, 1, 1, 1, 1, 1}
	return &dataset.Dataset{
		RepoID:    "koch_test",
		Root:      root,
		NumFrames: 900,
		Meta: &dataset.Metadata{
			Info: dataset.Info{
				CodebaseVersion: dataset.V21,
				TotalEpisodes:   3,
				Features: map[string]dataset.Feature{
					"action":                   {DType: "float32", Shape: []int{6}, Type: dataset.TypeAction},
					"observation.state":        {DType: "float32", Shape: []int{6}, Type: dataset.TypeState},
					"observation.images.front": {DType: "video", Shape: []int{480, 640, 3}, Type: dataset.TypeVisual},
					"frame_index":              {DType: "int64", Shape: []int{1}},
				},
			},
			Stats: dataset.Stats{
				"action":            {Mean: six, Std: ones},
				"observation.state": {Mean: six, Std: ones},
				"observation.images.front": {
					Mean: []float64{0.5, 0.5, 0.5}, Std: []float64{0.2, 0.2, 0.2},
				},
			},
		},
	}
}

func TestRun_Success(t *testing.T) {
	root := t.TempDir()
	var buf bytes.Buffer
	c := newTestChecker(&buf, func(r, repo string) (*dataset.Dataset, error) {
		return rigDataset(r), nil
	})

	state, report := c.Run(context.Background(), Options{RepoID: "koch_test", Root: root, Wandb: true})
	require.True(t, report.OK(), "report: %+v", report.Err)
	assert.Equal(t, []string{StageDevice, StagePresence, StageLoad, StageFeatures, StagePolicy, StageComplete}, report.Completed)

	assert.True(t, state.Selection.Fallback)
	assert.Len(t, state.Outputs, 1)
	assert.Len(t, state.Inputs, 3)
	require.NotNil(t, state.Policy)
	dev, err := state.Policy.Device()
	require.NoError(t, err)
	assert.Equal(t, device.CPU, dev.Kind)

	assert.Contains(t, state.Command, "--dataset.repo_id=koch_test")
	assert.Contains(t, state.Command, "--job_name=act_koch_test")
	assert.Contains(t, state.Command, "--policy.device=cpu")
	assert.Contains(t, state.Command, "--wandb.enable=true")

	logs := buf.String()
	assert.Contains(t, logs, "Accelerator not available, using CPU")
	assert.Contains(t, logs, `"level":"warn"`)
	assert.Contains(t, logs, "Training setup completed successfully")
}

func TestRun_MissingDatasetStopsBeforeLoad(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "recorded_data", "throw_paper")
	var buf bytes.Buffer
	loadCalled := false
	c := newTestChecker(&buf, func(string, string) (*dataset.Dataset, error) {
		loadCalled = true
		return nil, errors.New("unreachable")
	})

	state, report := c.Run(context.Background(), Options{RepoID: "koch_test", Root: missing})
	require.False(t, report.OK())
	assert.Equal(t, StagePresence, report.Failed)
	assert.Equal(t, probe.KindMissingPrecondition, report.Err.Kind)
	assert.Equal(t, []string{StageDevice}, report.Completed)
	assert.False(t, loadCalled)
	assert.Nil(t, state.Dataset)
	assert.Contains(t, buf.String(), missing)
	assert.Contains(t, buf.String(), `"level":"error"`)
}

func TestRun_RootIsAFile(t *testing.T) {
	root := filepath.Join(t.TempDir(), "dataset")
	require.NoError(t, os.WriteFile(root, nil, 0644))

	var buf bytes.Buffer
	_, report := newTestChecker(&buf, nil).Run(context.Background(), Options{RepoID: "koch_test", Root: root})
	assert.Equal(t, StagePresence, report.Failed)
	assert.Equal(t, probe.KindMissingPrecondition, report.Err.Kind)
}

func TestRun_LoadFailureStopsBeforeFeatures(t *testing.T) {
	var buf bytes.Buffer
	c := newTestChecker(&buf, func(string, string) (*dataset.Dataset, error) {
		return nil, errors.New("parse meta/info.json: unexpected end of JSON input")
	})

	state, report := c.Run(context.Background(), Options{RepoID: "koch_test", Root: t.TempDir()})
	require.False(t, report.OK())
	assert.Equal(t, StageLoad, report.Failed)
	assert.Equal(t, probe.KindUnexpected, report.Err.Kind)
	assert.Nil(t, state.Inputs)
	assert.Nil(t, state.Policy)
	assert.Contains(t, buf.String(), "unexpected end of JSON input")
	assert.Contains(t, buf.String(), "Failed to load dataset")
}

func TestRun_EmptyDirectoryFailsToLoad(t *testing.T) {
	var buf bytes.Buffer
	_, report := newTestChecker(&buf, nil).Run(context.Background(), Options{RepoID: "koch_test", Root: t.TempDir()})
	assert.Equal(t, StageLoad, report.Failed)
	assert.Contains(t, buf.String(), "info.json")
}

func TestRun_PolicyFailure(t *testing.T) {
	var buf bytes.Buffer
	c := newTestChecker(&buf, func(r, repo string) (*dataset.Dataset, error) {
		ds := rigDataset(r)
		delete(ds.Meta.Stats, "observation.state")
		return ds, nil
	})

	state, report := c.Run(context.Background(), Options{RepoID: "koch_test", Root: t.TempDir()})
	assert.Equal(t, StagePolicy, report.Failed)
	assert.Nil(t, state.Policy)
	assert.Empty(t, state.Command)
	assert.Contains(t, buf.String(), "missing stats for feature observation.state")
}

func TestRun_PolicyDoesNotFitDevice(t *testing.T) {
	var buf bytes.Buffer
	c := newTestChecker(&buf, func(r, repo string) (*dataset.Dataset, error) {
		return rigDataset(r), nil
	})
	c.detector.HostInfo = func(context.Context) (string, uint64) { return "Tiny CPU", 1 << 20 }

	_, report := c.Run(context.Background(), Options{RepoID: "koch_test", Root: t.TempDir(), Device: "cpu"})
	assert.Equal(t, StagePolicy, report.Failed)
	assert.Contains(t, buf.String(), "policy needs")
}

func TestTrainCommand(t *testing.T) {
	cmd := TrainCommand(Options{RepoID: "user/koch_test", Root: "recorded_data/throw_paper"},
		device.Device{Kind: device.CUDA})
	assert.Equal(t, "python -m lerobot.scripts.train --dataset.repo_id=user/koch_test "+
		"--dataset.root=recorded_data/throw_paper --policy.type=act "+
		"--output_dir=outputs/train/act_user_koch_test --job_name=act_user_koch_test "+
		"--policy.device=cuda --wandb.enable=false", cmd)
}

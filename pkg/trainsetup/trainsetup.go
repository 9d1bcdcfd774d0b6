// Package trainsetup checks that an ACT training run can start: a device is chosen,
// the dataset loads, its features split into policy inputs and outputs, and the policy
// builds and fits on the device. The first failing check ends the run.
package trainsetup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/paperthrow/lerobot/pkg/dataset"
	"github.com/paperthrow/lerobot/pkg/device"
	"github.com/paperthrow/lerobot/pkg/policy"
	"github.com/paperthrow/lerobot/pkg/probe"
)

// Stage names, in execution order.
const (
	StageDevice   = "device"
	StagePresence = "dataset_presence"
	StageLoad     = "dataset_load"
	StageFeatures = "features"
	StagePolicy   = "policy"
	StageComplete = "complete"
)

// Options describe the training run being checked.
type Options struct {
	RepoID    string
	Root      string
	Device    string // auto, cuda, mps or cpu
	OutputDir string // defaults to outputs/train/act_<repo>
	JobName   string // defaults to act_<repo>
	Wandb     bool
}

func (o Options) withDefaults() Options {
	slug := strings.ReplaceAll(o.RepoID, "/", "_")
	if o.JobName == "" {
		o.JobName = "act_" + slug
	}
	if o.OutputDir == "" {
		o.OutputDir = "outputs/train/" + o.JobName
	}
	if o.Device == "" {
		o.Device = "auto"
	}
	return o
}

// State accumulates what each stage produced.
type State struct {
	Options   Options
	Selection device.Selection
	Dataset   *dataset.Dataset
	Inputs    map[string]dataset.Feature
	Outputs   map[string]dataset.Feature
	Config    policy.ACTConfig
	Policy    *policy.ACTPolicy
	Command   string
}

// Checker runs the training setup checks.
type Checker struct {
	log      zerolog.Logger
	detector *device.Detector
	load     func(root, repoID string) (*dataset.Dataset, error)
}

// NewChecker creates a checker using the host device detector.
func NewChecker(log zerolog.Logger) *Checker {
	return &Checker{log: log, detector: device.NewDetector(), load: dataset.Load}
}

// Run executes every stage and returns the resulting state and report.
// Failures are logged and reported, never returned as errors.
func (c *Checker) Run(ctx context.Context, opts Options) (*State, probe.Report) {
	state := &State{Options: opts.withDefaults()}
	c.log.Info().Str("repo_id", opts.RepoID).Str("root", opts.Root).Msg("Starting training setup check")

	report := probe.New(c.log, c.stages()...).Run(ctx, state)
	if report.OK() {
		c.log.Info().Dur("elapsed", report.Elapsed).Msg("Training setup completed successfully")
	}
	return state, report
}

func (c *Checker) stages() []probe.Stage[State] {
	return []probe.Stage[State]{
		{Name: StageDevice, Fail: "Failed to select device", Run: c.selectDevice},
		{Name: StagePresence, Fail: "Dataset not found", Run: c.checkPresence},
		{Name: StageLoad, Fail: "Failed to load dataset", Run: c.loadDataset},
		{Name: StageFeatures, Fail: "Failed to classify features", Run: c.splitFeatures},
		{Name: StagePolicy, Fail: "Failed to create policy", Run: c.buildPolicy},
		{Name: StageComplete, Run: c.complete},
	}
}

func (c *Checker) selectDevice(ctx context.Context, s *State) error {
	s.Selection = device.Select(ctx, c.detector, s.Options.Device)
	dev := s.Selection.Device
	if s.Selection.Fallback {
		c.log.Warn().Str("reason", s.Selection.Reason).Str("device", dev.Describe()).
			Msg("Accelerator not available, using CPU")
		return nil
	}
	c.log.Info().Str("device", dev.Describe()).Msgf("Using %s device", strings.ToUpper(string(dev.Kind)))
	return nil
}

func (c *Checker) checkPresence(ctx context.Context, s *State) error {
	info, err := os.Stat(s.Options.Root)
	if errors.Is(err, fs.ErrNotExist) {
		return probe.Missing("dataset not found at %s", s.Options.Root)
	}
	if err != nil {
		return fmt.Errorf("stat dataset root: %w", err)
	}
	if !info.IsDir() {
		return probe.Missing("dataset root %s is not a directory", s.Options.Root)
	}
	c.log.Info().Str("root", s.Options.Root).Msg("Dataset found")
	return nil
}

func (c *Checker) loadDataset(ctx context.Context, s *State) error {
	ds, err := c.load(s.Options.Root, s.Options.RepoID)
	if err != nil {
		return err
	}
	s.Dataset = ds
	c.log.Info().
		Int("total_episodes", ds.TotalEpisodes()).
		Int("total_frames", ds.NumFrames).
		Str("codebase_version", ds.Meta.Info.CodebaseVersion).
		Msg("Dataset loaded successfully")
	c.log.Info().Strs("features", ds.FeatureNames()).Msg("Dataset features")
	return nil
}

func (c *Checker) splitFeatures(ctx context.Context, s *State) error {
	s.Inputs, s.Outputs = dataset.SplitFeatures(s.Dataset.Features())
	c.log.Info().Int("inputs", len(s.Inputs)).Int("outputs", len(s.Outputs)).Msg("Features classified")
	return nil
}

func (c *Checker) buildPolicy(ctx context.Context, s *State) error {
	cfg, err := policy.NewACTConfig(s.Inputs, s.Outputs)
	if err != nil {
		return fmt.Errorf("act config: %w", err)
	}
	if len(cfg.IgnoredFeatures) > 0 {
		c.log.Debug().Strs("features", cfg.IgnoredFeatures).Msg("Features without a policy type are not fed to the policy")
	}
	s.Config = cfg

	p, err := policy.NewACTPolicy(cfg, s.Dataset.Meta.Stats)
	if err != nil {
		return err
	}
	if err := p.To(s.Selection.Device); err != nil {
		return fmt.Errorf("move to %s: %w", s.Selection.Device, err)
	}
	s.Policy = p
	c.log.Info().Str("model", p.Summary()).Str("device", s.Selection.Device.String()).
		Msg("ACT policy created and moved to device")
	return nil
}

func (c *Checker) complete(ctx context.Context, s *State) error {
	s.Command = TrainCommand(s.Options, s.Selection.Device)
	c.log.Info().Msg("You can now run the full training script with:")
	c.log.Info().Msg(s.Command)
	return nil
}

// TrainCommand returns the LeRobot command that starts the full training run.
func TrainCommand(opts Options, dev device.Device) string {
	opts = opts.withDefaults()
	return strings.Join([]string{
		"python -m lerobot.scripts.train",
		"--dataset.repo_id=" + opts.RepoID,
		"--dataset.root=" + opts.Root,
		"--policy.type=act",
		"--output_dir=" + opts.OutputDir,
		"--job_name=" + opts.JobName,
		"--policy.device=" + string(dev.Kind),
		fmt.Sprintf("--wandb.enable=%t", opts.Wandb),
	}, " ")
}

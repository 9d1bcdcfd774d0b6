package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/paperthrow/lerobot/pkg/trainsetup"
)

type TrainCheckCommand struct {
	RepoID    string `long:"dataset.repo_id" default:"koch_test" description:"Dataset repository id"`
	Root      string `long:"dataset.root" default:"recorded_data/throw_paper" description:"Local dataset directory"`
	Device    string `long:"policy.device" default:"auto" description:"Compute device: auto, cuda, mps or cpu"`
	OutputDir string `long:"output_dir" description:"Training output directory (default outputs/train/act_<repo_id>)"`
	JobName   string `long:"job_name" description:"Training job name (default act_<repo_id>)"`
	Wandb     bool   `long:"wandb.enable" description:"Enable Weights & Biases logging in the suggested command"`
}

// Execute always returns nil once flags parse: a failed check is reported in the log,
// not through the exit status.
func (c *TrainCheckCommand) Execute(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	checker := trainsetup.NewChecker(logger())
	checker.Run(ctx, trainsetup.Options{
		RepoID:    c.RepoID,
		Root:      c.Root,
		Device:    c.Device,
		OutputDir: c.OutputDir,
		JobName:   c.JobName,
		Wandb:     c.Wandb,
	})
	return nil
}

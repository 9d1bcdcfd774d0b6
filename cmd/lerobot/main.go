package main

import (
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog"

	"github.com/paperthrow/lerobot/pkg/logging"
)

type Options struct {
	LogLevel string `long:"log-level" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Log level (overridden by LEROBOT_LOG_LEVEL)"`

	Setup       SetupCommand       `command:"setup" description:"Scan for arms and calibrate them"`
	Teleoperate TeleoperateCommand `command:"teleoperate" alias:"teleop" description:"Start teleoperation (leader-follower control)"`
	TrainCheck  TrainCheckCommand  `command:"train-check" description:"Check that a dataset and an ACT policy are ready for training"`
}

var opts Options
var parser = flags.NewParser(&opts, flags.Default)

func logger() zerolog.Logger {
	return logging.New(os.Stderr, opts.LogLevel)
}

func main() {
	parser.LongDescription = "LeRobot - Robot arm control and training setup CLI for SO-101 arms"

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}
}

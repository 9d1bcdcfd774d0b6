// Package lerobot drives SO-101 robot arms and checks training setups,
// compatible with HuggingFace LeRobot datasets and calibration files.
//
// # Installation
//
//	go install github.com/paperthrow/lerobot/cmd/lerobot@latest
//
// # Usage
//
// First, run setup to detect and calibrate your robot arms:
//
//	lerobot setup
//
// Then start teleoperation, optionally exposing Prometheus metrics:
//
//	lerobot teleoperate --hz 60 --metrics-addr :9090
//
// Before training an ACT policy on recorded episodes, check that every
// precondition holds:
//
//	lerobot train-check --dataset.repo_id=koch_test --dataset.root=recorded_data/throw_paper
//
// # Packages
//
//   - cmd/lerobot: CLI with setup, teleoperate and train-check commands
//   - pkg/robot: Arm control, calibration, configuration, leader and follower devices
//   - pkg/camera: Background frame capture through ffmpeg
//   - pkg/teleop: Teleoperation controller, metrics and health endpoint
//   - pkg/probe: Ordered fail-fast stage runner
//   - pkg/trainsetup: The train-check stages
//   - pkg/device: Compute device detection
//   - pkg/dataset: LeRobot dataset metadata and parquet loading
//   - pkg/policy: ACT configuration, normalization and sizing
//   - pkg/logging: zerolog setup
package lerobot

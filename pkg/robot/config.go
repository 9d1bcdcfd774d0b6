package robot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/paperthrow/lerobot/pkg/camera"
)

const DefaultConfigFile = "lerobot.json"

// Config holds the robot configuration
type Config struct {
	Leader   ArmConfig `json:"leader"`
	Follower ArmConfig `json:"follower"`
}

// ArmConfig holds configuration for a single arm
type ArmConfig struct {
	ID   string `json:"id,omitempty"`
	Port string `json:"port"`
	// CalibrationFile points at a LeRobot calibration JSON, used when Calibration is empty.
	CalibrationFile string                   `json:"calibration_file,omitempty"`
	Calibration     Calibration              `json:"calibration,omitempty"`
	Cameras         map[string]camera.Config `json:"cameras,omitempty"`
}

// DefaultConfig returns the rig layout used for recording: follower with a front and a side camera.
func DefaultConfig() *Config {
	return &Config{
		Leader: ArmConfig{ID: "leader"},
		Follower: ArmConfig{
			ID: "follower",
			Cameras: map[string]camera.Config{
				"front": {IndexOrPath: "0", Width: 640, Height: 480, FPS: 30},
				"side":  {IndexOrPath: "1", Width: 640, Height: 480, FPS: 30},
			},
		},
	}
}

// IsCalibrated returns true if the arm has calibration data
func (a *ArmConfig) IsCalibrated() bool {
	return len(a.Calibration) > 0
}

// ResolveCalibration loads CalibrationFile when no inline calibration is present.
func (a *ArmConfig) ResolveCalibration() error {
	if a.IsCalibrated() || a.CalibrationFile == "" {
		return nil
	}
	cal, err := LoadCalibration(a.CalibrationFile)
	if err != nil {
		return err
	}
	a.Calibration = cal
	return nil
}

// Validate checks that the arm can be connected.
func (a *ArmConfig) Validate() error {
	if a.Port == "" {
		return errors.New("port not configured")
	}
	if !a.IsCalibrated() {
		return errors.New("not calibrated")
	}
	if err := a.Calibration.Validate(); err != nil {
		return err
	}
	for name, cam := range a.Cameras {
		if err := cam.Validate(); err != nil {
			return fmt.Errorf("camera %s: %w", name, err)
		}
	}
	return nil
}

// LoadConfigFrom loads configuration from a specific file.
// Relative calibration file paths are resolved against the config file's directory.
func LoadConfigFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	for _, arm := range []*ArmConfig{&cfg.Leader, &cfg.Follower} {
		if arm.CalibrationFile != "" && !filepath.IsAbs(arm.CalibrationFile) {
			arm.CalibrationFile = filepath.Join(dir, arm.CalibrationFile)
		}
		if err := arm.ResolveCalibration(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// SaveTo saves configuration to a specific file
func (c *Config) SaveTo(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

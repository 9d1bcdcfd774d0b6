package robot

import (
	"encoding/json"
	"fmt"
	"os"
)

// MotorCalibration holds calibration data for a single motor.
// The JSON layout matches LeRobot's calibration files.
type MotorCalibration struct {
	ID           int `json:"id"`
	DriveMode    int `json:"drive_mode"`
	HomingOffset int `json:"homing_offset"`
	RangeMin     int `json:"range_min"`
	RangeMax     int `json:"range_max"`
}

// Calibration holds calibration data for all motors, keyed by motor name.
type Calibration map[MotorName]MotorCalibration

// LoadCalibration loads calibration data from a LeRobot calibration JSON file.
func LoadCalibration(path string) (Calibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read calibration file: %w", err)
	}

	var cal Calibration
	if err := json.Unmarshal(data, &cal); err != nil {
		return nil, fmt.Errorf("parse calibration JSON: %w", err)
	}
	if err := cal.Validate(); err != nil {
		return nil, fmt.Errorf("calibration %s: %w", path, err)
	}
	return cal, nil
}

// Normalize converts a raw servo position to a normalized value in the range [-100, 100].
// Positions outside the calibrated range are clamped. A non-zero drive mode inverts the axis.
func (c MotorCalibration) Normalize(raw int) float64 {
	rangeSize := float64(c.RangeMax - c.RangeMin)
	if rangeSize == 0 {
		return 0
	}
	raw = min(max(raw, c.RangeMin), c.RangeMax)
	norm := (float64(raw-c.RangeMin)/rangeSize)*200 - 100
	if c.DriveMode != 0 {
		norm = -norm
	}
	return norm
}

// Denormalize converts a normalized value [-100, 100] to a raw servo position.
func (c MotorCalibration) Denormalize(norm float64) int {
	norm = min(max(norm, -100), 100)
	if c.DriveMode != 0 {
		norm = -norm
	}
	rangeSize := float64(c.RangeMax - c.RangeMin)
	return int((norm+100)/200*rangeSize+0.5) + c.RangeMin
}

// Validate checks that every motor has an ID and a sane range.
func (c Calibration) Validate() error {
	seen := make(map[int]MotorName, len(c))
	for name, mc := range c {
		if mc.ID <= 0 {
			return fmt.Errorf("motor %s: invalid id %d", name, mc.ID)
		}
		if other, dup := seen[mc.ID]; dup {
			return fmt.Errorf("motors %s and %s share id %d", other, name, mc.ID)
		}
		seen[mc.ID] = name
		if mc.RangeMax < mc.RangeMin {
			return fmt.Errorf("motor %s: range_max %d below range_min %d", name, mc.RangeMax, mc.RangeMin)
		}
	}
	return nil
}

// MotorIDs returns the servo IDs for all motors in the calibration.
func (c Calibration) MotorIDs() []int {
	ids := make([]int, 0, len(c))
	// AllMotors() fixes the ordering
	for _, name := range AllMotors() {
		if mc, ok := c[name]; ok {
			ids = append(ids, mc.ID)
		}
	}
	return ids
}

// ByID returns motor name and calibration for a given servo ID.
func (c Calibration) ByID(id int) (MotorName, MotorCalibration, bool) {
	for name, mc := range c {
		if mc.ID == id {
			return name, mc, true
		}
	}
	return "", MotorCalibration{}, false
}

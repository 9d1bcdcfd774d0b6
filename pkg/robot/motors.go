// Package robot provides abstractions for controlling SO-101 robot arms.
package robot

import "strings"

// MotorName identifies a motor in the arm.
type MotorName string

// Motor names for the SO-101 arm.
const (
	ShoulderPan  MotorName = "shoulder_pan"
	ShoulderLift MotorName = "shoulder_lift"
	ElbowFlex    MotorName = "elbow_flex"
	WristFlex    MotorName = "wrist_flex"
	WristRoll    MotorName = "wrist_roll"
	Gripper      MotorName = "gripper"
)

// AllMotors returns all motor names in order (matching servo IDs 1-6).
func AllMotors() []MotorName {
	return []MotorName{
		ShoulderPan,
		ShoulderLift,
		ElbowFlex,
		WristFlex,
		WristRoll,
		Gripper,
	}
}

const posSuffix = ".pos"

// Key returns the LeRobot feature key for the motor position, e.g. "gripper.pos".
func (m MotorName) Key() string {
	return string(m) + posSuffix
}

// MotorFromKey parses a "<motor>.pos" key.
func MotorFromKey(key string) (MotorName, bool) {
	name, ok := strings.CutSuffix(key, posSuffix)
	if !ok || name == "" {
		return "", false
	}
	return MotorName(name), true
}

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperthrow/lerobot/pkg/camera"
	"github.com/paperthrow/lerobot/pkg/robot"
	"github.com/paperthrow/lerobot/pkg/teleop"
)

func decodeLogLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	return line
}

func TestLogState_IncludesFollowerState(t *testing.T) {
	var buf bytes.Buffer
	logState(zerolog.New(&buf), teleop.State{
		Iteration: 4,
		Action:    robot.Action{"gripper.pos": 12.5, "shoulder_pan.pos": -3},
		Observation: &robot.Observation{
			State:  robot.Action{"gripper.pos": 11, "elbow_flex.pos": 40},
			Images: map[string]camera.Frame{"side": {}, "front": {}},
		},
		LoopTime: 2 * time.Millisecond,
	})

	line := decodeLogLine(t, &buf)
	assert.Equal(t, "Observation", line["message"])
	assert.Equal(t, float64(4), line["step"])
	assert.Equal(t, map[string]any{"gripper.pos": 12.5, "shoulder_pan.pos": float64(-3)}, line["action"])
	assert.Equal(t, map[string]any{"gripper.pos": float64(11), "elbow_flex.pos": float64(40)}, line["state"])
	assert.Equal(t, []any{"front", "side"}, line["images"])
}

func TestLogState_WithoutObservation(t *testing.T) {
	var buf bytes.Buffer
	logState(zerolog.New(&buf), teleop.State{Iteration: 1, Action: robot.Action{"gripper.pos": 1}})

	line := decodeLogLine(t, &buf)
	assert.NotContains(t, line, "state")
	assert.NotContains(t, line, "images")
}

func TestLogState_Failure(t *testing.T) {
	var buf bytes.Buffer
	logState(zerolog.New(&buf), teleop.State{Iteration: 7, Failures: 2, Error: errors.New("camera side: read frame: EOF")})

	line := decodeLogLine(t, &buf)
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, float64(2), line["failures"])
	assert.Equal(t, "camera side: read frame: EOF", line["error"])
}

func TestTeleopModel_QuitsWhenLoopStops(t *testing.T) {
	ctrl, err := teleop.NewController(robot.NewLeader(robot.ArmConfig{}), robot.NewFollower(robot.ArmConfig{}), teleop.Config{Hz: 60})
	require.NoError(t, err)

	m := initialTeleopModel(ctrl)
	next, cmd := m.Update(stoppedMsg{err: errors.New("connect follower: port not configured")})
	require.NotNil(t, cmd)
	assert.True(t, next.(teleopModel).quitting)
}

package robot

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperthrow/lerobot/pkg/camera"
)

type fakeJoints struct {
	positions map[MotorName]float64
	written   map[MotorName]float64
	enabled   bool
	closed    bool
	readErr   error
}

func (f *fakeJoints) ReadPositions(ctx context.Context) (map[MotorName]float64, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.positions, nil
}

func (f *fakeJoints) WritePositions(ctx context.Context, positions map[MotorName]float64) error {
	f.written = positions
	return nil
}

func (f *fakeJoints) Enable(ctx context.Context) error  { f.enabled = true; return nil }
func (f *fakeJoints) Disable(ctx context.Context) error { f.enabled = false; return nil }
func (f *fakeJoints) Close() error                      { f.closed = true; return nil }

func dialFake(j *fakeJoints) func(ArmConfig) (joints, error) {
	return func(ArmConfig) (joints, error) { return j, nil }
}

func TestMotorKeys(t *testing.T) {
	assert.Equal(t, "gripper.pos", Gripper.Key())

	name, ok := MotorFromKey("wrist_roll.pos")
	assert.True(t, ok)
	assert.Equal(t, WristRoll, name)

	_, ok = MotorFromKey("observation.images.front")
	assert.False(t, ok)
	_, ok = MotorFromKey(".pos")
	assert.False(t, ok)
}

func TestAction_RoundTripThroughPositions(t *testing.T) {
	action := Action{"shoulder_pan.pos": 12.5, "gripper.pos": -3, "bogus": 1}
	positions := action.Positions()
	assert.Len(t, positions, 2)
	assert.Equal(t, 12.5, positions[ShoulderPan])
	assert.Equal(t, []string{"gripper.pos", "shoulder_pan.pos"}, ActionFromPositions(positions).Keys())
}

func TestLeader_GetAction(t *testing.T) {
	j := &fakeJoints{positions: map[MotorName]float64{ElbowFlex: 40}, enabled: true}
	l := NewLeader(ArmConfig{ID: "leader"})
	l.dial = dialFake(j)

	_, err := l.GetAction(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, l.Connect(context.Background()))
	assert.False(t, j.enabled, "leader torque must be released")

	action, err := l.GetAction(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Action{"elbow_flex.pos": 40}, action)

	require.NoError(t, l.Disconnect(context.Background()))
	assert.True(t, j.closed)
}

func TestFollower_ObservationAndAction(t *testing.T) {
	j := &fakeJoints{positions: map[MotorName]float64{Gripper: 10}}
	f := NewFollower(ArmConfig{ID: "follower"})
	f.dial = dialFake(j)

	pr, pw := io.Pipe()
	defer pw.Close()
	f.cameras = []*camera.Camera{pipeCamera("front", pr)}

	require.NoError(t, f.Connect(context.Background()))
	go pw.Write([]byte{9, 9, 9})
	assert.True(t, j.enabled)

	obs, err := f.GetObservation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Action{"gripper.pos": 10}, obs.State)
	require.Contains(t, obs.Images, "front")
	assert.Equal(t, []byte{9, 9, 9}, obs.Images["front"].Data)

	sent, err := f.SendAction(context.Background(), Action{"gripper.pos": -20, "unknown": 3})
	require.NoError(t, err)
	assert.Equal(t, Action{"gripper.pos": -20}, sent)
	assert.Equal(t, map[MotorName]float64{Gripper: -20}, j.written)

	require.NoError(t, f.Disconnect(context.Background()))
	assert.False(t, j.enabled)
	assert.True(t, j.closed)
}

func pipeCamera(name string, r io.ReadCloser) *camera.Camera {
	cfg := camera.Config{IndexOrPath: "0", Width: 1, Height: 1, FPS: 30}
	return camera.NewWithOpener(name, cfg, func(ctx context.Context, cfg camera.Config) (io.ReadCloser, error) {
		return r, nil
	})
}

func TestFollower_CameraStreamEnds(t *testing.T) {
	j := &fakeJoints{positions: map[MotorName]float64{Gripper: 10}}
	f := NewFollower(ArmConfig{ID: "follower"})
	f.dial = dialFake(j)
	f.cameras = []*camera.Camera{pipeCamera("side", io.NopCloser(bytes.NewReader([]byte{1, 2, 3})))}
	require.NoError(t, f.Connect(context.Background()))
	defer f.Disconnect(context.Background())

	// The single frame may be returned once; after that the dead stream must fail every read.
	require.Eventually(t, func() bool {
		_, err := f.GetObservation(context.Background())
		return err != nil
	}, time.Second, 5*time.Millisecond)

	_, err := f.GetObservation(context.Background())
	assert.ErrorContains(t, err, "camera side")
	assert.ErrorIs(t, err, io.EOF)
}

func TestFollower_ReadError(t *testing.T) {
	j := &fakeJoints{readErr: errors.New("bus timeout")}
	f := NewFollower(ArmConfig{ID: "follower"})
	f.dial = dialFake(j)
	require.NoError(t, f.Connect(context.Background()))

	_, err := f.GetObservation(context.Background())
	assert.ErrorContains(t, err, "bus timeout")
}

func TestIsSOArm(t *testing.T) {
	assert.True(t, IsSOArm([]int{6, 5, 4, 3, 2, 1}))
	assert.False(t, IsSOArm([]int{1, 2, 3, 4, 5}))
	assert.False(t, IsSOArm([]int{1, 2, 3, 4, 5, 7}))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "leader", cfg.Leader.ID)
	assert.Len(t, cfg.Follower.Cameras, 2)
	assert.Equal(t, camera.IndexOrPath("1"), cfg.Follower.Cameras["side"].IndexOrPath)
}

package robot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/paperthrow/lerobot/pkg/camera"
)

// ErrNotConnected is returned by devices used before Connect.
var ErrNotConnected = errors.New("device not connected")

// Action maps "<motor>.pos" keys to normalized positions.
type Action map[string]float64

// ActionFromPositions converts motor positions to an action.
func ActionFromPositions(positions map[MotorName]float64) Action {
	action := make(Action, len(positions))
	for name, pos := range positions {
		action[name.Key()] = pos
	}
	return action
}

// Positions converts an action back to motor positions, ignoring unknown keys.
func (a Action) Positions() map[MotorName]float64 {
	positions := make(map[MotorName]float64, len(a))
	for key, v := range a {
		if name, ok := MotorFromKey(key); ok {
			positions[name] = v
		}
	}
	return positions
}

// Keys returns the action keys in sorted order.
func (a Action) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Observation is a snapshot of the follower: joint state plus camera frames.
type Observation struct {
	State  Action
	Images map[string]camera.Frame
	Time   time.Time
}

// joints is the servo-level surface Leader and Follower drive. *Arm implements it.
type joints interface {
	ReadPositions(ctx context.Context) (map[MotorName]float64, error)
	WritePositions(ctx context.Context, positions map[MotorName]float64) error
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
	Close() error
}

// Leader is the arm moved by hand. Torque stays off so it can be back-driven.
type Leader struct {
	id   string
	cfg  ArmConfig
	dial func(ArmConfig) (joints, error)
	arm  joints
}

// NewLeader returns an unconnected leader.
func NewLeader(cfg ArmConfig) *Leader {
	return &Leader{id: cfg.ID, cfg: cfg, dial: dialArm}
}

func dialArm(cfg ArmConfig) (joints, error) {
	arm, err := NewArm(cfg)
	if err != nil {
		return nil, err
	}
	return arm, nil
}

// ID returns the configured arm id.
func (l *Leader) ID() string { return l.id }

// Connect opens the bus and releases torque.
func (l *Leader) Connect(ctx context.Context) error {
	arm, err := l.dial(l.cfg)
	if err != nil {
		return fmt.Errorf("connect leader: %w", err)
	}
	if err := arm.Disable(ctx); err != nil {
		arm.Close()
		return fmt.Errorf("leader %s: disable torque: %w", l.id, err)
	}
	l.arm = arm
	return nil
}

// GetAction reads the leader joints as an action.
func (l *Leader) GetAction(ctx context.Context) (Action, error) {
	if l.arm == nil {
		return nil, ErrNotConnected
	}
	positions, err := l.arm.ReadPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("leader %s: %w", l.id, err)
	}
	return ActionFromPositions(positions), nil
}

// Disconnect closes the bus.
func (l *Leader) Disconnect(ctx context.Context) error {
	if l.arm == nil {
		return nil
	}
	err := l.arm.Close()
	l.arm = nil
	return err
}

// CameraReadTimeout bounds how long GetObservation waits for each camera.
const CameraReadTimeout = 500 * time.Millisecond

// Follower is the arm that mirrors the leader, with cameras attached.
type Follower struct {
	id      string
	cfg     ArmConfig
	dial    func(ArmConfig) (joints, error)
	arm     joints
	cameras []*camera.Camera
}

// NewFollower returns an unconnected follower with its configured cameras.
func NewFollower(cfg ArmConfig) *Follower {
	names := make([]string, 0, len(cfg.Cameras))
	for name := range cfg.Cameras {
		names = append(names, name)
	}
	sort.Strings(names)

	cams := make([]*camera.Camera, 0, len(names))
	for _, name := range names {
		cams = append(cams, camera.New(name, cfg.Cameras[name]))
	}
	return &Follower{id: cfg.ID, cfg: cfg, dial: dialArm, cameras: cams}
}

// ID returns the configured arm id.
func (f *Follower) ID() string { return f.id }

// Connect opens the bus, enables torque and starts the cameras.
func (f *Follower) Connect(ctx context.Context) error {
	arm, err := f.dial(f.cfg)
	if err != nil {
		return fmt.Errorf("connect follower: %w", err)
	}
	if err := arm.Enable(ctx); err != nil {
		arm.Close()
		return fmt.Errorf("follower %s: enable torque: %w", f.id, err)
	}

	for i, cam := range f.cameras {
		if err := cam.Connect(ctx); err != nil {
			for _, started := range f.cameras[:i] {
				started.Disconnect()
			}
			arm.Disable(ctx)
			arm.Close()
			return fmt.Errorf("follower %s: %w", f.id, err)
		}
	}

	f.arm = arm
	return nil
}

// GetObservation reads joint positions and the newest frame from each camera.
func (f *Follower) GetObservation(ctx context.Context) (Observation, error) {
	if f.arm == nil {
		return Observation{}, ErrNotConnected
	}
	positions, err := f.arm.ReadPositions(ctx)
	if err != nil {
		return Observation{}, fmt.Errorf("follower %s: %w", f.id, err)
	}

	obs := Observation{
		State:  ActionFromPositions(positions),
		Images: make(map[string]camera.Frame, len(f.cameras)),
		Time:   time.Now(),
	}
	for _, cam := range f.cameras {
		frame, err := cam.AsyncRead(CameraReadTimeout)
		if err != nil {
			return Observation{}, fmt.Errorf("follower %s: %w", f.id, err)
		}
		obs.Images[cam.Name()] = frame
	}
	return obs, nil
}

// SendAction commands the follower joints and returns the action actually sent.
func (f *Follower) SendAction(ctx context.Context, action Action) (Action, error) {
	if f.arm == nil {
		return nil, ErrNotConnected
	}
	positions := action.Positions()
	if err := f.arm.WritePositions(ctx, positions); err != nil {
		return nil, fmt.Errorf("follower %s: %w", f.id, err)
	}
	return ActionFromPositions(positions), nil
}

// Disconnect releases torque, stops the cameras and closes the bus.
func (f *Follower) Disconnect(ctx context.Context) error {
	if f.arm == nil {
		return nil
	}
	var errs []error
	if err := f.arm.Disable(ctx); err != nil {
		errs = append(errs, fmt.Errorf("disable torque: %w", err))
	}
	for _, cam := range f.cameras {
		if err := cam.Disconnect(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := f.arm.Close(); err != nil {
		errs = append(errs, err)
	}
	f.arm = nil
	return errors.Join(errs...)
}

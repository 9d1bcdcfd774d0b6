// Package teleop provides teleoperation control for robot arms.
package teleop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/paperthrow/lerobot/pkg/robot"
)

// Leader produces actions, typically from an arm moved by hand.
type Leader interface {
	Connect(ctx context.Context) error
	GetAction(ctx context.Context) (robot.Action, error)
	Disconnect(ctx context.Context) error
}

// Follower observes its surroundings and executes actions.
type Follower interface {
	Connect(ctx context.Context) error
	GetObservation(ctx context.Context) (robot.Observation, error)
	SendAction(ctx context.Context, action robot.Action) (robot.Action, error)
	Disconnect(ctx context.Context) error
}

// State represents the current state of teleoperation.
type State struct {
	Iteration   uint64 // completed iterations, matching lerobot_teleop_iterations_total
	Failures    uint64 // failed iterations so far
	Action      robot.Action
	Observation *robot.Observation // set only when DisplayData is on
	LoopTime    time.Duration
	Timestamp   time.Time
	Error       error
}

// Controller manages the teleoperation control loop.
type Controller struct {
	leader      Leader
	follower    Follower
	hz          int
	mirror      bool
	displayData bool
	metrics     *Metrics

	mu        sync.RWMutex
	running   bool
	iteration uint64
	failures  uint64
	last      State
	stateCh   chan State
	logCh     chan string
}

// Config holds configuration for the controller.
type Config struct {
	Hz          int  // 0 runs the loop as fast as the devices answer
	Mirror      bool // Invert positions for shoulder_pan and wrist_roll
	DisplayData bool // Publish follower observations with each state
	Metrics     *Metrics
}

// NewController creates a new teleoperation controller.
func NewController(leader Leader, follower Follower, cfg Config) (*Controller, error) {
	if cfg.Hz < 0 {
		return nil, fmt.Errorf("invalid control frequency %d", cfg.Hz)
	}

	return &Controller{
		leader:      leader,
		follower:    follower,
		hz:          cfg.Hz,
		mirror:      cfg.Mirror,
		displayData: cfg.DisplayData,
		metrics:     cfg.Metrics,
		stateCh:     make(chan State, 1),
		logCh:       make(chan string, 10),
	}, nil
}

// States returns a channel that receives state updates.
func (c *Controller) States() <-chan State {
	return c.stateCh
}

// Logs returns a channel that receives log messages.
func (c *Controller) Logs() <-chan string {
	return c.logCh
}

// Hz returns the control frequency.
func (c *Controller) Hz() int {
	return c.hz
}

// LastState returns the most recent loop state.
func (c *Controller) LastState() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// Running reports whether the loop is active.
func (c *Controller) Running() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

func (c *Controller) log(format string, args ...any) {
	msg := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
	select {
	case c.logCh <- msg:
	default:
		// Drop if channel full
	}
}

// Start connects both devices and runs the control loop until ctx is canceled.
// The devices are disconnected before Start returns.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("already running")
	}
	c.running = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	if err := c.follower.Connect(ctx); err != nil {
		c.log("Follower connect failed: %v", err)
		return fmt.Errorf("connect follower: %w", err)
	}
	c.log("Follower connected: torque enabled")

	if err := c.leader.Connect(ctx); err != nil {
		c.log("Leader connect failed: %v", err)
		c.follower.Disconnect(context.Background())
		return fmt.Errorf("connect leader: %w", err)
	}
	c.log("Leader connected: torque disabled (passive mode)")

	if c.hz > 0 {
		c.log("Teleoperation started at %d Hz", c.hz)
	} else {
		c.log("Teleoperation started (unthrottled)")
	}

	// Control loop
	var tick <-chan time.Time
	if c.hz > 0 {
		ticker := time.NewTicker(time.Second / time.Duration(c.hz))
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		if tick != nil {
			select {
			case <-ctx.Done():
				return c.shutdown(ctx)
			case <-tick:
			}
		} else if ctx.Err() != nil {
			return c.shutdown(ctx)
		}
		c.step(ctx)
	}
}

func (c *Controller) step(ctx context.Context) {
	start := time.Now()

	obs, err := c.follower.GetObservation(ctx)
	if err != nil {
		c.fail("observation", err)
		return
	}

	action, err := c.leader.GetAction(ctx)
	if err != nil {
		c.fail("action", err)
		return
	}

	if c.mirror {
		action = Mirror(action)
	}

	sent, err := c.follower.SendAction(ctx, action)
	if err != nil {
		c.fail("send", err)
		return
	}

	elapsed := time.Since(start)
	c.metrics.observe(sent, elapsed)

	s := State{
		Action:    sent,
		LoopTime:  elapsed,
		Timestamp: time.Now(),
	}
	if c.displayData {
		s.Observation = &obs
	}
	c.publish(s)
}

func (c *Controller) fail(stage string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	c.log("%s error: %v", stage, err)
	c.metrics.failed(stage)
	c.publish(State{Error: err, Timestamp: time.Now()})
}

func (c *Controller) publish(s State) {
	c.mu.Lock()
	if s.Error != nil {
		c.failures++
	} else {
		c.iteration++
	}
	s.Iteration = c.iteration
	s.Failures = c.failures
	c.last = s
	c.mu.Unlock()

	select {
	case c.stateCh <- s:
	default:
		// Drop old state if channel full, replace with new
		select {
		case <-c.stateCh:
		default:
		}
		c.stateCh <- s
	}
}

func (c *Controller) shutdown(ctx context.Context) error {
	// ctx is already canceled; disconnect on a fresh one
	dctx := context.Background()
	var errs []error
	if err := c.leader.Disconnect(dctx); err != nil {
		errs = append(errs, fmt.Errorf("disconnect leader: %w", err))
	}
	if err := c.follower.Disconnect(dctx); err != nil {
		errs = append(errs, fmt.Errorf("disconnect follower: %w", err))
	} else {
		c.log("Follower arm: torque disabled")
	}
	c.log("Teleoperation stopped")

	if len(errs) > 0 {
		return errors.Join(append(errs, ctx.Err())...)
	}
	return ctx.Err()
}

// Mirror inverts shoulder_pan and wrist_roll so the follower moves as a mirror image.
func Mirror(action robot.Action) robot.Action {
	out := make(robot.Action, len(action))
	for key, pos := range action {
		switch key {
		case robot.ShoulderPan.Key(), robot.WristRoll.Key():
			out[key] = -pos
		default:
			out[key] = pos
		}
	}
	return out
}

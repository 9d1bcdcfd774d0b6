// Package camera captures frames from OpenCV-style camera indices or device paths.
//
// Capture is delegated to an ffmpeg subprocess that writes raw rgb24 frames to a pipe.
// A reader goroutine keeps only the newest frame. Each frame is handed out once; a
// stream failure is reported by every later read.
package camera

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"
)

// ErrNotConnected is returned when reading from a camera that is not streaming.
var ErrNotConnected = errors.New("camera not connected")

// ErrTimeout is returned when no frame arrives within the read timeout.
var ErrTimeout = errors.New("timed out waiting for frame")

// IndexOrPath is either a numeric device index or a device path/name.
// It accepts both JSON numbers and strings.
type IndexOrPath string

func (p *IndexOrPath) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*p = IndexOrPath(strconv.Itoa(n))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("index_or_path must be a number or string: %w", err)
	}
	*p = IndexOrPath(s)
	return nil
}

// Index returns the numeric index and true if p is an index.
func (p IndexOrPath) Index() (int, bool) {
	n, err := strconv.Atoi(string(p))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Config describes a single camera.
type Config struct {
	IndexOrPath IndexOrPath `json:"index_or_path"`
	Width       int         `json:"width"`
	Height      int         `json:"height"`
	FPS         int         `json:"fps"`
}

// Validate checks that the capture geometry is usable.
func (c Config) Validate() error {
	if c.IndexOrPath == "" {
		return errors.New("index_or_path is required")
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("invalid resolution %dx%d", c.Width, c.Height)
	}
	if c.FPS <= 0 {
		return fmt.Errorf("invalid fps %d", c.FPS)
	}
	return nil
}

// FrameSize is the number of bytes in one rgb24 frame.
func (c Config) FrameSize() int {
	return c.Width * c.Height * 3
}

// Frame is a single rgb24 image.
type Frame struct {
	Width     int
	Height    int
	Data      []byte
	Timestamp time.Time
}

// Opener starts a frame stream for a camera config.
type Opener func(ctx context.Context, cfg Config) (io.ReadCloser, error)

// Camera streams frames from one device.
type Camera struct {
	name string
	cfg  Config
	open Opener

	mu      sync.Mutex
	latest  *Frame
	seq     uint64 // frames received since Connect
	served  uint64 // seq of the last frame returned by AsyncRead
	err     error
	fresh   chan struct{}
	stream  io.ReadCloser
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates a camera that captures through ffmpeg.
func New(name string, cfg Config) *Camera {
	return NewWithOpener(name, cfg, FFmpegOpener)
}

// NewWithOpener creates a camera reading frames from a custom stream source.
func NewWithOpener(name string, cfg Config, open Opener) *Camera {
	return &Camera{
		name:  name,
		cfg:   cfg,
		open:  open,
		fresh: make(chan struct{}, 1),
	}
}

// Name returns the camera key used in observations.
func (c *Camera) Name() string {
	return c.name
}

// Config returns the camera configuration.
func (c *Camera) Config() Config {
	return c.cfg
}

// Connect starts streaming frames in the background.
func (c *Camera) Connect(ctx context.Context) error {
	if err := c.cfg.Validate(); err != nil {
		return fmt.Errorf("camera %s: %w", c.name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("camera %s: already connected", c.name)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := c.open(streamCtx, c.cfg)
	if err != nil {
		cancel()
		return fmt.Errorf("camera %s: open: %w", c.name, err)
	}

	c.stream = stream
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true
	c.err = nil
	c.latest = nil
	c.seq = 0
	c.served = 0

	go c.readLoop(stream, c.done)
	return nil
}

func (c *Camera) readLoop(r io.Reader, done chan struct{}) {
	defer close(done)
	size := c.cfg.FrameSize()
	for {
		buf := make([]byte, size)
		if _, err := io.ReadFull(r, buf); err != nil {
			c.mu.Lock()
			c.err = fmt.Errorf("camera %s: read frame: %w", c.name, err)
			c.mu.Unlock()
			c.signal()
			return
		}

		c.mu.Lock()
		c.latest = &Frame{
			Width:     c.cfg.Width,
			Height:    c.cfg.Height,
			Data:      buf,
			Timestamp: time.Now(),
		}
		c.seq++
		c.mu.Unlock()
		c.signal()
	}
}

func (c *Camera) signal() {
	select {
	case c.fresh <- struct{}{}:
	default:
	}
}

// AsyncRead returns the newest frame not yet returned, waiting up to timeout for it.
// Once the stream has failed it returns the stream error.
func (c *Camera) AsyncRead(timeout time.Duration) (Frame, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if f, ok, err := c.next(); err != nil || ok {
			return f, err
		}

		select {
		case <-c.fresh:
		case <-deadline.C:
			return Frame{}, fmt.Errorf("camera %s: %w after %s", c.name, ErrTimeout, timeout)
		}
	}
}

func (c *Camera) next() (Frame, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return Frame{}, false, ErrNotConnected
	}
	if c.err != nil {
		return Frame{}, false, c.err
	}
	if c.latest == nil || c.seq == c.served {
		return Frame{}, false, nil
	}

	c.served = c.seq
	f := *c.latest
	f.Data = append([]byte(nil), c.latest.Data...)
	return f, true, nil
}

// Disconnect stops the stream and waits for the reader to exit.
func (c *Camera) Disconnect() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	stream, cancel, done := c.stream, c.cancel, c.done
	c.mu.Unlock()

	cancel()
	err := stream.Close()
	<-done
	return err
}

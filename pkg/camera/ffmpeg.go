package camera

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
)

// FFmpegBinary is the ffmpeg executable used for capture.
var FFmpegBinary = "ffmpeg"

// ListDShowDevices returns the DirectShow video device names in enumeration order.
// Windows has no index-addressed capture, so numeric indices are resolved through it.
var ListDShowDevices = listDShowDevices

// FFmpegArgs builds the ffmpeg command line for capturing raw rgb24 frames to stdout.
func FFmpegArgs(ctx context.Context, goos string, cfg Config) ([]string, error) {
	input, err := inputFor(ctx, goos, cfg.IndexOrPath)
	if err != nil {
		return nil, err
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", input.format,
		"-framerate", strconv.Itoa(cfg.FPS),
		"-video_size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
	}
	if input.deviceNumber > 0 {
		args = append(args, "-video_device_number", strconv.Itoa(input.deviceNumber))
	}
	return append(args,
		"-i", input.name,
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"pipe:1",
	), nil
}

type captureInput struct {
	format string
	name   string
	// deviceNumber picks among dshow devices sharing the same name.
	deviceNumber int
}

func inputFor(ctx context.Context, goos string, src IndexOrPath) (captureInput, error) {
	idx, isIndex := src.Index()
	switch goos {
	case "linux":
		if isIndex {
			return captureInput{format: "v4l2", name: fmt.Sprintf("/dev/video%d", idx)}, nil
		}
		return captureInput{format: "v4l2", name: string(src)}, nil
	case "darwin":
		return captureInput{format: "avfoundation", name: string(src)}, nil
	case "windows":
		if !isIndex {
			return captureInput{format: "dshow", name: "video=" + string(src)}, nil
		}
		devices, err := ListDShowDevices(ctx)
		if err != nil {
			return captureInput{}, fmt.Errorf("list dshow devices: %w", err)
		}
		if idx >= len(devices) {
			return captureInput{}, fmt.Errorf("camera index %d: only %d video devices found", idx, len(devices))
		}
		name := devices[idx]
		number := 0
		for _, d := range devices[:idx] {
			if d == name {
				number++
			}
		}
		return captureInput{format: "dshow", name: "video=" + name, deviceNumber: number}, nil
	default:
		return captureInput{}, fmt.Errorf("camera capture not supported on %s", goos)
	}
}

func listDShowDevices(ctx context.Context) ([]string, error) {
	// ffmpeg exits non-zero after listing; the listing itself is on stderr.
	out, err := exec.CommandContext(ctx, FFmpegBinary,
		"-hide_banner", "-list_devices", "true", "-f", "dshow", "-i", "dummy",
	).CombinedOutput()
	devices := ParseDShowDevices(out)
	if len(devices) == 0 && err != nil {
		return nil, fmt.Errorf("%s: %w", FFmpegBinary, err)
	}
	return devices, nil
}

var dshowDevice = regexp.MustCompile(`\]\s+"([^"]+)"(?:\s+\((\w+)\))?`)

// ParseDShowDevices extracts video device names from `ffmpeg -list_devices true -f dshow`
// output. Both the tagged ("name" (video)) and the sectioned listing formats are read.
func ParseDShowDevices(out []byte) []string {
	var devices []string
	inVideo := false
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "DirectShow video devices"):
			inVideo = true
			continue
		case strings.Contains(line, "DirectShow audio devices"):
			inVideo = false
			continue
		}

		m := dshowDevice.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if m[2] == "video" || (m[2] == "" && inVideo) {
			devices = append(devices, m[1])
		}
	}
	return devices
}

// FFmpegOpener starts ffmpeg and returns its stdout as the frame stream.
// Closing the stream stops the process.
func FFmpegOpener(ctx context.Context, cfg Config) (io.ReadCloser, error) {
	args, err := FFmpegArgs(ctx, runtime.GOOS, cfg)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, FFmpegBinary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", FFmpegBinary, err)
	}

	return &processStream{ReadCloser: stdout, cmd: cmd}, nil
}

type processStream struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func (p *processStream) Close() error {
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	// Wait closes stdout; a killed process is the expected outcome here.
	p.cmd.Wait()
	return nil
}

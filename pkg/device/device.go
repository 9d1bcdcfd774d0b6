// Package device picks the compute device a policy is placed on.
//
// Accelerators are discovered the way the training stack sees them: CUDA GPUs through
// nvidia-smi (honoring CUDA_VISIBLE_DEVICES) and the Metal device on Apple Silicon.
// When none is available the host CPU is used.
package device

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Kind is the compute backend of a device.
type Kind string

const (
	CPU  Kind = "cpu"
	CUDA Kind = "cuda"
	MPS  Kind = "mps"
)

// Device is a single compute device.
type Device struct {
	Kind        Kind
	Index       int
	Name        string
	MemoryBytes uint64 // 0 when unknown
}

// String returns the device name as accepted by --policy.device, e.g. "cuda:0" or "cpu".
func (d Device) String() string {
	if d.Kind == CUDA {
		return fmt.Sprintf("%s:%d", d.Kind, d.Index)
	}
	return string(d.Kind)
}

// Describe returns a human-readable summary.
func (d Device) Describe() string {
	if d.MemoryBytes == 0 {
		return fmt.Sprintf("%s (%s)", d, d.Name)
	}
	return fmt.Sprintf("%s (%s, %s)", d, d.Name, humanize.IBytes(d.MemoryBytes))
}

// Accelerated reports whether the device is not the CPU.
func (d Device) Accelerated() bool {
	return d.Kind == CUDA || d.Kind == MPS
}

// Detector discovers available devices. Fields are swappable for tests.
type Detector struct {
	GOOS      string
	GOARCH    string
	LookupEnv func(key string) (string, bool)
	// QueryGPUs returns nvidia-smi CSV output: index, name, memory.total [MiB].
	QueryGPUs func(ctx context.Context) ([]byte, error)
	// HostInfo returns the CPU model and total RAM.
	HostInfo func(ctx context.Context) (string, uint64)
}

// NewDetector returns a detector for the current host.
func NewDetector() *Detector {
	return &Detector{
		GOOS:      runtime.GOOS,
		GOARCH:    runtime.GOARCH,
		LookupEnv: os.LookupEnv,
		QueryGPUs: queryNvidiaSMI,
		HostInfo:  hostInfo,
	}
}

func queryNvidiaSMI(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=index,name,memory.total",
		"--format=csv,noheader,nounits",
	).Output()
}

func hostInfo(ctx context.Context) (string, uint64) {
	model := runtime.GOARCH
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 && infos[0].ModelName != "" {
		model = infos[0].ModelName
	}
	var total uint64
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		total = vm.Total
	}
	return model, total
}

// CPU returns the host CPU device.
func (d *Detector) CPU(ctx context.Context) Device {
	model, total := d.HostInfo(ctx)
	return Device{Kind: CPU, Name: model, MemoryBytes: total}
}

// Accelerators lists the visible accelerators, best first. Discovery failures yield none.
func (d *Detector) Accelerators(ctx context.Context) []Device {
	var devices []Device
	devices = append(devices, d.cudaDevices(ctx)...)
	if d.GOOS == "darwin" && d.GOARCH == "arm64" {
		_, total := d.HostInfo(ctx)
		devices = append(devices, Device{Kind: MPS, Name: "Apple Silicon GPU", MemoryBytes: total})
	}
	return devices
}

func (d *Detector) cudaDevices(ctx context.Context) []Device {
	visible, restricted := d.LookupEnv("CUDA_VISIBLE_DEVICES")
	visible = strings.TrimSpace(visible)
	if restricted && (visible == "" || visible == "-1") {
		return nil
	}

	out, err := d.QueryGPUs(ctx)
	if err != nil {
		return nil
	}
	all := parseNvidiaSMI(out)
	if !restricted {
		return all
	}

	// CUDA renumbers visible devices from zero in the listed order.
	byIndex := make(map[int]Device, len(all))
	for _, dev := range all {
		byIndex[dev.Index] = dev
	}
	var devices []Device
	for _, field := range strings.Split(visible, ",") {
		idx, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil {
			break
		}
		dev, ok := byIndex[idx]
		if !ok {
			break
		}
		dev.Index = len(devices)
		devices = append(devices, dev)
	}
	return devices
}

func parseNvidiaSMI(out []byte) []Device {
	var devices []Device
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ",")
		if len(fields) < 3 {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			continue
		}
		dev := Device{Kind: CUDA, Index: idx, Name: strings.TrimSpace(fields[1])}
		if mib, err := strconv.ParseUint(strings.TrimSpace(fields[2]), 10, 64); err == nil {
			dev.MemoryBytes = mib * 1024 * 1024
		}
		devices = append(devices, dev)
	}
	return devices
}

// Selection is the outcome of Select.
type Selection struct {
	Device   Device
	Fallback bool   // an accelerator was wanted but the CPU was chosen
	Reason   string // why the fallback happened
}

// Select resolves a requested device ("auto", "cuda", "mps" or "cpu") to exactly one
// device. It never fails: when the request cannot be met it falls back to the CPU.
func Select(ctx context.Context, det *Detector, requested string) Selection {
	want := Kind(strings.ToLower(strings.TrimSpace(requested)))
	if i := strings.IndexByte(string(want), ':'); i >= 0 {
		want = want[:i]
	}

	switch want {
	case CPU:
		return Selection{Device: det.CPU(ctx)}
	case "", "auto", CUDA, MPS:
	default:
		return Selection{
			Device:   det.CPU(ctx),
			Fallback: true,
			Reason:   fmt.Sprintf("unknown device %q", requested),
		}
	}

	for _, dev := range det.Accelerators(ctx) {
		if want == "" || want == "auto" || dev.Kind == want {
			return Selection{Device: dev}
		}
	}

	reason := "no accelerator available"
	if want == CUDA || want == MPS {
		reason = fmt.Sprintf("%s not available", want)
	}
	return Selection{Device: det.CPU(ctx), Fallback: true, Reason: reason}
}

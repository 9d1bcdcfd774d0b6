package policy

import (
	"errors"
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"

	"github.com/paperthrow/lerobot/pkg/dataset"
	"github.com/paperthrow/lerobot/pkg/device"
)

// Backbone sizes without the classification head, and their output channels.
var backboneParams = map[string]struct {
	params   int64
	channels int64
}{
	"resnet18": {11_176_512, 512},
	"resnet34": {21_284_672, 512},
	"resnet50": {23_508_032, 2048},
}

// ACTPolicy is a constructed, not yet trained, ACT policy.
type ACTPolicy struct {
	config     ACTConfig
	inputNorm  map[string]Normalizer
	outputNorm map[string]Normalizer
	params     int64
	device     device.Device
	placed     bool
}

// NewACTPolicy builds the policy and its normalizers from dataset statistics.
func NewACTPolicy(cfg ACTConfig, stats dataset.Stats) (*ACTPolicy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &ACTPolicy{
		config:     cfg,
		inputNorm:  make(map[string]Normalizer, len(cfg.InputFeatures)),
		outputNorm: make(map[string]Normalizer, len(cfg.OutputFeatures)),
	}
	if err := buildNormalizers(p.inputNorm, cfg.InputFeatures, cfg.NormalizationMapping, stats); err != nil {
		return nil, err
	}
	if err := buildNormalizers(p.outputNorm, cfg.OutputFeatures, cfg.NormalizationMapping, stats); err != nil {
		return nil, err
	}
	p.params = estimateParameters(cfg)
	return p, nil
}

func buildNormalizers(dst map[string]Normalizer, features map[string]dataset.Feature,
	mapping map[string]NormalizationMode, stats dataset.Stats) error {
	keys := make([]string, 0, len(features))
	for k := range features {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		f := features[key]
		mode, ok := mapping[groupOf(f)]
		if !ok {
			mode = Identity
		}
		n, err := newNormalizer(key, f, mode, stats)
		if err != nil {
			return err
		}
		dst[key] = n
	}
	return nil
}

// Config returns the policy configuration.
func (p *ACTPolicy) Config() ACTConfig {
	return p.config
}

// NumParameters returns the estimated number of trainable parameters.
func (p *ACTPolicy) NumParameters() int64 {
	return p.params
}

// ParameterBytes returns the float32 footprint of the parameters.
func (p *ACTPolicy) ParameterBytes() uint64 {
	return uint64(p.params) * 4
}

// Summary returns a one-line description of the model size.
func (p *ACTPolicy) Summary() string {
	return fmt.Sprintf("ACT %s, %s parameters (%s)",
		p.config.VisionBackbone, humanize.Comma(p.params), humanize.IBytes(p.ParameterBytes()))
}

// NormalizeInput normalizes values of an input feature.
func (p *ACTPolicy) NormalizeInput(key string, x []float64) ([]float64, error) {
	n, ok := p.inputNorm[key]
	if !ok {
		return nil, fmt.Errorf("unknown input feature %s", key)
	}
	return n.Apply(x)
}

// UnnormalizeOutput maps a normalized output back to the data range.
func (p *ACTPolicy) UnnormalizeOutput(key string, y []float64) ([]float64, error) {
	n, ok := p.outputNorm[key]
	if !ok {
		return nil, fmt.Errorf("unknown output feature %s", key)
	}
	return n.Invert(y)
}

// To places the policy on d. It fails when the device cannot hold the parameters.
func (p *ACTPolicy) To(d device.Device) error {
	switch d.Kind {
	case device.CPU, device.CUDA, device.MPS:
	default:
		return fmt.Errorf("unsupported device %q", d.Kind)
	}
	if d.MemoryBytes > 0 && p.ParameterBytes() > d.MemoryBytes {
		return fmt.Errorf("policy needs %s, %s has %s",
			humanize.IBytes(p.ParameterBytes()), d, humanize.IBytes(d.MemoryBytes))
	}
	p.device = d
	p.placed = true
	return nil
}

// Device returns the device the policy was placed on.
func (p *ACTPolicy) Device() (device.Device, error) {
	if !p.placed {
		return device.Device{}, errors.New("policy not placed on a device")
	}
	return p.device, nil
}

// estimateParameters counts ACT's parameters from its layer sizes.
func estimateParameters(c ACTConfig) int64 {
	d := int64(c.DimModel)
	ff := int64(c.DimFeedforward)

	attn := 4*d*d + 4*d
	mlp := d*ff + ff + ff*d + d
	encLayer := attn + mlp + 2*2*d
	decLayer := 2*attn + mlp + 3*2*d

	linear := func(in, out int64) int64 { return in*out + out }

	dimOf := func(key string) int64 {
		if key == "" {
			return 0
		}
		if f, ok := c.InputFeatures[key]; ok {
			return int64(f.NumElements())
		}
		return int64(c.OutputFeatures[key].NumElements())
	}
	stateDim := dimOf(c.RobotStateFeature())
	envDim := dimOf(c.EnvStateFeature())
	actionDim := dimOf(c.ActionFeature())

	var total int64

	if c.UseVAE {
		total += int64(c.NVAEEncoderLayers) * encLayer
		total += d // cls embedding
		if stateDim > 0 {
			total += linear(stateDim, d)
		}
		total += linear(actionDim, d)
		total += linear(d, 2*int64(c.LatentDim))
	}

	images := c.ImageFeatures()
	if len(images) > 0 {
		bb := backboneParams[c.VisionBackbone]
		total += bb.params
		total += linear(bb.channels, d) // 1x1 conv projection
	}

	total += int64(c.NEncoderLayers) * encLayer
	if c.PreNorm {
		total += 2 * d
	}
	total += int64(c.NDecoderLayers)*decLayer + 2*d

	n1d := int64(1)
	if stateDim > 0 {
		total += linear(stateDim, d)
		n1d++
	}
	if envDim > 0 {
		total += linear(envDim, d)
		n1d++
	}
	total += linear(int64(c.LatentDim), d)
	total += n1d * d
	total += int64(c.ChunkSize) * d
	total += linear(d, actionDim)

	return total
}

// Package policy builds ACT (Action Chunking Transformer) policies from dataset features
// and statistics and places them on a compute device.
package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/paperthrow/lerobot/pkg/dataset"
)

// NormalizationMode selects how a feature is normalized.
type NormalizationMode string

const (
	MeanStd  NormalizationMode = "MEAN_STD"
	MinMax   NormalizationMode = "MIN_MAX"
	Identity NormalizationMode = "IDENTITY"
)

// Policy feature groups, keyed the way normalization mappings are.
const (
	GroupVisual = "VISUAL"
	GroupState  = "STATE"
	GroupEnv    = "ENV"
	GroupAction = "ACTION"
)

func groupOf(f dataset.Feature) string {
	switch f.Type {
	case dataset.TypeVisual:
		return GroupVisual
	case dataset.TypeState:
		return GroupState
	case dataset.TypeEnv:
		return GroupEnv
	case dataset.TypeAction:
		return GroupAction
	}
	return ""
}

// ACTConfig mirrors LeRobot's ACT configuration.
type ACTConfig struct {
	InputFeatures  map[string]dataset.Feature
	OutputFeatures map[string]dataset.Feature
	// IgnoredFeatures are inputs without a policy type (timestamps, indices).
	IgnoredFeatures []string

	NObsSteps    int
	ChunkSize    int
	NActionSteps int

	NormalizationMapping map[string]NormalizationMode

	VisionBackbone            string
	PretrainedBackboneWeights string
	PreNorm                   bool
	DimModel                  int
	NHeads                    int
	DimFeedforward            int
	FeedforwardActivation     string
	NEncoderLayers            int
	NDecoderLayers            int

	UseVAE            bool
	LatentDim         int
	NVAEEncoderLayers int

	// TemporalEnsembleCoeff enables temporal ensembling when non-nil.
	TemporalEnsembleCoeff *float64

	Dropout  float64
	KLWeight float64

	OptimizerLR          float64
	OptimizerWeightDecay float64
	OptimizerLRBackbone  float64
}

// DefaultACTConfig returns LeRobot's ACT defaults with no features.
func DefaultACTConfig() ACTConfig {
	return ACTConfig{
		NObsSteps:    1,
		ChunkSize:    100,
		NActionSteps: 100,
		NormalizationMapping: map[string]NormalizationMode{
			GroupVisual: MeanStd,
			GroupState:  MeanStd,
			GroupEnv:    MeanStd,
			GroupAction: MeanStd,
		},
		VisionBackbone:            "resnet18",
		PretrainedBackboneWeights: "ResNet18_Weights.IMAGENET1K_V1",
		DimModel:                  512,
		NHeads:                    8,
		DimFeedforward:            3200,
		FeedforwardActivation:     "relu",
		NEncoderLayers:            4,
		NDecoderLayers:            1,
		UseVAE:                    true,
		LatentDim:                 32,
		NVAEEncoderLayers:         4,
		Dropout:                   0.1,
		KLWeight:                  10.0,
		OptimizerLR:               1e-5,
		OptimizerWeightDecay:      1e-4,
		OptimizerLRBackbone:       1e-5,
	}
}

// NewACTConfig builds a validated configuration from split dataset features.
// Inputs without a policy type are recorded in IgnoredFeatures.
func NewACTConfig(inputs, outputs map[string]dataset.Feature) (ACTConfig, error) {
	cfg := DefaultACTConfig()
	cfg.InputFeatures = make(map[string]dataset.Feature, len(inputs))
	cfg.OutputFeatures = make(map[string]dataset.Feature, len(outputs))

	for key, f := range inputs {
		if groupOf(f) == "" {
			cfg.IgnoredFeatures = append(cfg.IgnoredFeatures, key)
			continue
		}
		cfg.InputFeatures[key] = f
	}
	sort.Strings(cfg.IgnoredFeatures)
	for key, f := range outputs {
		cfg.OutputFeatures[key] = f
	}

	if err := cfg.Validate(); err != nil {
		return ACTConfig{}, err
	}
	return cfg, nil
}

// Validate checks the configuration the way ACT does before building a model.
func (c ACTConfig) Validate() error {
	if !strings.HasPrefix(c.VisionBackbone, "resnet") {
		return fmt.Errorf("vision_backbone must be a ResNet variant, got %q", c.VisionBackbone)
	}
	if _, ok := backboneParams[c.VisionBackbone]; !ok {
		return fmt.Errorf("unknown vision backbone %q", c.VisionBackbone)
	}
	if c.TemporalEnsembleCoeff != nil && c.NActionSteps > 1 {
		return errors.New("n_action_steps must be 1 when using temporal ensembling")
	}
	if c.NActionSteps > c.ChunkSize {
		return fmt.Errorf("chunk_size (%d) must be >= n_action_steps (%d)", c.ChunkSize, c.NActionSteps)
	}
	if c.NObsSteps != 1 {
		return fmt.Errorf("multiple observation steps not handled yet, got n_obs_steps=%d", c.NObsSteps)
	}
	if c.DimModel <= 0 || c.NHeads <= 0 || c.DimModel%c.NHeads != 0 {
		return fmt.Errorf("dim_model (%d) must be divisible by n_heads (%d)", c.DimModel, c.NHeads)
	}

	if len(c.ImageFeatures()) == 0 && c.EnvStateFeature() == "" {
		return errors.New("you must provide at least one image or the environment state among the inputs")
	}
	if c.ActionFeature() == "" {
		return errors.New("no action feature among the outputs")
	}
	for key, f := range c.OutputFeatures {
		if f.Type != dataset.TypeAction {
			return fmt.Errorf("output feature %s is not an action", key)
		}
	}
	return nil
}

// ImageFeatures returns the visual input keys, sorted.
func (c ACTConfig) ImageFeatures() []string {
	return c.inputsOf(GroupVisual)
}

// RobotStateFeature returns the state input key, or "".
func (c ACTConfig) RobotStateFeature() string {
	return first(c.inputsOf(GroupState))
}

// EnvStateFeature returns the environment state input key, or "".
func (c ACTConfig) EnvStateFeature() string {
	return first(c.inputsOf(GroupEnv))
}

// ActionFeature returns the action output key, or "".
func (c ACTConfig) ActionFeature() string {
	keys := make([]string, 0, len(c.OutputFeatures))
	for key, f := range c.OutputFeatures {
		if f.Type == dataset.TypeAction {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return first(keys)
}

func (c ACTConfig) inputsOf(group string) []string {
	var keys []string
	for key, f := range c.InputFeatures {
		if groupOf(f) == group {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func first(keys []string) string {
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}

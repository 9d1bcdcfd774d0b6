// Package probe runs ordered precondition checks and stops at the first one that fails.
//
// Each stage either succeeds or returns an error that is classified as a missing
// precondition or an unexpected failure. Later stages never run after a failure.
package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Kind classifies a stage failure.
type Kind int

const (
	// KindUnexpected is any failure that is not a known missing precondition.
	KindUnexpected Kind = iota
	// KindMissingPrecondition means something the stage requires is absent.
	KindMissingPrecondition
)

func (k Kind) String() string {
	switch k {
	case KindMissingPrecondition:
		return "missing_precondition"
	default:
		return "unexpected"
	}
}

type missingError struct{ err error }

func (e *missingError) Error() string { return e.err.Error() }
func (e *missingError) Unwrap() error { return e.err }

// Missing returns an error marking a missing precondition.
func Missing(format string, args ...any) error {
	return &missingError{err: fmt.Errorf(format, args...)}
}

// StageError is the failure of a named stage.
type StageError struct {
	Stage string
	Kind  Kind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Stage is one check. Fail is the human message logged when Run fails.
type Stage[T any] struct {
	Name string
	Fail string
	Run  func(ctx context.Context, state *T) error
}

// Report is the outcome of a pipeline run.
type Report struct {
	Completed []string
	Failed    string
	Err       *StageError
	Elapsed   time.Duration
}

// OK reports whether every stage completed.
func (r Report) OK() bool {
	return r.Err == nil
}

// Pipeline runs stages strictly in order.
type Pipeline[T any] struct {
	log    zerolog.Logger
	stages []Stage[T]
}

// New creates a pipeline.
func New[T any](log zerolog.Logger, stages ...Stage[T]) *Pipeline[T] {
	return &Pipeline[T]{log: log, stages: stages}
}

// Run executes the stages against state until one fails. It never panics and never
// retries; a failure is logged with its cause and returned in the report.
func (p *Pipeline[T]) Run(ctx context.Context, state *T) Report {
	start := time.Now()
	var report Report

	for _, stage := range p.stages {
		p.log.Debug().Str("stage", stage.Name).Msg("stage start")

		err := ctx.Err()
		if err == nil {
			err = runStage(ctx, stage, state)
		}
		if err != nil {
			serr := classify(stage.Name, err)
			msg := stage.Fail
			if msg == "" {
				msg = "stage " + stage.Name + " failed"
			}
			p.log.Error().
				Str("stage", stage.Name).
				Str("kind", serr.Kind.String()).
				Err(err).
				Msg(msg)

			report.Failed = stage.Name
			report.Err = serr
			report.Elapsed = time.Since(start)
			return report
		}

		report.Completed = append(report.Completed, stage.Name)
		p.log.Debug().Str("stage", stage.Name).Msg("stage done")
	}

	report.Elapsed = time.Since(start)
	return report
}

func runStage[T any](ctx context.Context, stage Stage[T], state *T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return stage.Run(ctx, state)
}

func classify(stage string, err error) *StageError {
	var missing *missingError
	kind := KindUnexpected
	if errors.As(err, &missing) {
		kind = KindMissingPrecondition
	}
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

// Package pipeline materializes the environment of a background by driving
// each of its Given-steps through parsing, catalog validation, index upsert
// and environment linking.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/specenv/pkg/envstore"
	"github.com/3leaps/specenv/pkg/feature"
	"github.com/3leaps/specenv/pkg/stepspec"
)

// Stage names the check a step failed in.
type Stage string

const (
	StageParse    Stage = "parse"
	StageValidate Stage = "validate"
	StageUpsert   Stage = "upsert"
	StageLink     Stage = "link"
)

// PipelineError reports the step that aborted a materialization. Err is the
// underlying *stepspec.ParseError, *catalog.ValidationError or storage
// error and is reachable with errors.As.
type PipelineError struct {
	BackgroundID string
	StepIndex    int
	StepID       string
	StepText     string
	Stage        Stage
	Err          error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("background %s: step %d %q: %s: %v", e.BackgroundID, e.StepIndex, e.StepText, e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// StepSource loads the ordered steps of a background.
type StepSource interface {
	GetBackgroundSteps(ctx context.Context, backgroundID string) ([]envstore.Step, error)
}

// Validator checks a parsed spec against the catalogs.
type Validator interface {
	Validate(ctx context.Context, spec stepspec.ResourceSpec) error
}

// Registry returns the canonical index for a spec.
type Registry interface {
	Upsert(ctx context.Context, spec stepspec.ResourceSpec) (*envstore.Index, error)
}

// Assembler links indexes into the environment of a background.
type Assembler interface {
	Link(ctx context.Context, indexID, backgroundID string) (*envstore.Environment, error)
	Ensure(ctx context.Context, backgroundID string) (*envstore.Environment, error)
}

// Run summarizes one materialization for observers.
type Run struct {
	BackgroundID string
	Steps        int
	Duration     time.Duration
	Err          error
}

// Option configures a Materializer.
type Option func(*Materializer)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Materializer) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithObserver registers a callback invoked after every Materialize call.
func WithObserver(fn func(Run)) Option {
	return func(m *Materializer) { m.observer = fn }
}

// Materializer is stateless between calls; calls for different backgrounds
// run independently.
type Materializer struct {
	steps     StepSource
	validator Validator
	registry  Registry
	assembler Assembler
	logger    *zap.Logger
	observer  func(Run)
}

func New(steps StepSource, validator Validator, registry Registry, assembler Assembler, opts ...Option) *Materializer {
	m := &Materializer{
		steps:     steps,
		validator: validator,
		registry:  registry,
		assembler: assembler,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Materialize processes the Given-steps of backgroundID in stored order and
// returns the resulting environment. The first failing step aborts the call
// with a *PipelineError; indexes upserted and linked by earlier steps are
// kept. A background without Given-steps yields an empty environment.
func (m *Materializer) Materialize(ctx context.Context, backgroundID string) (env *envstore.Environment, err error) {
	start := time.Now()
	given := 0
	defer func() {
		if m.observer != nil {
			m.observer(Run{BackgroundID: backgroundID, Steps: given, Duration: time.Since(start), Err: err})
		}
	}()

	steps, err := m.steps.GetBackgroundSteps(ctx, backgroundID)
	if err != nil {
		return nil, err
	}

	logger := m.logger.With(zap.String("background_id", backgroundID))
	for _, step := range GivenSteps(steps) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := m.apply(ctx, backgroundID, given, step); err != nil {
			logger.Warn("Materialization aborted", zap.Error(err))
			return nil, err
		}
		given++
	}

	env, err = m.assembler.Ensure(ctx, backgroundID)
	if err != nil {
		return nil, err
	}
	logger.Info("Environment materialized",
		zap.String("environment_id", env.ID),
		zap.String("signature", env.Signature),
		zap.String("status", env.Status.String()),
		zap.Int("steps", given),
		zap.Int("indexes", len(env.Indexes)))
	return env, nil
}

func (m *Materializer) apply(ctx context.Context, backgroundID string, i int, step envstore.Step) error {
	fail := func(stage Stage, err error) error {
		return &PipelineError{
			BackgroundID: backgroundID,
			StepIndex:    i,
			StepID:       step.ID,
			StepText:     step.Value,
			Stage:        stage,
			Err:          err,
		}
	}

	spec, err := stepspec.Parse(step.Value)
	if err != nil {
		return fail(StageParse, err)
	}
	if err := m.validator.Validate(ctx, spec); err != nil {
		return fail(StageValidate, err)
	}
	idx, err := m.registry.Upsert(ctx, spec)
	if err != nil {
		return fail(StageUpsert, err)
	}
	if _, err := m.assembler.Link(ctx, idx.ID, backgroundID); err != nil {
		return fail(StageLink, err)
	}
	return nil
}

// GivenSteps filters steps down to Given-steps, keeping their order.
func GivenSteps(steps []envstore.Step) []envstore.Step {
	out := make([]envstore.Step, 0, len(steps))
	for _, s := range steps {
		if s.Type == feature.StepGiven {
			out = append(out, s)
		}
	}
	return out
}

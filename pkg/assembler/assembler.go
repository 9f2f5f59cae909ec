// Package assembler links indexes into the environment owned by a
// background.
package assembler

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/3leaps/specenv/pkg/envstore"
	"github.com/3leaps/specenv/pkg/lease"
)

// Repository is the persistence surface used by the assembler.
type Repository interface {
	GetEnvironmentForBackground(ctx context.Context, backgroundID string) (*envstore.Environment, error)
	CreateEnvironment(ctx context.Context, backgroundID string) (*envstore.Environment, error)
	LinkIndex(ctx context.Context, environmentID, indexID string) (*envstore.Environment, error)
}

// Assembler serializes member-set mutations per environment. Within the
// process a lease keyed by background guards the read-modify-write; across
// processes the store locks the environment row.
type Assembler struct {
	repo   Repository
	leases lease.Table
	logger *zap.Logger
}

// New returns an Assembler. A nil logger disables logging.
func New(repo Repository, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{repo: repo, logger: logger}
}

// Link adds indexID to the environment of backgroundID, creating the
// environment on first use. Re-linking an index is a no-op. The refreshed
// environment is returned.
func (a *Assembler) Link(ctx context.Context, indexID, backgroundID string) (*envstore.Environment, error) {
	release, err := a.leases.Acquire(ctx, backgroundID)
	if err != nil {
		return nil, err
	}
	defer release()

	env, err := a.ensure(ctx, backgroundID)
	if err != nil {
		return nil, err
	}

	before := len(env.Indexes)
	env, err = a.repo.LinkIndex(ctx, env.ID, indexID)
	if err != nil {
		return nil, err
	}
	if len(env.Indexes) != before {
		a.logger.Debug("Linked index",
			zap.String("environment_id", env.ID),
			zap.String("index_id", indexID),
			zap.String("status", env.Status.String()))
	}
	return env, nil
}

// Ensure returns the environment of backgroundID, creating it empty if
// needed.
func (a *Assembler) Ensure(ctx context.Context, backgroundID string) (*envstore.Environment, error) {
	release, err := a.leases.Acquire(ctx, backgroundID)
	if err != nil {
		return nil, err
	}
	defer release()
	return a.ensure(ctx, backgroundID)
}

func (a *Assembler) ensure(ctx context.Context, backgroundID string) (*envstore.Environment, error) {
	env, err := a.repo.GetEnvironmentForBackground(ctx, backgroundID)
	if err == nil {
		return env, nil
	}
	if !errors.Is(err, envstore.ErrNotFound) {
		return nil, err
	}

	env, err = a.repo.CreateEnvironment(ctx, backgroundID)
	if err != nil {
		return nil, err
	}
	a.logger.Info("Created environment",
		zap.String("environment_id", env.ID),
		zap.String("background_id", backgroundID))
	return env, nil
}

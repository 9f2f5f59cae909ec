// Package catalog validates resource specs against the reference catalogs of
// index types, data sources and their compatibility pairs.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/specenv/pkg/stepspec"
)

// Kind classifies a validation failure.
type Kind uint8

const (
	UnknownType Kind = iota
	UnknownSource
	IncompatiblePair
)

func (k Kind) String() string {
	switch k {
	case UnknownType:
		return "unknown_type"
	case UnknownSource:
		return "unknown_source"
	case IncompatiblePair:
		return "incompatible_pair"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ValidationError reports a well-formed spec that the catalogs reject.
type ValidationError struct {
	Kind       Kind
	IndexType  string
	DataSource string
}

func (e *ValidationError) Error() string {
	switch e.Kind {
	case UnknownType:
		return fmt.Sprintf("unknown index type %q", e.IndexType)
	case UnknownSource:
		return fmt.Sprintf("unknown data source %q", e.DataSource)
	default:
		return fmt.Sprintf("data source %q cannot feed index type %q", e.DataSource, e.IndexType)
	}
}

// Policy controls how compatibility failures are treated by Validate.
type Policy string

const (
	// PolicyEnforce rejects incompatible pairs.
	PolicyEnforce Policy = "enforce"
	// PolicyAdvisory logs incompatible pairs and accepts them.
	PolicyAdvisory Policy = "advisory"
	// PolicyOff skips the compatibility check.
	PolicyOff Policy = "off"
)

// ParsePolicy parses a policy name; the empty string means PolicyEnforce.
func ParsePolicy(v string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(v))); p {
	case "":
		return PolicyEnforce, nil
	case PolicyEnforce, PolicyAdvisory, PolicyOff:
		return p, nil
	default:
		return "", fmt.Errorf("invalid compatibility policy %q (expected enforce, advisory or off)", v)
	}
}

// Reader is the read-only catalog access the validator needs.
type Reader interface {
	HasIndexType(ctx context.Context, id string) (bool, error)
	HasDataSource(ctx context.Context, id string) (bool, error)
	HasCompatibility(ctx context.Context, dataSource, indexType string) (bool, error)
}

// Validator checks specs against a catalog Reader.
type Validator struct {
	reader Reader
	policy Policy
	logger *zap.Logger
}

// NewValidator returns a Validator. A nil logger disables logging.
func NewValidator(reader Reader, policy Policy, logger *zap.Logger) *Validator {
	if policy == "" {
		policy = PolicyEnforce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{reader: reader, policy: policy, logger: logger}
}

// Policy returns the configured compatibility policy.
func (v *Validator) Policy() Policy { return v.policy }

// ValidateIndexType fails with UnknownType when t is not in the catalog.
func (v *Validator) ValidateIndexType(ctx context.Context, t string) error {
	ok, err := v.reader.HasIndexType(ctx, t)
	if err != nil {
		return err
	}
	if !ok {
		return &ValidationError{Kind: UnknownType, IndexType: t}
	}
	return nil
}

// ValidateDataSource fails with UnknownSource when s is not in the catalog.
func (v *Validator) ValidateDataSource(ctx context.Context, s string) error {
	ok, err := v.reader.HasDataSource(ctx, s)
	if err != nil {
		return err
	}
	if !ok {
		return &ValidationError{Kind: UnknownSource, DataSource: s}
	}
	return nil
}

// ValidateCompatibility fails with IncompatiblePair when s may not feed t.
// It ignores the policy; Validate applies it.
func (v *Validator) ValidateCompatibility(ctx context.Context, s, t string) error {
	ok, err := v.reader.HasCompatibility(ctx, s, t)
	if err != nil {
		return err
	}
	if !ok {
		return &ValidationError{Kind: IncompatiblePair, IndexType: t, DataSource: s}
	}
	return nil
}

// Validate runs the type and source checks, then the compatibility check
// according to the policy.
func (v *Validator) Validate(ctx context.Context, spec stepspec.ResourceSpec) error {
	if err := v.ValidateIndexType(ctx, spec.IndexType); err != nil {
		return err
	}
	if err := v.ValidateDataSource(ctx, spec.DataSource); err != nil {
		return err
	}
	if v.policy == PolicyOff {
		return nil
	}

	err := v.ValidateCompatibility(ctx, spec.DataSource, spec.IndexType)
	if err == nil {
		return nil
	}
	var ve *ValidationError
	if errors.As(err, &ve) && v.policy == PolicyAdvisory {
		v.logger.Warn("Accepting incompatible data source",
			zap.String("index_type", spec.IndexType),
			zap.String("data_source", spec.DataSource))
		return nil
	}
	return err
}

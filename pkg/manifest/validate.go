package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	schemasassets "github.com/3leaps/specenv/internal/assets/schemas"
	"github.com/fulmenhq/gofulmen/schema"
)

var (
	// ErrSchemaNotFound indicates the embedded catalog schema is missing.
	ErrSchemaNotFound = errors.New("catalog schema not found")

	// ErrValidationFailed indicates the manifest failed validation.
	ErrValidationFailed = errors.New("manifest validation failed")
)

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError represents a single validation issue.
type ValidationError struct {
	// Path is the JSON pointer to the problematic field (e.g., "/data_sources/0/id").
	Path string

	// Message describes the validation failure.
	Message string
}

// Error implements error interface.
func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	b.WriteString("manifest validation failed with ")
	b.WriteString(fmt.Sprintf("%d errors:\n", len(e)))
	for i, err := range e {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error type.
func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// Validate checks m against the catalog schema, then checks what the schema
// cannot express: duplicate ids and compatibility pairs that reference
// undeclared entries. Every issue is reported, not just the first.
func Validate(m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to serialize manifest for validation: %w", err)
	}

	var errs ValidationErrors
	if err := ValidateRaw(data); err != nil && !errors.As(err, &errs) {
		return err
	}
	errs = append(errs, checkReferences(m)...)

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// ValidateRaw checks JSON data against the embedded catalog schema. Use it on
// the original input so unknown keys are caught by additionalProperties.
func ValidateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity != schema.SeverityError {
			continue
		}
		errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.CatalogManifestSchema) == 0 {
			validatorErr = fmt.Errorf("%w: embedded catalog-manifest schema is empty", ErrSchemaNotFound)
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.CatalogManifestSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile catalog schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}

func checkReferences(m *Manifest) ValidationErrors {
	var errs ValidationErrors
	add := func(path, format string, args ...any) {
		errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	types := make(map[string]bool, len(m.IndexTypes))
	for i, t := range m.IndexTypes {
		if types[t.ID] {
			add(fmt.Sprintf("/index_types/%d/id", i), "duplicate index type %q", t.ID)
		}
		types[t.ID] = true
	}

	sources := make(map[string]bool, len(m.DataSources))
	for i, s := range m.DataSources {
		if sources[s.ID] {
			add(fmt.Sprintf("/data_sources/%d/id", i), "duplicate data source %q", s.ID)
		}
		sources[s.ID] = true
	}

	pairs := make(map[[2]string]bool, len(m.Compatibility))
	for i, c := range m.Compatibility {
		p := fmt.Sprintf("/compatibility/%d", i)
		if !types[c.IndexType] {
			add(p+"/index_type", "undeclared index type %q", c.IndexType)
		}
		if !sources[c.DataSource] {
			add(p+"/data_source", "undeclared data source %q", c.DataSource)
		}
		key := [2]string{c.IndexType, c.DataSource}
		if pairs[key] {
			add(p, "duplicate pair %s/%s", c.IndexType, c.DataSource)
		}
		pairs[key] = true
	}
	return errs
}

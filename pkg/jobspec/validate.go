package jobspec

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/runnerhub/internal/assets/schemas"
	"github.com/3leaps/runnerhub/pkg/match"
)

var (
	// ErrValidationFailed indicates the manifest failed validation.
	ErrValidationFailed = errors.New("manifest validation failed")

	// ErrSchemaNotFound indicates the embedded schema is missing.
	ErrSchemaNotFound = errors.New("manifest schema not found")
)

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError represents a single validation issue.
type ValidationError struct {
	// Path is the JSON pointer to the problematic field (e.g., "/jobs/0/script").
	Path string

	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "manifest validation failed with %d errors:\n", len(e))
	for i, err := range e {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// ValidateRaw checks manifest JSON against the embedded job-manifest schema.
// It sees the document as written, so unknown fields and the
// script/script_file exclusivity are caught here.
func ValidateRaw(jsonData []byte) error {
	v, err := schemaValidator()
	if err != nil {
		return err
	}
	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func schemaValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.JobManifestSchema) == 0 {
			validatorErr = fmt.Errorf("%w: embedded job-manifest schema is empty", ErrSchemaNotFound)
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.JobManifestSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("compile manifest schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}

// Validate checks a parsed manifest. The struct is run through the schema,
// then checks that need defaults applied follow: every job must end up with
// a tenant and a language, and artifact patterns must compile.
func Validate(m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("serialize manifest for validation: %w", err)
	}
	if err := ValidateRaw(data); err != nil {
		return err
	}

	var errs ValidationErrors
	for i, j := range m.Jobs {
		base := fmt.Sprintf("/jobs/%d", i)
		if strings.TrimSpace(j.Tenant) == "" {
			errs = append(errs, ValidationError{Path: base + "/tenant", Message: "tenant is required (set it on the job or in defaults)"})
		}
		if strings.TrimSpace(j.Language) == "" {
			errs = append(errs, ValidationError{Path: base + "/language", Message: "language is required (set it on the job or in defaults)"})
		}
		if len(j.ArtifactPatterns) == 0 {
			continue
		}
		if _, err := match.New(match.Config{Includes: j.ArtifactPatterns}); err != nil && !errors.Is(err, match.ErrNoIncludes) {
			errs = append(errs, ValidationError{Path: base + "/artifact_patterns", Message: err.Error()})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

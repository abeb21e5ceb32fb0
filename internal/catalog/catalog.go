// Package catalog loads the read-only course definitions that completion evaluation runs against.
// A catalog document is validated against an embedded JSON schema before it is accepted.
package catalog

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/skillvergence/skillvergence-cert-go/internal/metrics"
	"github.com/skillvergence/skillvergence-cert-go/internal/model"
)

//go:embed schema.json
var schemaJSON string

//go:embed default.json
var defaultJSON []byte

// Catalog is an immutable set of course definitions in document order.
// It is safe for concurrent use.
type Catalog struct {
	version string
	courses []model.CourseDefinition
	byID    map[string]int
}

type document struct {
	Version string                   `json:"version"`
	Courses []model.CourseDefinition `json:"courses"`
}

// Validator checks catalog documents against the catalog schema.
type Validator struct {
	schema  *gojsonschema.Schema
	metrics *metrics.Metrics
}

// NewValidator compiles the embedded schema.
// Parameters:
//   - m: Metrics sink for validation outcomes (may be nil)
//
// Returns:
//   - *Validator: Ready validator
//   - error: Schema compilation failure
func NewValidator(m *metrics.Metrics) (*Validator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("invalid catalog schema: %w", err)
	}
	return &Validator{schema: schema, metrics: m}, nil
}

// Validate reports every schema violation in doc as one error.
func (v *Validator) Validate(doc []byte) error {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		v.metrics.CatalogValidation(false)
		return fmt.Errorf("validation error: %w", err)
	}
	if !result.Valid() {
		v.metrics.CatalogValidation(false)
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return fmt.Errorf("validation failed: %s", strings.Join(errs, "; "))
	}
	v.metrics.CatalogValidation(true)
	return nil
}

// Parse validates doc and builds a Catalog. Duplicate course ids are rejected.
func (v *Validator) Parse(doc []byte) (*Catalog, error) {
	if err := v.Validate(doc); err != nil {
		return nil, err
	}
	var d document
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	c := &Catalog{version: d.Version, courses: d.Courses, byID: make(map[string]int, len(d.Courses))}
	for i, def := range d.Courses {
		if _, dup := c.byID[def.CourseID]; dup {
			return nil, fmt.Errorf("duplicate course id %q", def.CourseID)
		}
		c.byID[def.CourseID] = i
	}
	return c, nil
}

// Load reads the catalog at path, or the embedded default catalog when path is empty.
func Load(path string, m *metrics.Metrics) (*Catalog, error) {
	v, err := NewValidator(m)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return v.Parse(defaultJSON)
	}
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	c, err := v.Parse(doc)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

// Default returns the embedded catalog.
func Default() *Catalog {
	c, err := Load("", nil)
	if err != nil {
		panic(fmt.Sprintf("embedded catalog is invalid: %v", err))
	}
	return c
}

// Version is the document's version string.
func (c *Catalog) Version() string { return c.version }

// Lookup returns the definition for courseID.
func (c *Catalog) Lookup(courseID string) (model.CourseDefinition, bool) {
	i, ok := c.byID[courseID]
	if !ok {
		return model.CourseDefinition{}, false
	}
	return c.courses[i], true
}

// MustLookup is Lookup with model.ErrUnknownCourse for a missing id.
func (c *Catalog) MustLookup(courseID string) (model.CourseDefinition, error) {
	def, ok := c.Lookup(courseID)
	if !ok {
		return model.CourseDefinition{}, fmt.Errorf("%w: %s", model.ErrUnknownCourse, courseID)
	}
	return def, nil
}

// Courses returns a copy of all definitions in document order.
func (c *Catalog) Courses() []model.CourseDefinition {
	out := make([]model.CourseDefinition, len(c.courses))
	copy(out, c.courses)
	return out
}

// Package schema validates covenant documents against versioned
// JSON-Schema-style definitions.
//
// Schemas are YAML documents identified by x-schema-name and
// x-schema-version. A bundled set is compiled into the binary; a directory
// may replace it at startup. Validation reports every violation in a single
// pass and fails closed: a document whose schema cannot be found is invalid.
package schema

import (
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/covenant/internal/canon"
	"github.com/roach88/covenant/internal/faults"
)

//go:embed schemas/*.yaml
var bundled embed.FS

// Validator holds an immutable set of compiled schemas.
type Validator struct {
	schemas map[string]*Schema
}

func key(name, version string) string {
	return name + "@" + version
}

// New builds a validator from compiled schemas. Duplicate name/version pairs
// are an error.
func New(schemas ...*Schema) (*Validator, error) {
	v := &Validator{schemas: make(map[string]*Schema, len(schemas))}
	for _, s := range schemas {
		k := key(s.Name, s.Version)
		if _, dup := v.schemas[k]; dup {
			return nil, fmt.Errorf("duplicate schema %s", k)
		}
		v.schemas[k] = s
	}
	return v, nil
}

// LoadBundled compiles the schemas embedded in the binary.
func LoadBundled() (*Validator, error) {
	sub, err := fs.Sub(bundled, "schemas")
	if err != nil {
		return nil, fmt.Errorf("load bundled schemas: %w", err)
	}
	return Load(sub)
}

// Load compiles every *.yaml / *.yml file at the top of fsys. Any file that
// fails to parse or compile fails the whole load.
func Load(fsys fs.FS) (*Validator, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("load schemas: %w", err)
	}
	var compiled []*Schema
	for _, e := range entries {
		if e.IsDir() || !isYAML(e.Name()) {
			continue
		}
		s, err := loadFile(fsys, e.Name())
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, s)
	}
	if len(compiled) == 0 {
		return nil, errors.New("load schemas: no schema files found")
	}
	return New(compiled...)
}

func loadFile(fsys fs.FS, name string) (*Schema, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", name, err)
	}
	doc, err := DecodeYAML(data)
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", name, err)
	}
	s, err := Compile(doc)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return s, nil
}

// DecodeYAML decodes a single YAML document into the generic JSON model.
func DecodeYAML(data []byte) (any, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return canon.Normalize(raw)
}

// DecodeYAMLStream decodes every document of a multi-document YAML stream.
// Empty documents are skipped.
func DecodeYAMLStream(r io.Reader) ([]any, error) {
	dec := yaml.NewDecoder(r)
	var docs []any
	for {
		var raw any
		err := dec.Decode(&raw)
		if errors.Is(err, io.EOF) {
			return docs, nil
		}
		if err != nil {
			return nil, err
		}
		if raw == nil {
			continue
		}
		doc, err := canon.Normalize(raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
}

func isYAML(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// Has reports whether a schema is loaded for name and version.
func (v *Validator) Has(name, version string) bool {
	_, ok := v.schemas[key(name, version)]
	return ok
}

// Names lists loaded schemas as name@version, sorted.
func (v *Validator) Names() []string {
	out := make([]string, 0, len(v.schemas))
	for k := range v.schemas {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Validate checks doc against the named schema. It returns nil or a
// *faults.Error of kind SCHEMA_VALIDATION_ERROR carrying every violation.
func (v *Validator) Validate(doc any, name, version string) error {
	s, ok := v.schemas[key(name, version)]
	if !ok {
		return faults.SchemaValidation(name, []faults.Violation{{
			Path:     "/",
			Keyword:  "$schema",
			Expected: key(name, version),
			Actual:   "not loaded",
			Message:  fmt.Sprintf("no schema loaded for %s version %q", name, version),
		}})
	}
	if violations := s.check(doc); len(violations) > 0 {
		return faults.SchemaValidation(name, violations)
	}
	return nil
}

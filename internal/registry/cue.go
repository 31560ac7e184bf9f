package registry

import (
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"github.com/roach88/covenant/internal/canon"
	"github.com/roach88/covenant/internal/contract"
)

// cueSections maps top-level CUE fields to the document kind of their
// members. A member may omit kind and api_version; they are filled in.
var cueSections = []struct {
	field string
	kind  string
}{
	{"organizations", contract.KindOrganizationManifest},
	{"agents", contract.KindAgentDefinition},
	{"skills", contract.KindSkillContract},
}

// loadCUEDocuments loads the CUE package in dir, if any. Members must be
// concrete; CUE constraints and defaults are resolved before export.
func loadCUEDocuments(dir string) ([]Document, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("load cue registry %s: no instances", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, fmt.Errorf("load cue registry %s: %w", dir, inst.Err)
	}
	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("build cue registry %s: %w", dir, err)
	}

	var docs []Document
	for _, section := range cueSections {
		v := value.LookupPath(cue.ParsePath(section.field))
		if !v.Exists() {
			continue
		}
		iter, err := v.Fields()
		if err != nil {
			return nil, fmt.Errorf("cue registry %s: iterating %s: %w", dir, section.field, err)
		}
		for iter.Next() {
			origin := fmt.Sprintf("%s%c%s.%s", dir, os.PathSeparator, section.field, iter.Selector().Unquoted())
			body, err := exportCUE(iter.Value(), section.kind)
			if err != nil {
				return nil, &DocumentError{Origin: origin, Message: "export cue value", Err: err}
			}
			docs = append(docs, Document{Origin: origin, Body: body})
		}
	}
	return docs, nil
}

// exportCUE converts a concrete CUE value into the generic JSON model. The
// JSON round trip keeps number literals intact.
func exportCUE(v cue.Value, kind string) (any, error) {
	data, err := v.MarshalJSON()
	if err != nil {
		return nil, err
	}
	body, err := canon.Decode(data)
	if err != nil {
		return nil, err
	}
	m, ok := body.(map[string]any)
	if !ok {
		return body, nil
	}
	if _, ok := m["kind"]; !ok {
		m["kind"] = kind
	}
	if _, ok := m["api_version"]; !ok {
		m["api_version"] = contract.APIVersion
	}
	return m, nil
}

package contract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/covenant/internal/canon"
)

// Header reads api_version and kind from a generic document. Missing or
// non-string values come back empty.
func Header(doc any) (apiVersion, kind string) {
	return LookupString(doc, "api_version"), LookupString(doc, "kind")
}

// SchemaVersion maps an envelope api_version onto a schema version
// ("covenant/v1" -> "v1"). Unrecognized values map to "", which no schema
// carries, so validation fails closed.
func SchemaVersion(apiVersion string) string {
	v, ok := strings.CutPrefix(apiVersion, "covenant/")
	if !ok {
		return ""
	}
	return v
}

// LookupString walks nested objects and returns the string found at path.
func LookupString(doc any, path ...string) string {
	cur := doc
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[key]
	}
	s, _ := cur.(string)
	return s
}

// WithString returns a copy of doc with the string at path set. Objects along
// the path are copied; the input is never mutated.
func WithString(doc any, value string, path ...string) (any, error) {
	if len(path) == 0 {
		return value, nil
	}
	var src map[string]any
	switch m := doc.(type) {
	case map[string]any:
		src = m
	case nil:
		src = map[string]any{}
	default:
		return nil, fmt.Errorf("set %s: not an object", strings.Join(path, "."))
	}
	out := make(map[string]any, len(src)+1)
	for k, v := range src {
		out[k] = v
	}
	child, err := WithString(src[path[0]], value, path[1:]...)
	if err != nil {
		return nil, err
	}
	out[path[0]] = child
	return out, nil
}

// Canonicalize returns the canonical bytes of doc and their digest in domain.
func Canonicalize(domain string, doc any) ([]byte, string, error) {
	data, err := canon.MarshalCanonical(doc)
	if err != nil {
		return nil, "", err
	}
	return data, canon.DigestBytes(domain, data), nil
}

// Decode unmarshals canonical bytes into a typed document.
func Decode[T any](data []byte) (T, error) {
	var out T
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("decode %T: %w", out, err)
	}
	return out, nil
}

// Decode verifies the stored contract digest and fills the typed Contract
// and Boundary fields. An error means the stored record cannot be trusted.
func (j *Job) Decode() error {
	if got := canon.DigestBytes(canon.DomainJobContract, j.Document); got != j.ContractDigest {
		return fmt.Errorf("contract digest mismatch: stored %s, computed %s", j.ContractDigest, got)
	}
	c, err := Decode[JobContract](j.Document)
	if err != nil {
		return err
	}
	if c.Metadata.JobID != j.JobID {
		return fmt.Errorf("contract job_id %q does not match record %q", c.Metadata.JobID, j.JobID)
	}
	b, err := Decode[Boundary](j.BoundaryDoc)
	if err != nil {
		return err
	}
	if !j.State.Valid() {
		return fmt.Errorf("unknown state %q", j.State)
	}
	j.Contract = c
	j.Boundary = b
	return nil
}

package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/covenant/internal/canon"
	"github.com/roach88/covenant/internal/contract"
	"github.com/roach88/covenant/internal/faults"
	"github.com/roach88/covenant/internal/schema"
)

// DocumentResult is the validation outcome of one document.
type DocumentResult struct {
	File       string             `json:"file"`
	Index      int                `json:"index"`
	Kind       string             `json:"kind"`
	Valid      bool               `json:"valid"`
	Violations []faults.Violation `json:"violations,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>...",
		Short: "Validate documents against their schemas",
		Long: `Validate JSON or YAML documents against the schema named by their kind
and api_version. YAML files may hold several documents.

Exit codes:
  0 - All documents valid
  1 - One or more documents invalid
  2 - Command error (unreadable file, malformed YAML or JSON)

Examples:
  covenant validate job.yaml
  covenant validate registry/*.yaml --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, rootOpts, args)
		},
	}
	return cmd
}

func runValidate(cmd *cobra.Command, opts *RootOptions, files []string) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	v, err := loadValidator(cfg)
	if err != nil {
		return err
	}
	out := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	var results []DocumentResult
	for _, file := range files {
		docs, err := readDocuments(file)
		if err != nil {
			return WrapExitError(ExitCommandError, "read "+file, err)
		}
		out.VerboseLog("%s: %d document(s)", file, len(docs))
		for i, doc := range docs {
			results = append(results, validateDocument(v, file, i, doc))
		}
	}

	invalid := 0
	var text strings.Builder
	for _, r := range results {
		if r.Valid {
			fmt.Fprintf(&text, "✓ %s[%d] %s\n", r.File, r.Index, r.Kind)
			continue
		}
		invalid++
		fmt.Fprintf(&text, "✗ %s[%d] %s\n", r.File, r.Index, r.Kind)
		for _, viol := range r.Violations {
			fmt.Fprintf(&text, "  %s (%s)\n", viol, viol.Keyword)
		}
	}
	fmt.Fprintf(&text, "\n%d document(s), %d invalid\n", len(results), invalid)

	if err := out.Success(results, text.String()); err != nil {
		return err
	}
	if invalid > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d document(s) invalid", invalid))
	}
	return nil
}

func validateDocument(v *schema.Validator, file string, index int, doc any) DocumentResult {
	apiVersion, kind := contract.Header(doc)
	r := DocumentResult{File: file, Index: index, Kind: kind}
	if kind == "" {
		r.Violations = []faults.Violation{{
			Path:     "/kind",
			Keyword:  "required",
			Expected: "a document kind",
			Actual:   "missing",
			Message:  "document has no kind",
		}}
		return r
	}
	err := v.Validate(doc, kind, contract.SchemaVersion(apiVersion))
	if err == nil {
		r.Valid = true
		return r
	}
	if fe, ok := faults.As(err); ok {
		r.Violations = fe.Violations
	}
	if len(r.Violations) == 0 {
		r.Violations = []faults.Violation{{Path: "/", Keyword: "schema", Message: err.Error()}}
	}
	return r
}

// readDocuments decodes a JSON file or every document of a YAML stream.
func readDocuments(file string) ([]any, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(file), ".json") {
		doc, err := canon.Decode(data)
		if err != nil {
			return nil, err
		}
		return []any{doc}, nil
	}
	return schema.DecodeYAMLStream(bytes.NewReader(data))
}

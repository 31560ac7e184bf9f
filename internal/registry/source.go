package registry

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/roach88/covenant/internal/schema"
)

//go:embed bundled/*.yaml
var bundledFS embed.FS

// Document is one decoded registry document and where it came from.
type Document struct {
	Origin string
	Body   any
}

// Source produces the raw documents a registry snapshot is built from.
type Source interface {
	// Name identifies the source in logs and snapshots.
	Name() string
	Documents(ctx context.Context) ([]Document, error)
}

// DirSource reads a live registry directory. YAML files anywhere below Dir
// are loaded (multi-document streams allowed); CUE files directly in Dir are
// loaded as one instance whose organizations, agents and skills fields hold
// further documents.
type DirSource struct {
	Dir string
}

func (s DirSource) Name() string { return "dir:" + s.Dir }

func (s DirSource) Documents(ctx context.Context) ([]Document, error) {
	docs, err := readYAMLDocuments(ctx, os.DirFS(s.Dir), s.Dir)
	if err != nil {
		return nil, err
	}
	cueDocs, err := loadCUEDocuments(s.Dir)
	if err != nil {
		return nil, err
	}
	docs = append(docs, cueDocs...)
	if len(docs) == 0 {
		return nil, fmt.Errorf("registry directory %s contains no documents", s.Dir)
	}
	return docs, nil
}

// BundledSource serves the registry snapshot compiled into the binary.
type BundledSource struct{}

func (BundledSource) Name() string { return "bundled" }

func (BundledSource) Documents(ctx context.Context) ([]Document, error) {
	sub, err := fs.Sub(bundledFS, "bundled")
	if err != nil {
		return nil, err
	}
	return readYAMLDocuments(ctx, sub, "bundled")
}

// SelectSource picks the live directory when it exists and the bundled
// snapshot otherwise. It is called once at startup.
func SelectSource(dir string) Source {
	if dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return DirSource{Dir: dir}
		}
	}
	return BundledSource{}
}

func readYAMLDocuments(ctx context.Context, fsys fs.FS, label string) ([]Document, error) {
	var docs []Document
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != "." && (strings.HasPrefix(d.Name(), ".") || d.Name() == "cue.mod") {
				return fs.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(path.Ext(p))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		bodies, err := schema.DecodeYAMLStream(bytes.NewReader(data))
		if err != nil {
			return &DocumentError{Origin: label + "/" + p, Message: "parse yaml", Err: err}
		}
		for i, body := range bodies {
			origin := label + "/" + p
			if len(bodies) > 1 {
				origin = fmt.Sprintf("%s#%d", origin, i)
			}
			docs = append(docs, Document{Origin: origin, Body: body})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read registry %s: %w", label, err)
	}
	return docs, nil
}

package tool

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"grist-agent/internal/domain"
	"grist-agent/internal/usecase/document"
)

// handlerFunc runs one tool against its bound service.
type handlerFunc func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error)

// Spec is one entry of the tool catalog.
type Spec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
	// Destructive tools always go through confirmation. Only mutations the
	// service can defer honor it.
	Destructive bool

	bind func(svc *document.Service, logger *slog.Logger) handlerFunc
}

// Schema returns the function-calling schema of the spec.
func (s Spec) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: s.Name, Description: s.Description, Parameters: s.Parameters}
}

// Catalog is the static set of document tools. It is built once at startup,
// is read-only afterwards and is bound to a Document Service per request.
type Catalog struct {
	specs   []Spec
	schemas map[string]*jsonschema.Schema
	logger  *slog.Logger
}

// NewCatalog compiles the parameter schema of every document tool.
func NewCatalog(logger *slog.Logger) (*Catalog, error) {
	return newCatalog(documentSpecs(), logger)
}

func newCatalog(specs []Spec, logger *slog.Logger) (*Catalog, error) {
	c := &Catalog{
		specs:   specs,
		schemas: make(map[string]*jsonschema.Schema, len(specs)),
		logger:  logger,
	}
	for _, s := range specs {
		compiled, err := compileSchema(s.Name, s.Parameters)
		if err != nil {
			return nil, err
		}
		c.schemas[s.Name] = compiled
	}
	return c, nil
}

// Specs returns the catalog entries in declaration order.
func (c *Catalog) Specs() []Spec {
	out := make([]Spec, len(c.specs))
	copy(out, c.specs)
	return out
}

// Destructive reports whether name is always gated behind confirmation.
func (c *Catalog) Destructive(name string) bool {
	for _, s := range c.specs {
		if s.Name == name {
			return s.Destructive
		}
	}
	return false
}

// Bind returns a registry whose tools call svc. Parameters are checked
// against the precompiled schemas before each call, and the catalog's
// destructive flags decide which tools svc gates behind confirmation.
func (c *Catalog) Bind(svc *document.Service) *Registry {
	destructive := make(map[string]bool)
	for _, s := range c.specs {
		if s.Destructive {
			destructive[s.Name] = true
		}
	}
	svc.SetDestructive(destructive)

	reg := NewRegistry()
	logger := c.logger.With("document", svc.DocumentID())
	for _, s := range c.specs {
		t := guard(&boundTool{spec: s, run: s.bind(svc, logger)}, c.schemas[s.Name])
		// Names are unique by construction.
		_ = reg.Register(t)
	}
	return reg
}

// boundTool adapts a Spec and its bound handler to domain.Tool.
type boundTool struct {
	spec Spec
	run  handlerFunc
}

func (t *boundTool) Name() string              { return t.spec.Name }
func (t *boundTool) Description() string       { return t.spec.Description }
func (t *boundTool) Schema() domain.ToolSchema { return t.spec.Schema() }

func (t *boundTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return t.run(ctx, params)
}

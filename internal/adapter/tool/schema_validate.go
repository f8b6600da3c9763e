package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"grist-agent/internal/domain"
)

// compileSchema compiles the parameter schema of one tool.
func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	compiler := jsonschema.NewCompiler()
	url := name + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource for %q: %w", name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", name, err)
	}
	return compiled, nil
}

// schemaGuard rejects arguments that do not match the tool's schema, so the
// model gets a ValidationException naming the bad fields before any Grist
// call is made.
type schemaGuard struct {
	inner  domain.Tool
	schema *jsonschema.Schema
}

// guard wraps t with schema. A nil schema returns t unchanged.
func guard(t domain.Tool, schema *jsonschema.Schema) domain.Tool {
	if schema == nil {
		return t
	}
	return &schemaGuard{inner: t, schema: schema}
}

func (g *schemaGuard) Name() string              { return g.inner.Name() }
func (g *schemaGuard) Description() string       { return g.inner.Description() }
func (g *schemaGuard) Schema() domain.ToolSchema { return g.inner.Schema() }

func (g *schemaGuard) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	var v any
	if err := json.Unmarshal(params, &v); err != nil {
		return ErrResult("arguments for %s are not valid JSON: %v", g.inner.Name(), err), nil
	}
	if err := g.schema.Validate(v); err != nil {
		return schemaErrorResult(g.inner.Name(), err), nil
	}
	return g.inner.Execute(ctx, params)
}

// schemaErrorResult flattens a validation error into one line per failing
// argument.
func schemaErrorResult(tool string, err error) *domain.ToolResult {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return ErrResult("invalid arguments for %s: %v", tool, err)
	}

	problems := map[string]string{}
	collectLeaves(ve, problems)
	fields := make([]string, 0, len(problems))
	for f := range problems {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	lines := make([]string, len(fields))
	for i, f := range fields {
		lines[i] = f + ": " + problems[f]
	}
	msg := fmt.Sprintf("invalid arguments for %s: %s", tool, strings.Join(lines, "; "))
	return &domain.ToolResult{
		IsError: true,
		Content: msg,
		Error: &domain.ErrorDescriptor{
			Kind:    domain.KindValidation,
			Message: msg,
			Details: map[string]any{"fields": fields},
		},
	}
}

// collectLeaves keeps the innermost message for each instance location.
func collectLeaves(ve *jsonschema.ValidationError, out map[string]string) {
	if len(ve.Causes) == 0 {
		loc := strings.TrimPrefix(ve.InstanceLocation, "/")
		if loc == "" {
			loc = "(root)"
		}
		out[loc] = ve.Message
		return
	}
	for _, c := range ve.Causes {
		collectLeaves(c, out)
	}
}

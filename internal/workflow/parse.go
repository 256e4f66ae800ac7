package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

// ParseFile reads a workflow document from disk. Files ending in .cue are
// evaluated as CUE; everything else is read as YAML (which includes JSON).
func ParseFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".cue") {
		return ParseCUE(data, filepath.Base(path))
	}
	return ParseYAML(data)
}

// ParseYAML parses and validates a YAML workflow document.
//
// Validation runs in three phases and stops after the first phase that
// reports problems:
//  1. structure: required fields, enums, numeric ranges, unique names
//  2. references: assigned_to personas and edge endpoints exist
//  3. graph: the movement graph is acyclic (Kahn's algorithm)
//
// On failure the returned error is a *ParseError listing every problem in
// the failing phase.
func ParseYAML(data []byte) (*Plan, error) {
	var raw rawPiece
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, &ParseError{Errors: yamlErrors(err)}
	}
	return finish(&raw, data)
}

// ParseCUE evaluates a CUE workflow document and validates it exactly like
// a YAML one. CUE constraints written in the document are checked by the
// CUE evaluator before workflow validation runs.
func ParseCUE(data []byte, filename string) (*Plan, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, &ParseError{Errors: cueErrors(err)}
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, &ParseError{Errors: cueErrors(err)}
	}

	var raw rawPiece
	if err := v.Decode(&raw); err != nil {
		return nil, &ParseError{Errors: cueErrors(err)}
	}
	return finish(&raw, data)
}

func finish(raw *rawPiece, source []byte) (*Plan, error) {
	piece, errs := raw.build()
	if len(errs) > 0 {
		return nil, &ParseError{Errors: errs}
	}
	if errs := checkReferences(piece); len(errs) > 0 {
		return nil, &ParseError{Errors: errs}
	}
	plan, err := NewPlan(piece)
	if err != nil {
		return nil, err
	}
	plan.Source = string(source)
	return plan, nil
}

// checkReferences is the cross-field phase.
func checkReferences(p *Piece) []FieldError {
	var errs []FieldError

	personas := make(map[string]bool, len(p.Personas))
	for _, persona := range p.Personas {
		personas[persona.Name] = true
	}
	movements := make(map[string]bool, len(p.Movements))
	for _, m := range p.Movements {
		movements[m.Name] = true
	}

	for i, m := range p.Movements {
		if !personas[m.AssignedTo] {
			errs = append(errs, FieldError{
				Path:    fmt.Sprintf("movements[%d].assigned_to", i),
				Code:    ErrUnknownPersona,
				Message: fmt.Sprintf("persona %q is not defined", m.AssignedTo),
			})
		}
	}
	for i, e := range p.Edges {
		if !movements[e.From] {
			errs = append(errs, FieldError{
				Path:    fmt.Sprintf("edges[%d].from", i),
				Code:    ErrUnknownMovement,
				Message: fmt.Sprintf("movement %q is not defined", e.From),
			})
		}
		if !movements[e.To] {
			errs = append(errs, FieldError{
				Path:    fmt.Sprintf("edges[%d].to", i),
				Code:    ErrUnknownMovement,
				Message: fmt.Sprintf("movement %q is not defined", e.To),
			})
		}
	}
	return errs
}

func yamlErrors(err error) []FieldError {
	var te *yaml.TypeError
	if errors.As(err, &te) {
		out := make([]FieldError, len(te.Errors))
		for i, msg := range te.Errors {
			out[i] = FieldError{Path: "document", Code: ErrDocument, Message: msg}
		}
		return out
	}
	return []FieldError{{Path: "document", Code: ErrDocument, Message: "YAML parse error: " + err.Error()}}
}

func cueErrors(err error) []FieldError {
	var out []FieldError
	for _, e := range cueerrors.Errors(err) {
		path := strings.Join(e.Path(), ".")
		if path == "" {
			path = "document"
		}
		format, args := e.Msg()
		out = append(out, FieldError{Path: path, Code: ErrDocument, Message: fmt.Sprintf(format, args...)})
	}
	if len(out) == 0 {
		out = append(out, FieldError{Path: "document", Code: ErrDocument, Message: err.Error()})
	}
	return out
}

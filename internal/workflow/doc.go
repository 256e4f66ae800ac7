// Package workflow parses and validates workflow documents into an
// executable Plan.
//
// A document names personas (worker roles with obligations, permissions and
// prohibitions), movements (units of work assigned to a persona) and
// top-level edges between movements. Documents are written in YAML, JSON or
// CUE; all three decode into the same raw shape and go through the same
// validation.
//
// Invalid documents are never partially accepted: any structural, reference
// or graph problem yields a *ParseError listing field paths and codes.
package workflow

package gate

import (
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/roach88/darkfactory/internal/worker"
)

// Machine-checkable prohibition prefixes. "path:internal/secret/*" forbids
// touching matching files; "text:TODO" forbids adding lines containing the
// text. Other prohibitions are prompt-only.
const (
	prohibitPath = "path:"
	prohibitText = "text:"
)

// diffSummary is what L0 needs from a unified diff.
type diffSummary struct {
	files []string
	added []addedLine
	// fileAt maps a 1-indexed diff line to the file it belongs to.
	fileAt []string
}

type addedLine struct {
	file string
	line int
	text string
}

// ChangedFiles lists the files a unified diff touches, in diff order.
func ChangedFiles(diff string) []string {
	return summarizeDiff(diff).files
}

func summarizeDiff(diff string) diffSummary {
	var (
		s       diffSummary
		current string
	)
	lines := strings.Split(diff, "\n")
	s.fileAt = make([]string, len(lines)+1)
	for i, l := range lines {
		switch {
		case strings.HasPrefix(l, "+++ "):
			name := strings.TrimPrefix(l, "+++ ")
			if name == "/dev/null" {
				current = ""
			} else {
				current = strings.TrimPrefix(name, "b/")
				if !slices.Contains(s.files, current) {
					s.files = append(s.files, current)
				}
			}
		case strings.HasPrefix(l, "--- "):
			name := strings.TrimPrefix(l, "--- ")
			if name != "/dev/null" {
				// Deleted files only appear on the --- side.
				deleted := strings.TrimPrefix(name, "a/")
				if !slices.Contains(s.files, deleted) {
					s.files = append(s.files, deleted)
				}
			}
		case strings.HasPrefix(l, "+"):
			s.added = append(s.added, addedLine{file: current, line: i + 1, text: l[1:]})
		}
		s.fileAt[i+1] = current
	}
	return s
}

// scannable blanks everything but added lines so that removing a secret is
// not reported, while keeping line numbers aligned with the diff. Text that
// is not a unified diff is scanned whole.
func (d diffSummary) scannable(diff string) string {
	if len(d.files) == 0 {
		return diff
	}
	lines := strings.Split(diff, "\n")
	for i, l := range lines {
		if !strings.HasPrefix(l, "+") || strings.HasPrefix(l, "+++ ") {
			lines[i] = ""
		}
	}
	return strings.Join(lines, "\n")
}

// checkContract runs L0.
func checkContract(in Input) ([]Finding, ThreatReport, bool) {
	var (
		findings []Finding
		passed   = true
	)
	d := summarizeDiff(in.Diff)

	for _, out := range in.Movement.Outputs {
		if !outputProduced(out, in.Artifacts, d.files) {
			passed = false
			findings = append(findings, Finding{
				Severity: SeverityError,
				Message:  fmt.Sprintf("declared output %q was not produced", out),
			})
		}
	}

	for _, rule := range in.Persona.Prohibitions {
		for _, f := range checkProhibition(rule, d) {
			passed = false
			findings = append(findings, f)
		}
	}

	threats := ScanThreats(d.scannable(in.Diff), "")
	for i := range threats.Threats {
		t := &threats.Threats[i]
		if t.Line < len(d.fileAt) {
			t.File = d.fileAt[t.Line]
		}
		sev := SeverityWarning
		if t.Type == ThreatSecret {
			sev = SeverityCritical
			passed = false
		}
		findings = append(findings, Finding{Severity: sev, Message: t.Description, File: t.File, Line: t.Line})
	}
	return findings, threats, passed
}

// outputProduced accepts an output that is named by an artifact, referenced
// by a file part, or touched by the diff (directly or as a directory).
func outputProduced(out string, artifacts []worker.Artifact, files []string) bool {
	for _, a := range artifacts {
		if a.Name == out {
			return true
		}
		for _, p := range a.Parts {
			if p.Kind == worker.PartFile && (p.URI == out || strings.HasSuffix(p.URI, "/"+out)) {
				return true
			}
		}
	}
	dir := strings.TrimSuffix(out, "/") + "/"
	for _, f := range files {
		if f == out || strings.HasPrefix(f, dir) {
			return true
		}
	}
	return false
}

func checkProhibition(rule string, d diffSummary) []Finding {
	var findings []Finding
	switch {
	case strings.HasPrefix(rule, prohibitPath):
		pattern := strings.TrimPrefix(rule, prohibitPath)
		for _, f := range d.files {
			if matchPath(pattern, f) {
				findings = append(findings, Finding{
					Severity: SeverityError,
					Message:  fmt.Sprintf("prohibited path modified (%s)", rule),
					File:     f,
				})
			}
		}
	case strings.HasPrefix(rule, prohibitText):
		needle := strings.TrimPrefix(rule, prohibitText)
		if needle == "" {
			return nil
		}
		for _, l := range d.added {
			if strings.Contains(l.text, needle) {
				findings = append(findings, Finding{
					Severity: SeverityError,
					Message:  fmt.Sprintf("prohibited text added (%s)", rule),
					File:     l.file,
					Line:     l.line,
				})
			}
		}
	}
	return findings
}

// matchPath matches a glob against a slash path. A pattern ending in "/"
// matches everything below that directory.
func matchPath(pattern, file string) bool {
	if strings.HasSuffix(pattern, "/") {
		return strings.HasPrefix(file, pattern)
	}
	if ok, _ := path.Match(pattern, file); ok {
		return true
	}
	ok, _ := path.Match(pattern, path.Base(file))
	return ok && !strings.Contains(pattern, "/")
}

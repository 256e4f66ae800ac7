// Package complexity chooses how many coordination tiers a run uses from
// simple project metrics.
package complexity

import (
	"bufio"
	"fmt"
	"io/fs"
	"path"
	"strings"
)

// Depth is the orchestration depth of a run.
type Depth string

const (
	DepthSingle  Depth = "single"
	DepthTwoTier Depth = "two-tier"
	DepthFull    Depth = "full"
)

// Auto is the depth setting that asks SelectDepth to decide.
const Auto = "auto"

const (
	singleThreshold  = 500
	twoTierThreshold = 5000
)

// Metrics describe the project a run operates on.
type Metrics struct {
	TotalLOC   int     `json:"totalLoc"`
	FanOut     int     `json:"fanOut"`
	ChurnScore float64 `json:"churnScore"`
}

// Effective folds coupling and churn into the line count:
//
//	effective = LOC + fanOutPenalty + churnPenalty
//
// where fan-out above 50 adds 2000 (above 20 adds 500) and churn above 0.5
// adds 1000.
func (m Metrics) Effective() int {
	fanOutPenalty := 0
	switch {
	case m.FanOut > 50:
		fanOutPenalty = 2000
	case m.FanOut > 20:
		fanOutPenalty = 500
	}
	churnPenalty := 0
	if m.ChurnScore > 0.5 {
		churnPenalty = 1000
	}
	return m.TotalLOC + fanOutPenalty + churnPenalty
}

// SelectDepth maps effective complexity to a depth: below 500 is single,
// below 5000 is two-tier, anything else is full.
func SelectDepth(m Metrics) Depth {
	e := m.Effective()
	switch {
	case e < singleThreshold:
		return DepthSingle
	case e < twoTierThreshold:
		return DepthTwoTier
	default:
		return DepthFull
	}
}

// ParseDepth reads a depth setting. "auto" (or empty) returns auto=true.
func ParseDepth(s string) (d Depth, auto bool, err error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", Auto:
		return "", true, nil
	case string(DepthSingle):
		return DepthSingle, false, nil
	case string(DepthTwoTier):
		return DepthTwoTier, false, nil
	case string(DepthFull):
		return DepthFull, false, nil
	}
	return "", false, fmt.Errorf("unknown depth %q (want auto, single, two-tier or full)", s)
}

// Resolve returns the configured depth, or SelectDepth(m) when the setting
// is auto.
func Resolve(setting string, m Metrics) (Depth, error) {
	d, auto, err := ParseDepth(setting)
	if err != nil {
		return "", err
	}
	if auto {
		return SelectDepth(m), nil
	}
	return d, nil
}

// Parallelism caps the configured worker parallelism for a depth.
func Parallelism(d Depth, configured int) int {
	if configured < 1 {
		configured = 1
	}
	switch d {
	case DepthSingle:
		return 1
	case DepthTwoTier:
		return max(1, configured/2)
	default:
		return configured
	}
}

var sourceExts = map[string]string{
	".go": "//", ".ts": "//", ".tsx": "//", ".js": "//", ".jsx": "//",
	".java": "//", ".kt": "//", ".rs": "//", ".c": "//", ".h": "//",
	".cc": "//", ".cpp": "//", ".cs": "//", ".swift": "//",
	".py": "#", ".rb": "#", ".sh": "#",
}

var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, "dist": true, "build": true,
}

// CountLines counts non-blank, non-comment lines in recognised source files
// under fsys. Line comments and /* */ blocks (for //-style languages) are
// excluded.
func CountLines(fsys fs.FS) (int, error) {
	total := 0
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != "." && skipDirs[d.Name()] {
				return fs.SkipDir
			}
			return nil
		}
		marker, ok := sourceExts[strings.ToLower(path.Ext(p))]
		if !ok {
			return nil
		}
		n, err := countFile(fsys, p, marker)
		if err != nil {
			return err
		}
		total += n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count lines: %w", err)
	}
	return total, nil
}

func countFile(fsys fs.FS, name, marker string) (int, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	inBlock := false
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if marker == "//" {
			if inBlock {
				if strings.Contains(line, "*/") {
					inBlock = false
				}
				continue
			}
			if strings.HasPrefix(line, "/*") {
				inBlock = !strings.Contains(line[2:], "*/")
				continue
			}
		}
		if line == "" || strings.HasPrefix(line, marker) {
			continue
		}
		n++
	}
	return n, sc.Err()
}

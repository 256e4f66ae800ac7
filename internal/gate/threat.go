package gate

import (
	"regexp"
	"strings"
)

// ThreatType classifies a threat finding.
type ThreatType string

const (
	ThreatSecret            ThreatType = "secret"
	ThreatSuspiciousPattern ThreatType = "suspicious-pattern"
	ThreatPolicyViolation   ThreatType = "policy-violation"
)

// ThreatSeverity is the overall severity of a scan.
type ThreatSeverity string

const (
	ThreatNone     ThreatSeverity = "none"
	ThreatLow      ThreatSeverity = "low"
	ThreatMedium   ThreatSeverity = "medium"
	ThreatHigh     ThreatSeverity = "high"
	ThreatCritical ThreatSeverity = "critical"
)

// Threat is one pattern match.
type Threat struct {
	Type        ThreatType `json:"type"`
	Description string     `json:"description"`
	File        string     `json:"file,omitempty"`
	Line        int        `json:"line"`
	Pattern     string     `json:"pattern"`
}

// ThreatReport is the result of a scan. Severity is critical when any
// secret matched, medium when only other patterns matched, none otherwise.
type ThreatReport struct {
	Threats  []Threat       `json:"threats"`
	Severity ThreatSeverity `json:"severity"`
}

type threatPattern struct {
	name string
	re   *regexp.Regexp
}

var secretPatterns = []threatPattern{
	{"AWS Access Key", regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{"AWS Secret Key", regexp.MustCompile(`(?i)(?:aws_secret_access_key|secret_key)\s*[=:]\s*['"]?[A-Za-z0-9/+=]{40}`)},
	{"GitHub Token", regexp.MustCompile(`gh[pousr]_[A-Za-z0-9_]{36,255}`)},
	{"Generic API Key", regexp.MustCompile(`(?i)(?:api[_-]?key|apikey|secret)\s*[=:]\s*['"]?[A-Za-z0-9]{20,}`)},
	{"Private Key", regexp.MustCompile(`-----BEGIN (?:RSA |EC |OPENSSH )?PRIVATE KEY-----`)},
	{"JWT", regexp.MustCompile(`eyJ[A-Za-z0-9_-]{10,}\.eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`)},
}

var suspiciousPatterns = []threatPattern{
	{"eval injection", regexp.MustCompile(`\beval\s*\(`)},
	{"Function constructor", regexp.MustCompile(`new\s+Function\s*\(`)},
	{"exec injection", regexp.MustCompile(`child_process.*exec\s*\(`)},
	{"shell exec", regexp.MustCompile(`exec\.Command(?:Context)?\([^)]*"(?:ba)?sh",\s*"-c"`)},
	{"base64 decode", regexp.MustCompile(`Buffer\.from\s*\([^,]+,\s*['"]base64['"]\)|base64\.(?:Std|URL|RawStd|RawURL)Encoding\.DecodeString\(`)},
}

// ScanThreats matches text against the secret and suspicious-code patterns.
// Line numbers are 1-indexed lines of text. file labels the findings.
func ScanThreats(text, file string) ThreatReport {
	rep := ThreatReport{Threats: []Threat{}, Severity: ThreatNone}
	scan := func(patterns []threatPattern, kind ThreatType, describe string) {
		for _, p := range patterns {
			for _, loc := range p.re.FindAllStringIndex(text, -1) {
				rep.Threats = append(rep.Threats, Threat{
					Type:        kind,
					Description: describe + p.name,
					File:        file,
					Line:        strings.Count(text[:loc[0]], "\n") + 1,
					Pattern:     p.name,
				})
			}
		}
	}
	scan(secretPatterns, ThreatSecret, "Potential secret: ")
	scan(suspiciousPatterns, ThreatSuspiciousPattern, "Suspicious pattern: ")

	for _, t := range rep.Threats {
		if t.Type == ThreatSecret {
			rep.Severity = ThreatCritical
			break
		}
		rep.Severity = ThreatMedium
	}
	return rep
}

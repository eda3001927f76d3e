package monitor

import (
	"regexp"
	"strings"
)

// Severity levels for detected patterns.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Detection is one suspicious line in submitted code.
type Detection struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

type pattern struct {
	name     string
	detail   string
	re       *regexp.Regexp
	severity Severity
}

// CodeScanner flags submissions that probe the sandbox boundary. It is
// advisory: the sandbox enforces isolation, the scanner only feeds logs and
// metrics.
type CodeScanner struct {
	patterns []pattern
}

func NewCodeScanner() *CodeScanner {
	return &CodeScanner{patterns: defaultPatterns()}
}

// Scan returns one detection per matching (line, pattern) pair.
func (s *CodeScanner) Scan(code string) []Detection {
	var detections []Detection
	for i, line := range strings.Split(code, "\n") {
		for _, p := range s.patterns {
			if p.re.MatchString(line) {
				detections = append(detections, Detection{
					Pattern:  p.name,
					Severity: p.severity.String(),
					Detail:   p.detail,
					Line:     i + 1,
				})
			}
		}
	}
	return detections
}

func defaultPatterns() []pattern {
	return []pattern{
		{
			name:     "network_access",
			detail:   "Opens network connections from a network-isolated sandbox",
			re:       regexp.MustCompile(`\b(socket\.socket|urllib\.request|http\.client|requests\.(get|post)|create_connection)\b`),
			severity: SeverityMedium,
		},
		{
			name:     "process_spawn",
			detail:   "Spawns host processes",
			re:       regexp.MustCompile(`\b(subprocess\.|os\.system|os\.popen|os\.exec[lv]p?e?)`),
			severity: SeverityMedium,
		},
		{
			name:     "fork_bomb",
			detail:   "Forks in a loop",
			re:       regexp.MustCompile(`while\s+(True|1)\s*:.*os\.fork\(\)|os\.fork\(\).*os\.fork\(\)`),
			severity: SeverityHigh,
		},
		{
			name:     "proc_self_access",
			detail:   "Reads /proc/self for process internals",
			re:       regexp.MustCompile(`/proc/self/(root|exe|fd|ns|maps|mem)`),
			severity: SeverityHigh,
		},
		{
			name:     "container_breakout",
			detail:   "Touches cgroup release hooks or runtime sockets",
			re:       regexp.MustCompile(`/sys/fs/cgroup|release_agent|notify_on_release|docker\.sock|containerd\.sock`),
			severity: SeverityCritical,
		},
		{
			name:     "metadata_service",
			detail:   "Targets a cloud metadata endpoint",
			re:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google\.internal`),
			severity: SeverityHigh,
		},
		{
			name:     "native_code",
			detail:   "Loads native libraries",
			re:       regexp.MustCompile(`\bctypes\.(CDLL|cdll|PyDLL)\b`),
			severity: SeverityMedium,
		},
	}
}

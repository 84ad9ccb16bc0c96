package permission

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RiskLevel classifies a tool invocation for auto-approval and prompting.
// Using a typed enum instead of strings provides compile-time safety; the
// text form is used in env vars, JSON, and the approval UI.
type RiskLevel int

const (
	// RiskNone is only meaningful as an auto-approve ceiling: never
	// auto-approve. No invocation is ever assessed at RiskNone.
	RiskNone RiskLevel = iota

	RiskLow
	RiskMedium
	RiskHigh
)

// String returns a human-readable name for the risk level.
func (r RiskLevel) String() string {
	switch r {
	case RiskNone:
		return "none"
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler so risk levels round-trip
// through JSON and env vars as their names.
func (r RiskLevel) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *RiskLevel) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "none":
		*r = RiskNone
	case "low":
		*r = RiskLow
	case "medium":
		*r = RiskMedium
	case "high":
		*r = RiskHigh
	default:
		return fmt.Errorf("unknown risk level %q", text)
	}
	return nil
}

// Assessment is the outcome of risk-scoring a tool invocation. Reasons are
// accumulated so the approval UI can explain why, not just how much.
type Assessment struct {
	Level   RiskLevel
	Reasons []string
}

// Keyword families inspected in the tool name, description, and stringified
// arguments. Matching is substring-based on lowercased text.
var (
	fileKeywords      = []string{"file", "read", "write", "directory", "folder", "path"}
	networkKeywords   = []string{"http", "url", "fetch", "request", "download", "network", "api"}
	execKeywords      = []string{"exec", "shell", "command", "spawn", "bash", "terminal"}
	mutationKeywords  = []string{"delete", "modify", "update", "remove"}
	sensitiveKeywords = []string{"password", "token", "secret", "credential", "key"}
)

// assessRisk scores an invocation from tool/argument heuristics. The score
// maps to a level: >=4 high, >=2 medium, otherwise low.
func assessRisk(toolName, toolDescription string, args map[string]any, settings Settings) Assessment {
	text := strings.ToLower(toolName + " " + toolDescription + " " + stringifyArgs(args))

	score := 0
	var reasons []string

	if matchesAny(text, fileKeywords) {
		if settings.RequireFileApproval {
			score += 2
		} else {
			score++
		}
		reasons = append(reasons, "accesses the file system")
	}
	if matchesAny(text, networkKeywords) {
		if settings.RequireNetworkApproval {
			score += 2
		} else {
			score++
		}
		reasons = append(reasons, "performs network access")
	}
	if matchesAny(text, execKeywords) {
		if settings.RequireCommandApproval {
			score += 3
		} else {
			score += 2
		}
		reasons = append(reasons, "executes system commands")
	}
	if matchesAny(text, mutationKeywords) {
		score += 2
		reasons = append(reasons, "modifies or deletes data")
	}
	if matchesAny(text, sensitiveKeywords) {
		score += 3
		reasons = append(reasons, "touches sensitive data")
	}

	if len(reasons) == 0 {
		reasons = append(reasons, "general tool execution")
	}

	level := RiskLow
	switch {
	case score >= 4:
		level = RiskHigh
	case score >= 2:
		level = RiskMedium
	}

	return Assessment{Level: level, Reasons: reasons}
}

func matchesAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// stringifyArgs produces a lowercase-friendly dump of the arguments for
// keyword matching. Marshal failures fall back to fmt formatting.
func stringifyArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(data)
}

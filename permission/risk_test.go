package permission

import (
	"testing"
)

func TestAssessRisk(t *testing.T) {
	settings := DefaultSettings()

	tests := []struct {
		name        string
		toolName    string
		description string
		args        map[string]any
		wantLevel   RiskLevel
	}{
		{
			name:      "benign tool is low",
			toolName:  "get_time",
			wantLevel: RiskLow,
		},
		{
			name:        "file access is medium",
			toolName:    "read_file",
			description: "Reads a file from disk",
			wantLevel:   RiskMedium,
		},
		{
			name:        "network access is medium",
			toolName:    "lookup",
			description: "Performs an HTTP request",
			wantLevel:   RiskMedium,
		},
		{
			name:        "command execution is medium",
			toolName:    "run_command",
			description: "Runs a system command",
			wantLevel:   RiskMedium,
		},
		{
			name:        "exec plus file is high",
			toolName:    "run_script",
			description: "Executes a shell script from a file path",
			wantLevel:   RiskHigh,
		},
		{
			name:      "mutation plus file is high",
			toolName:  "delete_file",
			wantLevel: RiskHigh,
		},
		{
			name:      "sensitive data is high when paired with file access",
			toolName:  "read_credentials",
			args:      map[string]any{"path": "/home/user/.ssh/id_rsa"},
			wantLevel: RiskHigh,
		},
		{
			name:      "keywords in arguments count",
			toolName:  "query",
			args:      map[string]any{"url": "https://example.com/items"},
			wantLevel: RiskMedium,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := assessRisk(tt.toolName, tt.description, tt.args, settings)
			if got.Level != tt.wantLevel {
				t.Errorf("assessRisk(%q) level = %v, want %v (reasons: %v)",
					tt.toolName, got.Level, tt.wantLevel, got.Reasons)
			}
			if len(got.Reasons) == 0 {
				t.Errorf("assessRisk(%q) returned no reasons", tt.toolName)
			}
		})
	}
}

func TestAssessRisk_ApprovalTogglesLowerScores(t *testing.T) {
	relaxed := DefaultSettings()
	relaxed.RequireFileApproval = false

	got := assessRisk("read_file", "", nil, relaxed)
	if got.Level != RiskLow {
		t.Errorf("with file approval off, read_file = %v, want %v", got.Level, RiskLow)
	}

	strict := DefaultSettings()
	got = assessRisk("read_file", "", nil, strict)
	if got.Level != RiskMedium {
		t.Errorf("with file approval on, read_file = %v, want %v", got.Level, RiskMedium)
	}
}

func TestAssessRisk_DefaultReason(t *testing.T) {
	got := assessRisk("get_time", "", nil, DefaultSettings())
	if len(got.Reasons) != 1 || got.Reasons[0] != "general tool execution" {
		t.Errorf("reasons = %v, want [general tool execution]", got.Reasons)
	}
}

func TestRiskLevelTextRoundTrip(t *testing.T) {
	levels := []RiskLevel{RiskNone, RiskLow, RiskMedium, RiskHigh}

	for _, level := range levels {
		text, err := level.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%v): %v", level, err)
		}

		var parsed RiskLevel
		if err := parsed.UnmarshalText(text); err != nil {
			t.Fatalf("UnmarshalText(%q): %v", text, err)
		}
		if parsed != level {
			t.Errorf("round trip %v -> %q -> %v", level, text, parsed)
		}
	}
}

func TestRiskLevelUnmarshalInvalid(t *testing.T) {
	var level RiskLevel
	if err := level.UnmarshalText([]byte("critical")); err == nil {
		t.Error("expected error for unknown risk level")
	}
}

func TestRiskLevelOrdering(t *testing.T) {
	if !(RiskNone < RiskLow && RiskLow < RiskMedium && RiskMedium < RiskHigh) {
		t.Error("risk levels are not ordered none < low < medium < high")
	}
}

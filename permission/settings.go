package permission

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings is the process-wide permission policy. Constructed with secure
// defaults; mutated only through Engine.UpdateSettings.
type Settings struct {
	// AutoApproveCeiling is the highest risk level granted without a
	// prompt. RiskNone disables auto-approval entirely.
	AutoApproveCeiling RiskLevel `envconfig:"AUTO_APPROVE_CEILING"`

	// Per-category approval toggles. When set, the matching keyword family
	// weighs more heavily during risk assessment.
	RequireFileApproval    bool `envconfig:"REQUIRE_FILE_APPROVAL"`
	RequireNetworkApproval bool `envconfig:"REQUIRE_NETWORK_APPROVAL"`
	RequireCommandApproval bool `envconfig:"REQUIRE_COMMAND_APPROVAL"`

	// TrustedServers bypass risk assessment entirely.
	TrustedServers []string `envconfig:"TRUSTED_SERVERS"`

	// GrantLifetime bounds how long an "always" grant stays valid.
	// Zero means grants never expire.
	GrantLifetime time.Duration `envconfig:"GRANT_LIFETIME"`

	// ValidateArguments enables argument-pattern checking on grant reuse.
	ValidateArguments bool `envconfig:"VALIDATE_ARGUMENTS"`

	// MaxSessionGrants caps the session-grant set; the oldest entry is
	// evicted when the cap is exceeded.
	MaxSessionGrants int `envconfig:"MAX_SESSION_GRANTS"`

	// ApprovalTimeout bounds how long a pending approval waits for a human
	// decision before resolving to denial.
	ApprovalTimeout time.Duration `envconfig:"APPROVAL_TIMEOUT"`
}

// DefaultSettings returns the secure defaults applied at construction.
func DefaultSettings() Settings {
	return Settings{
		AutoApproveCeiling:     RiskLow,
		RequireFileApproval:    true,
		RequireNetworkApproval: true,
		RequireCommandApproval: true,
		TrustedServers:         nil,
		GrantLifetime:          30 * 24 * time.Hour,
		ValidateArguments:      true,
		MaxSessionGrants:       50,
		ApprovalTimeout:        30 * time.Second,
	}
}

// LoadSettings returns the defaults overlaid with any PLURAL_MCP_* env vars
// (e.g. PLURAL_MCP_AUTO_APPROVE_CEILING=none).
func LoadSettings() (Settings, error) {
	s := DefaultSettings()
	if err := envconfig.Process("plural_mcp", &s); err != nil {
		return Settings{}, fmt.Errorf("failed to read permission settings from env: %w", err)
	}
	return s.normalized(), nil
}

// normalized clamps nonsensical values back to defaults.
func (s Settings) normalized() Settings {
	if s.MaxSessionGrants <= 0 {
		s.MaxSessionGrants = DefaultSettings().MaxSessionGrants
	}
	if s.ApprovalTimeout <= 0 {
		s.ApprovalTimeout = DefaultSettings().ApprovalTimeout
	}
	if s.GrantLifetime < 0 {
		s.GrantLifetime = 0
	}
	return s
}

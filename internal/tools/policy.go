package tools

import (
	"github.com/promethea/promethea/internal/config"
)

// Decision is the policy answer for one tool invocation.
type Decision string

const (
	DecisionAllow   Decision = "allow"
	DecisionConfirm Decision = "confirm"
	DecisionDeny    Decision = "deny"
)

// Decide evaluates the gate order: denylist wins over everything,
// confirmation wins over plain allowance, and an empty allowlist means
// every registered tool is allowed.
func Decide(cfg config.ToolsConfig, name string) Decision {
	for _, denied := range cfg.Denylist {
		if denied == name {
			return DecisionDeny
		}
	}
	for _, confirm := range cfg.ConfirmRequired {
		if confirm == name {
			return DecisionConfirm
		}
	}
	if len(cfg.Allowlist) == 0 {
		return DecisionAllow
	}
	for _, allowed := range cfg.Allowlist {
		if allowed == name {
			return DecisionAllow
		}
	}
	return DecisionDeny
}

// Exposed reports whether the tool should be advertised to the model
// at all. Denied tools are hidden; confirm-gated tools stay visible.
func Exposed(cfg config.ToolsConfig, name string) bool {
	return Decide(cfg, name) != DecisionDeny
}

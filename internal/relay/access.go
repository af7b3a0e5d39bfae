package relay

import (
	"context"

	"github.com/acrispino/chat-relay/internal/domain"
)

// AccessRule blocks a specific sender identifier. Rules come from
// configuration; rule evaluation beyond simple sender matching is owned by
// the external access-control service.
type AccessRule struct {
	ID     string `koanf:"id"`
	Sender string `koanf:"sender"`
	Reason string `koanf:"reason"`
}

// RuleList is a config-driven AccessEvaluator: the first rule matching the
// sender's phone or channel-native id blocks the message.
type RuleList struct {
	rules []AccessRule
}

var _ AccessEvaluator = (*RuleList)(nil)

// NewRuleList builds an evaluator over the configured block rules.
func NewRuleList(rules []AccessRule) *RuleList {
	return &RuleList{rules: rules}
}

func (r *RuleList) Evaluate(_ context.Context, env *domain.Envelope) AccessDecision {
	for _, rule := range r.rules {
		if rule.Sender == "" {
			continue
		}
		if rule.Sender == env.SenderPhone || rule.Sender == env.SenderChannelID {
			reason := rule.Reason
			if reason == "" {
				reason = "sender blocked by rule"
			}
			return AccessDecision{Allowed: false, RuleID: rule.ID, Reason: reason}
		}
	}
	return AccessDecision{Allowed: true}
}

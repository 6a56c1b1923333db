package policy

import "fmt"

// Action is the outcome of a policy decision.
type Action string

const (
	ActionAllow    Action = "allow"
	ActionConfirm  Action = "confirm"
	ActionEscalate Action = "escalate"
	ActionDeny     Action = "deny"
)

// Policy configures tier-based access for one tool. Tier denotes escalation
// depth: 1 is the highest-risk tier (requires the strongest signer), 3 the
// lowest.
type Policy struct {
	Tool           string
	Tier           int
	AllowedUsers   []string
	CooldownWindow int // max calls per window; 0 disables the cooldown check
	CooldownSecs   int
	DailyLimitUSD  float64
	RequireConfirm bool

	// Level marks the tool's security level: "write" puts it behind the
	// write-gate's interactive confirmation round-trip in addition to the
	// tier decision below; any other value (including the empty default)
	// is treated as read-only and never gated.
	Level string
}

// IsWriteLevel reports whether p requires write-gate confirmation.
func (p *Policy) IsWriteLevel() bool {
	return p != nil && p.Level == "write"
}

// DecisionContext carries the escalation-relevant facts the executor has
// already gathered (daily spend to date, recent denial streak) before
// asking the engine to decide.
type DecisionContext struct {
	UserID             string
	AmountUSD          float64
	DailySpentUSD      float64
	ConsecutiveDenials int
}

// Decision is the result of evaluating a Policy against a DecisionContext.
type Decision struct {
	Action        Action
	Tier          int
	EffectiveTier int
	SignerTier    int
	Reason        string
}

// anomalyDenialThreshold escalates a tool to tier 1 after this many
// consecutive denials for the same user, regardless of its configured tier.
const anomalyDenialThreshold = 3

// Engine evaluates tier policies. It holds no mutable state of its own;
// all inputs arrive via DecisionContext so it can be shared freely.
type Engine struct{}

// NewEngine constructs a stateless policy decision engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Decide implements step 5 of the tool executor pipeline ("Policy
// decision"). The confirm action is intentionally left unimplemented per the
// upstream design: callers must finalize a confirm decision as
// denied:"confirmation-not-implemented" rather than prompting.
func (e *Engine) Decide(p *Policy, ctx DecisionContext) *Decision {
	if p == nil {
		p = &Policy{Tier: 3}
	}

	effectiveTier := p.Tier
	reason := ""

	if ctx.ConsecutiveDenials >= anomalyDenialThreshold && effectiveTier > 1 {
		effectiveTier = 1
		reason = fmt.Sprintf("escalated after %d consecutive denials", ctx.ConsecutiveDenials)
	}

	if p.DailyLimitUSD > 0 && ctx.DailySpentUSD+ctx.AmountUSD > p.DailyLimitUSD {
		if effectiveTier > 2 {
			effectiveTier = 2
		}
		if reason == "" {
			reason = fmt.Sprintf("daily limit %.2f would be exceeded (%.2f spent + %.2f)", p.DailyLimitUSD, ctx.DailySpentUSD, ctx.AmountUSD)
		}
	}

	if effectiveTier < p.Tier {
		return &Decision{
			Action:        ActionEscalate,
			Tier:          p.Tier,
			EffectiveTier: effectiveTier,
			SignerTier:    effectiveTier,
			Reason:        reason,
		}
	}

	if p.RequireConfirm {
		return &Decision{
			Action:        ActionConfirm,
			Tier:          p.Tier,
			EffectiveTier: effectiveTier,
			SignerTier:    effectiveTier,
			Reason:        "confirmation-not-implemented",
		}
	}

	return &Decision{
		Action:        ActionAllow,
		Tier:          p.Tier,
		EffectiveTier: effectiveTier,
		SignerTier:    effectiveTier,
	}
}

// AllowedForUser reports whether userID is permitted by p.AllowedUsers. Per
// the "assignee-only" open question, this check is only enforced when an
// explicit non-empty allow list is configured.
func (p *Policy) AllowedForUser(userID string) bool {
	if p == nil || len(p.AllowedUsers) == 0 {
		return true
	}
	for _, u := range p.AllowedUsers {
		if u == userID {
			return true
		}
	}
	return false
}

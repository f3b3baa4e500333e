package economy

import (
	"encoding/json"
	"fmt"
)

// =============================================================================
// EFFECTS - Closed set of modifier effects
// =============================================================================

// Effect is one line of a ModifierDefinition. The set is closed: Grant and
// Deduct are the only implementations.
type Effect interface {
	// Items returns the rewards the effect moves.
	Items() []RewardItem
	// Hours is the effect duration; zero or less means instant.
	Hours() float64

	isEffect()
}

// Grant credits rewards.
type Grant struct {
	Rewards       []RewardItem
	DurationHours float64
}

// Deduct debits rewards, optionally with currency substitution.
type Deduct struct {
	Rewards       []RewardItem
	DurationHours float64
}

func (g Grant) Items() []RewardItem { return g.Rewards }
func (g Grant) Hours() float64 { return g.DurationHours }
func (Grant) isEffect() {}
func (d Deduct) Items() []RewardItem { return d.Rewards }
func (d Deduct) Hours() float64 { return d.DurationHours }
func (Deduct) isEffect() {}

// IsInstant reports whether the effect applies to the ledger immediately.
func IsInstant(e Effect) bool { return e.Hours() <= 0 }

// Effects is the JSON-aware list form stored on definitions.
type Effects []Effect

type effectJSON struct {
	Kind          string       `json:"kind"`
	Rewards       []RewardItem `json:"rewards"`
	DurationHours float64      `json:"duration_hours,omitempty"`
}

const (
	effectKindGrant  = "grant"
	effectKindDeduct = "deduct"
)

func (es Effects) MarshalJSON() ([]byte, error) {
	out := make([]effectJSON, 0, len(es))
	for _, e := range es {
		switch v := e.(type) {
		case Grant:
			out = append(out, effectJSON{Kind: effectKindGrant, Rewards: v.Rewards, DurationHours: v.DurationHours})
		case Deduct:
			out = append(out, effectJSON{Kind: effectKindDeduct, Rewards: v.Rewards, DurationHours: v.DurationHours})
		default:
			return nil, fmt.Errorf("unsupported effect %T", e)
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON rejects unknown kinds: an effect that cannot be classified
// cannot be applied to a ledger safely.
func (es *Effects) UnmarshalJSON(data []byte) error {
	var raw []effectJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Effects, 0, len(raw))
	for i, r := range raw {
		switch r.Kind {
		case effectKindGrant:
			out = append(out, Grant{Rewards: r.Rewards, DurationHours: r.DurationHours})
		case effectKindDeduct:
			out = append(out, Deduct{Rewards: r.Rewards, DurationHours: r.DurationHours})
		default:
			return &MalformedError{Kind: "effect", ID: fmt.Sprintf("#%d", i), Reason: fmt.Sprintf("unknown kind %q", r.Kind)}
		}
	}
	*es = out
	return nil
}

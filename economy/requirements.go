package economy

import (
	"encoding/json"
	"fmt"
)

// =============================================================================
// REQUIREMENTS - Closed set of trophy predicates
// =============================================================================

// Requirement is one predicate of an automatic trophy. All requirements of a
// trophy must hold for it to be awarded.
type Requirement interface {
	isRequirement()
}

// CompleteQuestType holds when the user has Count approved completions of
// quests of the given kind.
type CompleteQuestType struct {
	Kind  QuestKind
	Count int
}

// CompleteQuestTag holds when the user has Count approved completions of
// quests carrying Tag.
type CompleteQuestTag struct {
	Tag   string
	Count int
}

// AchieveRank holds when the user's current rank is RankID.
type AchieveRank struct {
	RankID RankID
}

// QuestCompleted holds when the user has Count approved completions of QuestID.
type QuestCompleted struct {
	QuestID QuestID
	Count   int
}

// MalformedRequirement is what an unreadable predicate decodes to. It never
// holds, so a trophy carrying one is never awarded automatically.
type MalformedRequirement struct {
	Type   string
	Value  string
	Count  int
	Reason string
}

func (CompleteQuestType) isRequirement()    {}
func (CompleteQuestTag) isRequirement()     {}
func (AchieveRank) isRequirement()          {}
func (QuestCompleted) isRequirement()       {}
func (MalformedRequirement) isRequirement() {}

const (
	reqCompleteQuestType = "complete_quest_type"
	reqCompleteQuestTag  = "complete_quest_tag"
	reqAchieveRank       = "achieve_rank"
	reqQuestCompleted    = "quest_completed"
)

type Requirements []Requirement

type requirementJSON struct {
	Type  string `json:"type"`
	Value string `json:"value"`
	Count int    `json:"count,omitempty"`
}

func (rs Requirements) MarshalJSON() ([]byte, error) {
	out := make([]requirementJSON, 0, len(rs))
	for _, r := range rs {
		switch v := r.(type) {
		case CompleteQuestType:
			out = append(out, requirementJSON{Type: reqCompleteQuestType, Value: string(v.Kind), Count: v.Count})
		case CompleteQuestTag:
			out = append(out, requirementJSON{Type: reqCompleteQuestTag, Value: v.Tag, Count: v.Count})
		case AchieveRank:
			out = append(out, requirementJSON{Type: reqAchieveRank, Value: string(v.RankID)})
		case QuestCompleted:
			out = append(out, requirementJSON{Type: reqQuestCompleted, Value: string(v.QuestID), Count: v.Count})
		case MalformedRequirement:
			out = append(out, requirementJSON{Type: v.Type, Value: v.Value, Count: v.Count})
		default:
			return nil, fmt.Errorf("unsupported requirement %T", r)
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON never fails on an unknown or incomplete predicate; it keeps
// it as a MalformedRequirement so the trophy stays loadable but unearnable.
func (rs *Requirements) UnmarshalJSON(data []byte) error {
	var raw []requirementJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Requirements, 0, len(raw))
	for _, r := range raw {
		out = append(out, decodeRequirement(r))
	}
	*rs = out
	return nil
}

func decodeRequirement(r requirementJSON) Requirement {
	malformed := func(reason string) Requirement {
		return MalformedRequirement{Type: r.Type, Value: r.Value, Count: r.Count, Reason: reason}
	}
	if r.Value == "" {
		return malformed("missing value")
	}
	switch r.Type {
	case reqCompleteQuestType, reqCompleteQuestTag, reqQuestCompleted:
		if r.Count <= 0 {
			return malformed("missing count")
		}
	}
	switch r.Type {
	case reqCompleteQuestType:
		kind := QuestKind(r.Value)
		if kind != QuestDuty && kind != QuestVenture && kind != QuestJourney {
			return malformed(fmt.Sprintf("unknown quest kind %q", r.Value))
		}
		return CompleteQuestType{Kind: kind, Count: r.Count}
	case reqCompleteQuestTag:
		return CompleteQuestTag{Tag: r.Value, Count: r.Count}
	case reqAchieveRank:
		return AchieveRank{RankID: RankID(r.Value)}
	case reqQuestCompleted:
		return QuestCompleted{QuestID: QuestID(r.Value), Count: r.Count}
	case "":
		return malformed("missing type")
	default:
		return malformed(fmt.Sprintf("unknown type %q", r.Type))
	}
}

/*
trophy.go - Trophy Rule Evaluator and ranks

PURPOSE:
  After a personal-scope approval, checks every automatic trophy the user
  does not hold yet and awards those whose requirements all hold. Guild
  approvals never trigger automatic trophies.

EVALUATION INPUTS:
  - the user's personal Approved completions (joined to their quests)
  - the user's personal UserTrophies
  - the user's current Rank, from total personal experience

REQUIREMENTS:
  Requirement is a closed sum type; the switch in holds is exhaustive. A
  MalformedRequirement (or any type the switch does not know) never holds
  and is reported in TrophyEvaluation.Skipped so the bad definition is
  visible to whoever triggered the evaluation.

IDEMPOTENCE:
  A trophy is awarded at most once per (user, trophy, guild). Held trophies
  are filtered before evaluation and the store rejects duplicate inserts.
*/
package economy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// TrophyEvaluation is the outcome of one evaluator run.
type TrophyEvaluation struct {
	Awarded []UserTrophy
	Skipped []SkippedRequirement
	Rank    *Rank
}

// SkippedRequirement is a requirement that could not be interpreted.
type SkippedRequirement struct {
	TrophyID    TrophyID
	Requirement Requirement
	Reason      string
}

// RankStatus is a user's total personal experience and the rank it earns.
type RankStatus struct {
	TotalXP int64
	Rank    *Rank // nil when no rank threshold is reached
}

// =============================================================================
// EVALUATOR
// =============================================================================

type TrophyEvaluator struct {
	store    Store
	catalog  *Catalog
	recorder *Recorder
	ids      IDGenerator
	now      time.Time
}

// completionFacts is the approved history the predicates are checked against.
type completionFacts struct {
	byKind  map[QuestKind]int
	byTag   map[string]int
	byQuest map[QuestID]int
}

func (u *unit) evaluator() *TrophyEvaluator {
	return &TrophyEvaluator{store: u.store, catalog: u.catalog, recorder: u.recorder, ids: u.ids, now: u.now}
}

func (u *unit) evaluateTrophies(ctx context.Context, userID UserID) (TrophyEvaluation, error) {
	return u.evaluator().Evaluate(ctx, userID)
}

func (u *unit) grantTrophy(ctx context.Context, userID UserID, trophyID TrophyID, guildID GuildID) (*UserTrophy, bool, error) {
	return u.evaluator().grant(ctx, userID, trophyID, guildID)
}

// Evaluate awards every automatic personal trophy userID now qualifies for.
func (ev *TrophyEvaluator) Evaluate(ctx context.Context, userID UserID) (TrophyEvaluation, error) {
	var result TrophyEvaluation

	facts, err := ev.facts(ctx, userID)
	if err != nil {
		return result, err
	}
	status, err := ev.rank(ctx, userID)
	if err != nil {
		return result, err
	}
	result.Rank = status.Rank

	held, err := ev.held(ctx, userID, PersonalScope)
	if err != nil {
		return result, err
	}
	trophies, err := ev.store.ListTrophies(ctx)
	if err != nil {
		return result, err
	}
	sort.Slice(trophies, func(i, j int) bool { return trophies[i].ID < trophies[j].ID })

	for _, t := range trophies {
		if t.IsManual || held[t.ID] {
			continue
		}
		ok := len(t.Requirements) > 0
		for _, req := range t.Requirements {
			match, reason := holds(req, facts, status.Rank)
			if reason != "" {
				result.Skipped = append(result.Skipped, SkippedRequirement{TrophyID: t.ID, Requirement: req, Reason: reason})
			}
			if !match {
				ok = false
			}
		}
		if !ok {
			continue
		}
		ut, awarded, err := ev.grant(ctx, userID, t.ID, PersonalScope)
		if err != nil {
			return result, err
		}
		if awarded {
			result.Awarded = append(result.Awarded, *ut)
		}
	}
	return result, nil
}

// holds evaluates one predicate. A non-empty reason means the requirement
// could not be interpreted. Count-based predicates need a positive count.
func holds(req Requirement, f completionFacts, rank *Rank) (bool, string) {
	switch r := req.(type) {
	case CompleteQuestType:
		if r.Count <= 0 {
			return false, "missing count"
		}
		return f.byKind[r.Kind] >= r.Count, ""
	case CompleteQuestTag:
		if r.Count <= 0 {
			return false, "missing count"
		}
		return f.byTag[r.Tag] >= r.Count, ""
	case AchieveRank:
		return rank != nil && rank.ID == r.RankID, ""
	case QuestCompleted:
		if r.Count <= 0 {
			return false, "missing count"
		}
		return f.byQuest[r.QuestID] >= r.Count, ""
	case MalformedRequirement:
		return false, r.Reason
	default:
		return false, fmt.Sprintf("unsupported requirement %T", req)
	}
}

func (ev *TrophyEvaluator) facts(ctx context.Context, userID UserID) (completionFacts, error) {
	f := completionFacts{byKind: map[QuestKind]int{}, byTag: map[string]int{}, byQuest: map[QuestID]int{}}
	personal := PersonalScope
	completions, err := ev.store.ListCompletions(ctx, CompletionFilter{
		UserID:   userID,
		GuildID:  &personal,
		Statuses: []CompletionStatus{CompletionApproved},
	})
	if err != nil {
		return f, err
	}
	quests := map[QuestID]*Quest{}
	for _, c := range completions {
		q, seen := quests[c.QuestID]
		if !seen {
			if q, err = ev.store.GetQuest(ctx, c.QuestID); err != nil {
				return f, err
			}
			quests[c.QuestID] = q
		}
		f.byQuest[c.QuestID]++
		if q == nil {
			continue
		}
		f.byKind[q.Kind]++
		for _, tag := range q.Tags {
			f.byTag[tag]++
		}
	}
	return f, nil
}

func (ev *TrophyEvaluator) rank(ctx context.Context, userID UserID) (RankStatus, error) {
	balances, err := ev.store.ListBalances(ctx, userID, PersonalScope)
	if err != nil {
		return RankStatus{}, err
	}
	total, err := ev.catalog.TotalExperience(ctx, balances)
	if err != nil {
		return RankStatus{}, err
	}
	ranks, err := ev.store.ListRanks(ctx)
	if err != nil {
		return RankStatus{}, err
	}
	return RankStatus{TotalXP: total, Rank: RankFor(ranks, total)}, nil
}

func (ev *TrophyEvaluator) held(ctx context.Context, userID UserID, guildID GuildID) (map[TrophyID]bool, error) {
	owned, err := ev.store.ListUserTrophies(ctx, userID, guildID)
	if err != nil {
		return nil, err
	}
	held := make(map[TrophyID]bool, len(owned))
	for _, ut := range owned {
		held[ut.TrophyID] = true
	}
	return held, nil
}

// grant awards trophyID unless it is already held. The bool reports whether
// a new UserTrophy was written.
func (ev *TrophyEvaluator) grant(ctx context.Context, userID UserID, trophyID TrophyID, guildID GuildID) (*UserTrophy, bool, error) {
	trophy, err := ev.store.GetTrophy(ctx, trophyID)
	if err != nil {
		return nil, false, err
	}
	if trophy == nil {
		return nil, false, notFound("trophy", trophyID)
	}
	held, err := ev.held(ctx, userID, guildID)
	if err != nil {
		return nil, false, err
	}
	if held[trophyID] {
		return nil, false, nil
	}
	ut := UserTrophy{
		ID:        ev.ids.NewID(),
		UserID:    userID,
		TrophyID:  trophyID,
		GuildID:   guildID,
		AwardedAt: ev.now,
	}
	if err := ev.store.AddUserTrophy(ctx, ut); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("award trophy: %w", err)
	}
	ev.recorder.Record(ctx, ChronicleEvent{
		Kind:    ChronicleTrophyAwarded,
		UserID:  userID,
		GuildID: guildID,
		RefID:   string(trophyID),
		Message: fmt.Sprintf("earned %q", trophy.Name),
	})
	ev.recorder.Notify(ctx, []UserID{userID},
		fmt.Sprintf("You earned the trophy %q!", trophy.Name),
		map[string]string{"trophy_id": string(trophyID)})
	return &ut, true, nil
}

// RankFor returns the highest-threshold rank not above totalXP.
func RankFor(ranks []Rank, totalXP int64) *Rank {
	var best *Rank
	for i := range ranks {
		r := ranks[i]
		if r.XPThreshold > totalXP {
			continue
		}
		if best == nil || r.XPThreshold > best.XPThreshold ||
			(r.XPThreshold == best.XPThreshold && r.ID > best.ID) {
			best = &r
		}
	}
	return best
}

// =============================================================================
// ENGINE ENTRY POINTS
// =============================================================================

// EvaluateTrophies runs the evaluator outside an approval, e.g. after a
// catalog change.
func (e *Engine) EvaluateTrophies(ctx context.Context, userID UserID) (*TrophyEvaluation, error) {
	var result TrophyEvaluation
	err := e.run(ctx, func(u *unit) error {
		if _, err := u.user(ctx, userID); err != nil {
			return err
		}
		var err error
		result, err = u.evaluateTrophies(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// AwardTrophy grants a trophy by hand. Manual and automatic trophies are
// both accepted.
func (e *Engine) AwardTrophy(ctx context.Context, trophyID TrophyID, userID UserID, guildID GuildID, adminID UserID) (*UserTrophy, error) {
	var out *UserTrophy
	err := e.run(ctx, func(u *unit) error {
		if err := u.requireApproverRole(ctx, adminID); err != nil {
			return err
		}
		if _, err := u.user(ctx, userID); err != nil {
			return err
		}
		ut, awarded, err := u.grantTrophy(ctx, userID, trophyID, guildID)
		if err != nil {
			return err
		}
		if !awarded {
			return invalidState(CodeTrophyAlreadyHeld, "user %s already holds %s", userID, trophyID)
		}
		out = ut
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) CurrentRank(ctx context.Context, userID UserID) (*RankStatus, error) {
	var status RankStatus
	err := e.view(ctx, func(u *unit) error {
		if _, err := u.user(ctx, userID); err != nil {
			return err
		}
		var err error
		status, err = u.evaluator().rank(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &status, nil
}

func (e *Engine) UserTrophies(ctx context.Context, userID UserID, guildID GuildID) ([]UserTrophy, error) {
	var out []UserTrophy
	err := e.view(ctx, func(u *unit) error {
		var err error
		out, err = u.store.ListUserTrophies(ctx, userID, guildID)
		return err
	})
	return out, err
}

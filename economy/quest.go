/*
quest.go - Quest Completion State Machine

STATES:
  Todo ──▶ (Claimed, only if RequiresClaim) ──▶ Pending ──▶ Approved
                                                   │
                                                   └──────▶ Rejected
  Quests without RequiresApproval skip Pending: the completion is created
  Approved and rewards are paid in the same transaction.

SUBMISSION GATES:
  - Duty:    at most one Pending/Approved completion per user per calendar day
  - Venture: TotalCompletionsAllowed caps Pending+Approved completions per user
  - Journey: the next checkpoint index equals the user's approved count; a
             Pending checkpoint blocks the next one, and a finished Journey
             accepts nothing

APPROVAL EFFECTS (one transaction):
  1. Status Pending -> Approved, exactly once
  2. Rewards credited to the completion's scope (personal or guild)
  3. Journey: checkpoint rewards, and the terminal bonus only when the last
     checkpoint is the one being approved
  4. The completer's approved claim is released
  5. Active Trials redeemed by this quest are marked Redeemed
  6. Trophy evaluation for personal-scope approvals

SEE ALSO:
  - claims.go: claim workflow feeding RequiresClaim quests
  - trophy.go: evaluator run after approval
*/
package economy

import (
	"context"
	"fmt"
	"time"
)

type SubmitCompletionInput struct {
	QuestID QuestID
	UserID  UserID
	Note    string
	// CompletedAt defaults to the engine clock.
	CompletedAt *time.Time
}

// CompletionResult is returned by submission and approval.
type CompletionResult struct {
	Completion QuestCompletion
	// Deltas is the net balance change, empty while the completion is Pending.
	Deltas    Deltas
	BonusPaid bool
	Trophies  []UserTrophy
	Redeemed  []AppliedModifierID
}

// =============================================================================
// SUBMIT
// =============================================================================

func (e *Engine) SubmitCompletion(ctx context.Context, in SubmitCompletionInput) (*CompletionResult, error) {
	var result *CompletionResult
	err := e.run(ctx, func(u *unit) error {
		var err error
		result, err = u.submitCompletion(ctx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (u *unit) submitCompletion(ctx context.Context, in SubmitCompletionInput) (*CompletionResult, error) {
	quest, err := u.quest(ctx, in.QuestID)
	if err != nil {
		return nil, err
	}
	if _, err := u.user(ctx, in.UserID); err != nil {
		return nil, err
	}
	if !quest.IsActive {
		return nil, invalidState(CodeQuestInactive, "quest %s is not active", quest.ID)
	}
	if quest.RequiresClaim && !hasClaim(quest.ApprovedClaims, in.UserID) {
		return nil, invalidState(CodeClaimRequired, "quest %s requires an approved claim", quest.ID)
	}

	completedAt := u.now
	if in.CompletedAt != nil {
		if in.CompletedAt.After(u.now) {
			return nil, invalidState(CodeCompletedInFuture, "completion of %s is dated in the future", quest.ID)
		}
		completedAt = *in.CompletedAt
	}

	history, err := u.store.ListCompletions(ctx, CompletionFilter{QuestID: quest.ID, UserID: in.UserID})
	if err != nil {
		return nil, err
	}

	var checkpointID CheckpointID
	switch quest.Kind {
	case QuestDuty:
		// A backdated completion still counts against the day it was submitted.
		for _, c := range history {
			if c.Status == CompletionRejected {
				continue
			}
			if sameDay(c.CompletedAt, completedAt) || (!c.SubmittedAt.IsZero() && sameDay(c.SubmittedAt, u.now)) {
				return nil, invalidState(CodeAlreadyCompleted, "quest %s already completed on %s", quest.ID, completedAt.UTC().Format("2006-01-02"))
			}
		}
	case QuestVenture:
		if quest.TotalCompletionsAllowed > 0 && countLive(history) >= quest.TotalCompletionsAllowed {
			return nil, invalidState(CodeCompletionLimit, "quest %s allows %d completions", quest.ID, quest.TotalCompletionsAllowed)
		}
	case QuestJourney:
		checkpointID, err = nextCheckpoint(quest, history)
		if err != nil {
			return nil, err
		}
	}

	completion := QuestCompletion{
		ID:           CompletionID(u.ids.NewID()),
		QuestID:      quest.ID,
		UserID:       in.UserID,
		GuildID:      quest.GuildID,
		CheckpointID: checkpointID,
		Status:       CompletionPending,
		CompletedAt:  completedAt,
		SubmittedAt:  u.now,
		Note:         in.Note,
	}

	if quest.RequiresApproval {
		if err := u.store.SaveCompletion(ctx, completion); err != nil {
			return nil, fmt.Errorf("save completion: %w", err)
		}
		u.recorder.Record(ctx, ChronicleEvent{
			Kind:    ChronicleQuestSubmitted,
			ActorID: in.UserID,
			UserID:  in.UserID,
			GuildID: quest.GuildID,
			RefID:   string(completion.ID),
			Message: fmt.Sprintf("submitted %q for approval", quest.Title),
		})
		return &CompletionResult{Completion: completion, Deltas: Deltas{}}, nil
	}

	completion.Status = CompletionApproved
	actedAt := u.now
	completion.ActedAt = &actedAt
	if err := u.store.SaveCompletion(ctx, completion); err != nil {
		return nil, fmt.Errorf("save completion: %w", err)
	}
	return u.settleApproval(ctx, quest, completion)
}

// nextCheckpoint returns the checkpoint a new Journey completion targets.
func nextCheckpoint(quest *Quest, history []QuestCompletion) (CheckpointID, error) {
	approved := 0
	for _, c := range history {
		switch c.Status {
		case CompletionPending:
			return "", invalidState(CodeCheckpointPending, "journey %s has a checkpoint awaiting approval", quest.ID)
		case CompletionApproved:
			approved++
		}
	}
	if len(quest.Checkpoints) == 0 {
		if approved > 0 {
			return "", invalidState(CodeJourneyFinished, "journey %s is finished", quest.ID)
		}
		return "", nil
	}
	if approved >= len(quest.Checkpoints) {
		return "", invalidState(CodeJourneyFinished, "journey %s is finished", quest.ID)
	}
	return quest.Checkpoints[approved].ID, nil
}

// =============================================================================
// APPROVE / REJECT
// =============================================================================

func (e *Engine) ApproveCompletion(ctx context.Context, id CompletionID, approverID UserID, note string) (*CompletionResult, error) {
	var result *CompletionResult
	err := e.run(ctx, func(u *unit) error {
		completion, err := u.pendingCompletion(ctx, id)
		if err != nil {
			return err
		}
		if _, err := u.checkApprover(ctx, approverID, completion.UserID); err != nil {
			return err
		}
		quest, err := u.quest(ctx, completion.QuestID)
		if err != nil {
			return err
		}

		actedAt := u.now
		completion.Status = CompletionApproved
		completion.ActedByID = approverID
		completion.ActedAt = &actedAt
		if note != "" {
			completion.Note = note
		}
		if err := u.store.SaveCompletion(ctx, *completion); err != nil {
			return fmt.Errorf("save completion: %w", err)
		}
		result, err = u.settleApproval(ctx, quest, *completion)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) RejectCompletion(ctx context.Context, id CompletionID, rejecterID UserID, note string) (*QuestCompletion, error) {
	var out QuestCompletion
	err := e.run(ctx, func(u *unit) error {
		completion, err := u.pendingCompletion(ctx, id)
		if err != nil {
			return err
		}
		rejecter, err := u.user(ctx, rejecterID)
		if err != nil {
			return err
		}
		if !rejecter.CanApprove() {
			return &PolicyViolationError{Code: CodeNotAuthorized, Message: "user " + string(rejecterID) + " cannot reject"}
		}
		quest, err := u.quest(ctx, completion.QuestID)
		if err != nil {
			return err
		}

		actedAt := u.now
		completion.Status = CompletionRejected
		completion.ActedByID = rejecterID
		completion.ActedAt = &actedAt
		completion.Note = note
		if err := u.store.SaveCompletion(ctx, *completion); err != nil {
			return fmt.Errorf("save completion: %w", err)
		}

		u.recorder.Record(ctx, ChronicleEvent{
			Kind:    ChronicleQuestRejected,
			ActorID: rejecterID,
			UserID:  completion.UserID,
			GuildID: completion.GuildID,
			RefID:   string(completion.ID),
			Message: fmt.Sprintf("%q was rejected", quest.Title),
		})
		u.recorder.Notify(ctx, []UserID{completion.UserID},
			fmt.Sprintf("Your completion of %q was rejected. %s", quest.Title, note),
			map[string]string{"completion_id": string(completion.ID), "quest_id": string(quest.ID)})
		out = *completion
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (u *unit) pendingCompletion(ctx context.Context, id CompletionID) (*QuestCompletion, error) {
	c, err := u.store.GetCompletion(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, notFound("completion", id)
	}
	if c.Status != CompletionPending {
		return nil, invalidState(CodeNotPending, "completion %s is %s", id, c.Status)
	}
	return c, nil
}

// settleApproval applies every effect of an Approved completion. The
// completion must already be saved as Approved.
func (u *unit) settleApproval(ctx context.Context, quest *Quest, c QuestCompletion) (*CompletionResult, error) {
	scope := InGuild(c.UserID, c.GuildID)
	result := &CompletionResult{Completion: c, Deltas: Deltas{}}

	if quest.Kind == QuestJourney {
		if err := u.settleCheckpoint(ctx, quest, c, result); err != nil {
			return nil, err
		}
	} else {
		d, err := u.credit(ctx, scope, quest.Rewards)
		if err != nil {
			return nil, err
		}
		result.Deltas.Merge(d)
	}

	if quest.RequiresClaim {
		if claims, released := removeClaim(quest.ApprovedClaims, c.UserID); released {
			quest.ApprovedClaims = claims
			if err := u.store.SaveQuest(ctx, *quest); err != nil {
				return nil, fmt.Errorf("release claim: %w", err)
			}
		}
	}

	redeemed, err := u.redeemModifiers(ctx, quest, c.UserID)
	if err != nil {
		return nil, err
	}
	result.Redeemed = redeemed

	if scope.IsPersonal() {
		eval, err := u.evaluateTrophies(ctx, c.UserID)
		if err != nil {
			return nil, err
		}
		result.Trophies = append(result.Trophies, eval.Awarded...)
	}

	u.recorder.Record(ctx, ChronicleEvent{
		Kind:    ChronicleQuestApproved,
		ActorID: c.ActedByID,
		UserID:  c.UserID,
		GuildID: c.GuildID,
		RefID:   string(c.ID),
		Message: fmt.Sprintf("%q approved: %s", quest.Title, result.Deltas.Summary()),
		Deltas:  result.Deltas,
	})
	u.recorder.Notify(ctx, []UserID{c.UserID},
		fmt.Sprintf("Your completion of %q was approved (%s).", quest.Title, result.Deltas.Summary()),
		map[string]string{"completion_id": string(c.ID), "quest_id": string(quest.ID)})
	return result, nil
}

func (u *unit) settleCheckpoint(ctx context.Context, quest *Quest, c QuestCompletion, result *CompletionResult) error {
	scope := InGuild(c.UserID, c.GuildID)

	if len(quest.Checkpoints) == 0 {
		d, err := u.credit(ctx, scope, quest.Rewards)
		if err != nil {
			return err
		}
		result.Deltas.Merge(d)
		result.BonusPaid = true
		return nil
	}

	cp, ok := quest.checkpoint(c.CheckpointID)
	if !ok {
		return &MalformedError{Kind: "checkpoint", ID: string(c.CheckpointID), Reason: "not declared on journey " + string(quest.ID)}
	}
	d, err := u.credit(ctx, scope, cp.Rewards)
	if err != nil {
		return err
	}
	result.Deltas.Merge(d)

	history, err := u.store.ListCompletions(ctx, CompletionFilter{
		QuestID:  quest.ID,
		UserID:   c.UserID,
		Statuses: []CompletionStatus{CompletionApproved},
	})
	if err != nil {
		return err
	}
	if len(history) == len(quest.Checkpoints) {
		d, err := u.credit(ctx, scope, quest.Rewards)
		if err != nil {
			return err
		}
		result.Deltas.Merge(d)
		result.BonusPaid = true
	}

	if cp.TrophyID != "" && scope.IsPersonal() {
		ut, awarded, err := u.grantTrophy(ctx, c.UserID, cp.TrophyID, PersonalScope)
		if err != nil {
			return err
		}
		if awarded {
			result.Trophies = append(result.Trophies, *ut)
		}
	}
	return nil
}

func (u *unit) credit(ctx context.Context, scope Scope, items []RewardItem) (Deltas, error) {
	if err := u.catalog.Validate(ctx, items); err != nil {
		return nil, err
	}
	return u.ledger.CreditAll(ctx, scope, items)
}

// redeemModifiers marks the user's Active modifiers redeemed by quest.
func (u *unit) redeemModifiers(ctx context.Context, quest *Quest, userID UserID) ([]AppliedModifierID, error) {
	mods, err := u.store.ListAppliedModifiers(ctx, AppliedModifierFilter{
		UserID:            userID,
		Status:            ModifierActive,
		RedemptionQuestID: quest.ID,
	})
	if err != nil {
		return nil, err
	}
	var ids []AppliedModifierID
	for _, m := range mods {
		resolved := u.now
		m.Status = ModifierRedeemed
		m.ResolvedAt = &resolved
		if err := u.store.SaveAppliedModifier(ctx, m); err != nil {
			return nil, fmt.Errorf("redeem modifier: %w", err)
		}
		u.recorder.Record(ctx, ChronicleEvent{
			Kind:    ChronicleModifierRedeemed,
			UserID:  userID,
			GuildID: m.GuildID,
			RefID:   string(m.ID),
			Message: fmt.Sprintf("redeemed by completing %q", quest.Title),
		})
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// =============================================================================
// OVERDUE SETBACKS
// =============================================================================

// SetbackApplication records one setback charged by ApplyOverdueSetbacks.
type SetbackApplication struct {
	QuestID QuestID
	UserID  UserID
	Kind    SetbackKind
	Deltas  Deltas
	// Shortfall is what the clamp at zero could not take, per reward type.
	Shortfall map[RewardTypeID]int64
}

// ApplyOverdueSetbacks charges late and incomplete setbacks for every active
// quest whose deadline has passed, once per (quest, user, kind). Users with
// an Approved completion of the quest are skipped. Balances clamp at zero.
func (e *Engine) ApplyOverdueSetbacks(ctx context.Context) ([]SetbackApplication, error) {
	var applied []SetbackApplication
	err := e.sweep(ctx, func(u *unit) (bool, error) {
		applied = applied[:0]
		quests, err := u.store.ListQuests(ctx)
		if err != nil {
			return false, err
		}
		for i := range quests {
			quest := quests[i]
			if !quest.IsActive || len(quest.AssignedUserIDs) == 0 {
				continue
			}
			changed := false
			for _, kind := range []SetbackKind{SetbackLate, SetbackIncomplete} {
				deadline, items := quest.setback(kind)
				if deadline == nil || len(items) == 0 || !u.now.After(*deadline) {
					continue
				}
				for _, userID := range quest.AssignedUserIDs {
					if quest.setbackApplied(userID, kind) {
						continue
					}
					done, err := u.hasApproved(ctx, quest.ID, userID)
					if err != nil {
						return false, err
					}
					if done {
						continue
					}
					app, err := u.chargeSetback(ctx, &quest, userID, kind, items)
					if err != nil {
						return false, err
					}
					applied = append(applied, app)
					changed = true
				}
			}
			if changed {
				if err := u.store.SaveQuest(ctx, quest); err != nil {
					return false, fmt.Errorf("save quest setbacks: %w", err)
				}
			}
		}
		return len(applied) > 0, nil
	})
	if err != nil {
		return nil, err
	}
	return applied, nil
}

func (u *unit) chargeSetback(ctx context.Context, quest *Quest, userID UserID, kind SetbackKind, items []RewardItem) (SetbackApplication, error) {
	if _, err := u.user(ctx, userID); err != nil {
		return SetbackApplication{}, err
	}
	scope := InGuild(userID, quest.GuildID)
	app := SetbackApplication{
		QuestID:   quest.ID,
		UserID:    userID,
		Kind:      kind,
		Deltas:    Deltas{},
		Shortfall: map[RewardTypeID]int64{},
	}
	for _, item := range items {
		res, err := u.ledger.Debit(ctx, scope, item)
		if err != nil {
			return SetbackApplication{}, err
		}
		app.Deltas.Add(item.RewardTypeID, res.After-res.Before)
		if res.Shortfall > 0 {
			app.Shortfall[item.RewardTypeID] += res.Shortfall
		}
	}
	quest.AppliedSetbacks = append(quest.AppliedSetbacks, AppliedSetback{UserID: userID, Kind: kind, AppliedAt: u.now})

	u.recorder.Record(ctx, ChronicleEvent{
		Kind:    ChronicleSetbackApplied,
		UserID:  userID,
		GuildID: quest.GuildID,
		RefID:   string(quest.ID),
		Message: fmt.Sprintf("%s setback for %q: %s", kind, quest.Title, app.Deltas.Summary()),
		Deltas:  app.Deltas,
	})
	u.recorder.Notify(ctx, []UserID{userID},
		fmt.Sprintf("%q is overdue (%s).", quest.Title, app.Deltas.Summary()),
		map[string]string{"quest_id": string(quest.ID), "setback": string(kind)})
	return app, nil
}

func (u *unit) hasApproved(ctx context.Context, questID QuestID, userID UserID) (bool, error) {
	done, err := u.store.ListCompletions(ctx, CompletionFilter{
		QuestID:  questID,
		UserID:   userID,
		Statuses: []CompletionStatus{CompletionApproved},
	})
	return len(done) > 0, err
}

func (q *Quest) setback(kind SetbackKind) (*time.Time, []RewardItem) {
	if kind == SetbackLate {
		return q.LateDeadline, q.LateSetbacks
	}
	return q.IncompleteDeadline, q.IncompleteSetbacks
}

func (q *Quest) setbackApplied(userID UserID, kind SetbackKind) bool {
	for _, s := range q.AppliedSetbacks {
		if s.UserID == userID && s.Kind == kind {
			return true
		}
	}
	return false
}

// =============================================================================
// HELPERS
// =============================================================================

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// countLive counts Pending and Approved completions.
func countLive(history []QuestCompletion) int {
	n := 0
	for _, c := range history {
		if c.Status != CompletionRejected {
			n++
		}
	}
	return n
}

package economy

import (
	"context"
	"fmt"
)

// Claims gate quests with RequiresClaim. PendingClaims and ApprovedClaims
// are disjoint sets keyed by user id:
//
//	Claim         adds to PendingClaims (no-op if the user already holds a claim)
//	ApproveClaim  moves PendingClaims -> ApprovedClaims
//	RejectClaim   removes from PendingClaims
//	Unclaim       removes from whichever set holds the user

func (e *Engine) Claim(ctx context.Context, questID QuestID, userID UserID) (*Quest, error) {
	return e.claimAction(ctx, questID, userID, func(u *unit, q *Quest) (bool, error) {
		if hasClaim(q.PendingClaims, userID) || hasClaim(q.ApprovedClaims, userID) {
			return false, nil
		}
		q.PendingClaims = append(q.PendingClaims, Claim{UserID: userID, ClaimedAt: u.now})
		approvers, err := u.approverIDs(ctx)
		if err != nil {
			return false, err
		}
		u.recorder.Record(ctx, ChronicleEvent{
			Kind:    ChronicleClaim,
			ActorID: userID,
			UserID:  userID,
			GuildID: q.GuildID,
			RefID:   string(q.ID),
			Message: fmt.Sprintf("claimed %q", q.Title),
		})
		u.recorder.Notify(ctx, approvers,
			fmt.Sprintf("%s claimed %q.", userID, q.Title),
			map[string]string{"quest_id": string(q.ID), "user_id": string(userID)})
		return true, nil
	})
}

func (e *Engine) Unclaim(ctx context.Context, questID QuestID, userID UserID) (*Quest, error) {
	return e.claimAction(ctx, questID, userID, func(u *unit, q *Quest) (bool, error) {
		pending, inPending := removeClaim(q.PendingClaims, userID)
		approved, inApproved := removeClaim(q.ApprovedClaims, userID)
		if !inPending && !inApproved {
			return false, invalidState(CodeClaimNotFound, "user %s holds no claim on %s", userID, q.ID)
		}
		q.PendingClaims, q.ApprovedClaims = pending, approved
		return true, nil
	})
}

func (e *Engine) ApproveClaim(ctx context.Context, questID QuestID, userID, adminID UserID) (*Quest, error) {
	return e.claimAction(ctx, questID, userID, func(u *unit, q *Quest) (bool, error) {
		if err := u.requireApproverRole(ctx, adminID); err != nil {
			return false, err
		}
		var claim Claim
		for _, c := range q.PendingClaims {
			if c.UserID == userID {
				claim = c
			}
		}
		pending, ok := removeClaim(q.PendingClaims, userID)
		if !ok {
			return false, invalidState(CodeClaimNotFound, "user %s has no pending claim on %s", userID, q.ID)
		}
		q.PendingClaims = pending
		q.ApprovedClaims = append(q.ApprovedClaims, claim)
		u.recorder.Notify(ctx, []UserID{userID},
			fmt.Sprintf("Your claim on %q was approved.", q.Title),
			map[string]string{"quest_id": string(q.ID)})
		return true, nil
	})
}

func (e *Engine) RejectClaim(ctx context.Context, questID QuestID, userID, adminID UserID) (*Quest, error) {
	return e.claimAction(ctx, questID, userID, func(u *unit, q *Quest) (bool, error) {
		if err := u.requireApproverRole(ctx, adminID); err != nil {
			return false, err
		}
		pending, ok := removeClaim(q.PendingClaims, userID)
		if !ok {
			return false, invalidState(CodeClaimNotFound, "user %s has no pending claim on %s", userID, q.ID)
		}
		q.PendingClaims = pending
		u.recorder.Notify(ctx, []UserID{userID},
			fmt.Sprintf("Your claim on %q was rejected.", q.Title),
			map[string]string{"quest_id": string(q.ID)})
		return true, nil
	})
}

// claimAction loads the quest and user, checks RequiresClaim, applies fn
// and saves the quest if fn changed it.
func (e *Engine) claimAction(ctx context.Context, questID QuestID, userID UserID, fn func(u *unit, q *Quest) (bool, error)) (*Quest, error) {
	var out Quest
	err := e.run(ctx, func(u *unit) error {
		q, err := u.quest(ctx, questID)
		if err != nil {
			return err
		}
		if _, err := u.user(ctx, userID); err != nil {
			return err
		}
		if !q.RequiresClaim {
			return invalidState(CodeClaimNotRequired, "quest %s does not take claims", q.ID)
		}
		changed, err := fn(u, q)
		if err != nil {
			return err
		}
		if changed {
			if err := u.store.SaveQuest(ctx, *q); err != nil {
				return fmt.Errorf("save quest claims: %w", err)
			}
		}
		out = *q
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (u *unit) requireApproverRole(ctx context.Context, id UserID) error {
	actor, err := u.user(ctx, id)
	if err != nil {
		return err
	}
	if !actor.CanApprove() {
		return &PolicyViolationError{Code: CodeNotAuthorized, Message: "user " + string(id) + " is not an approver"}
	}
	return nil
}

func (u *unit) approverIDs(ctx context.Context) ([]UserID, error) {
	users, err := u.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	var ids []UserID
	for _, usr := range users {
		if usr.CanApprove() {
			ids = append(ids, usr.ID)
		}
	}
	return ids, nil
}

func hasClaim(claims []Claim, userID UserID) bool {
	for _, c := range claims {
		if c.UserID == userID {
			return true
		}
	}
	return false
}

// removeClaim returns claims without userID and whether it was present.
func removeClaim(claims []Claim, userID UserID) ([]Claim, bool) {
	out := claims[:0:0]
	found := false
	for _, c := range claims {
		if c.UserID == userID {
			found = true
			continue
		}
		out = append(out, c)
	}
	return out, found
}

package economy_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mckayc/task-donegeon-sub004/economy"
)

// =============================================================================
// SUBMISSION
// =============================================================================

func TestSubmit_AutoApproveCreditsImmediately(t *testing.T) {
	w := newWorld(t)
	w.quest(economy.Quest{ID: "dishes", Kind: economy.QuestVenture, Rewards: items(item("gold", 3), item("xp", 10))})

	res := w.submit("dishes", "alice")

	assert.Equal(t, economy.CompletionApproved, res.Completion.Status)
	assert.NotNil(t, res.Completion.ActedAt)
	assert.Equal(t, int64(3), w.balance("alice", "gold"))
	assert.Equal(t, int64(10), w.balance("alice", "xp"))
	assert.Equal(t, economy.Deltas{"gold": 3, "xp": 10}, res.Deltas)
	assert.Equal(t, int32(1), w.events.n.Load(), "one broadcast per action")
}

func TestSubmit_PendingHasNoBalanceEffect(t *testing.T) {
	w := newWorld(t)
	w.quest(economy.Quest{ID: "dishes", Kind: economy.QuestVenture, RequiresApproval: true, Rewards: items(item("gold", 3))})

	res := w.submit("dishes", "alice")

	assert.Equal(t, economy.CompletionPending, res.Completion.Status)
	assert.Equal(t, int64(0), w.balance("alice", "gold"))
}

func TestSubmit_NotFound(t *testing.T) {
	w := newWorld(t)
	w.quest(economy.Quest{ID: "dishes", Kind: economy.QuestVenture})

	_, err := w.engine.SubmitCompletion(w.ctx, economy.SubmitCompletionInput{QuestID: "nope", UserID: "alice"})
	assert.True(t, economy.IsNotFound(err))

	_, err = w.engine.SubmitCompletion(w.ctx, economy.SubmitCompletionInput{QuestID: "dishes", UserID: "ghost"})
	assert.True(t, economy.IsNotFound(err))
	assert.Equal(t, int32(0), w.events.n.Load(), "failed actions do not broadcast")
}

func TestSubmit_InactiveQuest(t *testing.T) {
	w := newWorld(t)
	q := w.quest(economy.Quest{ID: "old", Kind: economy.QuestVenture})
	q.IsActive = false
	require.NoError(t, w.store.SaveQuest(w.ctx, q))

	_, err := w.engine.SubmitCompletion(w.ctx, economy.SubmitCompletionInput{QuestID: "old", UserID: "alice"})
	assertInvalidState(t, err, economy.CodeQuestInactive)
}

func TestDuty_SameDayDedup(t *testing.T) {
	t.Run("second submission while first is pending", func(t *testing.T) {
		w := newWorld(t)
		w.quest(economy.Quest{ID: "bed", Kind: economy.QuestDuty, RequiresApproval: true})

		w.submit("bed", "alice")
		w.clock.Advance(3 * time.Hour)
		_, err := w.engine.SubmitCompletion(w.ctx, economy.SubmitCompletionInput{QuestID: "bed", UserID: "alice"})

		assertInvalidState(t, err, economy.CodeAlreadyCompleted)
	})

	t.Run("second submission after approval", func(t *testing.T) {
		w := newWorld(t)
		w.quest(economy.Quest{ID: "bed", Kind: economy.QuestDuty, Rewards: items(item("gold", 1))})

		w.submit("bed", "alice")
		_, err := w.engine.SubmitCompletion(w.ctx, economy.SubmitCompletionInput{QuestID: "bed", UserID: "alice"})

		assertInvalidState(t, err, economy.CodeAlreadyCompleted)
		assert.Equal(t, int64(1), w.balance("alice", "gold"), "no double credit")
	})

	t.Run("rejected completion does not block", func(t *testing.T) {
		w := newWorld(t)
		w.quest(economy.Quest{ID: "bed", Kind: economy.QuestDuty, RequiresApproval: true})

		first := w.submit("bed", "alice")
		_, err := w.engine.RejectCompletion(w.ctx, first.Completion.ID, "admin", "try again")
		require.NoError(t, err)

		w.submit("bed", "alice")
	})

	t.Run("backdating does not bypass the day", func(t *testing.T) {
		w := newWorld(t)
		w.quest(economy.Quest{ID: "bed", Kind: economy.QuestDuty, Rewards: items(item("gold", 1))})

		w.submit("bed", "alice")
		for days := 1; days <= 4; days++ {
			earlier := w.clock.T.Add(-time.Duration(days) * 24 * time.Hour)
			_, err := w.engine.SubmitCompletion(w.ctx, economy.SubmitCompletionInput{QuestID: "bed", UserID: "alice", CompletedAt: &earlier})
			assertInvalidState(t, err, economy.CodeAlreadyCompleted)
		}

		assert.Equal(t, int64(1), w.balance("alice", "gold"), "one credit per day")
	})

	t.Run("backdated completion is accepted once", func(t *testing.T) {
		w := newWorld(t)
		w.quest(economy.Quest{ID: "bed", Kind: economy.QuestDuty, Rewards: items(item("gold", 1))})
		yesterday := w.clock.T.Add(-24 * time.Hour)

		res, err := w.engine.SubmitCompletion(w.ctx, economy.SubmitCompletionInput{QuestID: "bed", UserID: "alice", CompletedAt: &yesterday})
		require.NoError(t, err)
		assert.Equal(t, yesterday, res.Completion.CompletedAt)
		assert.Equal(t, w.clock.T, res.Completion.SubmittedAt)

		_, err = w.engine.SubmitCompletion(w.ctx, economy.SubmitCompletionInput{QuestID: "bed", UserID: "alice"})
		assertInvalidState(t, err, economy.CodeAlreadyCompleted)
	})

	t.Run("future date is refused", func(t *testing.T) {
		w := newWorld(t)
		w.quest(economy.Quest{ID: "bed", Kind: economy.QuestDuty, Rewards: items(item("gold", 1))})
		tomorrow := w.clock.T.Add(24 * time.Hour)

		_, err := w.engine.SubmitCompletion(w.ctx, economy.SubmitCompletionInput{QuestID: "bed", UserID: "alice", CompletedAt: &tomorrow})

		assertInvalidState(t, err, economy.CodeCompletedInFuture)
		assert.Zero(t, w.balance("alice", "gold"))
	})

	t.Run("next calendar day is allowed", func(t *testing.T) {
		w := newWorld(t)
		w.quest(economy.Quest{ID: "bed", Kind: economy.QuestDuty, Rewards: items(item("gold", 1))})

		w.submit("bed", "alice")
		w.clock.Advance(24 * time.Hour)
		w.submit("bed", "alice")

		assert.Equal(t, int64(2), w.balance("alice", "gold"))
	})
}

func TestVenture_CompletionLimit(t *testing.T) {
	w := newWorld(t)
	w.quest(economy.Quest{ID: "once", Kind: economy.QuestVenture, RequiresApproval: true, TotalCompletionsAllowed: 1})

	first := w.submit("once", "alice")
	_, err := w.engine.SubmitCompletion(w.ctx, economy.SubmitCompletionInput{QuestID: "once", UserID: "alice"})
	assertInvalidState(t, err, economy.CodeCompletionLimit)

	// a rejected attempt frees the slot
	_, err = w.engine.RejectCompletion(w.ctx, first.Completion.ID, "admin", "")
	require.NoError(t, err)
	w.submit("once", "alice")
}

// =============================================================================
// APPROVAL
// =============================================================================

func TestApprove_AtMostOneTerminalTransition(t *testing.T) {
	w := newWorld(t)
	w.quest(economy.Quest{ID: "dishes", Kind: economy.QuestVenture, RequiresApproval: true, Rewards: items(item("gold", 3))})
	c := w.submit("dishes", "alice").Completion

	w.approve(c.ID)

	// WHEN: approving or rejecting again
	_, err := w.engine.ApproveCompletion(w.ctx, c.ID, "admin", "")
	assertInvalidState(t, err, economy.CodeNotPending)
	_, err = w.engine.RejectCompletion(w.ctx, c.ID, "admin", "")
	assertInvalidState(t, err, economy.CodeNotPending)

	// THEN: rewards were credited once and the status did not move
	assert.Equal(t, int64(3), w.balance("alice", "gold"))
	stored, err := w.store.GetCompletion(w.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, economy.CompletionApproved, stored.Status)
	assert.Equal(t, economy.UserID("admin"), stored.ActedByID)
}

func TestReject_NoBalanceEffect(t *testing.T) {
	w := newWorld(t)
	w.quest(economy.Quest{ID: "dishes", Kind: economy.QuestVenture, RequiresApproval: true, Rewards: items(item("gold", 3))})
	c := w.submit("dishes", "alice").Completion

	rejected, err := w.engine.RejectCompletion(w.ctx, c.ID, "admin", "streaks on the plates")
	require.NoError(t, err)

	assert.Equal(t, economy.CompletionRejected, rejected.Status)
	assert.Equal(t, "streaks on the plates", rejected.Note)
	assert.Equal(t, int64(0), w.balance("alice", "gold"))

	_, err = w.engine.ApproveCompletion(w.ctx, c.ID, "admin", "")
	assertInvalidState(t, err, economy.CodeNotPending)
}

func TestApprove_RequiresApproverRole(t *testing.T) {
	w := newWorld(t)
	w.user("bob", economy.RoleExplorer)
	w.quest(economy.Quest{ID: "dishes", Kind: economy.QuestVenture, RequiresApproval: true})
	c := w.submit("dishes", "alice").Completion

	_, err := w.engine.ApproveCompletion(w.ctx, c.ID, "bob", "")
	assertPolicyViolation(t, err, economy.CodeNotAuthorized)

	w.user("gk", economy.RoleGatekeeper)
	_, err = w.engine.ApproveCompletion(w.ctx, c.ID, "gk", "")
	assert.NoError(t, err)
}

func TestApprove_SelfApprovalBootstrap(t *testing.T) {
	t.Run("sole admin may approve own completion", func(t *testing.T) {
		w := newWorld(t)
		w.settings(economy.Settings{SelfApprovalEnabled: false})
		w.quest(economy.Quest{ID: "dishes", Kind: economy.QuestVenture, RequiresApproval: true, Rewards: items(item("gold", 2))})
		c := w.submit("dishes", "admin").Completion

		_, err := w.engine.ApproveCompletion(w.ctx, c.ID, "admin", "")

		require.NoError(t, err)
		assert.Equal(t, int64(2), w.balance("admin", "gold"))
	})

	t.Run("second admin blocks self-approval", func(t *testing.T) {
		w := newWorld(t)
		w.user("admin2", economy.RoleAdmin)
		w.settings(economy.Settings{SelfApprovalEnabled: false})
		w.quest(economy.Quest{ID: "dishes", Kind: economy.QuestVenture, RequiresApproval: true, Rewards: items(item("gold", 2))})
		c := w.submit("dishes", "admin").Completion

		_, err := w.engine.ApproveCompletion(w.ctx, c.ID, "admin", "")

		assertPolicyViolation(t, err, economy.CodeSelfApproval)
		assert.True(t, errors.Is(err, economy.ErrPolicyViolation))
		assert.Equal(t, int64(0), w.balance("admin", "gold"))

		// the other admin can still approve it
		_, err = w.engine.ApproveCompletion(w.ctx, c.ID, "admin2", "")
		assert.NoError(t, err)
	})

	t.Run("setting enabled allows self-approval", func(t *testing.T) {
		w := newWorld(t)
		w.user("admin2", economy.RoleAdmin)
		w.settings(economy.Settings{SelfApprovalEnabled: true})
		w.quest(economy.Quest{ID: "dishes", Kind: economy.QuestVenture, RequiresApproval: true})
		c := w.submit("dishes", "admin").Completion

		_, err := w.engine.ApproveCompletion(w.ctx, c.ID, "admin", "")
		assert.NoError(t, err)
	})
}

func TestApprove_GuildScope(t *testing.T) {
	w := newWorld(t)
	w.quest(economy.Quest{ID: "raid", Kind: economy.QuestVenture, GuildID: "g1", RequiresApproval: true, Rewards: items(item("gold", 7))})
	c := w.submit("raid", "alice").Completion
	assert.Equal(t, economy.GuildID("g1"), c.GuildID)

	w.approve(c.ID)

	assert.Equal(t, int64(7), w.guildBalance("alice", "g1", "gold"))
	assert.Equal(t, int64(0), w.balance("alice", "gold"))
}

func TestApprove_UnknownRewardTypeAbortsAction(t *testing.T) {
	w := newWorld(t)
	w.quest(economy.Quest{ID: "odd", Kind: economy.QuestVenture, RequiresApproval: true, Rewards: items(item("gold", 1), item("mystery", 1))})
	c := w.submit("odd", "alice").Completion

	_, err := w.engine.ApproveCompletion(w.ctx, c.ID, "admin", "")

	assert.True(t, economy.IsNotFound(err))
	stored, _ := w.store.GetCompletion(w.ctx, c.ID)
	assert.Equal(t, economy.CompletionPending, stored.Status, "rolled back")
	assert.Equal(t, int64(0), w.balance("alice", "gold"))
}

// =============================================================================
// JOURNEYS
// =============================================================================

func journey() economy.Quest {
	return economy.Quest{
		ID:               "marathon",
		Kind:             economy.QuestJourney,
		RequiresApproval: true,
		Rewards:          items(item("xp", 1)),
		Checkpoints: []economy.Checkpoint{
			{ID: "cp1", Rewards: items(item("diligence", 5))},
			{ID: "cp2", Rewards: items(item("diligence", 5))},
			{ID: "cp3", Rewards: items(item("diligence", 5))},
		},
	}
}

func TestJourney_TerminalBonusGating(t *testing.T) {
	w := newWorld(t)
	w.quest(journey())

	// checkpoint 1
	c1 := w.submit("marathon", "alice").Completion
	assert.Equal(t, economy.CheckpointID("cp1"), c1.CheckpointID)
	r1 := w.approve(c1.ID)
	assert.False(t, r1.BonusPaid)
	assert.Equal(t, int64(5), w.balance("alice", "diligence"))
	assert.Equal(t, int64(0), w.balance("alice", "xp"))

	// checkpoint 2
	c2 := w.submit("marathon", "alice").Completion
	assert.Equal(t, economy.CheckpointID("cp2"), c2.CheckpointID)
	r2 := w.approve(c2.ID)
	assert.False(t, r2.BonusPaid)
	assert.Equal(t, int64(10), w.balance("alice", "diligence"))
	assert.Equal(t, int64(0), w.balance("alice", "xp"))

	// checkpoint 3 pays the bonus
	c3 := w.submit("marathon", "alice").Completion
	assert.Equal(t, economy.CheckpointID("cp3"), c3.CheckpointID)
	r3 := w.approve(c3.ID)
	assert.True(t, r3.BonusPaid)
	assert.Equal(t, int64(15), w.balance("alice", "diligence"))
	assert.Equal(t, int64(1), w.balance("alice", "xp"))
	assert.Equal(t, economy.Deltas{"diligence": 5, "xp": 1}, r3.Deltas)

	// finished
	_, err := w.engine.SubmitCompletion(w.ctx, economy.SubmitCompletionInput{QuestID: "marathon", UserID: "alice"})
	assertInvalidState(t, err, economy.CodeJourneyFinished)
}

func TestJourney_PendingCheckpointBlocksNext(t *testing.T) {
	w := newWorld(t)
	w.quest(journey())
	w.submit("marathon", "alice")

	_, err := w.engine.SubmitCompletion(w.ctx, economy.SubmitCompletionInput{QuestID: "marathon", UserID: "alice"})

	assertInvalidState(t, err, economy.CodeCheckpointPending)
}

func TestJourney_RejectedCheckpointIsRetried(t *testing.T) {
	w := newWorld(t)
	w.quest(journey())
	c := w.submit("marathon", "alice").Completion
	_, err := w.engine.RejectCompletion(w.ctx, c.ID, "admin", "")
	require.NoError(t, err)

	again := w.submit("marathon", "alice").Completion

	assert.Equal(t, economy.CheckpointID("cp1"), again.CheckpointID)
}

func TestJourney_MissingCheckpointIsFatal(t *testing.T) {
	w := newWorld(t)
	q := w.quest(journey())
	c := w.submit("marathon", "alice").Completion

	// GIVEN: the checkpoint was removed from the definition after submission
	q.Checkpoints = q.Checkpoints[1:]
	require.NoError(t, w.store.SaveQuest(w.ctx, q))

	_, err := w.engine.ApproveCompletion(w.ctx, c.ID, "admin", "")

	assert.True(t, errors.Is(err, economy.ErrMalformed))
	stored, _ := w.store.GetCompletion(w.ctx, c.ID)
	assert.Equal(t, economy.CompletionPending, stored.Status)
}

func TestJourney_CheckpointTrophy(t *testing.T) {
	w := newWorld(t)
	require.NoError(t, w.store.SaveTrophy(w.ctx, economy.Trophy{ID: "first-mile", Name: "First Mile", IsManual: true}))
	q := journey()
	q.Checkpoints[0].TrophyID = "first-mile"
	w.quest(q)

	res := w.approve(w.submit("marathon", "alice").Completion.ID)

	require.Len(t, res.Trophies, 1)
	assert.Equal(t, economy.TrophyID("first-mile"), res.Trophies[0].TrophyID)
}

// =============================================================================
// CLAIMS
// =============================================================================

func TestClaims_Workflow(t *testing.T) {
	w := newWorld(t)
	w.quest(economy.Quest{ID: "lawn", Kind: economy.QuestVenture, RequiresClaim: true, RequiresApproval: true, Rewards: items(item("gold", 4))})

	// submitting without a claim is refused
	_, err := w.engine.SubmitCompletion(w.ctx, economy.SubmitCompletionInput{QuestID: "lawn", UserID: "alice"})
	assertInvalidState(t, err, economy.CodeClaimRequired)

	// claim is idempotent
	q, err := w.engine.Claim(w.ctx, "lawn", "alice")
	require.NoError(t, err)
	q, err = w.engine.Claim(w.ctx, "lawn", "alice")
	require.NoError(t, err)
	assert.Len(t, q.PendingClaims, 1)

	// a pending claim is not enough
	_, err = w.engine.SubmitCompletion(w.ctx, economy.SubmitCompletionInput{QuestID: "lawn", UserID: "alice"})
	assertInvalidState(t, err, economy.CodeClaimRequired)

	q, err = w.engine.ApproveClaim(w.ctx, "lawn", "alice", "admin")
	require.NoError(t, err)
	assert.Empty(t, q.PendingClaims)
	require.Len(t, q.ApprovedClaims, 1)
	assert.Equal(t, economy.UserID("alice"), q.ApprovedClaims[0].UserID)

	// approval releases the claim
	w.approve(w.submit("lawn", "alice").Completion.ID)
	stored, err := w.store.GetQuest(w.ctx, "lawn")
	require.NoError(t, err)
	assert.Empty(t, stored.ApprovedClaims)
	assert.Equal(t, int64(4), w.balance("alice", "gold"))
}

func TestClaims_RejectAndUnclaim(t *testing.T) {
	w := newWorld(t)
	w.quest(economy.Quest{ID: "lawn", Kind: economy.QuestVenture, RequiresClaim: true})

	_, err := w.engine.Claim(w.ctx, "lawn", "alice")
	require.NoError(t, err)
	q, err := w.engine.RejectClaim(w.ctx, "lawn", "alice", "admin")
	require.NoError(t, err)
	assert.Empty(t, q.PendingClaims)

	_, err = w.engine.RejectClaim(w.ctx, "lawn", "alice", "admin")
	assertInvalidState(t, err, economy.CodeClaimNotFound)

	_, err = w.engine.Claim(w.ctx, "lawn", "alice")
	require.NoError(t, err)
	_, err = w.engine.ApproveClaim(w.ctx, "lawn", "alice", "admin")
	require.NoError(t, err)
	q, err = w.engine.Unclaim(w.ctx, "lawn", "alice")
	require.NoError(t, err)
	assert.Empty(t, q.PendingClaims)
	assert.Empty(t, q.ApprovedClaims)

	_, err = w.engine.Unclaim(w.ctx, "lawn", "alice")
	assertInvalidState(t, err, economy.CodeClaimNotFound)
}

func TestClaims_Errors(t *testing.T) {
	w := newWorld(t)
	w.quest(economy.Quest{ID: "open", Kind: economy.QuestVenture})
	w.quest(economy.Quest{ID: "lawn", Kind: economy.QuestVenture, RequiresClaim: true})

	_, err := w.engine.Claim(w.ctx, "open", "alice")
	assertInvalidState(t, err, economy.CodeClaimNotRequired)

	_, err = w.engine.Claim(w.ctx, "lawn", "alice")
	require.NoError(t, err)
	_, err = w.engine.ApproveClaim(w.ctx, "lawn", "alice", "alice")
	assertPolicyViolation(t, err, economy.CodeNotAuthorized)
}

// =============================================================================
// OVERDUE SETBACKS
// =============================================================================

func TestOverdueSetbacks(t *testing.T) {
	w := newWorld(t)
	w.user("bob", economy.RoleExplorer)
	deadline := w.clock.T.Add(2 * time.Hour)
	w.quest(economy.Quest{
		ID:              "taxes",
		Kind:            economy.QuestVenture,
		AssignedUserIDs: []economy.UserID{"alice", "bob"},
		LateDeadline:    &deadline,
		LateSetbacks:    items(item("gold", 5)),
		Rewards:         items(item("gold", 1)),
	})
	w.fund("alice", "gold", 3)
	w.submit("taxes", "bob")

	// before the deadline nothing happens
	sent := w.events.n.Load()
	applied, err := w.engine.ApplyOverdueSetbacks(w.ctx)
	require.NoError(t, err)
	assert.Empty(t, applied)
	assert.Equal(t, sent, w.events.n.Load(), "an idle sweep does not broadcast")

	// WHEN: the deadline passes
	w.clock.Advance(3 * time.Hour)
	applied, err = w.engine.ApplyOverdueSetbacks(w.ctx)
	require.NoError(t, err)

	// THEN: only alice is charged, clamped at zero
	require.Len(t, applied, 1)
	assert.Equal(t, economy.UserID("alice"), applied[0].UserID)
	assert.Equal(t, economy.SetbackLate, applied[0].Kind)
	assert.Equal(t, int64(2), applied[0].Shortfall["gold"])
	assert.Equal(t, int64(0), w.balance("alice", "gold"))
	assert.Equal(t, int64(1), w.balance("bob", "gold"))
	assert.Equal(t, sent+1, w.events.n.Load())

	// and a second sweep is a no-op
	w.fund("alice", "gold", 10)
	applied, err = w.engine.ApplyOverdueSetbacks(w.ctx)
	require.NoError(t, err)
	assert.Empty(t, applied)
	assert.Equal(t, sent+1, w.events.n.Load())
	assert.Equal(t, int64(10), w.balance("alice", "gold"))
}

package economy_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mckayc/task-donegeon-sub004/economy"
)

func (w *world) modifier(def economy.ModifierDefinition) {
	w.t.Helper()
	require.NoError(w.t, w.store.SaveModifierDefinition(w.ctx, def))
}

func TestApplyModifier_GrantIsInstant(t *testing.T) {
	w := newWorld(t)
	w.modifier(economy.ModifierDefinition{
		ID:       "bonus",
		Name:     "Helping Hand",
		Category: economy.ModifierTriumph,
		Effects:  economy.Effects{economy.Grant{Rewards: items(item("gold", 5), item("xp", 20))}},
	})

	apps, err := w.engine.ApplyModifier(w.ctx, economy.ApplyModifierInput{
		DefinitionID: "bonus", UserIDs: []economy.UserID{"alice"}, AppliedByID: "admin", Reason: "helped a neighbour",
	})
	require.NoError(t, err)

	require.Len(t, apps, 1)
	assert.Equal(t, economy.Deltas{"gold": 5, "xp": 20}, apps[0].Deltas)
	assert.Equal(t, int64(5), w.balance("alice", "gold"))
	assert.Nil(t, apps[0].Applied.ExpiresAt)
	assert.Equal(t, economy.ModifierExpired, apps[0].Applied.Status, "nothing left to track")

	notes, err := w.engine.Notifications(w.ctx, "alice")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0].Message, "helped a neighbour")
}

func TestApplyModifier_DeductWithSubstitution(t *testing.T) {
	// GIVEN: gold (base 1) balance 2, gems (base 0.5) balance 100
	w := newWorld(t)
	w.fund("alice", "gold", 2)
	w.fund("alice", "gems", 100)
	w.modifier(economy.ModifierDefinition{
		ID:       "fine",
		Name:     "Broken Window",
		Category: economy.ModifierTrial,
		Effects:  economy.Effects{economy.Deduct{Rewards: items(item("gold", 5))}},
	})

	// WHEN: a Trial deducts 5 gold with substitution allowed
	apps, err := w.engine.ApplyModifier(w.ctx, economy.ApplyModifierInput{
		DefinitionID: "fine", UserIDs: []economy.UserID{"alice"}, AppliedByID: "admin", AllowSubstitution: true,
	})
	require.NoError(t, err)

	// THEN: gold is exactly zero and 6 gems cover the 3 missing gold
	assert.Equal(t, int64(0), w.balance("alice", "gold"))
	assert.Equal(t, int64(94), w.balance("alice", "gems"))
	require.Len(t, apps[0].Substitutions, 1)
	assert.Equal(t, economy.Deltas{"gold": -2, "gems": -6}, apps[0].Deltas)
}

func TestApplyModifier_DeductWithoutSubstitutionIsAtomic(t *testing.T) {
	w := newWorld(t)
	w.user("bob", economy.RoleExplorer)
	w.fund("alice", "gold", 10)
	w.fund("bob", "gold", 2)
	w.modifier(economy.ModifierDefinition{
		ID:       "fine",
		Category: economy.ModifierTrial,
		Effects:  economy.Effects{economy.Deduct{Rewards: items(item("gold", 5))}},
	})

	// WHEN: the second target cannot cover the deduction
	_, err := w.engine.ApplyModifier(w.ctx, economy.ApplyModifierInput{
		DefinitionID: "fine", UserIDs: []economy.UserID{"alice", "bob"}, AppliedByID: "admin",
	})

	// THEN: the whole application rolls back
	assert.True(t, errors.Is(err, economy.ErrInsufficientFunds))
	assert.Equal(t, int64(10), w.balance("alice", "gold"))
	assert.Equal(t, int64(2), w.balance("bob", "gold"))
	mods, err := w.store.ListAppliedModifiers(w.ctx, economy.AppliedModifierFilter{})
	require.NoError(t, err)
	assert.Empty(t, mods)
}

func TestApplyModifier_DurationAndExpiry(t *testing.T) {
	w := newWorld(t)
	w.modifier(economy.ModifierDefinition{
		ID:       "blessing",
		Category: economy.ModifierTriumph,
		Effects: economy.Effects{
			economy.Grant{Rewards: items(item("gold", 1))},
			economy.Grant{Rewards: items(item("xp", 1)), DurationHours: 12},
			economy.Grant{Rewards: items(item("xp", 1)), DurationHours: 48},
		},
	})
	start := w.clock.T

	apps, err := w.engine.ApplyModifier(w.ctx, economy.ApplyModifierInput{
		DefinitionID: "blessing", UserIDs: []economy.UserID{"alice"}, AppliedByID: "admin",
	})
	require.NoError(t, err)

	applied := apps[0].Applied
	require.NotNil(t, applied.ExpiresAt)
	assert.Equal(t, start.Add(48*time.Hour), *applied.ExpiresAt)
	assert.Equal(t, economy.ModifierActive, applied.Status)
	assert.Equal(t, int64(1), w.balance("alice", "gold"), "only the instant effect touches the ledger")
	assert.Equal(t, int64(0), w.balance("alice", "xp"))

	sent := w.events.n.Load()
	expired, err := w.engine.ExpireModifiers(w.ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)
	assert.Equal(t, sent, w.events.n.Load(), "an idle sweep does not broadcast")

	w.clock.Advance(49 * time.Hour)
	expired, err = w.engine.ExpireModifiers(w.ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, applied.ID, expired[0].ID)
	assert.Equal(t, sent+1, w.events.n.Load())

	stored, err := w.store.GetAppliedModifier(w.ctx, applied.ID)
	require.NoError(t, err)
	assert.Equal(t, economy.ModifierExpired, stored.Status)
	assert.NotNil(t, stored.ResolvedAt)
}

func TestApplyModifier_RedemptionQuest(t *testing.T) {
	w := newWorld(t)
	w.quest(economy.Quest{ID: "apology", Title: "Write an apology", Kind: economy.QuestDuty, RequiresApproval: true})
	w.fund("alice", "gold", 10)
	w.modifier(economy.ModifierDefinition{
		ID:                       "rude",
		Category:                 economy.ModifierTrial,
		Effects:                  economy.Effects{economy.Deduct{Rewards: items(item("gold", 2))}},
		DefaultRedemptionQuestID: "apology",
	})

	apps, err := w.engine.ApplyModifier(w.ctx, economy.ApplyModifierInput{
		DefinitionID: "rude", UserIDs: []economy.UserID{"alice"}, AppliedByID: "admin",
	})
	require.NoError(t, err)

	// THEN: a one-shot Venture is cloned for alice
	clone := apps[0].RedemptionQuest
	require.NotNil(t, clone)
	assert.NotEqual(t, economy.QuestID("apology"), clone.ID)
	assert.Equal(t, economy.QuestVenture, clone.Kind)
	assert.Equal(t, 1, clone.TotalCompletionsAllowed)
	assert.Equal(t, []economy.UserID{"alice"}, clone.AssignedUserIDs)
	assert.Equal(t, clone.ID, apps[0].Applied.RedemptionQuestID)
	assert.Equal(t, economy.ModifierActive, apps[0].Applied.Status)
	assert.Equal(t, int64(8), w.balance("alice", "gold"))

	// WHEN: alice completes the clone and it is approved
	res := w.approve(w.submit(clone.ID, "alice").Completion.ID)

	// THEN: the Trial is redeemed
	assert.Equal(t, []economy.AppliedModifierID{apps[0].Applied.ID}, res.Redeemed)
	stored, err := w.store.GetAppliedModifier(w.ctx, apps[0].Applied.ID)
	require.NoError(t, err)
	assert.Equal(t, economy.ModifierRedeemed, stored.Status)
}

func TestApplyModifier_Errors(t *testing.T) {
	w := newWorld(t)
	w.modifier(economy.ModifierDefinition{ID: "bonus", Category: economy.ModifierTriumph})

	_, err := w.engine.ApplyModifier(w.ctx, economy.ApplyModifierInput{DefinitionID: "missing", UserIDs: []economy.UserID{"alice"}, AppliedByID: "admin"})
	assert.True(t, economy.IsNotFound(err))

	_, err = w.engine.ApplyModifier(w.ctx, economy.ApplyModifierInput{DefinitionID: "bonus", AppliedByID: "admin"})
	assertInvalidState(t, err, economy.CodeNoTargets)

	_, err = w.engine.ApplyModifier(w.ctx, economy.ApplyModifierInput{DefinitionID: "bonus", UserIDs: []economy.UserID{"alice"}, AppliedByID: "alice"})
	assertPolicyViolation(t, err, economy.CodeNotAuthorized)
	assert.Contains(t, err.Error(), "user alice is not an approver")

	_, err = w.engine.ApplyModifier(w.ctx, economy.ApplyModifierInput{DefinitionID: "bonus", UserIDs: []economy.UserID{"ghost"}, AppliedByID: "admin"})
	assert.True(t, economy.IsNotFound(err))
}

func TestEffects_JSON(t *testing.T) {
	var effects economy.Effects
	require.NoError(t, effects.UnmarshalJSON([]byte(`[
		{"kind":"grant","rewards":[{"reward_type_id":"gold","amount":2}]},
		{"kind":"deduct","rewards":[{"reward_type_id":"gems","amount":1}],"duration_hours":24}
	]`)))

	require.Len(t, effects, 2)
	assert.Equal(t, economy.Grant{Rewards: items(item("gold", 2))}, effects[0])
	assert.Equal(t, economy.Deduct{Rewards: items(item("gems", 1)), DurationHours: 24}, effects[1])
	assert.True(t, economy.IsInstant(effects[0]))
	assert.False(t, economy.IsInstant(effects[1]))

	err := effects.UnmarshalJSON([]byte(`[{"kind":"multiply","rewards":[]}]`))
	assert.True(t, errors.Is(err, economy.ErrMalformed))
}

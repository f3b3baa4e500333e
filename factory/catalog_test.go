package factory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mckayc/task-donegeon-sub004/economy"
	"github.com/mckayc/task-donegeon-sub004/economy/store"
	"github.com/mckayc/task-donegeon-sub004/factory"
)

// =============================================================================
// PARSING
// =============================================================================

func TestParseCatalog_Demo(t *testing.T) {
	cat, err := factory.DemoCatalog()
	require.NoError(t, err)

	assert.Len(t, cat.RewardTypes, 5)
	assert.Len(t, cat.Users, 4)
	assert.Empty(t, cat.Warnings)

	var journey *economy.Quest
	for i := range cat.Quests {
		if cat.Quests[i].Kind == economy.QuestJourney {
			journey = &cat.Quests[i]
		}
	}
	require.NotNil(t, journey)
	assert.Len(t, journey.Checkpoints, 3)
}

func TestParseCatalog_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		doc    string
		reason string
	}{
		{
			name:   "non-positive amount",
			doc:    `{"reward_types":[{"id":"gold","category":"currency","base_value":"1"}],"quests":[{"id":"q","kind":"duty","rewards":[{"reward_type_id":"gold","amount":0}]}]}`,
			reason: "non-positive amount",
		},
		{
			name:   "duplicate checkpoint",
			doc:    `{"quests":[{"id":"j","kind":"journey","checkpoints":[{"id":"a"},{"id":"a"}]}]}`,
			reason: "duplicate checkpoint",
		},
		{
			name:   "unknown quest kind",
			doc:    `{"quests":[{"id":"q","kind":"chore"}]}`,
			reason: "unknown kind",
		},
		{
			name:   "unknown effect kind",
			doc:    `{"modifiers":[{"id":"m","category":"trial","effects":[{"kind":"multiply","rewards":[]}]}]}`,
			reason: "unknown kind",
		},
		{
			name:   "undeclared redemption quest",
			doc:    `{"modifiers":[{"id":"m","category":"trial","default_redemption_quest_id":"nope"}]}`,
			reason: "redemption quest",
		},
		{
			name:   "duplicate reward type",
			doc:    `{"reward_types":[{"id":"gold","category":"currency","base_value":"1"},{"id":"gold","category":"currency","base_value":"1"}]}`,
			reason: "duplicate id",
		},
		{
			name:   "checkpoint trophy not declared",
			doc:    `{"quests":[{"id":"j","kind":"journey","checkpoints":[{"id":"a","trophy_id":"ghost"}]}]}`,
			reason: "undeclared trophy",
		},
		{
			name:   "asset in undeclared market",
			doc:    `{"assets":[{"id":"a","market_id":"nowhere","cost_groups":[[]]}]}`,
			reason: "market \"nowhere\" is not declared",
		},
		{
			name:   "bad json",
			doc:    `{"quests":`,
			reason: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := factory.ParseCatalog([]byte(tt.doc))

			require.Error(t, err)
			assert.True(t, errors.Is(err, economy.ErrMalformed), "got %v", err)
			assert.Contains(t, err.Error(), tt.reason)
		})
	}
}

func TestParseCatalog_ReportsEveryProblem(t *testing.T) {
	_, err := factory.ParseCatalog([]byte(`{
		"users": [{"id": "x", "role": "wizard"}],
		"ranks": [{"id": "r", "xp_threshold": -1}]
	}`))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown role")
	assert.Contains(t, err.Error(), "negative xp threshold")
}

func TestParseCatalog_MalformedRequirementIsAWarning(t *testing.T) {
	cat, err := factory.ParseCatalog([]byte(`{
		"trophies": [{"id": "odd", "requirements": [{"type": "moon_phase", "value": "full"}]}]
	}`))

	require.NoError(t, err)
	require.Len(t, cat.Warnings, 1)
	assert.Contains(t, cat.Warnings[0], "moon_phase")
}

// =============================================================================
// LOADING
// =============================================================================

func TestCatalog_LoadDemo(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	cat, err := factory.DemoCatalog()
	require.NoError(t, err)

	require.NoError(t, cat.Load(ctx, mem))

	gems, err := mem.GetRewardType(ctx, "gems")
	require.NoError(t, err)
	require.NotNil(t, gems)
	assert.Equal(t, "0.5", gems.BaseValue.String())

	settings, err := mem.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "5", settings.ExchangeFeePercent.String())

	fine, err := mem.GetModifierDefinition(ctx, "broken-window")
	require.NoError(t, err)
	require.NotNil(t, fine)
	assert.Equal(t, economy.QuestID("apology"), fine.DefaultRedemptionQuestID)

	ranks, err := mem.ListRanks(ctx)
	require.NoError(t, err)
	assert.Len(t, ranks, 4)
}

func TestCatalog_LoadChecksStoredRewardTypes(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	cat, err := factory.ParseCatalog([]byte(`{
		"quests": [{"id": "q", "kind": "venture", "rewards": [{"reward_type_id": "gold", "amount": 1}], "is_active": true}]
	}`))
	require.NoError(t, err)

	// WHEN: gold is neither declared nor stored
	err = cat.Load(ctx, mem)

	// THEN: nothing is written
	assert.True(t, errors.Is(err, economy.ErrMalformed))
	q, _ := mem.GetQuest(ctx, "q")
	assert.Nil(t, q)

	// WHEN: gold exists
	base, err := factory.ParseCatalog([]byte(`{"reward_types":[{"id":"gold","category":"currency","base_value":"1"}]}`))
	require.NoError(t, err)
	require.NoError(t, base.Load(ctx, mem))

	require.NoError(t, cat.Load(ctx, mem))
	q, _ = mem.GetQuest(ctx, "q")
	require.NotNil(t, q)
}

func TestCatalog_DemoWorldPlays(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	cat, err := factory.DemoCatalog()
	require.NoError(t, err)
	require.NoError(t, cat.Load(ctx, mem))
	eng := economy.NewEngine(mem)

	// dishes auto-approves
	res, err := eng.SubmitCompletion(ctx, economy.SubmitCompletionInput{QuestID: "dishes", UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, economy.CompletionApproved, res.Completion.Status)

	// a sticker costs 3 of the 2 gold earned
	_, err = eng.CreatePurchase(ctx, economy.CreatePurchaseInput{UserID: "alice", AssetID: "sticker", MarketID: "bazaar"})
	assert.True(t, errors.Is(err, economy.ErrInsufficientFunds))
}

package economy_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mckayc/task-donegeon-sub004/economy"
	"github.com/mckayc/task-donegeon-sub004/economy/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type countingBroadcaster struct{ n atomic.Int32 }

func (b *countingBroadcaster) NotifyClientsOfChange() { b.n.Add(1) }

// world is a small economy over the memory store: an admin, an explorer
// (alice), and gold / gems / xp / diligence reward types.
type world struct {
	t      *testing.T
	ctx    context.Context
	store  *store.Memory
	engine *economy.Engine
	clock  *economy.FixedClock
	events *countingBroadcaster
}

func newWorld(t *testing.T) *world {
	t.Helper()
	mem := store.NewMemory()
	clock := &economy.FixedClock{T: time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)}
	events := &countingBroadcaster{}

	eng := economy.NewEngine(mem)
	eng.Clock = clock
	eng.Broadcaster = events

	w := &world{t: t, ctx: context.Background(), store: mem, engine: eng, clock: clock, events: events}
	w.rewardType("gold", economy.CategoryCurrency, "1")
	w.rewardType("gems", economy.CategoryCurrency, "0.5")
	w.rewardType("diligence", economy.CategoryCurrency, "0")
	w.rewardType("xp", economy.CategoryExperience, "0")
	w.user("admin", economy.RoleAdmin)
	w.user("alice", economy.RoleExplorer)
	return w
}

func (w *world) rewardType(id string, cat economy.RewardCategory, base string) {
	w.t.Helper()
	require.NoError(w.t, w.store.SaveRewardType(w.ctx, economy.RewardTypeDefinition{
		ID:        economy.RewardTypeID(id),
		Name:      id,
		Category:  cat,
		BaseValue: decimal.RequireFromString(base),
	}))
}

func (w *world) user(id string, role economy.Role) {
	w.t.Helper()
	require.NoError(w.t, w.store.SaveUser(w.ctx, economy.User{ID: economy.UserID(id), Name: id, Role: role}))
}

func (w *world) quest(q economy.Quest) economy.Quest {
	w.t.Helper()
	q.IsActive = true
	require.NoError(w.t, w.store.SaveQuest(w.ctx, q))
	return q
}

func (w *world) settings(s economy.Settings) {
	w.t.Helper()
	require.NoError(w.t, w.store.SaveSettings(w.ctx, s))
}

func (w *world) fund(user string, rt string, amount int64) {
	w.guildFund(user, "", rt, amount)
}

func (w *world) guildFund(user, guild, rt string, amount int64) {
	w.t.Helper()
	require.NoError(w.t, w.store.SetBalance(w.ctx, economy.BalanceKey{
		UserID:       economy.UserID(user),
		GuildID:      economy.GuildID(guild),
		RewardTypeID: economy.RewardTypeID(rt),
	}, amount))
}

func (w *world) balance(user, rt string) int64 {
	return w.guildBalance(user, "", rt)
}

func (w *world) guildBalance(user, guild, rt string) int64 {
	w.t.Helper()
	v, err := w.store.GetBalance(w.ctx, economy.BalanceKey{
		UserID:       economy.UserID(user),
		GuildID:      economy.GuildID(guild),
		RewardTypeID: economy.RewardTypeID(rt),
	})
	require.NoError(w.t, err)
	return v
}

// submit submits a completion and fails the test on error.
func (w *world) submit(quest economy.QuestID, user string) *economy.CompletionResult {
	w.t.Helper()
	res, err := w.engine.SubmitCompletion(w.ctx, economy.SubmitCompletionInput{QuestID: quest, UserID: economy.UserID(user)})
	require.NoError(w.t, err)
	return res
}

func (w *world) approve(id economy.CompletionID) *economy.CompletionResult {
	w.t.Helper()
	res, err := w.engine.ApproveCompletion(w.ctx, id, "admin", "")
	require.NoError(w.t, err)
	return res
}

func item(rt string, amount int64) economy.RewardItem {
	return economy.RewardItem{RewardTypeID: economy.RewardTypeID(rt), Amount: amount}
}

func items(list ...economy.RewardItem) []economy.RewardItem { return list }

func assertInvalidState(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var ise *economy.InvalidStateError
	require.True(t, errors.As(err, &ise), "expected InvalidStateError, got %v", err)
	assert.Equal(t, code, ise.Code)
	assert.True(t, errors.Is(err, economy.ErrInvalidState))
}

func assertPolicyViolation(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var pve *economy.PolicyViolationError
	require.True(t, errors.As(err, &pve), "expected PolicyViolationError, got %v", err)
	assert.Equal(t, code, pve.Code)
}

func decimalFrom(s string) decimal.Decimal { return decimal.RequireFromString(s) }

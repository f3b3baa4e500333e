// Package store provides an in-memory economy.TxStore.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mckayc/task-donegeon-sub004/economy"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// memoryData holds every table. It is not synchronized; Memory holds the
// lock around it. Values are copied on the way in and out so
// callers never share slices with the store.
type memoryData struct {
	balances      map[economy.BalanceKey]int64
	users         map[economy.UserID]economy.User
	settings      economy.Settings
	rewardTypes   map[economy.RewardTypeID]economy.RewardTypeDefinition
	quests        map[economy.QuestID]economy.Quest
	completions   map[economy.CompletionID]economy.QuestCompletion
	modifierDefs  map[economy.ModifierDefinitionID]economy.ModifierDefinition
	appliedMods   map[economy.AppliedModifierID]economy.AppliedModifier
	markets       map[economy.MarketID]economy.Market
	assets        map[economy.AssetID]economy.Asset
	purchases     map[economy.PurchaseID]economy.PurchaseRequest
	trophies      map[economy.TrophyID]economy.Trophy
	userTrophies  []economy.UserTrophy
	ranks         map[economy.RankID]economy.Rank
	chronicle     []economy.ChronicleEvent
	notifications []economy.Notification
}

func newMemoryData() *memoryData {
	return &memoryData{
		balances:     make(map[economy.BalanceKey]int64),
		users:        make(map[economy.UserID]economy.User),
		rewardTypes:  make(map[economy.RewardTypeID]economy.RewardTypeDefinition),
		quests:       make(map[economy.QuestID]economy.Quest),
		completions:  make(map[economy.CompletionID]economy.QuestCompletion),
		modifierDefs: make(map[economy.ModifierDefinitionID]economy.ModifierDefinition),
		appliedMods:  make(map[economy.AppliedModifierID]economy.AppliedModifier),
		markets:      make(map[economy.MarketID]economy.Market),
		assets:       make(map[economy.AssetID]economy.Asset),
		purchases:    make(map[economy.PurchaseID]economy.PurchaseRequest),
		trophies:     make(map[economy.TrophyID]economy.Trophy),
		ranks:        make(map[economy.RankID]economy.Rank),
	}
}

// snapshot copies the tables. Stored values are never mutated in place, so
// copying the maps is enough.
func (d *memoryData) snapshot() *memoryData {
	return &memoryData{
		balances:      copyMap(d.balances),
		users:         copyMap(d.users),
		settings:      d.settings,
		rewardTypes:   copyMap(d.rewardTypes),
		quests:        copyMap(d.quests),
		completions:   copyMap(d.completions),
		modifierDefs:  copyMap(d.modifierDefs),
		appliedMods:   copyMap(d.appliedMods),
		markets:       copyMap(d.markets),
		assets:        copyMap(d.assets),
		purchases:     copyMap(d.purchases),
		trophies:      copyMap(d.trophies),
		userTrophies:  append([]economy.UserTrophy(nil), d.userTrophies...),
		ranks:         copyMap(d.ranks),
		chronicle:     append([]economy.ChronicleEvent(nil), d.chronicle...),
		notifications: append([]economy.Notification(nil), d.notifications...),
	}
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// --- balances ---

func (d *memoryData) GetBalance(_ context.Context, key economy.BalanceKey) (int64, error) {
	return d.balances[key], nil
}

func (d *memoryData) SetBalance(_ context.Context, key economy.BalanceKey, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("balance %s/%s/%s: refusing negative amount %d", key.UserID, key.GuildID, key.RewardTypeID, amount)
	}
	d.balances[key] = amount
	return nil
}

func (d *memoryData) ListBalances(_ context.Context, userID economy.UserID, guildID economy.GuildID) ([]economy.Balance, error) {
	var out []economy.Balance
	for k, v := range d.balances {
		if k.UserID == userID && k.GuildID == guildID {
			out = append(out, economy.Balance{BalanceKey: k, Amount: v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RewardTypeID < out[j].RewardTypeID })
	return out, nil
}

// --- users and settings ---

func (d *memoryData) GetUser(_ context.Context, id economy.UserID) (*economy.User, error) {
	u, ok := d.users[id]
	if !ok {
		return nil, nil
	}
	u = u.Clone()
	return &u, nil
}

func (d *memoryData) SaveUser(_ context.Context, u economy.User) error {
	d.users[u.ID] = u.Clone()
	return nil
}

func (d *memoryData) ListUsers(_ context.Context) ([]economy.User, error) {
	out := make([]economy.User, 0, len(d.users))
	for _, u := range d.users {
		out = append(out, u.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *memoryData) GetSettings(_ context.Context) (economy.Settings, error) {
	return d.settings, nil
}

func (d *memoryData) SaveSettings(_ context.Context, s economy.Settings) error {
	d.settings = s
	return nil
}

// --- reward catalog ---

func (d *memoryData) GetRewardType(_ context.Context, id economy.RewardTypeID) (*economy.RewardTypeDefinition, error) {
	rt, ok := d.rewardTypes[id]
	if !ok {
		return nil, nil
	}
	return &rt, nil
}

func (d *memoryData) ListRewardTypes(_ context.Context) ([]economy.RewardTypeDefinition, error) {
	out := make([]economy.RewardTypeDefinition, 0, len(d.rewardTypes))
	for _, rt := range d.rewardTypes {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *memoryData) SaveRewardType(_ context.Context, rt economy.RewardTypeDefinition) error {
	d.rewardTypes[rt.ID] = rt
	return nil
}

// --- quests and completions ---

func (d *memoryData) GetQuest(_ context.Context, id economy.QuestID) (*economy.Quest, error) {
	q, ok := d.quests[id]
	if !ok {
		return nil, nil
	}
	q = q.Clone()
	return &q, nil
}

func (d *memoryData) SaveQuest(_ context.Context, q economy.Quest) error {
	d.quests[q.ID] = q.Clone()
	return nil
}

func (d *memoryData) ListQuests(_ context.Context) ([]economy.Quest, error) {
	out := make([]economy.Quest, 0, len(d.quests))
	for _, q := range d.quests {
		out = append(out, q.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *memoryData) GetCompletion(_ context.Context, id economy.CompletionID) (*economy.QuestCompletion, error) {
	c, ok := d.completions[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (d *memoryData) SaveCompletion(_ context.Context, c economy.QuestCompletion) error {
	d.completions[c.ID] = c
	return nil
}

func (d *memoryData) ListCompletions(_ context.Context, f economy.CompletionFilter) ([]economy.QuestCompletion, error) {
	var out []economy.QuestCompletion
	for _, c := range d.completions {
		if matchCompletion(c, f) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CompletedAt.Equal(out[j].CompletedAt) {
			return out[i].CompletedAt.Before(out[j].CompletedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func matchCompletion(c economy.QuestCompletion, f economy.CompletionFilter) bool {
	if f.QuestID != "" && c.QuestID != f.QuestID {
		return false
	}
	if f.UserID != "" && c.UserID != f.UserID {
		return false
	}
	if f.GuildID != nil && c.GuildID != *f.GuildID {
		return false
	}
	if f.CheckpointID != "" && c.CheckpointID != f.CheckpointID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if c.Status == s {
			return true
		}
	}
	return false
}

// --- modifiers ---

func (d *memoryData) GetModifierDefinition(_ context.Context, id economy.ModifierDefinitionID) (*economy.ModifierDefinition, error) {
	def, ok := d.modifierDefs[id]
	if !ok {
		return nil, nil
	}
	def.Effects = append(economy.Effects(nil), def.Effects...)
	return &def, nil
}

func (d *memoryData) SaveModifierDefinition(_ context.Context, def economy.ModifierDefinition) error {
	def.Effects = append(economy.Effects(nil), def.Effects...)
	d.modifierDefs[def.ID] = def
	return nil
}

func (d *memoryData) GetAppliedModifier(_ context.Context, id economy.AppliedModifierID) (*economy.AppliedModifier, error) {
	m, ok := d.appliedMods[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (d *memoryData) SaveAppliedModifier(_ context.Context, m economy.AppliedModifier) error {
	d.appliedMods[m.ID] = m
	return nil
}

func (d *memoryData) ListAppliedModifiers(_ context.Context, f economy.AppliedModifierFilter) ([]economy.AppliedModifier, error) {
	var out []economy.AppliedModifier
	for _, m := range d.appliedMods {
		if f.UserID != "" && m.UserID != f.UserID {
			continue
		}
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		if f.RedemptionQuestID != "" && m.RedemptionQuestID != f.RedemptionQuestID {
			continue
		}
		if f.ExpiresBefore != nil && (m.ExpiresAt == nil || m.ExpiresAt.After(*f.ExpiresBefore)) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AppliedAt.Equal(out[j].AppliedAt) {
			return out[i].AppliedAt.Before(out[j].AppliedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// --- marketplace ---

func (d *memoryData) GetMarket(_ context.Context, id economy.MarketID) (*economy.Market, error) {
	m, ok := d.markets[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (d *memoryData) SaveMarket(_ context.Context, m economy.Market) error {
	d.markets[m.ID] = m
	return nil
}

func (d *memoryData) GetAsset(_ context.Context, id economy.AssetID) (*economy.Asset, error) {
	a, ok := d.assets[id]
	if !ok {
		return nil, nil
	}
	a = a.Clone()
	return &a, nil
}

func (d *memoryData) SaveAsset(_ context.Context, a economy.Asset) error {
	d.assets[a.ID] = a.Clone()
	return nil
}

func (d *memoryData) GetPurchase(_ context.Context, id economy.PurchaseID) (*economy.PurchaseRequest, error) {
	p, ok := d.purchases[id]
	if !ok {
		return nil, nil
	}
	p.Cost = append([]economy.RewardItem(nil), p.Cost...)
	return &p, nil
}

func (d *memoryData) SavePurchase(_ context.Context, p economy.PurchaseRequest) error {
	p.Cost = append([]economy.RewardItem(nil), p.Cost...)
	d.purchases[p.ID] = p
	return nil
}

func (d *memoryData) ListPurchases(_ context.Context, f economy.PurchaseFilter) ([]economy.PurchaseRequest, error) {
	var out []economy.PurchaseRequest
	for _, p := range d.purchases {
		if f.UserID != "" && p.UserID != f.UserID {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		p.Cost = append([]economy.RewardItem(nil), p.Cost...)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// --- trophies and ranks ---

func (d *memoryData) GetTrophy(_ context.Context, id economy.TrophyID) (*economy.Trophy, error) {
	t, ok := d.trophies[id]
	if !ok {
		return nil, nil
	}
	t.Requirements = append(economy.Requirements(nil), t.Requirements...)
	return &t, nil
}

func (d *memoryData) SaveTrophy(_ context.Context, t economy.Trophy) error {
	t.Requirements = append(economy.Requirements(nil), t.Requirements...)
	d.trophies[t.ID] = t
	return nil
}

func (d *memoryData) ListTrophies(_ context.Context) ([]economy.Trophy, error) {
	out := make([]economy.Trophy, 0, len(d.trophies))
	for _, t := range d.trophies {
		t.Requirements = append(economy.Requirements(nil), t.Requirements...)
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *memoryData) ListUserTrophies(_ context.Context, userID economy.UserID, guildID economy.GuildID) ([]economy.UserTrophy, error) {
	var out []economy.UserTrophy
	for _, ut := range d.userTrophies {
		if ut.UserID == userID && ut.GuildID == guildID {
			out = append(out, ut)
		}
	}
	return out, nil
}

func (d *memoryData) AddUserTrophy(_ context.Context, ut economy.UserTrophy) error {
	for _, held := range d.userTrophies {
		if held.UserID == ut.UserID && held.TrophyID == ut.TrophyID && held.GuildID == ut.GuildID {
			return economy.ErrDuplicate
		}
	}
	d.userTrophies = append(d.userTrophies, ut)
	return nil
}

func (d *memoryData) ListRanks(_ context.Context) ([]economy.Rank, error) {
	out := make([]economy.Rank, 0, len(d.ranks))
	for _, r := range d.ranks {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].XPThreshold < out[j].XPThreshold })
	return out, nil
}

func (d *memoryData) SaveRank(_ context.Context, r economy.Rank) error {
	d.ranks[r.ID] = r
	return nil
}

// --- audit ---

func (d *memoryData) AppendChronicle(_ context.Context, ev economy.ChronicleEvent) error {
	ev.Deltas = copyMap(ev.Deltas)
	d.chronicle = append(d.chronicle, ev)
	return nil
}

func (d *memoryData) ListChronicle(_ context.Context, userID economy.UserID) ([]economy.ChronicleEvent, error) {
	var out []economy.ChronicleEvent
	for _, ev := range d.chronicle {
		if ev.UserID == userID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (d *memoryData) AppendNotification(_ context.Context, n economy.Notification) error {
	n.Metadata = copyMap(n.Metadata)
	d.notifications = append(d.notifications, n)
	return nil
}

func (d *memoryData) ListNotifications(_ context.Context, userID economy.UserID) ([]economy.Notification, error) {
	var out []economy.Notification
	for _, n := range d.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// Memory is a thread-safe in-memory economy.TxStore.
type Memory struct {
	mu sync.Mutex
	d  *memoryData
}

func NewMemory() *Memory {
	return &Memory{d: newMemoryData()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The lock is held for the whole of fn, so transactions are serialized.
func (m *Memory) WithTx(_ context.Context, fn func(economy.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.d.snapshot()
	if err := fn(m.d); err != nil {
		m.d = snapshot
		return err
	}
	return nil
}

func (m *Memory) lock() func() {
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *Memory) GetBalance(ctx context.Context, key economy.BalanceKey) (int64, error) {
	defer m.lock()()
	return m.d.GetBalance(ctx, key)
}

func (m *Memory) SetBalance(ctx context.Context, key economy.BalanceKey, amount int64) error {
	defer m.lock()()
	return m.d.SetBalance(ctx, key, amount)
}

func (m *Memory) ListBalances(ctx context.Context, userID economy.UserID, guildID economy.GuildID) ([]economy.Balance, error) {
	defer m.lock()()
	return m.d.ListBalances(ctx, userID, guildID)
}

func (m *Memory) GetUser(ctx context.Context, id economy.UserID) (*economy.User, error) {
	defer m.lock()()
	return m.d.GetUser(ctx, id)
}

func (m *Memory) SaveUser(ctx context.Context, u economy.User) error {
	defer m.lock()()
	return m.d.SaveUser(ctx, u)
}

func (m *Memory) ListUsers(ctx context.Context) ([]economy.User, error) {
	defer m.lock()()
	return m.d.ListUsers(ctx)
}

func (m *Memory) GetSettings(ctx context.Context) (economy.Settings, error) {
	defer m.lock()()
	return m.d.GetSettings(ctx)
}

func (m *Memory) SaveSettings(ctx context.Context, s economy.Settings) error {
	defer m.lock()()
	return m.d.SaveSettings(ctx, s)
}

func (m *Memory) GetRewardType(ctx context.Context, id economy.RewardTypeID) (*economy.RewardTypeDefinition, error) {
	defer m.lock()()
	return m.d.GetRewardType(ctx, id)
}

func (m *Memory) ListRewardTypes(ctx context.Context) ([]economy.RewardTypeDefinition, error) {
	defer m.lock()()
	return m.d.ListRewardTypes(ctx)
}

func (m *Memory) SaveRewardType(ctx context.Context, rt economy.RewardTypeDefinition) error {
	defer m.lock()()
	return m.d.SaveRewardType(ctx, rt)
}

func (m *Memory) GetQuest(ctx context.Context, id economy.QuestID) (*economy.Quest, error) {
	defer m.lock()()
	return m.d.GetQuest(ctx, id)
}

func (m *Memory) SaveQuest(ctx context.Context, q economy.Quest) error {
	defer m.lock()()
	return m.d.SaveQuest(ctx, q)
}

func (m *Memory) ListQuests(ctx context.Context) ([]economy.Quest, error) {
	defer m.lock()()
	return m.d.ListQuests(ctx)
}

func (m *Memory) GetCompletion(ctx context.Context, id economy.CompletionID) (*economy.QuestCompletion, error) {
	defer m.lock()()
	return m.d.GetCompletion(ctx, id)
}

func (m *Memory) SaveCompletion(ctx context.Context, c economy.QuestCompletion) error {
	defer m.lock()()
	return m.d.SaveCompletion(ctx, c)
}

func (m *Memory) ListCompletions(ctx context.Context, f economy.CompletionFilter) ([]economy.QuestCompletion, error) {
	defer m.lock()()
	return m.d.ListCompletions(ctx, f)
}

func (m *Memory) GetModifierDefinition(ctx context.Context, id economy.ModifierDefinitionID) (*economy.ModifierDefinition, error) {
	defer m.lock()()
	return m.d.GetModifierDefinition(ctx, id)
}

func (m *Memory) SaveModifierDefinition(ctx context.Context, def economy.ModifierDefinition) error {
	defer m.lock()()
	return m.d.SaveModifierDefinition(ctx, def)
}

func (m *Memory) GetAppliedModifier(ctx context.Context, id economy.AppliedModifierID) (*economy.AppliedModifier, error) {
	defer m.lock()()
	return m.d.GetAppliedModifier(ctx, id)
}

func (m *Memory) SaveAppliedModifier(ctx context.Context, am economy.AppliedModifier) error {
	defer m.lock()()
	return m.d.SaveAppliedModifier(ctx, am)
}

func (m *Memory) ListAppliedModifiers(ctx context.Context, f economy.AppliedModifierFilter) ([]economy.AppliedModifier, error) {
	defer m.lock()()
	return m.d.ListAppliedModifiers(ctx, f)
}

func (m *Memory) GetMarket(ctx context.Context, id economy.MarketID) (*economy.Market, error) {
	defer m.lock()()
	return m.d.GetMarket(ctx, id)
}

func (m *Memory) SaveMarket(ctx context.Context, mk economy.Market) error {
	defer m.lock()()
	return m.d.SaveMarket(ctx, mk)
}

func (m *Memory) GetAsset(ctx context.Context, id economy.AssetID) (*economy.Asset, error) {
	defer m.lock()()
	return m.d.GetAsset(ctx, id)
}

func (m *Memory) SaveAsset(ctx context.Context, a economy.Asset) error {
	defer m.lock()()
	return m.d.SaveAsset(ctx, a)
}

func (m *Memory) GetPurchase(ctx context.Context, id economy.PurchaseID) (*economy.PurchaseRequest, error) {
	defer m.lock()()
	return m.d.GetPurchase(ctx, id)
}

func (m *Memory) SavePurchase(ctx context.Context, p economy.PurchaseRequest) error {
	defer m.lock()()
	return m.d.SavePurchase(ctx, p)
}

func (m *Memory) ListPurchases(ctx context.Context, f economy.PurchaseFilter) ([]economy.PurchaseRequest, error) {
	defer m.lock()()
	return m.d.ListPurchases(ctx, f)
}

func (m *Memory) GetTrophy(ctx context.Context, id economy.TrophyID) (*economy.Trophy, error) {
	defer m.lock()()
	return m.d.GetTrophy(ctx, id)
}

func (m *Memory) SaveTrophy(ctx context.Context, t economy.Trophy) error {
	defer m.lock()()
	return m.d.SaveTrophy(ctx, t)
}

func (m *Memory) ListTrophies(ctx context.Context) ([]economy.Trophy, error) {
	defer m.lock()()
	return m.d.ListTrophies(ctx)
}

func (m *Memory) ListUserTrophies(ctx context.Context, userID economy.UserID, guildID economy.GuildID) ([]economy.UserTrophy, error) {
	defer m.lock()()
	return m.d.ListUserTrophies(ctx, userID, guildID)
}

func (m *Memory) AddUserTrophy(ctx context.Context, ut economy.UserTrophy) error {
	defer m.lock()()
	return m.d.AddUserTrophy(ctx, ut)
}

func (m *Memory) ListRanks(ctx context.Context) ([]economy.Rank, error) {
	defer m.lock()()
	return m.d.ListRanks(ctx)
}

func (m *Memory) SaveRank(ctx context.Context, r economy.Rank) error {
	defer m.lock()()
	return m.d.SaveRank(ctx, r)
}

func (m *Memory) AppendChronicle(ctx context.Context, ev economy.ChronicleEvent) error {
	defer m.lock()()
	return m.d.AppendChronicle(ctx, ev)
}

func (m *Memory) ListChronicle(ctx context.Context, userID economy.UserID) ([]economy.ChronicleEvent, error) {
	defer m.lock()()
	return m.d.ListChronicle(ctx, userID)
}

func (m *Memory) AppendNotification(ctx context.Context, n economy.Notification) error {
	defer m.lock()()
	return m.d.AppendNotification(ctx, n)
}

func (m *Memory) ListNotifications(ctx context.Context, userID economy.UserID) ([]economy.Notification, error) {
	defer m.lock()()
	return m.d.ListNotifications(ctx, userID)
}

var _ economy.TxStore = (*Memory)(nil)

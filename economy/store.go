/*
store.go - Persistence contract for the economy engine

PURPOSE:
  Defines the interface between the engine and the database. The engine
  never talks to a driver directly; every read and write of an action goes
  through the transaction-scoped Store handed to it by TxStore.WithTx.

KEY INTERFACES:
  Store:   reads and writes of balances, definitions, workflow rows and audit
  TxStore: Store plus WithTx, the single commit point of every action

NOT-FOUND CONVENTION:
  Getters return (nil, nil) when the row does not exist. The engine turns
  that into a NotFoundError with the right kind.

BALANCES:
  One row per (user, guild, reward type). SetBalance is an upsert; stores
  must reject negative amounts. Stores backed by a database with concurrent
  writers lock the row read by GetBalance inside WithTx until commit.

IMPLEMENTATIONS:
  - economy/store/memory.go: in-memory, for tests and dev
  - store/sqlstore:          SQLite and Postgres via database/sql
*/
package economy

import (
	"context"
	"time"
)

// =============================================================================
// FILTERS
// =============================================================================

// CompletionFilter selects completions. Zero fields are ignored.
type CompletionFilter struct {
	QuestID      QuestID
	UserID       UserID
	GuildID      *GuildID
	CheckpointID CheckpointID
	Statuses     []CompletionStatus
}

type AppliedModifierFilter struct {
	UserID            UserID
	Status            AppliedModifierStatus
	RedemptionQuestID QuestID
	// ExpiresBefore selects modifiers with an ExpiresAt at or before it.
	ExpiresBefore *time.Time
}

type PurchaseFilter struct {
	UserID UserID
	Status PurchaseStatus
}

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// Balances
	GetBalance(ctx context.Context, key BalanceKey) (int64, error)
	SetBalance(ctx context.Context, key BalanceKey, amount int64) error
	ListBalances(ctx context.Context, userID UserID, guildID GuildID) ([]Balance, error)

	// Users and settings
	GetUser(ctx context.Context, id UserID) (*User, error)
	SaveUser(ctx context.Context, u User) error
	ListUsers(ctx context.Context) ([]User, error)
	GetSettings(ctx context.Context) (Settings, error)
	SaveSettings(ctx context.Context, s Settings) error

	// Reward catalog
	GetRewardType(ctx context.Context, id RewardTypeID) (*RewardTypeDefinition, error)
	ListRewardTypes(ctx context.Context) ([]RewardTypeDefinition, error)
	SaveRewardType(ctx context.Context, rt RewardTypeDefinition) error

	// Quests and completions
	GetQuest(ctx context.Context, id QuestID) (*Quest, error)
	SaveQuest(ctx context.Context, q Quest) error
	ListQuests(ctx context.Context) ([]Quest, error)
	GetCompletion(ctx context.Context, id CompletionID) (*QuestCompletion, error)
	SaveCompletion(ctx context.Context, c QuestCompletion) error
	ListCompletions(ctx context.Context, f CompletionFilter) ([]QuestCompletion, error)

	// Modifiers
	GetModifierDefinition(ctx context.Context, id ModifierDefinitionID) (*ModifierDefinition, error)
	SaveModifierDefinition(ctx context.Context, d ModifierDefinition) error
	GetAppliedModifier(ctx context.Context, id AppliedModifierID) (*AppliedModifier, error)
	SaveAppliedModifier(ctx context.Context, m AppliedModifier) error
	ListAppliedModifiers(ctx context.Context, f AppliedModifierFilter) ([]AppliedModifier, error)

	// Marketplace
	GetMarket(ctx context.Context, id MarketID) (*Market, error)
	SaveMarket(ctx context.Context, m Market) error
	GetAsset(ctx context.Context, id AssetID) (*Asset, error)
	SaveAsset(ctx context.Context, a Asset) error
	GetPurchase(ctx context.Context, id PurchaseID) (*PurchaseRequest, error)
	SavePurchase(ctx context.Context, p PurchaseRequest) error
	ListPurchases(ctx context.Context, f PurchaseFilter) ([]PurchaseRequest, error)

	// Trophies and ranks
	GetTrophy(ctx context.Context, id TrophyID) (*Trophy, error)
	SaveTrophy(ctx context.Context, t Trophy) error
	ListTrophies(ctx context.Context) ([]Trophy, error)
	ListUserTrophies(ctx context.Context, userID UserID, guildID GuildID) ([]UserTrophy, error)
	// AddUserTrophy returns ErrDuplicate if (user, trophy, guild) is already held.
	AddUserTrophy(ctx context.Context, ut UserTrophy) error
	ListRanks(ctx context.Context) ([]Rank, error)
	SaveRank(ctx context.Context, r Rank) error

	// Audit (append-only)
	AppendChronicle(ctx context.Context, ev ChronicleEvent) error
	ListChronicle(ctx context.Context, userID UserID) ([]ChronicleEvent, error)
	AppendNotification(ctx context.Context, n Notification) error
	ListNotifications(ctx context.Context, userID UserID) ([]Notification, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

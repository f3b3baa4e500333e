/*
Package economy provides the reward economy and quest-completion workflow engine.

PURPOSE:
  Everything that mutates a user's reward balances lives here: quest completion
  approvals, claims, Triumph/Trial modifiers (including currency substitution),
  marketplace purchase escrow, reward exchange, and automatic trophy awards.
  Each action runs as one unit of work against a TxStore so balances and
  workflow state commit together or not at all.

KEY CONCEPTS IN THIS FILE (types.go):
  - RewardItem:  a typed quantity of one reward (e.g., 5 gold, 20 xp)
  - BalanceKey:  (user, guild, reward type); guild "" is the personal scope
  - Quest / QuestCompletion: definitions and attempts of work
  - ModifierDefinition / AppliedModifier: Triumphs and Trials
  - Asset / PurchaseRequest: marketplace items and escrowed purchases
  - Trophy / UserTrophy / Rank: recognition

DESIGN PRINCIPLES:
  1. Balances are integers and never persisted negative
  2. Real-world value (BaseValue) uses decimal.Decimal, never float64
  3. Workflow records transition once and are never deleted
  4. Type-safe identifiers prevent mixing user, quest and reward ids

SEE ALSO:
  - store.go: persistence contract
  - ledger.go: credit/debit primitives
  - engine.go: unit-of-work wrapper used by every action
*/
package economy

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	UserID               string
	GuildID              string
	RewardTypeID         string
	QuestID              string
	CheckpointID         string
	CompletionID         string
	ModifierDefinitionID string
	AppliedModifierID    string
	MarketID             string
	AssetID              string
	PurchaseID           string
	TrophyID             string
	RankID               string
)

// PersonalScope is the GuildID of a user's personal balances and records.
const PersonalScope GuildID = ""

// =============================================================================
// REWARDS
// =============================================================================

type RewardCategory string

const (
	CategoryCurrency   RewardCategory = "currency"
	CategoryExperience RewardCategory = "experience"
)

// RewardTypeDefinition describes one kind of reward. BaseValue is the
// real-world value of a single unit and drives substitution and exchange.
type RewardTypeDefinition struct {
	ID        RewardTypeID    `json:"id"`
	Name      string          `json:"name"`
	Category  RewardCategory  `json:"category"`
	BaseValue decimal.Decimal `json:"base_value"`
	// IsExchangeable defaults to true when unset.
	IsExchangeable *bool `json:"is_exchangeable,omitempty"`
	IsCore         bool  `json:"is_core"`
}

// Exchangeable reports whether the reward may be traded or used as a substitute.
func (r RewardTypeDefinition) Exchangeable() bool {
	return r.IsExchangeable == nil || *r.IsExchangeable
}

// RewardItem is an amount of a single reward type.
type RewardItem struct {
	RewardTypeID RewardTypeID `json:"reward_type_id"`
	Amount       int64        `json:"amount"`
}

func cloneRewards(items []RewardItem) []RewardItem {
	if items == nil {
		return nil
	}
	return append([]RewardItem(nil), items...)
}

// =============================================================================
// BALANCES
// =============================================================================

// BalanceKey addresses one balance row. The store enforces uniqueness on it.
type BalanceKey struct {
	UserID       UserID
	GuildID      GuildID
	RewardTypeID RewardTypeID
}

type Balance struct {
	BalanceKey
	Amount int64
}

// =============================================================================
// USERS & SETTINGS
// =============================================================================

type Role string

const (
	RoleAdmin      Role = "admin"
	RoleGatekeeper Role = "gatekeeper"
	RoleExplorer   Role = "explorer"
)

type User struct {
	ID            UserID    `json:"id"`
	Name          string    `json:"name"`
	Role          Role      `json:"role"`
	OwnedAssetIDs []AssetID `json:"owned_asset_ids,omitempty"`
}

func (u User) Clone() User {
	u.OwnedAssetIDs = append([]AssetID(nil), u.OwnedAssetIDs...)
	return u
}

// CanApprove reports whether the user may act on other users' submissions.
func (u User) CanApprove() bool {
	return u.Role == RoleAdmin || u.Role == RoleGatekeeper
}

// Settings are the runtime economy switches.
type Settings struct {
	SelfApprovalEnabled bool            `json:"self_approval_enabled"`
	ExchangeFeePercent  decimal.Decimal `json:"exchange_fee_percent"`
}

// =============================================================================
// QUESTS
// =============================================================================

type QuestKind string

const (
	QuestDuty    QuestKind = "duty"    // recurring, once per calendar day
	QuestVenture QuestKind = "venture" // one-off or limited
	QuestJourney QuestKind = "journey" // ordered checkpoints plus a terminal bonus
)

type Checkpoint struct {
	ID       CheckpointID `json:"id"`
	Title    string       `json:"title"`
	Rewards  []RewardItem `json:"rewards"`
	TrophyID TrophyID     `json:"trophy_id,omitempty"`
}

type Claim struct {
	UserID    UserID    `json:"user_id"`
	ClaimedAt time.Time `json:"claimed_at"`
}

type SetbackKind string

const (
	SetbackLate       SetbackKind = "late"
	SetbackIncomplete SetbackKind = "incomplete"
)

// AppliedSetback remembers that a setback was charged so sweeps stay idempotent.
type AppliedSetback struct {
	UserID    UserID      `json:"user_id"`
	Kind      SetbackKind `json:"kind"`
	AppliedAt time.Time   `json:"applied_at"`
}

type Quest struct {
	ID                 QuestID      `json:"id"`
	Title              string       `json:"title"`
	Kind               QuestKind    `json:"kind"`
	Tags               []string     `json:"tags,omitempty"`
	GuildID            GuildID      `json:"guild_id,omitempty"`
	Rewards            []RewardItem `json:"rewards"`
	LateSetbacks       []RewardItem `json:"late_setbacks,omitempty"`
	IncompleteSetbacks []RewardItem `json:"incomplete_setbacks,omitempty"`
	RequiresApproval   bool         `json:"requires_approval"`
	RequiresClaim      bool         `json:"requires_claim"`
	Checkpoints        []Checkpoint `json:"checkpoints,omitempty"`
	PendingClaims      []Claim      `json:"pending_claims,omitempty"`
	ApprovedClaims     []Claim      `json:"approved_claims,omitempty"`
	AssignedUserIDs    []UserID     `json:"assigned_user_ids,omitempty"`

	// TotalCompletionsAllowed caps Pending+Approved completions per user
	// for Ventures. Zero means unlimited.
	TotalCompletionsAllowed int `json:"total_completions_allowed,omitempty"`

	LateDeadline       *time.Time       `json:"late_deadline,omitempty"`
	IncompleteDeadline *time.Time       `json:"incomplete_deadline,omitempty"`
	AppliedSetbacks    []AppliedSetback `json:"applied_setbacks,omitempty"`
	IsActive           bool             `json:"is_active"`
}

func (q Quest) Clone() Quest {
	q.Tags = append([]string(nil), q.Tags...)
	q.Rewards = cloneRewards(q.Rewards)
	q.LateSetbacks = cloneRewards(q.LateSetbacks)
	q.IncompleteSetbacks = cloneRewards(q.IncompleteSetbacks)
	if q.Checkpoints != nil {
		cps := make([]Checkpoint, len(q.Checkpoints))
		for i, cp := range q.Checkpoints {
			cp.Rewards = cloneRewards(cp.Rewards)
			cps[i] = cp
		}
		q.Checkpoints = cps
	}
	q.PendingClaims = append([]Claim(nil), q.PendingClaims...)
	q.ApprovedClaims = append([]Claim(nil), q.ApprovedClaims...)
	q.AssignedUserIDs = append([]UserID(nil), q.AssignedUserIDs...)
	q.AppliedSetbacks = append([]AppliedSetback(nil), q.AppliedSetbacks...)
	return q
}

func (q *Quest) checkpoint(id CheckpointID) (Checkpoint, bool) {
	for _, cp := range q.Checkpoints {
		if cp.ID == id {
			return cp, true
		}
	}
	return Checkpoint{}, false
}

func (q *Quest) isAssigned(userID UserID) bool {
	for _, id := range q.AssignedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

type CompletionStatus string

const (
	CompletionPending  CompletionStatus = "pending"
	CompletionApproved CompletionStatus = "approved"
	CompletionRejected CompletionStatus = "rejected"
)

// QuestCompletion is one attempt at a quest (or at one Journey checkpoint).
type QuestCompletion struct {
	ID           CompletionID     `json:"id"`
	QuestID      QuestID          `json:"quest_id"`
	UserID       UserID           `json:"user_id"`
	GuildID      GuildID          `json:"guild_id,omitempty"`
	CheckpointID CheckpointID     `json:"checkpoint_id,omitempty"`
	Status       CompletionStatus `json:"status"`
	CompletedAt  time.Time        `json:"completed_at"`
	SubmittedAt  time.Time        `json:"submitted_at"`
	ActedByID    UserID           `json:"acted_by_id,omitempty"`
	ActedAt      *time.Time       `json:"acted_at,omitempty"`
	Note         string           `json:"note,omitempty"`
}

// =============================================================================
// MODIFIERS
// =============================================================================

type ModifierCategory string

const (
	ModifierTriumph ModifierCategory = "triumph"
	ModifierTrial   ModifierCategory = "trial"
)

type ModifierDefinition struct {
	ID                       ModifierDefinitionID `json:"id"`
	Name                     string               `json:"name"`
	Category                 ModifierCategory     `json:"category"`
	Effects                  Effects              `json:"effects"`
	DefaultRedemptionQuestID QuestID              `json:"default_redemption_quest_id,omitempty"`
}

type AppliedModifierStatus string

const (
	ModifierActive   AppliedModifierStatus = "active"
	ModifierExpired  AppliedModifierStatus = "expired"
	ModifierRedeemed AppliedModifierStatus = "redeemed"
)

type AppliedModifier struct {
	ID                AppliedModifierID     `json:"id"`
	UserID            UserID                `json:"user_id"`
	GuildID           GuildID               `json:"guild_id,omitempty"`
	DefinitionID      ModifierDefinitionID  `json:"definition_id"`
	AppliedAt         time.Time             `json:"applied_at"`
	ExpiresAt         *time.Time            `json:"expires_at,omitempty"`
	Status            AppliedModifierStatus `json:"status"`
	RedemptionQuestID QuestID               `json:"redemption_quest_id,omitempty"`
	AppliedByID       UserID                `json:"applied_by_id"`
	Reason            string                `json:"reason,omitempty"`
	ResolvedAt        *time.Time            `json:"resolved_at,omitempty"`
}

// =============================================================================
// MARKETPLACE
// =============================================================================

type Market struct {
	ID      MarketID `json:"id"`
	Title   string   `json:"title"`
	GuildID GuildID  `json:"guild_id,omitempty"`
}

type Asset struct {
	ID          AssetID `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	// MarketID is the one market that sells the asset; its guild decides
	// which purse pays.
	MarketID MarketID `json:"market_id"`
	// CostGroups are alternative price tiers; a purchase picks one.
	CostGroups       [][]RewardItem `json:"cost_groups"`
	RequiresApproval bool           `json:"requires_approval"`
	PurchaseCount    int            `json:"purchase_count"`
	PurchaseLimit    int            `json:"purchase_limit,omitempty"`
	IsForSale        bool           `json:"is_for_sale"`
}

func (a Asset) Clone() Asset {
	groups := make([][]RewardItem, len(a.CostGroups))
	for i, g := range a.CostGroups {
		groups[i] = cloneRewards(g)
	}
	a.CostGroups = groups
	return a
}

type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "pending"
	PurchaseCompleted PurchaseStatus = "completed"
	PurchaseRejected  PurchaseStatus = "rejected"
	PurchaseCancelled PurchaseStatus = "cancelled"
)

// AssetDetails is the snapshot of the asset taken when a purchase is requested.
type AssetDetails struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CostTier    int    `json:"cost_tier"`
}

type PurchaseRequest struct {
	ID           PurchaseID     `json:"id"`
	UserID       UserID         `json:"user_id"`
	AssetID      AssetID        `json:"asset_id"`
	MarketID     MarketID       `json:"market_id"`
	GuildID      GuildID        `json:"guild_id,omitempty"`
	AssetDetails AssetDetails   `json:"asset_details"`
	Cost         []RewardItem   `json:"cost"`
	Status       PurchaseStatus `json:"status"`
	RequestedAt  time.Time      `json:"requested_at"`
	ActedAt      *time.Time     `json:"acted_at,omitempty"`
	ActedByID    UserID         `json:"acted_by_id,omitempty"`
	Note         string         `json:"note,omitempty"`
}

// =============================================================================
// TROPHIES & RANKS
// =============================================================================

type Trophy struct {
	ID           TrophyID     `json:"id"`
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	IsManual     bool         `json:"is_manual"`
	Requirements Requirements `json:"requirements"`
}

type UserTrophy struct {
	ID        string    `json:"id"`
	UserID    UserID    `json:"user_id"`
	TrophyID  TrophyID  `json:"trophy_id"`
	GuildID   GuildID   `json:"guild_id,omitempty"`
	AwardedAt time.Time `json:"awarded_at"`
}

type Rank struct {
	ID          RankID `json:"id"`
	Name        string `json:"name"`
	XPThreshold int64  `json:"xp_threshold"`
}

// =============================================================================
// AUDIT
// =============================================================================

type ChronicleKind string

const (
	ChronicleQuestSubmitted    ChronicleKind = "quest_submitted"
	ChronicleQuestApproved     ChronicleKind = "quest_approved"
	ChronicleQuestRejected     ChronicleKind = "quest_rejected"
	ChronicleClaim             ChronicleKind = "quest_claim"
	ChronicleModifierApplied   ChronicleKind = "modifier_applied"
	ChronicleModifierRedeemed  ChronicleKind = "modifier_redeemed"
	ChronicleSetbackApplied    ChronicleKind = "setback_applied"
	ChroniclePurchaseRequested ChronicleKind = "purchase_requested"
	ChroniclePurchaseCompleted ChronicleKind = "purchase_completed"
	ChroniclePurchaseRefunded  ChronicleKind = "purchase_refunded"
	ChroniclePurchaseReverted  ChronicleKind = "purchase_reverted"
	ChronicleExchange          ChronicleKind = "exchange"
	ChronicleTrophyAwarded     ChronicleKind = "trophy_awarded"
)

// ChronicleEvent is an append-only audit record. Deltas holds the net
// balance change per reward type, negative for debits.
type ChronicleEvent struct {
	ID        string                 `json:"id"`
	Kind      ChronicleKind          `json:"kind"`
	ActorID   UserID                 `json:"actor_id,omitempty"`
	UserID    UserID                 `json:"user_id"`
	GuildID   GuildID                `json:"guild_id,omitempty"`
	RefID     string                 `json:"ref_id,omitempty"`
	Message   string                 `json:"message"`
	Deltas    map[RewardTypeID]int64 `json:"deltas,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

type Notification struct {
	ID        string            `json:"id"`
	UserID    UserID            `json:"user_id"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

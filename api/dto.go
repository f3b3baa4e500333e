/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Stored entities
  (quests, completions, purchases, applied modifiers) are returned as the
  economy types with their own JSON tags; action results get DTOs here.

NAMING CONVENTION:
  - *Request: request body types from clients
  - *DTO:     response types returned to clients

The acting user never appears in a request body; it comes from the bearer
token (see auth.go).

SEE ALSO:
  - handlers.go: uses these types
*/
package api

import (
	"time"

	"github.com/mckayc/task-donegeon-sub004/economy"
)

// =============================================================================
// REQUESTS
// =============================================================================

// SubmitCompletionRequest is the body of POST /api/quests/{id}/completions.
type SubmitCompletionRequest struct {
	Note        string     `json:"note,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NoteRequest carries the optional note of approve/reject/revert actions.
type NoteRequest struct {
	Note string `json:"note,omitempty"`
}

// ApplyModifierRequest is the body of POST /api/modifiers/{id}/apply.
type ApplyModifierRequest struct {
	UserIDs           []economy.UserID `json:"user_ids"`
	GuildID           economy.GuildID  `json:"guild_id,omitempty"`
	Reason            string           `json:"reason,omitempty"`
	AllowSubstitution bool             `json:"allow_substitution,omitempty"`
	RedemptionQuestID economy.QuestID  `json:"redemption_quest_id,omitempty"`
}

// CreatePurchaseRequest is the body of POST /api/purchases.
type CreatePurchaseRequest struct {
	AssetID  economy.AssetID  `json:"asset_id"`
	MarketID economy.MarketID `json:"market_id"`
	CostTier int              `json:"cost_tier,omitempty"`
}

// ExchangeRequest is the body of POST /api/exchange.
type ExchangeRequest struct {
	GuildID        economy.GuildID      `json:"guild_id,omitempty"`
	From           economy.RewardItem   `json:"from"`
	ToRewardTypeID economy.RewardTypeID `json:"to_reward_type_id"`
}

// AwardTrophyRequest is the body of POST /api/trophies/{id}/award.
type AwardTrophyRequest struct {
	UserID  economy.UserID  `json:"user_id"`
	GuildID economy.GuildID `json:"guild_id,omitempty"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// CompletionResultDTO is returned by submit and approve.
type CompletionResultDTO struct {
	Completion economy.QuestCompletion     `json:"completion"`
	Deltas     economy.Deltas              `json:"deltas,omitempty"`
	Summary    string                      `json:"summary"`
	BonusPaid  bool                        `json:"bonus_paid,omitempty"`
	Trophies   []economy.UserTrophy        `json:"trophies,omitempty"`
	Redeemed   []economy.AppliedModifierID `json:"redeemed,omitempty"`
}

func toCompletionResultDTO(r *economy.CompletionResult) CompletionResultDTO {
	return CompletionResultDTO{
		Completion: r.Completion,
		Deltas:     r.Deltas,
		Summary:    r.Deltas.Summary(),
		BonusPaid:  r.BonusPaid,
		Trophies:   r.Trophies,
		Redeemed:   r.Redeemed,
	}
}

// SubstitutionDTO reports how a deduction was covered.
type SubstitutionDTO struct {
	Primary   economy.RewardItem   `json:"primary"`
	Shortfall int64                `json:"shortfall"`
	Taken     []economy.RewardItem `json:"taken,omitempty"`
	Residual  string               `json:"residual_value"`
}

// ModifierApplicationDTO is one per target user.
type ModifierApplicationDTO struct {
	Applied         economy.AppliedModifier `json:"applied"`
	Deltas          economy.Deltas          `json:"deltas,omitempty"`
	Summary         string                  `json:"summary"`
	Substitutions   []SubstitutionDTO       `json:"substitutions,omitempty"`
	RedemptionQuest *economy.Quest          `json:"redemption_quest,omitempty"`
}

func toModifierApplicationDTOs(apps []economy.ModifierApplication) []ModifierApplicationDTO {
	out := make([]ModifierApplicationDTO, 0, len(apps))
	for _, a := range apps {
		dto := ModifierApplicationDTO{
			Applied:         a.Applied,
			Deltas:          a.Deltas,
			Summary:         a.Deltas.Summary(),
			RedemptionQuest: a.RedemptionQuest,
		}
		for _, s := range a.Substitutions {
			dto.Substitutions = append(dto.Substitutions, SubstitutionDTO{
				Primary:   s.Primary,
				Shortfall: s.Shortfall,
				Taken:     s.Taken,
				Residual:  s.Residual.String(),
			})
		}
		out = append(out, dto)
	}
	return out
}

// PurchaseResultDTO is returned by every purchase action.
type PurchaseResultDTO struct {
	Purchase economy.PurchaseRequest `json:"purchase"`
	Deltas   economy.Deltas          `json:"deltas,omitempty"`
	Summary  string                  `json:"summary"`
}

func toPurchaseResultDTO(r *economy.PurchaseResult) PurchaseResultDTO {
	return PurchaseResultDTO{Purchase: r.Purchase, Deltas: r.Deltas, Summary: r.Deltas.Summary()}
}

// ExchangeResultDTO is returned by POST /api/exchange.
type ExchangeResultDTO struct {
	Paid     economy.RewardItem `json:"paid"`
	Received economy.RewardItem `json:"received"`
	Fee      string             `json:"fee_value"`
	Deltas   economy.Deltas     `json:"deltas"`
}

// BalanceDTO is one line of GET /api/users/{id}/balances.
type BalanceDTO struct {
	RewardTypeID economy.RewardTypeID `json:"reward_type_id"`
	Amount       int64                `json:"amount"`
}

// RankDTO is returned by GET /api/users/{id}/rank.
type RankDTO struct {
	TotalXP int64         `json:"total_xp"`
	Rank    *economy.Rank `json:"rank"`
}

// SetbackDTO reports one overdue setback charge.
type SetbackDTO struct {
	QuestID   economy.QuestID                `json:"quest_id"`
	UserID    economy.UserID                 `json:"user_id"`
	Kind      economy.SetbackKind            `json:"kind"`
	Deltas    economy.Deltas                 `json:"deltas,omitempty"`
	Shortfall map[economy.RewardTypeID]int64 `json:"shortfall,omitempty"`
}

// MaintenanceDTO is the outcome of one maintenance sweep.
type MaintenanceDTO struct {
	Expired  []economy.AppliedModifier `json:"expired"`
	Setbacks []SetbackDTO              `json:"setbacks"`
}

// CatalogLoadDTO is returned by POST /api/admin/catalog.
type CatalogLoadDTO struct {
	Summary  string   `json:"summary"`
	Warnings []string `json:"warnings,omitempty"`
}

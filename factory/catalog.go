/*
Package factory provides JSON to Go catalog conversion.

PURPOSE:
  Converts a JSON catalog document into economy definitions: reward types,
  users, quests, modifier definitions, markets, assets, trophies and ranks.
  Game masters edit a document; the factory validates it and loads it in a
  single transaction.

JSON SCHEMA:
  {
    "settings": {"self_approval_enabled": false, "exchange_fee_percent": "5"},
    "reward_types": [{"id": "gold", "name": "Gold", "category": "currency", "base_value": "1"}],
    "users": [{"id": "admin", "name": "Admin", "role": "admin"}],
    "quests": [{"id": "dishes", "kind": "duty", "rewards": [{"reward_type_id": "gold", "amount": 2}]}],
    "modifiers": [{"id": "fine", "category": "trial",
                   "effects": [{"kind": "deduct", "rewards": [{"reward_type_id": "gold", "amount": 5}]}]}],
    "markets": [{"id": "bazaar", "title": "Bazaar"}],
    "assets": [{"id": "sword", "market_id": "bazaar", "cost_groups": [[{"reward_type_id": "gold", "amount": 10}]], "is_for_sale": true}],
    "trophies": [{"id": "first", "requirements": [{"type": "complete_quest_type", "value": "venture", "count": 1}]}],
    "ranks": [{"id": "novice", "name": "Novice", "xp_threshold": 0}]
  }

VALIDATION:
  - ids are present and unique per section
  - reward items reference a reward type declared in the document or
    already stored (checked by Load), with amount > 0
  - Journey checkpoints have unique ids
  - modifier effect kinds are grant or deduct
  - redemption quests and checkpoint trophies reference declared entries
  Unreadable trophy requirements do not fail parsing; they are listed in
  Catalog.Warnings and the trophy is never auto-awarded.

USAGE:
  cat, err := factory.ParseCatalog(data)
  if err != nil {
      return err
  }
  if err := cat.Load(ctx, store); err != nil {
      return err
  }

SEE ALSO:
  - economy/types.go: definition types and their JSON tags
  - factory/demo.go:  the demo catalog
*/
package factory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/mckayc/task-donegeon-sub004/economy"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// CatalogJSON is the document layout. Entries reuse the economy types and
// their JSON tags.
type CatalogJSON struct {
	Settings    *economy.Settings              `json:"settings,omitempty"`
	RewardTypes []economy.RewardTypeDefinition `json:"reward_types,omitempty"`
	Users       []economy.User                 `json:"users,omitempty"`
	Quests      []economy.Quest                `json:"quests,omitempty"`
	Modifiers   []economy.ModifierDefinition   `json:"modifiers,omitempty"`
	Markets     []economy.Market               `json:"markets,omitempty"`
	Assets      []economy.Asset                `json:"assets,omitempty"`
	Trophies    []economy.Trophy               `json:"trophies,omitempty"`
	Ranks       []economy.Rank                 `json:"ranks,omitempty"`
}

// Catalog is a validated document ready to load.
type Catalog struct {
	CatalogJSON

	// Warnings lists problems that do not block loading.
	Warnings []string

	// external holds reward type ids referenced but not declared here.
	external map[economy.RewardTypeID]string
}

// =============================================================================
// PARSING
// =============================================================================

// ParseCatalog decodes and validates a catalog document. All validation
// problems are reported together; each is an *economy.MalformedError.
func ParseCatalog(data []byte) (*Catalog, error) {
	var doc CatalogJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		var me *economy.MalformedError
		if errors.As(err, &me) {
			return nil, fmt.Errorf("parse catalog: %w", err)
		}
		return nil, fmt.Errorf("parse catalog: %w", &economy.MalformedError{Kind: "catalog", Reason: err.Error()})
	}

	c := &Catalog{CatalogJSON: doc, external: map[economy.RewardTypeID]string{}}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// validator collects problems instead of stopping at the first.
type validator struct {
	errs []error
}

func (v *validator) fail(kind, id, format string, args ...any) {
	v.errs = append(v.errs, &economy.MalformedError{Kind: kind, ID: id, Reason: fmt.Sprintf(format, args...)})
}

func (c *Catalog) validate() error {
	var v validator

	rewardTypes := map[economy.RewardTypeID]bool{}
	for _, rt := range c.RewardTypes {
		switch {
		case rt.ID == "":
			v.fail("reward type", "", "missing id")
		case rewardTypes[rt.ID]:
			v.fail("reward type", string(rt.ID), "duplicate id")
		}
		rewardTypes[rt.ID] = true
		if rt.Category != economy.CategoryCurrency && rt.Category != economy.CategoryExperience {
			v.fail("reward type", string(rt.ID), "unknown category %q", rt.Category)
		}
		if rt.BaseValue.IsNegative() {
			v.fail("reward type", string(rt.ID), "negative base value %s", rt.BaseValue)
		}
	}

	items := func(kind, id string, list []economy.RewardItem) {
		for _, it := range list {
			if it.Amount <= 0 {
				v.fail(kind, id, "reward %s has non-positive amount %d", it.RewardTypeID, it.Amount)
			}
			if !rewardTypes[it.RewardTypeID] {
				c.external[it.RewardTypeID] = kind + " " + id
			}
		}
	}

	seen := func(kind string) func(id string) {
		ids := map[string]bool{}
		return func(id string) {
			switch {
			case id == "":
				v.fail(kind, "", "missing id")
			case ids[id]:
				v.fail(kind, id, "duplicate id")
			}
			ids[id] = true
		}
	}

	userSeen := seen("user")
	for _, u := range c.Users {
		userSeen(string(u.ID))
		switch u.Role {
		case economy.RoleAdmin, economy.RoleGatekeeper, economy.RoleExplorer:
		default:
			v.fail("user", string(u.ID), "unknown role %q", u.Role)
		}
	}

	trophies := map[economy.TrophyID]bool{}
	trophySeen := seen("trophy")
	for _, t := range c.Trophies {
		trophySeen(string(t.ID))
		trophies[t.ID] = true
		for _, r := range t.Requirements {
			if m, ok := r.(economy.MalformedRequirement); ok {
				c.Warnings = append(c.Warnings, fmt.Sprintf("trophy %s: requirement %q: %s", t.ID, m.Type, m.Reason))
			}
		}
	}

	quests := map[economy.QuestID]bool{}
	questSeen := seen("quest")
	for _, q := range c.Quests {
		id := string(q.ID)
		questSeen(id)
		quests[q.ID] = true
		switch q.Kind {
		case economy.QuestDuty, economy.QuestVenture, economy.QuestJourney:
		default:
			v.fail("quest", id, "unknown kind %q", q.Kind)
		}
		if q.Kind != economy.QuestJourney && len(q.Checkpoints) > 0 {
			v.fail("quest", id, "only journeys have checkpoints")
		}
		items("quest", id, q.Rewards)
		items("quest", id, q.LateSetbacks)
		items("quest", id, q.IncompleteSetbacks)

		checkpoints := map[economy.CheckpointID]bool{}
		for _, cp := range q.Checkpoints {
			switch {
			case cp.ID == "":
				v.fail("quest", id, "checkpoint without id")
			case checkpoints[cp.ID]:
				v.fail("quest", id, "duplicate checkpoint %q", cp.ID)
			}
			checkpoints[cp.ID] = true
			items("quest", id, cp.Rewards)
			if cp.TrophyID != "" && !trophies[cp.TrophyID] {
				v.fail("quest", id, "checkpoint %s awards undeclared trophy %q", cp.ID, cp.TrophyID)
			}
		}
		if q.TotalCompletionsAllowed < 0 {
			v.fail("quest", id, "negative completion limit")
		}
	}

	modSeen := seen("modifier")
	for _, m := range c.Modifiers {
		id := string(m.ID)
		modSeen(id)
		if m.Category != economy.ModifierTriumph && m.Category != economy.ModifierTrial {
			v.fail("modifier", id, "unknown category %q", m.Category)
		}
		for _, e := range m.Effects {
			items("modifier", id, e.Items())
		}
		if m.DefaultRedemptionQuestID != "" && !quests[m.DefaultRedemptionQuestID] {
			v.fail("modifier", id, "redemption quest %q is not declared", m.DefaultRedemptionQuestID)
		}
	}

	markets := map[economy.MarketID]bool{}
	marketSeen := seen("market")
	for _, m := range c.Markets {
		marketSeen(string(m.ID))
		markets[m.ID] = true
	}

	assetSeen := seen("asset")
	for _, a := range c.Assets {
		id := string(a.ID)
		assetSeen(id)
		if !markets[a.MarketID] {
			v.fail("asset", id, "market %q is not declared", a.MarketID)
		}
		if len(a.CostGroups) == 0 {
			v.fail("asset", id, "no cost groups")
		}
		for _, group := range a.CostGroups {
			items("asset", id, group)
		}
		if a.PurchaseLimit < 0 {
			v.fail("asset", id, "negative purchase limit")
		}
	}

	rankSeen := seen("rank")
	for _, r := range c.Ranks {
		rankSeen(string(r.ID))
		if r.XPThreshold < 0 {
			v.fail("rank", string(r.ID), "negative xp threshold")
		}
	}

	if c.Settings != nil && c.Settings.ExchangeFeePercent.IsNegative() {
		v.fail("settings", "", "negative exchange fee")
	}

	return errors.Join(v.errs...)
}

// =============================================================================
// LOADING
// =============================================================================

// Load writes every definition in one transaction. Reward types referenced
// but not declared in the document must already exist in the store.
func (c *Catalog) Load(ctx context.Context, store economy.TxStore) error {
	err := store.WithTx(ctx, func(tx economy.Store) error {
		if err := c.checkExternal(ctx, tx); err != nil {
			return err
		}
		if c.Settings != nil {
			if err := tx.SaveSettings(ctx, *c.Settings); err != nil {
				return err
			}
		}
		for _, rt := range c.RewardTypes {
			if err := tx.SaveRewardType(ctx, rt); err != nil {
				return err
			}
		}
		for _, u := range c.Users {
			if err := tx.SaveUser(ctx, u); err != nil {
				return err
			}
		}
		for _, t := range c.Trophies {
			if err := tx.SaveTrophy(ctx, t); err != nil {
				return err
			}
		}
		for _, q := range c.Quests {
			if err := tx.SaveQuest(ctx, q); err != nil {
				return err
			}
		}
		for _, m := range c.Modifiers {
			if err := tx.SaveModifierDefinition(ctx, m); err != nil {
				return err
			}
		}
		for _, m := range c.Markets {
			if err := tx.SaveMarket(ctx, m); err != nil {
				return err
			}
		}
		for _, a := range c.Assets {
			if err := tx.SaveAsset(ctx, a); err != nil {
				return err
			}
		}
		for _, r := range c.Ranks {
			if err := tx.SaveRank(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	for _, w := range c.Warnings {
		log.Printf("[Factory] warning: %s", w)
	}
	log.Printf("[Factory] loaded catalog: %s", c.Summary())
	return nil
}

func (c *Catalog) checkExternal(ctx context.Context, tx economy.Store) error {
	ids := make([]economy.RewardTypeID, 0, len(c.external))
	for id := range c.external {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var errs []error
	for _, id := range ids {
		rt, err := tx.GetRewardType(ctx, id)
		if err != nil {
			return err
		}
		if rt == nil {
			errs = append(errs, &economy.MalformedError{
				Kind:   "catalog",
				ID:     c.external[id],
				Reason: fmt.Sprintf("references unknown reward type %q", id),
			})
		}
	}
	return errors.Join(errs...)
}

// Summary counts the entries of each section.
func (c *Catalog) Summary() string {
	return fmt.Sprintf("%d reward types, %d users, %d quests, %d modifiers, %d markets, %d assets, %d trophies, %d ranks",
		len(c.RewardTypes), len(c.Users), len(c.Quests), len(c.Modifiers),
		len(c.Markets), len(c.Assets), len(c.Trophies), len(c.Ranks))
}

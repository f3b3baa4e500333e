package economy

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
)

// Catalog resolves reward type ids for the duration of one transaction.
// Definitions are read once and cached.
type Catalog struct {
	store  Store
	byID   map[RewardTypeID]RewardTypeDefinition
	loaded bool
}

func NewCatalog(store Store) *Catalog {
	return &Catalog{store: store, byID: make(map[RewardTypeID]RewardTypeDefinition)}
}

func (c *Catalog) load(ctx context.Context) error {
	if c.loaded {
		return nil
	}
	all, err := c.store.ListRewardTypes(ctx)
	if err != nil {
		return err
	}
	for _, rt := range all {
		c.byID[rt.ID] = rt
	}
	c.loaded = true
	return nil
}

// Lookup returns the definition or a NotFoundError.
func (c *Catalog) Lookup(ctx context.Context, id RewardTypeID) (RewardTypeDefinition, error) {
	if err := c.load(ctx); err != nil {
		return RewardTypeDefinition{}, err
	}
	rt, ok := c.byID[id]
	if !ok {
		return RewardTypeDefinition{}, notFound("reward type", id)
	}
	return rt, nil
}

func (c *Catalog) Category(ctx context.Context, id RewardTypeID) (RewardCategory, error) {
	rt, err := c.Lookup(ctx, id)
	return rt.Category, err
}

func (c *Catalog) BaseValue(ctx context.Context, id RewardTypeID) (decimal.Decimal, error) {
	rt, err := c.Lookup(ctx, id)
	return rt.BaseValue, err
}

// Validate checks that every item names a known reward type.
func (c *Catalog) Validate(ctx context.Context, items []RewardItem) error {
	for _, item := range items {
		if _, err := c.Lookup(ctx, item.RewardTypeID); err != nil {
			return err
		}
	}
	return nil
}

// Substitutes returns every exchangeable reward type with a positive base
// value other than exclude, cheapest first. Ties are broken by id.
func (c *Catalog) Substitutes(ctx context.Context, exclude RewardTypeID) ([]RewardTypeDefinition, error) {
	if err := c.load(ctx); err != nil {
		return nil, err
	}
	var out []RewardTypeDefinition
	for id, rt := range c.byID {
		if id == exclude || !rt.Exchangeable() || !rt.BaseValue.IsPositive() {
			continue
		}
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool {
		if cmp := out[i].BaseValue.Cmp(out[j].BaseValue); cmp != 0 {
			return cmp < 0
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// TotalExperience sums the experience-category balances of a scope.
func (c *Catalog) TotalExperience(ctx context.Context, balances []Balance) (int64, error) {
	var total int64
	for _, b := range balances {
		cat, err := c.Category(ctx, b.RewardTypeID)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return 0, err
		}
		if cat == CategoryExperience {
			total += b.Amount
		}
	}
	return total, nil
}

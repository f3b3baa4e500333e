package economy

import (
	"context"

	"github.com/shopspring/decimal"
)

// SubstitutionResult describes an over-deduction covered by other rewards.
type SubstitutionResult struct {
	Primary   RewardItem   // what was actually taken from the primary reward
	Shortfall int64        // primary units that were missing
	Taken     []RewardItem // substitute units debited, cheapest first
	// Residual is the deficit value nothing could cover. It is absorbed.
	Residual decimal.Decimal
}

// Deltas returns the net balance change of the deduction.
func (r SubstitutionResult) Deltas() Deltas {
	d := Deltas{}
	d.Add(r.Primary.RewardTypeID, -r.Primary.Amount)
	for _, t := range r.Taken {
		d.Add(t.RewardTypeID, -t.Amount)
	}
	return d
}

// DeductWithSubstitution debits item from scope. When the balance cannot
// cover it, the primary reward drops to zero and the missing value
// (shortfall x base value) is taken from the other exchangeable rewards,
// cheapest first, rounding each substitute up to whole units. Whatever value
// is still uncovered is absorbed; no balance goes negative.
func DeductWithSubstitution(ctx context.Context, ledger *Ledger, catalog *Catalog, scope Scope, item RewardItem) (SubstitutionResult, error) {
	primary, err := catalog.Lookup(ctx, item.RewardTypeID)
	if err != nil {
		return SubstitutionResult{}, err
	}
	debit, err := ledger.Debit(ctx, scope, item)
	if err != nil {
		return SubstitutionResult{}, err
	}
	res := SubstitutionResult{
		Primary:   RewardItem{RewardTypeID: item.RewardTypeID, Amount: debit.Before - debit.After},
		Shortfall: debit.Shortfall,
		Residual:  decimal.Zero,
	}
	if debit.Shortfall == 0 {
		return res, nil
	}

	remaining := decimal.NewFromInt(debit.Shortfall).Mul(primary.BaseValue)
	subs, err := catalog.Substitutes(ctx, item.RewardTypeID)
	if err != nil {
		return SubstitutionResult{}, err
	}
	for _, sub := range subs {
		if !remaining.IsPositive() {
			break
		}
		have, err := ledger.Balance(ctx, scope, sub.ID)
		if err != nil {
			return SubstitutionResult{}, err
		}
		if have <= 0 {
			continue
		}
		needed := remaining.Div(sub.BaseValue).Ceil().IntPart()
		units := needed
		if have < units {
			units = have
		}
		if _, err := ledger.Debit(ctx, scope, RewardItem{RewardTypeID: sub.ID, Amount: units}); err != nil {
			return SubstitutionResult{}, err
		}
		res.Taken = append(res.Taken, RewardItem{RewardTypeID: sub.ID, Amount: units})
		remaining = remaining.Sub(decimal.NewFromInt(units).Mul(sub.BaseValue))
	}
	if remaining.IsPositive() {
		res.Residual = remaining
	}
	return res, nil
}

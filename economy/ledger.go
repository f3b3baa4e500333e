/*
ledger.go - Balance Ledger: credit and debit primitives

PURPOSE:
  Every balance change in the engine goes through the Ledger. It reads and
  writes one balance row per (user, guild, reward type) on the Store it was
  built over, which is always the transaction-scoped Store of the current
  action.

CRITICAL INVARIANTS:
  1. NON-NEGATIVE: no balance is ever written below zero
  2. ATOMIC: the Ledger has no commit of its own; it lives and dies with the
     enclosing WithTx
  3. EXPLICIT SHORTFALL: Debit clamps at zero and reports what it could not
     take; DebitStrict refuses instead

EXAMPLE:
  l := NewLedger(txStore)
  res, _ := l.Debit(ctx, Personal("u1"), RewardItem{"gold", 5})
  if res.Shortfall > 0 {
      // substitution or absorb
  }
*/
package economy

import (
	"context"
	"fmt"
	"sort"
)

// Scope selects a user's personal balances or their balances in one guild.
type Scope struct {
	UserID  UserID
	GuildID GuildID
}

func Personal(userID UserID) Scope { return Scope{UserID: userID} }

func InGuild(userID UserID, guildID GuildID) Scope {
	return Scope{UserID: userID, GuildID: guildID}
}

func (s Scope) key(rt RewardTypeID) BalanceKey {
	return BalanceKey{UserID: s.UserID, GuildID: s.GuildID, RewardTypeID: rt}
}

// IsPersonal reports whether the scope is the user's personal purse.
func (s Scope) IsPersonal() bool { return s.GuildID == PersonalScope }

// Deltas accumulates net balance changes per reward type.
type Deltas map[RewardTypeID]int64

func (d Deltas) Add(rt RewardTypeID, amount int64) {
	if amount == 0 {
		return
	}
	d[rt] += amount
	if d[rt] == 0 {
		delete(d, rt)
	}
}

func (d Deltas) Merge(other Deltas) {
	for rt, v := range other {
		d.Add(rt, v)
	}
}

// Summary renders deltas deterministically, e.g. "+5 gold, -2 gems".
func (d Deltas) Summary() string {
	if len(d) == 0 {
		return "no balance change"
	}
	ids := make([]string, 0, len(d))
	for rt := range d {
		ids = append(ids, string(rt))
	}
	sort.Strings(ids)
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%+d %s", d[RewardTypeID(id)], id)
	}
	return out
}

// DebitResult reports a clamped debit.
type DebitResult struct {
	Before    int64
	After     int64
	Shortfall int64 // requested amount that could not be taken
}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store Store
}

func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

func (l *Ledger) Balance(ctx context.Context, scope Scope, rt RewardTypeID) (int64, error) {
	return l.store.GetBalance(ctx, scope.key(rt))
}

// Credit adds item to the scope and returns the new balance.
func (l *Ledger) Credit(ctx context.Context, scope Scope, item RewardItem) (int64, error) {
	if item.Amount < 0 {
		return 0, invalidState(CodeInvalidAmount, "cannot credit negative amount %d of %s", item.Amount, item.RewardTypeID)
	}
	current, err := l.store.GetBalance(ctx, scope.key(item.RewardTypeID))
	if err != nil {
		return 0, err
	}
	if item.Amount == 0 {
		return current, nil
	}
	next := current + item.Amount
	if err := l.store.SetBalance(ctx, scope.key(item.RewardTypeID), next); err != nil {
		return 0, err
	}
	return next, nil
}

// Debit takes as much of item as the balance allows, floor zero.
func (l *Ledger) Debit(ctx context.Context, scope Scope, item RewardItem) (DebitResult, error) {
	if item.Amount < 0 {
		return DebitResult{}, invalidState(CodeInvalidAmount, "cannot debit negative amount %d of %s", item.Amount, item.RewardTypeID)
	}
	current, err := l.store.GetBalance(ctx, scope.key(item.RewardTypeID))
	if err != nil {
		return DebitResult{}, err
	}
	res := DebitResult{Before: current, After: current - item.Amount}
	if res.After < 0 {
		res.Shortfall = -res.After
		res.After = 0
	}
	if res.After != current {
		if err := l.store.SetBalance(ctx, scope.key(item.RewardTypeID), res.After); err != nil {
			return DebitResult{}, err
		}
	}
	return res, nil
}

// DebitStrict takes item in full or fails with InsufficientFundsError.
func (l *Ledger) DebitStrict(ctx context.Context, scope Scope, item RewardItem) (int64, error) {
	if err := l.ensureFunds(ctx, scope, []RewardItem{item}); err != nil {
		return 0, err
	}
	res, err := l.Debit(ctx, scope, item)
	return res.After, err
}

// CreditAll credits every item and returns the net deltas.
func (l *Ledger) CreditAll(ctx context.Context, scope Scope, items []RewardItem) (Deltas, error) {
	deltas := Deltas{}
	for _, item := range items {
		if _, err := l.Credit(ctx, scope, item); err != nil {
			return nil, err
		}
		deltas.Add(item.RewardTypeID, item.Amount)
	}
	return deltas, nil
}

// DebitAllStrict checks the whole list before touching any balance, so a
// multi-item cost is either taken in full or not at all.
func (l *Ledger) DebitAllStrict(ctx context.Context, scope Scope, items []RewardItem) (Deltas, error) {
	if err := l.ensureFunds(ctx, scope, items); err != nil {
		return nil, err
	}
	deltas := Deltas{}
	for _, item := range items {
		if _, err := l.Debit(ctx, scope, item); err != nil {
			return nil, err
		}
		deltas.Add(item.RewardTypeID, -item.Amount)
	}
	return deltas, nil
}

func (l *Ledger) ensureFunds(ctx context.Context, scope Scope, items []RewardItem) error {
	need := map[RewardTypeID]int64{}
	var order []RewardTypeID
	for _, item := range items {
		if item.Amount < 0 {
			return invalidState(CodeInvalidAmount, "cannot debit negative amount %d of %s", item.Amount, item.RewardTypeID)
		}
		if _, seen := need[item.RewardTypeID]; !seen {
			order = append(order, item.RewardTypeID)
		}
		need[item.RewardTypeID] += item.Amount
	}
	for _, rt := range order {
		have, err := l.store.GetBalance(ctx, scope.key(rt))
		if err != nil {
			return err
		}
		if have < need[rt] {
			return &InsufficientFundsError{
				UserID:       scope.UserID,
				GuildID:      scope.GuildID,
				RewardTypeID: rt,
				Available:    have,
				Requested:    need[rt],
			}
		}
	}
	return nil
}

package economy_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mckayc/task-donegeon-sub004/economy"
)

// =============================================================================
// LEDGER
// =============================================================================

func TestLedger_DebitClampsAtZero(t *testing.T) {
	w := newWorld(t)
	w.fund("alice", "gold", 3)
	ledger := economy.NewLedger(w.store)
	alice := economy.Personal("alice")

	// WHEN: debiting more than the balance
	res, err := ledger.Debit(w.ctx, alice, item("gold", 5))
	require.NoError(t, err)

	// THEN: the balance floors at zero and the shortfall is reported
	assert.Equal(t, int64(3), res.Before)
	assert.Equal(t, int64(0), res.After)
	assert.Equal(t, int64(2), res.Shortfall)
	assert.Equal(t, int64(0), w.balance("alice", "gold"))
}

func TestLedger_NeverPersistsNegative(t *testing.T) {
	w := newWorld(t)
	ledger := economy.NewLedger(w.store)
	alice := economy.Personal("alice")

	ops := []struct {
		credit bool
		amount int64
	}{
		{true, 4}, {false, 7}, {true, 2}, {false, 1}, {false, 9}, {true, 10}, {false, 3},
	}
	for _, op := range ops {
		if op.credit {
			_, err := ledger.Credit(w.ctx, alice, item("gold", op.amount))
			require.NoError(t, err)
		} else {
			_, err := ledger.Debit(w.ctx, alice, item("gold", op.amount))
			require.NoError(t, err)
		}
		assert.GreaterOrEqual(t, w.balance("alice", "gold"), int64(0))
	}
	assert.Equal(t, int64(7), w.balance("alice", "gold"))
}

func TestLedger_DebitAllStrictIsAllOrNothing(t *testing.T) {
	w := newWorld(t)
	w.fund("alice", "gold", 10)
	w.fund("alice", "gems", 1)
	ledger := economy.NewLedger(w.store)

	// WHEN: one item of the cost is not covered
	_, err := ledger.DebitAllStrict(w.ctx, economy.Personal("alice"), items(item("gold", 5), item("gems", 2)))

	// THEN: nothing is debited
	var ife *economy.InsufficientFundsError
	require.True(t, errors.As(err, &ife))
	assert.Equal(t, economy.RewardTypeID("gems"), ife.RewardTypeID)
	assert.Equal(t, int64(1), ife.Available)
	assert.Equal(t, int64(2), ife.Requested)
	assert.Equal(t, int64(10), w.balance("alice", "gold"))
	assert.Equal(t, int64(1), w.balance("alice", "gems"))
}

func TestLedger_DebitAllStrictAggregatesDuplicateItems(t *testing.T) {
	w := newWorld(t)
	w.fund("alice", "gold", 5)
	ledger := economy.NewLedger(w.store)

	_, err := ledger.DebitAllStrict(w.ctx, economy.Personal("alice"), items(item("gold", 3), item("gold", 3)))

	assert.True(t, errors.Is(err, economy.ErrInsufficientFunds))
	assert.Equal(t, int64(5), w.balance("alice", "gold"))
}

func TestLedger_RejectsNegativeAmounts(t *testing.T) {
	w := newWorld(t)
	ledger := economy.NewLedger(w.store)

	_, err := ledger.Credit(w.ctx, economy.Personal("alice"), item("gold", -1))
	assertInvalidState(t, err, economy.CodeInvalidAmount)

	_, err = ledger.Debit(w.ctx, economy.Personal("alice"), item("gold", -1))
	assertInvalidState(t, err, economy.CodeInvalidAmount)
}

func TestLedger_GuildScopeIsSeparate(t *testing.T) {
	w := newWorld(t)
	ledger := economy.NewLedger(w.store)

	_, err := ledger.Credit(w.ctx, economy.InGuild("alice", "g1"), item("gold", 4))
	require.NoError(t, err)

	assert.Equal(t, int64(4), w.guildBalance("alice", "g1", "gold"))
	assert.Equal(t, int64(0), w.balance("alice", "gold"))
}

// =============================================================================
// SUBSTITUTION
// =============================================================================

func TestSubstitution_CoversDeficitWithCheaperReward(t *testing.T) {
	// GIVEN: A (gold, base 1) balance 2 and B (gems, base 0.5) balance 100
	w := newWorld(t)
	w.fund("alice", "gold", 2)
	w.fund("alice", "gems", 100)

	// WHEN: deducting 5 gold with substitution
	res, err := economy.DeductWithSubstitution(w.ctx, economy.NewLedger(w.store), economy.NewCatalog(w.store),
		economy.Personal("alice"), item("gold", 5))
	require.NoError(t, err)

	// THEN: deficit value 3 is covered by ceil(3/0.5) = 6 gems
	assert.Equal(t, int64(0), w.balance("alice", "gold"))
	assert.Equal(t, int64(94), w.balance("alice", "gems"))
	assert.Equal(t, int64(3), res.Shortfall)
	assert.Equal(t, items(item("gems", 6)), res.Taken)
	assert.True(t, res.Residual.IsZero())
	assert.Equal(t, economy.Deltas{"gold": -2, "gems": -6}, res.Deltas())
}

func TestSubstitution_WalksCheapestFirstAndAbsorbsResidual(t *testing.T) {
	w := newWorld(t)
	w.rewardType("rubies", economy.CategoryCurrency, "2")
	w.fund("alice", "gold", 0)
	w.fund("alice", "gems", 3) // worth 1.5
	w.fund("alice", "rubies", 1)

	// WHEN: deducting 10 gold (value 10) with only 3.5 of substitutes
	res, err := economy.DeductWithSubstitution(w.ctx, economy.NewLedger(w.store), economy.NewCatalog(w.store),
		economy.Personal("alice"), item("gold", 10))
	require.NoError(t, err)

	// THEN: every substitute is drained cheapest first, the rest is absorbed
	assert.Equal(t, items(item("gems", 3), item("rubies", 1)), res.Taken)
	assert.Equal(t, int64(0), w.balance("alice", "gems"))
	assert.Equal(t, int64(0), w.balance("alice", "rubies"))
	assert.True(t, res.Residual.Equal(decimal.RequireFromString("6.5")), "residual %s", res.Residual)
}

func TestSubstitution_SkipsNonExchangeableAndZeroValue(t *testing.T) {
	w := newWorld(t)
	no := false
	require.NoError(t, w.store.SaveRewardType(w.ctx, economy.RewardTypeDefinition{
		ID: "tokens", Category: economy.CategoryCurrency, BaseValue: decimal.NewFromInt(1), IsExchangeable: &no,
	}))
	w.fund("alice", "tokens", 50)
	w.fund("alice", "xp", 50)
	w.fund("alice", "diligence", 50)

	res, err := economy.DeductWithSubstitution(w.ctx, economy.NewLedger(w.store), economy.NewCatalog(w.store),
		economy.Personal("alice"), item("gold", 4))
	require.NoError(t, err)

	assert.Empty(t, res.Taken)
	assert.Equal(t, int64(50), w.balance("alice", "tokens"))
	assert.Equal(t, int64(50), w.balance("alice", "xp"))
	assert.Equal(t, int64(50), w.balance("alice", "diligence"))
}

func TestCatalog_SubstitutesOrderedByBaseValueThenID(t *testing.T) {
	w := newWorld(t)
	w.rewardType("beads", economy.CategoryCurrency, "0.5")

	subs, err := economy.NewCatalog(w.store).Substitutes(w.ctx, "gold")
	require.NoError(t, err)

	var ids []economy.RewardTypeID
	for _, s := range subs {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []economy.RewardTypeID{"beads", "gems"}, ids)
}

func TestDeltas_Summary(t *testing.T) {
	d := economy.Deltas{}
	d.Add("gold", 5)
	d.Add("gems", -2)
	d.Add("xp", 0)

	assert.Equal(t, "-2 gems, +5 gold", d.Summary())
	assert.Equal(t, "no balance change", economy.Deltas{}.Summary())
}

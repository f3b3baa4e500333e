package economy

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

type ExchangeInput struct {
	UserID         UserID
	GuildID        GuildID
	From           RewardItem
	ToRewardTypeID RewardTypeID
}

type ExchangeResult struct {
	Paid     RewardItem
	Received RewardItem
	// Fee is in real-world value units, not reward units.
	Fee    decimal.Decimal
	Deltas Deltas
}

// Exchange converts one reward into another at their base values, less the
// configured fee percent. The result is rounded down to whole units; the
// debit is strict.
//
//	value    = amount x base(from)
//	fee      = value x feePercent / 100
//	received = floor((value - fee) / base(to))
func (e *Engine) Exchange(ctx context.Context, in ExchangeInput) (*ExchangeResult, error) {
	var result *ExchangeResult
	err := e.run(ctx, func(u *unit) error {
		if _, err := u.user(ctx, in.UserID); err != nil {
			return err
		}
		if in.From.Amount <= 0 {
			return invalidState(CodeInvalidAmount, "exchange amount must be positive, got %d", in.From.Amount)
		}
		if in.From.RewardTypeID == in.ToRewardTypeID {
			return invalidState(CodeNotExchangeable, "cannot exchange %s for itself", in.From.RewardTypeID)
		}
		from, err := u.exchangeable(ctx, in.From.RewardTypeID)
		if err != nil {
			return err
		}
		to, err := u.exchangeable(ctx, in.ToRewardTypeID)
		if err != nil {
			return err
		}
		settings, err := u.loadSettings(ctx)
		if err != nil {
			return err
		}

		value := decimal.NewFromInt(in.From.Amount).Mul(from.BaseValue)
		fee := value.Mul(settings.ExchangeFeePercent).Div(decimal.NewFromInt(100))
		received := value.Sub(fee).Div(to.BaseValue).Floor().IntPart()
		if received <= 0 {
			return invalidState(CodeExchangeTooSmall, "%d %s buys no %s", in.From.Amount, from.ID, to.ID)
		}

		scope := InGuild(in.UserID, in.GuildID)
		deltas, err := u.ledger.DebitAllStrict(ctx, scope, []RewardItem{in.From})
		if err != nil {
			return err
		}
		gain := RewardItem{RewardTypeID: to.ID, Amount: received}
		if _, err := u.ledger.Credit(ctx, scope, gain); err != nil {
			return err
		}
		deltas.Add(to.ID, received)

		u.recorder.Record(ctx, ChronicleEvent{
			Kind:    ChronicleExchange,
			ActorID: in.UserID,
			UserID:  in.UserID,
			GuildID: in.GuildID,
			Message: fmt.Sprintf("exchanged %d %s for %d %s (fee %s)", in.From.Amount, from.ID, received, to.ID, fee.StringFixed(2)),
			Deltas:  deltas,
		})
		result = &ExchangeResult{Paid: in.From, Received: gain, Fee: fee, Deltas: deltas}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (u *unit) exchangeable(ctx context.Context, id RewardTypeID) (RewardTypeDefinition, error) {
	rt, err := u.catalog.Lookup(ctx, id)
	if err != nil {
		return RewardTypeDefinition{}, err
	}
	if !rt.Exchangeable() || !rt.BaseValue.IsPositive() {
		return RewardTypeDefinition{}, invalidState(CodeNotExchangeable, "reward %s cannot be exchanged", id)
	}
	return rt, nil
}

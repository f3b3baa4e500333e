/*
purchase.go - Purchase Escrow Workflow

STATES:
  Pending ──▶ Completed ──(Revert)──▶ Rejected
     │
     ├──────▶ Rejected   (admin, refund)
     └──────▶ Cancelled  (buyer, refund)

ESCROW:
  CreatePurchase snapshots the chosen cost tier and debits it in full at
  request time, whether or not approval is required. A multi-item cost is
  checked as a whole first; nothing is debited unless every item is covered.
  Rejection, cancellation and revert refund exactly the snapshot, never the
  asset's current price.

OWNERSHIP:
  Completion appends the asset to the buyer's OwnedAssetIDs and increments
  Asset.PurchaseCount. Revert removes one ownership entry and decrements the
  counter, floored at zero.
*/
package economy

import (
	"context"
	"fmt"
)

type CreatePurchaseInput struct {
	UserID   UserID
	AssetID  AssetID
	MarketID MarketID
	CostTier int
}

type PurchaseResult struct {
	Purchase PurchaseRequest
	Deltas   Deltas
}

func (e *Engine) CreatePurchase(ctx context.Context, in CreatePurchaseInput) (*PurchaseResult, error) {
	var result *PurchaseResult
	err := e.run(ctx, func(u *unit) error {
		buyer, err := u.user(ctx, in.UserID)
		if err != nil {
			return err
		}
		market, err := u.market(ctx, in.MarketID)
		if err != nil {
			return err
		}
		asset, err := u.asset(ctx, in.AssetID)
		if err != nil {
			return err
		}
		if asset.MarketID != market.ID {
			return invalidState(CodeNotInMarket, "asset %s is not sold in market %s", asset.ID, market.ID)
		}
		if !asset.IsForSale {
			return invalidState(CodeNotForSale, "asset %s is not for sale", asset.ID)
		}
		if in.CostTier < 0 || in.CostTier >= len(asset.CostGroups) {
			return invalidState(CodeInvalidCostTier, "asset %s has no cost tier %d", asset.ID, in.CostTier)
		}
		if asset.PurchaseLimit > 0 && asset.PurchaseCount >= asset.PurchaseLimit {
			return invalidState(CodePurchaseLimit, "asset %s sold out (%d/%d)", asset.ID, asset.PurchaseCount, asset.PurchaseLimit)
		}

		cost := cloneRewards(asset.CostGroups[in.CostTier])
		if err := u.catalog.Validate(ctx, cost); err != nil {
			return err
		}
		scope := InGuild(buyer.ID, market.GuildID)
		deltas, err := u.ledger.DebitAllStrict(ctx, scope, cost)
		if err != nil {
			return err
		}

		p := PurchaseRequest{
			ID:       PurchaseID(u.ids.NewID()),
			UserID:   buyer.ID,
			AssetID:  asset.ID,
			MarketID: market.ID,
			GuildID:  market.GuildID,
			AssetDetails: AssetDetails{
				Name:        asset.Name,
				Description: asset.Description,
				CostTier:    in.CostTier,
			},
			Cost:        cost,
			Status:      PurchasePending,
			RequestedAt: u.now,
		}

		u.recorder.Record(ctx, ChronicleEvent{
			Kind:    ChroniclePurchaseRequested,
			ActorID: buyer.ID,
			UserID:  buyer.ID,
			GuildID: p.GuildID,
			RefID:   string(p.ID),
			Message: fmt.Sprintf("requested %q: %s", asset.Name, deltas.Summary()),
			Deltas:  deltas,
		})

		if !asset.RequiresApproval {
			if err := u.completePurchase(ctx, &p, buyer, asset, ""); err != nil {
				return err
			}
		} else {
			if err := u.store.SavePurchase(ctx, p); err != nil {
				return fmt.Errorf("save purchase: %w", err)
			}
			approvers, err := u.approverIDs(ctx)
			if err != nil {
				return err
			}
			u.recorder.Notify(ctx, approvers,
				fmt.Sprintf("%s requested %q.", buyer.Name, asset.Name),
				map[string]string{"purchase_id": string(p.ID)})
		}
		result = &PurchaseResult{Purchase: p, Deltas: deltas}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) ApprovePurchase(ctx context.Context, id PurchaseID, approverID UserID) (*PurchaseResult, error) {
	var result *PurchaseResult
	err := e.run(ctx, func(u *unit) error {
		p, err := u.purchase(ctx, id, PurchasePending)
		if err != nil {
			return err
		}
		if _, err := u.checkApprover(ctx, approverID, p.UserID); err != nil {
			return err
		}
		buyer, err := u.user(ctx, p.UserID)
		if err != nil {
			return err
		}
		asset, err := u.asset(ctx, p.AssetID)
		if err != nil {
			return err
		}
		if err := u.completePurchase(ctx, p, buyer, asset, approverID); err != nil {
			return err
		}
		result = &PurchaseResult{Purchase: *p, Deltas: Deltas{}}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RejectPurchase refunds a Pending purchase on an approver's decision.
func (e *Engine) RejectPurchase(ctx context.Context, id PurchaseID, rejecterID UserID, note string) (*PurchaseResult, error) {
	return e.refundPending(ctx, id, rejecterID, note, PurchaseRejected)
}

// CancelPurchase refunds a Pending purchase on the buyer's request.
func (e *Engine) CancelPurchase(ctx context.Context, id PurchaseID, buyerID UserID) (*PurchaseResult, error) {
	return e.refundPending(ctx, id, buyerID, "", PurchaseCancelled)
}

func (e *Engine) refundPending(ctx context.Context, id PurchaseID, actorID UserID, note string, to PurchaseStatus) (*PurchaseResult, error) {
	var result *PurchaseResult
	err := e.run(ctx, func(u *unit) error {
		p, err := u.purchase(ctx, id, PurchasePending)
		if err != nil {
			return err
		}
		if to == PurchaseCancelled {
			if actorID != p.UserID {
				return &PolicyViolationError{Code: CodeNotBuyer, Message: "only the buyer can cancel purchase " + string(id)}
			}
		} else if err := u.requireApproverRole(ctx, actorID); err != nil {
			return err
		}
		deltas, err := u.refund(ctx, p, actorID, note, to, ChroniclePurchaseRefunded)
		if err != nil {
			return err
		}
		result = &PurchaseResult{Purchase: *p, Deltas: deltas}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RevertPurchase claws back a Completed purchase: refund, ownership removed,
// counter decremented. The request ends Rejected.
func (e *Engine) RevertPurchase(ctx context.Context, id PurchaseID, adminID UserID, note string) (*PurchaseResult, error) {
	var result *PurchaseResult
	err := e.run(ctx, func(u *unit) error {
		p, err := u.purchase(ctx, id, PurchaseCompleted)
		if err != nil {
			return err
		}
		if err := u.requireApproverRole(ctx, adminID); err != nil {
			return err
		}
		buyer, err := u.user(ctx, p.UserID)
		if err != nil {
			return err
		}
		buyer.OwnedAssetIDs = removeOneAsset(buyer.OwnedAssetIDs, p.AssetID)
		if err := u.store.SaveUser(ctx, *buyer); err != nil {
			return fmt.Errorf("save user: %w", err)
		}
		asset, err := u.store.GetAsset(ctx, p.AssetID)
		if err != nil {
			return err
		}
		if asset != nil {
			if asset.PurchaseCount > 0 {
				asset.PurchaseCount--
			}
			if err := u.store.SaveAsset(ctx, *asset); err != nil {
				return fmt.Errorf("save asset: %w", err)
			}
		}
		deltas, err := u.refund(ctx, p, adminID, note, PurchaseRejected, ChroniclePurchaseReverted)
		if err != nil {
			return err
		}
		result = &PurchaseResult{Purchase: *p, Deltas: deltas}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (u *unit) completePurchase(ctx context.Context, p *PurchaseRequest, buyer *User, asset *Asset, actorID UserID) error {
	if asset.PurchaseLimit > 0 && asset.PurchaseCount >= asset.PurchaseLimit {
		return invalidState(CodePurchaseLimit, "asset %s sold out (%d/%d)", asset.ID, asset.PurchaseCount, asset.PurchaseLimit)
	}
	buyer.OwnedAssetIDs = append(buyer.OwnedAssetIDs, asset.ID)
	if err := u.store.SaveUser(ctx, *buyer); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	asset.PurchaseCount++
	if err := u.store.SaveAsset(ctx, *asset); err != nil {
		return fmt.Errorf("save asset: %w", err)
	}

	actedAt := u.now
	p.Status = PurchaseCompleted
	p.ActedAt = &actedAt
	p.ActedByID = actorID
	if err := u.store.SavePurchase(ctx, *p); err != nil {
		return fmt.Errorf("save purchase: %w", err)
	}

	u.recorder.Record(ctx, ChronicleEvent{
		Kind:    ChroniclePurchaseCompleted,
		ActorID: actorID,
		UserID:  p.UserID,
		GuildID: p.GuildID,
		RefID:   string(p.ID),
		Message: fmt.Sprintf("purchased %q", p.AssetDetails.Name),
	})
	u.recorder.Notify(ctx, []UserID{p.UserID},
		fmt.Sprintf("Your purchase of %q is complete.", p.AssetDetails.Name),
		map[string]string{"purchase_id": string(p.ID), "asset_id": string(p.AssetID)})
	return nil
}

func (u *unit) refund(ctx context.Context, p *PurchaseRequest, actorID UserID, note string, to PurchaseStatus, kind ChronicleKind) (Deltas, error) {
	deltas, err := u.ledger.CreditAll(ctx, InGuild(p.UserID, p.GuildID), p.Cost)
	if err != nil {
		return nil, err
	}
	actedAt := u.now
	p.Status = to
	p.ActedAt = &actedAt
	p.ActedByID = actorID
	p.Note = note
	if err := u.store.SavePurchase(ctx, *p); err != nil {
		return nil, fmt.Errorf("save purchase: %w", err)
	}

	u.recorder.Record(ctx, ChronicleEvent{
		Kind:    kind,
		ActorID: actorID,
		UserID:  p.UserID,
		GuildID: p.GuildID,
		RefID:   string(p.ID),
		Message: fmt.Sprintf("%q %s, refunded %s", p.AssetDetails.Name, to, deltas.Summary()),
		Deltas:  deltas,
	})
	u.recorder.Notify(ctx, []UserID{p.UserID},
		fmt.Sprintf("Your purchase of %q was %s and refunded (%s).", p.AssetDetails.Name, to, deltas.Summary()),
		map[string]string{"purchase_id": string(p.ID)})
	return deltas, nil
}

func (u *unit) purchase(ctx context.Context, id PurchaseID, want PurchaseStatus) (*PurchaseRequest, error) {
	p, err := u.store.GetPurchase(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, notFound("purchase", id)
	}
	if p.Status != want {
		code := CodeNotPending
		if want == PurchaseCompleted {
			code = CodeNotCompleted
		}
		return nil, invalidState(code, "purchase %s is %s", id, p.Status)
	}
	return p, nil
}

func (u *unit) market(ctx context.Context, id MarketID) (*Market, error) {
	m, err := u.store.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, notFound("market", id)
	}
	return m, nil
}

func (u *unit) asset(ctx context.Context, id AssetID) (*Asset, error) {
	a, err := u.store.GetAsset(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, notFound("asset", id)
	}
	return a, nil
}

func removeOneAsset(ids []AssetID, id AssetID) []AssetID {
	for i, v := range ids {
		if v == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}

/*
modifier.go - Modifier Application Engine (Triumphs and Trials)

PURPOSE:
  Applies a ModifierDefinition to one or many users in a single
  transaction. Effects split into two groups:

    instant   (DurationHours <= 0)  applied to the ledger now
    duration  (DurationHours >  0)  tracked by an Active AppliedModifier
                                    until ExpiresAt = now + max(hours)

DEDUCTIONS:
  Without substitution a Deduct must be covered in full, otherwise the whole
  application fails with InsufficientFundsError. With substitution the
  primary reward drops to zero and the missing value is taken from other
  exchangeable rewards (see substitution.go).

REDEMPTION:
  A Trial with a redemption quest template clones that quest as a one-shot
  Venture assigned to the user. Approving a completion of the clone marks the
  AppliedModifier Redeemed (quest.go).

LIFECYCLE:
  Active ──▶ Expired   (ExpireModifiers, once ExpiresAt has passed)
     │
     └────▶ Redeemed  (redemption quest approved)

  Modifiers with neither a duration nor a redemption quest have nothing left
  to track and are recorded Expired immediately.
*/
package economy

import (
	"context"
	"fmt"
	"time"
)

type ApplyModifierInput struct {
	DefinitionID ModifierDefinitionID
	UserIDs      []UserID
	GuildID      GuildID
	AppliedByID  UserID
	Reason       string
	// AllowSubstitution lets deductions fall back to other rewards.
	AllowSubstitution bool
	// RedemptionQuestID overrides the definition's default template.
	RedemptionQuestID QuestID
}

// ModifierApplication is the outcome for one target user.
type ModifierApplication struct {
	Applied         AppliedModifier
	Deltas          Deltas
	Substitutions   []SubstitutionResult
	RedemptionQuest *Quest
}

func (e *Engine) ApplyModifier(ctx context.Context, in ApplyModifierInput) ([]ModifierApplication, error) {
	var out []ModifierApplication
	err := e.run(ctx, func(u *unit) error {
		def, err := u.store.GetModifierDefinition(ctx, in.DefinitionID)
		if err != nil {
			return err
		}
		if def == nil {
			return notFound("modifier", in.DefinitionID)
		}
		if len(in.UserIDs) == 0 {
			return invalidState(CodeNoTargets, "modifier %s applied to no users", def.ID)
		}
		if err := u.requireApproverRole(ctx, in.AppliedByID); err != nil {
			return err
		}

		var template *Quest
		templateID := in.RedemptionQuestID
		if templateID == "" {
			templateID = def.DefaultRedemptionQuestID
		}
		if def.Category == ModifierTrial && templateID != "" {
			if template, err = u.quest(ctx, templateID); err != nil {
				return err
			}
		}

		for _, userID := range in.UserIDs {
			app, err := u.applyModifier(ctx, def, template, userID, in)
			if err != nil {
				return err
			}
			out = append(out, app)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (u *unit) applyModifier(ctx context.Context, def *ModifierDefinition, template *Quest, userID UserID, in ApplyModifierInput) (ModifierApplication, error) {
	if _, err := u.user(ctx, userID); err != nil {
		return ModifierApplication{}, err
	}
	scope := InGuild(userID, in.GuildID)
	app := ModifierApplication{Deltas: Deltas{}}

	var maxHours float64
	for i, effect := range def.Effects {
		if !IsInstant(effect) {
			if effect.Hours() > maxHours {
				maxHours = effect.Hours()
			}
			continue
		}
		if err := u.catalog.Validate(ctx, effect.Items()); err != nil {
			return ModifierApplication{}, err
		}
		switch eff := effect.(type) {
		case Grant:
			d, err := u.ledger.CreditAll(ctx, scope, eff.Rewards)
			if err != nil {
				return ModifierApplication{}, err
			}
			app.Deltas.Merge(d)
		case Deduct:
			if !in.AllowSubstitution {
				d, err := u.ledger.DebitAllStrict(ctx, scope, eff.Rewards)
				if err != nil {
					return ModifierApplication{}, err
				}
				app.Deltas.Merge(d)
				continue
			}
			for _, item := range eff.Rewards {
				res, err := DeductWithSubstitution(ctx, u.ledger, u.catalog, scope, item)
				if err != nil {
					return ModifierApplication{}, err
				}
				app.Deltas.Merge(res.Deltas())
				if res.Shortfall > 0 {
					app.Substitutions = append(app.Substitutions, res)
				}
			}
		default:
			return ModifierApplication{}, &MalformedError{Kind: "effect", ID: fmt.Sprintf("%s#%d", def.ID, i), Reason: fmt.Sprintf("unsupported effect %T", effect)}
		}
	}

	applied := AppliedModifier{
		ID:           AppliedModifierID(u.ids.NewID()),
		UserID:       userID,
		GuildID:      in.GuildID,
		DefinitionID: def.ID,
		AppliedAt:    u.now,
		Status:       ModifierActive,
		AppliedByID:  in.AppliedByID,
		Reason:       in.Reason,
	}
	if maxHours > 0 {
		expires := u.now.Add(time.Duration(maxHours * float64(time.Hour)))
		applied.ExpiresAt = &expires
	}
	if template != nil {
		clone := u.cloneRedemptionQuest(template, userID, in.GuildID)
		if err := u.store.SaveQuest(ctx, clone); err != nil {
			return ModifierApplication{}, fmt.Errorf("save redemption quest: %w", err)
		}
		applied.RedemptionQuestID = clone.ID
		app.RedemptionQuest = &clone
	}
	if applied.ExpiresAt == nil && applied.RedemptionQuestID == "" {
		resolved := u.now
		applied.Status = ModifierExpired
		applied.ResolvedAt = &resolved
	}
	if err := u.store.SaveAppliedModifier(ctx, applied); err != nil {
		return ModifierApplication{}, fmt.Errorf("save applied modifier: %w", err)
	}
	app.Applied = applied

	u.recorder.Record(ctx, ChronicleEvent{
		Kind:    ChronicleModifierApplied,
		ActorID: in.AppliedByID,
		UserID:  userID,
		GuildID: in.GuildID,
		RefID:   string(applied.ID),
		Message: fmt.Sprintf("%s %q applied: %s", def.Category, def.Name, app.Deltas.Summary()),
		Deltas:  app.Deltas,
	})
	meta := map[string]string{"applied_modifier_id": string(applied.ID), "modifier_id": string(def.ID)}
	if applied.RedemptionQuestID != "" {
		meta["redemption_quest_id"] = string(applied.RedemptionQuestID)
	}
	msg := fmt.Sprintf("You received the %s %q (%s).", def.Category, def.Name, app.Deltas.Summary())
	if in.Reason != "" {
		msg += " Reason: " + in.Reason
	}
	u.recorder.Notify(ctx, []UserID{userID}, msg, meta)
	return app, nil
}

// cloneRedemptionQuest copies template into a fresh one-shot Venture owned by userID.
func (u *unit) cloneRedemptionQuest(template *Quest, userID UserID, guildID GuildID) Quest {
	clone := template.Clone()
	clone.ID = QuestID(u.ids.NewID())
	clone.Kind = QuestVenture
	clone.GuildID = guildID
	clone.Checkpoints = nil
	clone.PendingClaims = nil
	clone.ApprovedClaims = nil
	clone.AppliedSetbacks = nil
	clone.AssignedUserIDs = []UserID{userID}
	clone.TotalCompletionsAllowed = 1
	clone.IsActive = true
	return clone
}

// ExpireModifiers moves every Active modifier whose ExpiresAt has passed to
// Expired and returns them.
func (e *Engine) ExpireModifiers(ctx context.Context) ([]AppliedModifier, error) {
	var expired []AppliedModifier
	err := e.sweep(ctx, func(u *unit) (bool, error) {
		expired = expired[:0]
		now := u.now
		due, err := u.store.ListAppliedModifiers(ctx, AppliedModifierFilter{Status: ModifierActive, ExpiresBefore: &now})
		if err != nil {
			return false, err
		}
		for _, m := range due {
			resolved := now
			m.Status = ModifierExpired
			m.ResolvedAt = &resolved
			if err := u.store.SaveAppliedModifier(ctx, m); err != nil {
				return false, fmt.Errorf("expire modifier %s: %w", m.ID, err)
			}
			expired = append(expired, m)
		}
		return len(expired) > 0, nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

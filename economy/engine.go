/*
engine.go - Unit of work shared by every engine action

PURPOSE:
  Engine is the entry point for every balance-mutating action. Each action
  calls run, which opens exactly one TxStore.WithTx, builds a fresh Ledger,
  Catalog and Recorder over the transaction-scoped Store, and signals the
  Broadcaster once after a successful commit.

ACTION FLOW:
  Engine.Approve...(ctx, ...)
      │
      ▼
  run(ctx, fn) ──▶ WithTx ──▶ fn(unit)   reads, ledger writes, workflow writes,
      │                                  trophy evaluation, audit records
      │                  error? ──▶ rollback, return error
      ▼
  Broadcaster.NotifyClientsOfChange()

SIDE EFFECTS:
  Chronicle events and notifications are written inside the same transaction
  through the Recorder. A failed write is logged and dropped; it never aborts
  the action.

SEE ALSO:
  - quest.go, claims.go, modifier.go, purchase.go, exchange.go, trophy.go
*/
package economy

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns T. Useful in tests.
type FixedClock struct{ T time.Time }

func (c *FixedClock) Now() time.Time { return c.T }

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) { c.T = c.T.Add(d) }

type IDGenerator interface {
	NewID() string
}

type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string { return uuid.NewString() }

// Broadcaster is told once per committed action that state changed.
type Broadcaster interface {
	NotifyClientsOfChange()
}

type nopBroadcaster struct{}

func (nopBroadcaster) NotifyClientsOfChange() {}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	Store       TxStore
	Clock       Clock
	IDs         IDGenerator
	Broadcaster Broadcaster
}

// NewEngine returns an engine with the system clock, uuid ids and no broadcaster.
func NewEngine(store TxStore) *Engine {
	return &Engine{
		Store:       store,
		Clock:       SystemClock{},
		IDs:         UUIDGenerator{},
		Broadcaster: nopBroadcaster{},
	}
}

// unit is the per-transaction working set of one action.
type unit struct {
	store    Store
	ledger   *Ledger
	catalog  *Catalog
	recorder *Recorder
	ids      IDGenerator
	now      time.Time
	settings *Settings
}

func (e *Engine) run(ctx context.Context, fn func(u *unit) error) error {
	return e.sweep(ctx, func(u *unit) (bool, error) {
		return true, fn(u)
	})
}

// sweep is run for actions that may find nothing to do. Clients are only
// notified when fn reports a change.
func (e *Engine) sweep(ctx context.Context, fn func(u *unit) (bool, error)) error {
	changed := false
	err := e.view(ctx, func(u *unit) error {
		var err error
		changed, err = fn(u)
		return err
	})
	if err != nil {
		return err
	}
	if changed && e.Broadcaster != nil {
		e.Broadcaster.NotifyClientsOfChange()
	}
	return nil
}

// view runs fn in a transaction without broadcasting.
func (e *Engine) view(ctx context.Context, fn func(u *unit) error) error {
	now := e.Clock.Now()
	return e.Store.WithTx(ctx, func(s Store) error {
		return fn(&unit{
			store:    s,
			ledger:   NewLedger(s),
			catalog:  NewCatalog(s),
			recorder: &Recorder{store: s, ids: e.IDs, now: now},
			ids:      e.IDs,
			now:      now,
		})
	})
}

// =============================================================================
// LOOKUPS
// =============================================================================

func (u *unit) user(ctx context.Context, id UserID) (*User, error) {
	usr, err := u.store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if usr == nil {
		return nil, notFound("user", id)
	}
	return usr, nil
}

func (u *unit) quest(ctx context.Context, id QuestID) (*Quest, error) {
	q, err := u.store.GetQuest(ctx, id)
	if err != nil {
		return nil, err
	}
	if q == nil {
		return nil, notFound("quest", id)
	}
	return q, nil
}

func (u *unit) loadSettings(ctx context.Context) (Settings, error) {
	if u.settings != nil {
		return *u.settings, nil
	}
	s, err := u.store.GetSettings(ctx)
	if err != nil {
		return Settings{}, err
	}
	u.settings = &s
	return s, nil
}

// checkApprover enforces who may act on subjectID's submission. The actor
// must be an admin or gatekeeper. Acting on one's own submission needs
// self-approval enabled, unless the actor is in a system with exactly one
// admin, which keeps a fresh single-admin install usable.
func (u *unit) checkApprover(ctx context.Context, actorID, subjectID UserID) (*User, error) {
	actor, err := u.user(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if !actor.CanApprove() {
		return nil, &PolicyViolationError{
			Code:    CodeNotAuthorized,
			Message: "user " + string(actorID) + " cannot approve",
		}
	}
	if actorID != subjectID {
		return actor, nil
	}
	settings, err := u.loadSettings(ctx)
	if err != nil {
		return nil, err
	}
	if settings.SelfApprovalEnabled {
		return actor, nil
	}
	admins, err := u.countAdmins(ctx)
	if err != nil {
		return nil, err
	}
	if admins == 1 {
		return actor, nil
	}
	return nil, &PolicyViolationError{
		Code:    CodeSelfApproval,
		Message: "self-approval is disabled",
	}
}

func (u *unit) countAdmins(ctx context.Context) (int, error) {
	users, err := u.store.ListUsers(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, usr := range users {
		if usr.Role == RoleAdmin {
			n++
		}
	}
	return n, nil
}

// =============================================================================
// RECORDER - chronicle and notifications
// =============================================================================

// Recorder appends audit records inside the current transaction. Errors are
// logged and swallowed.
type Recorder struct {
	store Store
	ids   IDGenerator
	now   time.Time
}

func (r *Recorder) Record(ctx context.Context, ev ChronicleEvent) {
	if ev.ID == "" {
		ev.ID = r.ids.NewID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = r.now
	}
	if err := r.store.AppendChronicle(ctx, ev); err != nil {
		log.Printf("[Engine] chronicle %s for %s dropped: %v", ev.Kind, ev.UserID, err)
	}
}

func (r *Recorder) Notify(ctx context.Context, userIDs []UserID, message string, metadata map[string]string) {
	for _, id := range userIDs {
		n := Notification{
			ID:        r.ids.NewID(),
			UserID:    id,
			Message:   message,
			Metadata:  metadata,
			CreatedAt: r.now,
		}
		if err := r.store.AppendNotification(ctx, n); err != nil {
			log.Printf("[Engine] notification for %s dropped: %v", id, err)
		}
	}
}

// =============================================================================
// QUERIES
// =============================================================================

// Balances lists a user's balances in one scope. PersonalScope selects the
// personal purse.
func (e *Engine) Balances(ctx context.Context, userID UserID, guildID GuildID) ([]Balance, error) {
	var out []Balance
	err := e.view(ctx, func(u *unit) error {
		if _, err := u.user(ctx, userID); err != nil {
			return err
		}
		var err error
		out, err = u.store.ListBalances(ctx, userID, guildID)
		return err
	})
	return out, err
}

func (e *Engine) Notifications(ctx context.Context, userID UserID) ([]Notification, error) {
	var out []Notification
	err := e.view(ctx, func(u *unit) error {
		var err error
		out, err = u.store.ListNotifications(ctx, userID)
		return err
	})
	return out, err
}

func (e *Engine) Chronicle(ctx context.Context, userID UserID) ([]ChronicleEvent, error) {
	var out []ChronicleEvent
	err := e.view(ctx, func(u *unit) error {
		var err error
		out, err = u.store.ListChronicle(ctx, userID)
		return err
	})
	return out, err
}

package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mckayc/task-donegeon-sub004/economy"
)

// =============================================================================
// JSON ROW HELPERS
// =============================================================================

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode %T: %w", v, err)
	}
	return string(b), nil
}

// lockedTables hold workflow rows whose status gates a ledger write. Inside
// a Postgres transaction they are read FOR UPDATE, so two actions on one
// row run one after the other and the second sees the first's status.
var lockedTables = map[string]bool{
	"quests":            true,
	"quest_completions": true,
	"applied_modifiers": true,
	"purchase_requests": true,
}

// getJSON loads one data_json row by id; (nil, nil) when absent.
func getJSON[T any](ctx context.Context, s *Store, table string, id string) (*T, error) {
	q := "SELECT data_json FROM " + table + " WHERE id = ?"
	if s.dialect == DialectPostgres && s.inTx && lockedTables[table] {
		q += " FOR UPDATE"
	}
	var raw string
	err := s.queryRow(ctx, q, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s %q: %w", table, id, s.classify(err))
	}
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("decode %s %q: %w", table, id, err)
	}
	return &v, nil
}

// listJSON runs a query selecting a single data_json column.
func listJSON[T any](ctx context.Context, s *Store, query string, args ...any) ([]T, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("decode %T: %w", v, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// where accumulates AND-ed conditions with their arguments.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, args ...any) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

// =============================================================================
// BALANCES
// =============================================================================

// GetBalance returns 0 for a missing row. Inside a Postgres transaction the
// row is created and locked until commit.
func (s *Store) GetBalance(ctx context.Context, key economy.BalanceKey) (int64, error) {
	q := "SELECT amount FROM balances WHERE owner_id = ? AND guild_id = ? AND reward_type_id = ?"
	if s.dialect == DialectPostgres && s.inTx {
		err := s.exec(ctx, `INSERT INTO balances (owner_id, guild_id, reward_type_id, amount, updated_at)
			VALUES (?, ?, ?, 0, ?)
			ON CONFLICT (owner_id, guild_id, reward_type_id) DO NOTHING`,
			string(key.UserID), string(key.GuildID), string(key.RewardTypeID), formatTime(time.Now()))
		if err != nil {
			return 0, fmt.Errorf("ensure balance row: %w", err)
		}
		q += " FOR UPDATE"
	}

	var amount int64
	err := s.queryRow(ctx, q, string(key.UserID), string(key.GuildID), string(key.RewardTypeID)).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", s.classify(err))
	}
	return amount, nil
}

func (s *Store) SetBalance(ctx context.Context, key economy.BalanceKey, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("balance %s/%s/%s: refusing negative amount %d", key.UserID, key.GuildID, key.RewardTypeID, amount)
	}
	err := s.exec(ctx, `INSERT INTO balances (owner_id, guild_id, reward_type_id, amount, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (owner_id, guild_id, reward_type_id)
		DO UPDATE SET amount = excluded.amount, updated_at = excluded.updated_at`,
		string(key.UserID), string(key.GuildID), string(key.RewardTypeID), amount, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("write balance: %w", err)
	}
	return nil
}

// ListBalances skips zero rows left behind by Postgres row locking.
func (s *Store) ListBalances(ctx context.Context, userID economy.UserID, guildID economy.GuildID) ([]economy.Balance, error) {
	rows, err := s.query(ctx, `SELECT reward_type_id, amount FROM balances
		WHERE owner_id = ? AND guild_id = ? AND amount <> 0
		ORDER BY reward_type_id`, string(userID), string(guildID))
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	defer rows.Close()

	var out []economy.Balance
	for rows.Next() {
		var rt string
		var amount int64
		if err := rows.Scan(&rt, &amount); err != nil {
			return nil, err
		}
		out = append(out, economy.Balance{
			BalanceKey: economy.BalanceKey{UserID: userID, GuildID: guildID, RewardTypeID: economy.RewardTypeID(rt)},
			Amount:     amount,
		})
	}
	return out, rows.Err()
}

// =============================================================================
// USERS AND SETTINGS
// =============================================================================

func (s *Store) GetUser(ctx context.Context, id economy.UserID) (*economy.User, error) {
	return getJSON[economy.User](ctx, s, "users", string(id))
}

func (s *Store) SaveUser(ctx context.Context, u economy.User) error {
	data, err := encode(u)
	if err != nil {
		return err
	}
	return s.upsert(ctx, "users", []string{"id", "role", "data_json"}, string(u.ID), string(u.Role), data)
}

func (s *Store) ListUsers(ctx context.Context) ([]economy.User, error) {
	return listJSON[economy.User](ctx, s, "SELECT data_json FROM users ORDER BY id")
}

// GetSettings returns the zero Settings until one is saved.
func (s *Store) GetSettings(ctx context.Context) (economy.Settings, error) {
	var raw string
	err := s.queryRow(ctx, "SELECT data_json FROM settings WHERE id = 1").Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return economy.Settings{}, nil
	}
	if err != nil {
		return economy.Settings{}, fmt.Errorf("load settings: %w", s.classify(err))
	}
	var out economy.Settings
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return economy.Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return out, nil
}

func (s *Store) SaveSettings(ctx context.Context, settings economy.Settings) error {
	data, err := encode(settings)
	if err != nil {
		return err
	}
	return s.upsert(ctx, "settings", []string{"id", "data_json"}, 1, data)
}

// =============================================================================
// REWARD CATALOG
// =============================================================================

func (s *Store) GetRewardType(ctx context.Context, id economy.RewardTypeID) (*economy.RewardTypeDefinition, error) {
	return getJSON[economy.RewardTypeDefinition](ctx, s, "reward_types", string(id))
}

func (s *Store) ListRewardTypes(ctx context.Context) ([]economy.RewardTypeDefinition, error) {
	return listJSON[economy.RewardTypeDefinition](ctx, s, "SELECT data_json FROM reward_types ORDER BY id")
}

func (s *Store) SaveRewardType(ctx context.Context, rt economy.RewardTypeDefinition) error {
	data, err := encode(rt)
	if err != nil {
		return err
	}
	return s.upsert(ctx, "reward_types", []string{"id", "data_json"}, string(rt.ID), data)
}

// =============================================================================
// QUESTS AND COMPLETIONS
// =============================================================================

func (s *Store) GetQuest(ctx context.Context, id economy.QuestID) (*economy.Quest, error) {
	return getJSON[economy.Quest](ctx, s, "quests", string(id))
}

func (s *Store) SaveQuest(ctx context.Context, q economy.Quest) error {
	data, err := encode(q)
	if err != nil {
		return err
	}
	return s.upsert(ctx, "quests", []string{"id", "kind", "guild_id", "is_active", "data_json"},
		string(q.ID), string(q.Kind), string(q.GuildID), q.IsActive, data)
}

func (s *Store) ListQuests(ctx context.Context) ([]economy.Quest, error) {
	return listJSON[economy.Quest](ctx, s, "SELECT data_json FROM quests ORDER BY id")
}

func (s *Store) GetCompletion(ctx context.Context, id economy.CompletionID) (*economy.QuestCompletion, error) {
	return getJSON[economy.QuestCompletion](ctx, s, "quest_completions", string(id))
}

func (s *Store) SaveCompletion(ctx context.Context, c economy.QuestCompletion) error {
	data, err := encode(c)
	if err != nil {
		return err
	}
	return s.upsert(ctx, "quest_completions",
		[]string{"id", "quest_id", "user_id", "guild_id", "checkpoint_id", "status", "completed_at", "data_json"},
		string(c.ID), string(c.QuestID), string(c.UserID), string(c.GuildID), string(c.CheckpointID),
		string(c.Status), formatTime(c.CompletedAt), data)
}

func (s *Store) ListCompletions(ctx context.Context, f economy.CompletionFilter) ([]economy.QuestCompletion, error) {
	var w where
	if f.QuestID != "" {
		w.add("quest_id = ?", string(f.QuestID))
	}
	if f.UserID != "" {
		w.add("user_id = ?", string(f.UserID))
	}
	if f.GuildID != nil {
		w.add("guild_id = ?", string(*f.GuildID))
	}
	if f.CheckpointID != "" {
		w.add("checkpoint_id = ?", string(f.CheckpointID))
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		args := make([]any, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args[i] = string(st)
		}
		w.add("status IN ("+strings.Join(ph, ", ")+")", args...)
	}
	q := "SELECT data_json FROM quest_completions" + w.String() + " ORDER BY completed_at, id"
	out, err := listJSON[economy.QuestCompletion](ctx, s, q, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list completions: %w", err)
	}
	return out, nil
}

// =============================================================================
// MODIFIERS
// =============================================================================

func (s *Store) GetModifierDefinition(ctx context.Context, id economy.ModifierDefinitionID) (*economy.ModifierDefinition, error) {
	return getJSON[economy.ModifierDefinition](ctx, s, "modifier_definitions", string(id))
}

func (s *Store) SaveModifierDefinition(ctx context.Context, d economy.ModifierDefinition) error {
	data, err := encode(d)
	if err != nil {
		return err
	}
	return s.upsert(ctx, "modifier_definitions", []string{"id", "data_json"}, string(d.ID), data)
}

func (s *Store) GetAppliedModifier(ctx context.Context, id economy.AppliedModifierID) (*economy.AppliedModifier, error) {
	return getJSON[economy.AppliedModifier](ctx, s, "applied_modifiers", string(id))
}

func (s *Store) SaveAppliedModifier(ctx context.Context, m economy.AppliedModifier) error {
	data, err := encode(m)
	if err != nil {
		return err
	}
	var expires sql.NullString
	if m.ExpiresAt != nil {
		expires = sql.NullString{String: formatTime(*m.ExpiresAt), Valid: true}
	}
	return s.upsert(ctx, "applied_modifiers",
		[]string{"id", "user_id", "status", "redemption_quest_id", "applied_at", "expires_at", "data_json"},
		string(m.ID), string(m.UserID), string(m.Status), string(m.RedemptionQuestID),
		formatTime(m.AppliedAt), expires, data)
}

func (s *Store) ListAppliedModifiers(ctx context.Context, f economy.AppliedModifierFilter) ([]economy.AppliedModifier, error) {
	var w where
	if f.UserID != "" {
		w.add("user_id = ?", string(f.UserID))
	}
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	if f.RedemptionQuestID != "" {
		w.add("redemption_quest_id = ?", string(f.RedemptionQuestID))
	}
	if f.ExpiresBefore != nil {
		w.add("expires_at IS NOT NULL AND expires_at <= ?", formatTime(*f.ExpiresBefore))
	}
	q := "SELECT data_json FROM applied_modifiers" + w.String() + " ORDER BY applied_at, id"
	out, err := listJSON[economy.AppliedModifier](ctx, s, q, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list applied modifiers: %w", err)
	}
	return out, nil
}

// =============================================================================
// MARKETPLACE
// =============================================================================

func (s *Store) GetMarket(ctx context.Context, id economy.MarketID) (*economy.Market, error) {
	return getJSON[economy.Market](ctx, s, "markets", string(id))
}

func (s *Store) SaveMarket(ctx context.Context, m economy.Market) error {
	data, err := encode(m)
	if err != nil {
		return err
	}
	return s.upsert(ctx, "markets", []string{"id", "data_json"}, string(m.ID), data)
}

func (s *Store) GetAsset(ctx context.Context, id economy.AssetID) (*economy.Asset, error) {
	return getJSON[economy.Asset](ctx, s, "assets", string(id))
}

func (s *Store) SaveAsset(ctx context.Context, a economy.Asset) error {
	data, err := encode(a)
	if err != nil {
		return err
	}
	return s.upsert(ctx, "assets", []string{"id", "data_json"}, string(a.ID), data)
}

func (s *Store) GetPurchase(ctx context.Context, id economy.PurchaseID) (*economy.PurchaseRequest, error) {
	return getJSON[economy.PurchaseRequest](ctx, s, "purchase_requests", string(id))
}

func (s *Store) SavePurchase(ctx context.Context, p economy.PurchaseRequest) error {
	data, err := encode(p)
	if err != nil {
		return err
	}
	return s.upsert(ctx, "purchase_requests", []string{"id", "user_id", "status", "requested_at", "data_json"},
		string(p.ID), string(p.UserID), string(p.Status), formatTime(p.RequestedAt), data)
}

func (s *Store) ListPurchases(ctx context.Context, f economy.PurchaseFilter) ([]economy.PurchaseRequest, error) {
	var w where
	if f.UserID != "" {
		w.add("user_id = ?", string(f.UserID))
	}
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	q := "SELECT data_json FROM purchase_requests" + w.String() + " ORDER BY requested_at, id"
	out, err := listJSON[economy.PurchaseRequest](ctx, s, q, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	return out, nil
}

// =============================================================================
// TROPHIES AND RANKS
// =============================================================================

func (s *Store) GetTrophy(ctx context.Context, id economy.TrophyID) (*economy.Trophy, error) {
	return getJSON[economy.Trophy](ctx, s, "trophies", string(id))
}

func (s *Store) SaveTrophy(ctx context.Context, t economy.Trophy) error {
	data, err := encode(t)
	if err != nil {
		return err
	}
	return s.upsert(ctx, "trophies", []string{"id", "data_json"}, string(t.ID), data)
}

func (s *Store) ListTrophies(ctx context.Context) ([]economy.Trophy, error) {
	return listJSON[economy.Trophy](ctx, s, "SELECT data_json FROM trophies ORDER BY id")
}

func (s *Store) ListUserTrophies(ctx context.Context, userID economy.UserID, guildID economy.GuildID) ([]economy.UserTrophy, error) {
	rows, err := s.query(ctx, `SELECT id, trophy_id, awarded_at FROM user_trophies
		WHERE user_id = ? AND guild_id = ?
		ORDER BY awarded_at, id`, string(userID), string(guildID))
	if err != nil {
		return nil, fmt.Errorf("list user trophies: %w", err)
	}
	defer rows.Close()

	var out []economy.UserTrophy
	for rows.Next() {
		var id, trophyID, awarded string
		if err := rows.Scan(&id, &trophyID, &awarded); err != nil {
			return nil, err
		}
		at, err := time.Parse(timeLayout, awarded)
		if err != nil {
			return nil, fmt.Errorf("user trophy %s: %w", id, err)
		}
		out = append(out, economy.UserTrophy{
			ID:        id,
			UserID:    userID,
			TrophyID:  economy.TrophyID(trophyID),
			GuildID:   guildID,
			AwardedAt: at,
		})
	}
	return out, rows.Err()
}

// AddUserTrophy maps the unique (user, trophy, guild) violation to
// economy.ErrDuplicate.
func (s *Store) AddUserTrophy(ctx context.Context, ut economy.UserTrophy) error {
	return s.savepoint(ctx, "user_trophy", func() error {
		err := s.exec(ctx, `INSERT INTO user_trophies (id, user_id, trophy_id, guild_id, awarded_at)
			VALUES (?, ?, ?, ?, ?)`,
			ut.ID, string(ut.UserID), string(ut.TrophyID), string(ut.GuildID), formatTime(ut.AwardedAt))
		if errors.Is(err, economy.ErrDuplicate) {
			return economy.ErrDuplicate
		}
		return err
	})
}

func (s *Store) ListRanks(ctx context.Context) ([]economy.Rank, error) {
	return listJSON[economy.Rank](ctx, s, "SELECT data_json FROM ranks ORDER BY xp_threshold, id")
}

func (s *Store) SaveRank(ctx context.Context, r economy.Rank) error {
	data, err := encode(r)
	if err != nil {
		return err
	}
	return s.upsert(ctx, "ranks", []string{"id", "xp_threshold", "data_json"}, string(r.ID), r.XPThreshold, data)
}

// =============================================================================
// AUDIT (append-only)
// =============================================================================

func (s *Store) AppendChronicle(ctx context.Context, ev economy.ChronicleEvent) error {
	data, err := encode(ev)
	if err != nil {
		return err
	}
	return s.savepoint(ctx, "chronicle", func() error {
		return s.exec(ctx, `INSERT INTO chronicle_events (id, user_id, created_at, data_json) VALUES (?, ?, ?, ?)`,
			ev.ID, string(ev.UserID), formatTime(ev.CreatedAt), data)
	})
}

func (s *Store) ListChronicle(ctx context.Context, userID economy.UserID) ([]economy.ChronicleEvent, error) {
	return listJSON[economy.ChronicleEvent](ctx, s,
		"SELECT data_json FROM chronicle_events WHERE user_id = ? ORDER BY seq", string(userID))
}

func (s *Store) AppendNotification(ctx context.Context, n economy.Notification) error {
	data, err := encode(n)
	if err != nil {
		return err
	}
	return s.savepoint(ctx, "notification", func() error {
		return s.exec(ctx, `INSERT INTO notifications (id, user_id, created_at, data_json) VALUES (?, ?, ?, ?)`,
			n.ID, string(n.UserID), formatTime(n.CreatedAt), data)
	})
}

func (s *Store) ListNotifications(ctx context.Context, userID economy.UserID) ([]economy.Notification, error) {
	return listJSON[economy.Notification](ctx, s,
		"SELECT data_json FROM notifications WHERE user_id = ? ORDER BY seq", string(userID))
}

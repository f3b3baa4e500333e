/*
handlers.go - HTTP API handlers for the economy engine

PURPOSE:
  Exposes the economy engine via REST API. Handles HTTP request/response
  and JSON serialization, and delegates every action to economy.Engine.
  The acting user always comes from the bearer token.

ENDPOINTS:
  Quests:
    POST   /api/quests/{id}/completions               Submit a completion
    POST   /api/completions/{id}/approve              Approve a pending completion
    POST   /api/completions/{id}/reject               Reject a pending completion
    POST   /api/quests/{id}/claims                    Claim a quest
    DELETE /api/quests/{id}/claims                    Withdraw a claim
    POST   /api/quests/{id}/claims/{userID}/approve   Approve a claim
    POST   /api/quests/{id}/claims/{userID}/reject    Reject a claim

  Modifiers:
    POST   /api/modifiers/{id}/apply                  Apply a Triumph or Trial

  Marketplace:
    POST   /api/purchases                             Request a purchase (escrow)
    POST   /api/purchases/{id}/approve|reject|cancel|revert
    POST   /api/exchange                              Convert between rewards

  Users:
    GET    /api/users/{id}/balances?guild=            Balances in a scope
    GET    /api/users/{id}/trophies?guild=            Trophies held
    POST   /api/users/{id}/trophies/evaluate          Re-run trophy rules
    GET    /api/users/{id}/notifications
    GET    /api/users/{id}/chronicle
    GET    /api/users/{id}/rank
    POST   /api/trophies/{id}/award                   Manual award

  Admin:
    POST   /api/admin/catalog                         Load a catalog document
    POST   /api/admin/maintenance                     Run the maintenance sweep

  Events:
    GET    /api/events                                SSE change stream

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: malformed input or data
  - 401: missing or invalid token
  - 403: policy violation (role, self-approval, not the buyer)
  - 404: resource not found
  - 409: invalid state, concurrent modification
  - 422: insufficient funds
  - 500: internal errors

SEE ALSO:
  - dto.go:    request/response data structures
  - server.go: router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mckayc/task-donegeon-sub004/economy"
	"github.com/mckayc/task-donegeon-sub004/factory"
)

// maxBodyBytes bounds request bodies; catalogs are the largest.
const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *economy.Engine
	Store  economy.TxStore
}

// NewHandler creates a handler around an engine.
func NewHandler(engine *economy.Engine) *Handler {
	return &Handler{Engine: engine, Store: engine.Store}
}

// =============================================================================
// QUEST HANDLERS
// =============================================================================

// SubmitCompletion records a completion by the actor.
func (h *Handler) SubmitCompletion(w http.ResponseWriter, r *http.Request) {
	var req SubmitCompletionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.Engine.SubmitCompletion(r.Context(), economy.SubmitCompletionInput{
		QuestID:     economy.QuestID(chi.URLParam(r, "id")),
		UserID:      Actor(r.Context()),
		Note:        req.Note,
		CompletedAt: req.CompletedAt,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCompletionResultDTO(res))
}

// ApproveCompletion approves a pending completion and pays its rewards.
func (h *Handler) ApproveCompletion(w http.ResponseWriter, r *http.Request) {
	var req NoteRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.Engine.ApproveCompletion(r.Context(), economy.CompletionID(chi.URLParam(r, "id")), Actor(r.Context()), req.Note)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCompletionResultDTO(res))
}

// RejectCompletion rejects a pending completion.
func (h *Handler) RejectCompletion(w http.ResponseWriter, r *http.Request) {
	var req NoteRequest
	if !decodeBody(w, r, &req) {
		return
	}

	c, err := h.Engine.RejectCompletion(r.Context(), economy.CompletionID(chi.URLParam(r, "id")), Actor(r.Context()), req.Note)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// Claim puts the actor on the quest's pending claims.
func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	q, err := h.Engine.Claim(r.Context(), economy.QuestID(chi.URLParam(r, "id")), Actor(r.Context()))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// Unclaim withdraws the actor's claim.
func (h *Handler) Unclaim(w http.ResponseWriter, r *http.Request) {
	q, err := h.Engine.Unclaim(r.Context(), economy.QuestID(chi.URLParam(r, "id")), Actor(r.Context()))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// ApproveClaim moves a user's claim from pending to approved.
func (h *Handler) ApproveClaim(w http.ResponseWriter, r *http.Request) {
	q, err := h.Engine.ApproveClaim(r.Context(),
		economy.QuestID(chi.URLParam(r, "id")), economy.UserID(chi.URLParam(r, "userID")), Actor(r.Context()))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// RejectClaim drops a user's pending claim.
func (h *Handler) RejectClaim(w http.ResponseWriter, r *http.Request) {
	q, err := h.Engine.RejectClaim(r.Context(),
		economy.QuestID(chi.URLParam(r, "id")), economy.UserID(chi.URLParam(r, "userID")), Actor(r.Context()))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// =============================================================================
// MODIFIER HANDLERS
// =============================================================================

// ApplyModifier applies a definition to one or more users at once.
func (h *Handler) ApplyModifier(w http.ResponseWriter, r *http.Request) {
	var req ApplyModifierRequest
	if !decodeBody(w, r, &req) {
		return
	}

	apps, err := h.Engine.ApplyModifier(r.Context(), economy.ApplyModifierInput{
		DefinitionID:      economy.ModifierDefinitionID(chi.URLParam(r, "id")),
		UserIDs:           req.UserIDs,
		GuildID:           req.GuildID,
		AppliedByID:       Actor(r.Context()),
		Reason:            req.Reason,
		AllowSubstitution: req.AllowSubstitution,
		RedemptionQuestID: req.RedemptionQuestID,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"applications": toModifierApplicationDTOs(apps)})
}

// =============================================================================
// MARKETPLACE HANDLERS
// =============================================================================

// CreatePurchase escrows the cost of an asset for the actor.
func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	var req CreatePurchaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AssetID == "" || req.MarketID == "" {
		writeError(w, http.StatusBadRequest, "asset_id and market_id are required", nil)
		return
	}

	res, err := h.Engine.CreatePurchase(r.Context(), economy.CreatePurchaseInput{
		UserID:   Actor(r.Context()),
		AssetID:  req.AssetID,
		MarketID: req.MarketID,
		CostTier: req.CostTier,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPurchaseResultDTO(res))
}

// PurchaseAction handles approve, reject, cancel and revert.
func (h *Handler) PurchaseAction(w http.ResponseWriter, r *http.Request) {
	var req NoteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ctx := r.Context()
	id := economy.PurchaseID(chi.URLParam(r, "id"))
	actor := Actor(ctx)

	var res *economy.PurchaseResult
	var err error
	switch action := chi.URLParam(r, "action"); action {
	case "approve":
		res, err = h.Engine.ApprovePurchase(ctx, id, actor)
	case "reject":
		res, err = h.Engine.RejectPurchase(ctx, id, actor, req.Note)
	case "cancel":
		res, err = h.Engine.CancelPurchase(ctx, id, actor)
	case "revert":
		res, err = h.Engine.RevertPurchase(ctx, id, actor, req.Note)
	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("Unknown purchase action %q", action), nil)
		return
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPurchaseResultDTO(res))
}

// Exchange converts the actor's rewards.
func (h *Handler) Exchange(w http.ResponseWriter, r *http.Request) {
	var req ExchangeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.Engine.Exchange(r.Context(), economy.ExchangeInput{
		UserID:         Actor(r.Context()),
		GuildID:        req.GuildID,
		From:           req.From,
		ToRewardTypeID: req.ToRewardTypeID,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ExchangeResultDTO{
		Paid:     res.Paid,
		Received: res.Received,
		Fee:      res.Fee.String(),
		Deltas:   res.Deltas,
	})
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// GetBalances returns the user's balances in the scope given by ?guild=.
func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.viewable(w, r)
	if !ok {
		return
	}

	balances, err := h.Engine.Balances(r.Context(), userID, economy.GuildID(r.URL.Query().Get("guild")))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	dtos := make([]BalanceDTO, 0, len(balances))
	for _, b := range balances {
		dtos = append(dtos, BalanceDTO{RewardTypeID: b.RewardTypeID, Amount: b.Amount})
	}
	writeJSON(w, http.StatusOK, map[string]any{"balances": dtos})
}

// GetTrophies lists the trophies the user holds in a scope.
func (h *Handler) GetTrophies(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.viewable(w, r)
	if !ok {
		return
	}

	held, err := h.Engine.UserTrophies(r.Context(), userID, economy.GuildID(r.URL.Query().Get("guild")))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if held == nil {
		held = []economy.UserTrophy{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"trophies": held})
}

// EvaluateTrophies re-runs the automatic trophy rules for the user.
func (h *Handler) EvaluateTrophies(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.viewable(w, r)
	if !ok {
		return
	}

	eval, err := h.Engine.EvaluateTrophies(r.Context(), userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	skipped := make([]map[string]string, 0, len(eval.Skipped))
	for _, s := range eval.Skipped {
		skipped = append(skipped, map[string]string{"trophy_id": string(s.TrophyID), "reason": s.Reason})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"awarded": eval.Awarded,
		"skipped": skipped,
		"rank":    eval.Rank,
	})
}

// GetNotifications lists the user's notifications, oldest first.
func (h *Handler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.viewable(w, r)
	if !ok {
		return
	}

	notes, err := h.Engine.Notifications(r.Context(), userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if notes == nil {
		notes = []economy.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": notes})
}

// GetChronicle lists the user's chronicle events, oldest first.
func (h *Handler) GetChronicle(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.viewable(w, r)
	if !ok {
		return
	}

	events, err := h.Engine.Chronicle(r.Context(), userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if events == nil {
		events = []economy.ChronicleEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// GetRank returns total experience and the rank it reaches.
func (h *Handler) GetRank(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.viewable(w, r)
	if !ok {
		return
	}

	status, err := h.Engine.CurrentRank(r.Context(), userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RankDTO{TotalXP: status.TotalXP, Rank: status.Rank})
}

// AwardTrophy grants a trophy by hand.
func (h *Handler) AwardTrophy(w http.ResponseWriter, r *http.Request) {
	var req AwardTrophyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}

	ut, err := h.Engine.AwardTrophy(r.Context(),
		economy.TrophyID(chi.URLParam(r, "id")), req.UserID, req.GuildID, Actor(r.Context()))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ut)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// LoadCatalog validates and loads a catalog document.
func (h *Handler) LoadCatalog(w http.ResponseWriter, r *http.Request) {
	if err := h.requireAdmin(r.Context()); err != nil {
		writeEngineError(w, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body", err)
		return
	}
	cat, err := factory.ParseCatalog(body)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if err := cat.Load(r.Context(), h.Store); err != nil {
		writeEngineError(w, err)
		return
	}
	if h.Engine.Broadcaster != nil {
		h.Engine.Broadcaster.NotifyClientsOfChange()
	}

	writeJSON(w, http.StatusOK, CatalogLoadDTO{Summary: cat.Summary(), Warnings: cat.Warnings})
}

// RunMaintenance runs the modifier expiry and overdue setback sweep now.
func (h *Handler) RunMaintenance(w http.ResponseWriter, r *http.Request) {
	if err := h.requireAdmin(r.Context()); err != nil {
		writeEngineError(w, err)
		return
	}

	out, err := Sweep(r.Context(), h.Engine)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// ACCESS CHECKS
// =============================================================================

// viewable returns the {id} user if the actor may read their data: the user
// themselves, or an admin or gatekeeper.
func (h *Handler) viewable(w http.ResponseWriter, r *http.Request) (economy.UserID, bool) {
	subject := economy.UserID(chi.URLParam(r, "id"))
	actor := Actor(r.Context())
	if subject == actor {
		return subject, true
	}

	u, err := h.Store.GetUser(r.Context(), actor)
	if err != nil {
		writeEngineError(w, err)
		return "", false
	}
	if u == nil || !u.CanApprove() {
		writeError(w, http.StatusForbidden, "Not allowed to view this user", nil)
		return "", false
	}
	return subject, true
}

func (h *Handler) requireAdmin(ctx context.Context) error {
	actor := Actor(ctx)
	u, err := h.Store.GetUser(ctx, actor)
	if err != nil {
		return err
	}
	if u == nil || u.Role != economy.RoleAdmin {
		return &economy.PolicyViolationError{Code: economy.CodeNotAuthorized, Message: fmt.Sprintf("%s is not an admin", actor)}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps engine errors onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	var (
		ise *economy.InvalidStateError
		pve *economy.PolicyViolationError
	)
	resp := ErrorResponse{Details: err.Error()}
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, economy.ErrNotFound):
		status, resp.Error, resp.Code = http.StatusNotFound, "Not found", "not_found"
	case errors.As(err, &ise):
		status, resp.Error, resp.Code = http.StatusConflict, ise.Message, ise.Code
	case errors.As(err, &pve):
		status, resp.Error, resp.Code = http.StatusForbidden, pve.Message, pve.Code
	case errors.Is(err, economy.ErrInsufficientFunds):
		status, resp.Error, resp.Code = http.StatusUnprocessableEntity, "Insufficient funds", "insufficient_funds"
	case errors.Is(err, economy.ErrMalformed):
		status, resp.Error, resp.Code = http.StatusBadRequest, "Malformed data", "malformed"
	case economy.IsRetryable(err):
		status, resp.Error, resp.Code = http.StatusConflict, "Concurrent modification, retry", "concurrent_modification"
	default:
		log.Printf("[API] internal error: %v", err)
		resp.Error = "Internal error"
	}
	writeJSON(w, status, resp)
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v
// untouched. It writes the 400 itself and reports false on bad input.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

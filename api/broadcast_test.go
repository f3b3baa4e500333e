package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mckayc/task-donegeon-sub004/economy"
	"github.com/mckayc/task-donegeon-sub004/economy/store"
	"github.com/mckayc/task-donegeon-sub004/factory"
)

func TestHub_CoalescesPendingSignals(t *testing.T) {
	hub := NewHub()
	events, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	hub.NotifyClientsOfChange()
	hub.NotifyClientsOfChange()
	hub.NotifyClientsOfChange()

	assert.Equal(t, uint64(1), <-events)
	select {
	case seq := <-events:
		t.Fatalf("unexpected second signal %d", seq)
	default:
	}
}

func TestHub_Unsubscribe(t *testing.T) {
	hub := NewHub()
	_, unsubscribe := hub.Subscribe()
	require.Equal(t, 1, hub.Subscribers())

	unsubscribe()

	assert.Zero(t, hub.Subscribers())
	hub.NotifyClientsOfChange()
}

func TestHub_StreamsChangeEvents(t *testing.T) {
	// GIVEN: A client connected to the event stream
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	// WHEN: State changes
	hub.NotifyClientsOfChange()

	// THEN: The client sees a change event
	var got []string
	for len(got) < 3 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if line = strings.TrimSpace(line); line != "" {
			got = append(got, line)
		}
	}
	assert.Equal(t, []string{"id: 1", "event: change", "data: {}"}, got)
}

func TestAuthenticator_RejectsExpiredToken(t *testing.T) {
	auth := NewAuthenticator("secret")
	tok, err := auth.IssueToken("alice", -time.Minute)
	require.NoError(t, err)

	_, err = auth.Parse(tok)

	assert.Error(t, err)
}

func TestAuthenticator_RoundTrip(t *testing.T) {
	auth := NewAuthenticator("secret")
	tok, err := auth.IssueToken("alice", time.Minute)
	require.NoError(t, err)

	actor, err := auth.Parse(tok)

	require.NoError(t, err)
	assert.Equal(t, economy.UserID("alice"), actor)
}

func TestAuthenticator_RejectsBadScheme(t *testing.T) {
	auth := NewAuthenticator("secret")
	called := false
	h := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Basic abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, called)
}

// =============================================================================
// SCHEDULER
// =============================================================================

func newSchedulerEngine(t *testing.T) *economy.Engine {
	t.Helper()
	mem := store.NewMemory()
	cat, err := factory.DemoCatalog()
	require.NoError(t, err)
	require.NoError(t, cat.Load(context.Background(), mem))
	return economy.NewEngine(mem)
}

func TestScheduler_RunNowRecordsResult(t *testing.T) {
	ms := NewMaintenanceScheduler(newSchedulerEngine(t))
	require.Nil(t, ms.LastResult())

	ms.RunNow()

	res := ms.LastResult()
	require.NotNil(t, res)
	assert.Empty(t, res.Expired)
	assert.Empty(t, res.Setbacks)
}

func TestScheduler_DisabledDoesNotStart(t *testing.T) {
	ms := NewMaintenanceScheduler(newSchedulerEngine(t))
	ms.Enabled = false

	require.NoError(t, ms.Start())
	ms.Stop()

	assert.Nil(t, ms.LastResult())
}

func TestScheduler_StartsImmediately(t *testing.T) {
	ms := NewMaintenanceScheduler(newSchedulerEngine(t))
	ms.Interval = time.Hour

	require.NoError(t, ms.Start())
	defer ms.Stop()

	assert.Eventually(t, func() bool { return ms.LastResult() != nil }, 5*time.Second, 20*time.Millisecond)
}

func TestSweep_ExpiresTimedModifiers(t *testing.T) {
	// GIVEN: A blessing applied a day and a bit ago
	engine := newSchedulerEngine(t)
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := &economy.FixedClock{T: start}
	engine.Clock = clock
	_, err := engine.ApplyModifier(context.Background(), economy.ApplyModifierInput{
		DefinitionID: "blessing",
		UserIDs:      []economy.UserID{"alice"},
		AppliedByID:  "admin",
	})
	require.NoError(t, err)
	clock.Advance(25 * time.Hour)

	// WHEN: The sweep runs
	out, err := Sweep(context.Background(), engine)

	// THEN: The blessing is expired
	require.NoError(t, err)
	require.Len(t, out.Expired, 1)
	assert.Equal(t, economy.ModifierExpired, out.Expired[0].Status)
}

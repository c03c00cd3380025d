package dispatch

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"riboost/print-relay/internal/auth"
	"riboost/print-relay/internal/ledger"
	"riboost/print-relay/internal/ratelimit"
	"riboost/print-relay/internal/registry"
	"riboost/print-relay/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()

	return NewRouter(
		registry.New(),
		ledger.New(100),
		NewHub(),
		auth.NewGate(nil),
		ratelimit.New(50, time.Minute),
	)
}

var connSeq int

// connect builds an anonymous dashboard-style connection already admitted
// into the hub.
func connect(t *testing.T, r *Router) *Conn {
	t.Helper()

	connSeq++
	c := NewConn(fmt.Sprintf("conn-%d", connSeq), "10.0.0.1", nil)
	require.NoError(t, r.Authenticate(c, "", ""))

	return c
}

func event(ev string, payload any) Envelope {
	data, _ := json.Marshal(payload)
	return Envelope{Event: ev, Data: data}
}

// recv scans a connection's queued output for the first envelope of the
// given event type. Handlers run synchronously, everything is already
// queued by the time a test looks.
func recv(t *testing.T, c *Conn, ev string) Envelope {
	t.Helper()

	for {
		select {
		case got := <-c.Outbox():
			if got.Event == ev {
				return got
			}
		default:
			t.Fatalf("no %q event queued on %s", ev, c.ID)
			return Envelope{}
		}
	}
}

func drain(c *Conn) {
	for {
		select {
		case <-c.Outbox():
		default:
			return
		}
	}
}

func registerAgentConn(t *testing.T, r *Router, code string) (*Conn, string) {
	t.Helper()

	c := connect(t, r)
	r.Handle(c, event(EvRegisterAgent, map[string]any{"code": code, "deviceStatus": "ready"}))

	var p agentRegisteredPayload
	require.NoError(t, json.Unmarshal(recv(t, c, EvAgentRegistered).Data, &p))
	require.True(t, p.Success)

	drain(c)
	return c, p.AgentID
}

func TestAgentRegistration(t *testing.T) {
	r := newTestRouter(t)

	c := connect(t, r)
	r.Handle(c, event(EvRegisterAgent, map[string]any{
		"code":         "AB12CD34",
		"deviceStatus": map[string]string{"state": "ready", "model": "TM-T20"},
		"version":      "1.4.0",
	}))

	var p agentRegisteredPayload
	require.NoError(t, json.Unmarshal(recv(t, c, EvAgentRegistered).Data, &p))
	assert.True(t, p.Success)
	assert.Equal(t, "AB12CD34", p.Room)
	assert.Equal(t, "AB12CD34", p.Code)
	require.NotEmpty(t, p.AgentID)

	a := r.Registry.GetByID(p.AgentID)
	require.NotNil(t, a)
	assert.Equal(t, "TM-T20", a.Status.Model)
	assert.Equal(t, StateActive, c.State)

	// The room roster lands on the registering connection too, it joined
	// the room before the broadcast
	recv(t, c, EvRoomAgents)
	recv(t, c, EvRosterUpdated)
}

func TestRegisterAgentIdempotent(t *testing.T) {
	r := newTestRouter(t)

	c, agentID := registerAgentConn(t, r, "AB12CD34")

	// Retry storm: same connection registers again and again
	for range 3 {
		r.Handle(c, event(EvRegisterAgent, map[string]any{"code": "AB12CD34"}))

		var p agentRegisteredPayload
		require.NoError(t, json.Unmarshal(recv(t, c, EvAgentRegistered).Data, &p))
		assert.Equal(t, agentID, p.AgentID)
		assert.Equal(t, "AB12CD34", p.Room)
		drain(c)
	}

	assert.Equal(t, 1, r.Registry.Size())
}

func TestRegisterAgentInvalidCode(t *testing.T) {
	r := newTestRouter(t)

	c := connect(t, r)
	r.Handle(c, event(EvRegisterAgent, map[string]any{"code": "ab12cd34"}))

	recv(t, c, EvRegistrationError)
	assert.Equal(t, 0, r.Registry.Size())
}

func TestRegisterAgentTokenCodeMismatch(t *testing.T) {
	r := newTestRouter(t)

	c := connect(t, r)
	c.TokenVerified = true
	c.TokenCode = "AB12CD34"

	r.Handle(c, event(EvRegisterAgent, map[string]any{"code": "ZZ99XX11"}))

	var p errorPayload
	require.NoError(t, json.Unmarshal(recv(t, c, EvRegistrationError).Data, &p))
	assert.Contains(t, p.Message, "does not match")
	assert.Equal(t, 0, r.Registry.Size())

	// The token-bound code itself is fine
	r.Handle(c, event(EvRegisterAgent, map[string]any{"code": "AB12CD34"}))
	recv(t, c, EvAgentRegistered)
	assert.Equal(t, 1, r.Registry.Size())
}

func TestLegacyRegisterPaths(t *testing.T) {
	r := newTestRouter(t)

	// Agent over the generalized event, no token gating
	ac := connect(t, r)
	r.Handle(ac, event(EvRegister, map[string]any{"role": "agent", "room": "AB12CD34"}))
	recv(t, ac, EvAgentRegistered)

	// Dashboard client joining the same room gets a roster snapshot
	dc := connect(t, r)
	r.Handle(dc, event(EvRegister, map[string]any{"role": "client", "room": "AB12CD34"}))

	var roster rosterPayload
	require.NoError(t, json.Unmarshal(recv(t, dc, EvRoomAgents).Data, &roster))
	assert.Len(t, roster.Agents, 1)
	assert.Equal(t, RoleClient, dc.Role)

	// Roomless clients get the global roster
	gc := connect(t, r)
	r.Handle(gc, event(EvRegister, map[string]any{"role": "client"}))
	recv(t, gc, EvRosterUpdated)
}

func TestJobLifecycle(t *testing.T) {
	r := newTestRouter(t)

	agent, agentID := registerAgentConn(t, r, "AB12CD34")

	dash := connect(t, r)
	r.Handle(dash, event(EvJoinRoom, map[string]any{"code": "AB12CD34"}))
	drain(dash)

	r.Handle(dash, Envelope{Event: EvSubmitJob, Data: mustJSON(map[string]any{"payload": "label-zpl"}), AckID: "ack-1"})

	accepted := recv(t, dash, EvJobAccepted)
	assert.Equal(t, "ack-1", accepted.AckID)

	var ap jobAcceptedPayload
	require.NoError(t, json.Unmarshal(accepted.Data, &ap))
	require.True(t, ap.Success)
	jobID := ap.Code

	// Target agent sees the dispatch under both names
	var dp jobDispatchPayload
	require.NoError(t, json.Unmarshal(recv(t, agent, EvJobDispatch).Data, &dp))
	assert.Equal(t, jobID, dp.JobID)
	assert.Equal(t, "label-zpl", dp.Payload)

	var lp printJobPayload
	require.NoError(t, json.Unmarshal(recv(t, agent, EvPrintJob).Data, &lp))
	assert.Equal(t, jobID, lp.JobID)
	assert.Equal(t, "label-zpl", lp.LabelData)

	j := r.Ledger.Get(jobID)
	require.NotNil(t, j)
	assert.Equal(t, ledger.StatusPrinting, j.Status)
	assert.Equal(t, agentID, j.AgentID)

	// Agent reports success, the room hears about it
	r.Handle(agent, event(EvReportResult, map[string]any{"jobId": jobID, "success": true}))

	j = r.Ledger.Get(jobID)
	assert.Equal(t, ledger.StatusSuccess, j.Status)
	require.NotNil(t, j.CompletedAt)
	assert.False(t, j.CompletedAt.Before(j.CreatedAt))

	var cp jobCompletedPayload
	require.NoError(t, json.Unmarshal(recv(t, dash, EvJobCompleted).Data, &cp))
	assert.Equal(t, jobID, cp.JobID)
	assert.True(t, cp.Success)
}

func TestSubmitJobRequiresRoom(t *testing.T) {
	r := newTestRouter(t)

	c := connect(t, r)
	r.Handle(c, event(EvSubmitJob, map[string]any{"payload": "data"}))

	var p jobErrorPayload
	require.NoError(t, json.Unmarshal(recv(t, c, EvJobError).Data, &p))
	assert.Contains(t, p.Error, "Room required")
}

func TestSubmitJobNoAgents(t *testing.T) {
	r := newTestRouter(t)

	c := connect(t, r)
	r.Handle(c, event(EvJoinRoom, map[string]any{"code": "EMPTY001"}))
	drain(c)

	r.Handle(c, event(EvSubmitJob, map[string]any{"payload": "data"}))

	var p jobErrorPayload
	require.NoError(t, json.Unmarshal(recv(t, c, EvJobError).Data, &p))
	assert.Contains(t, p.Error, "No agents available")

	assert.Empty(t, r.Ledger.Recent(0))
}

func TestSubmitJobExplicitTargetNotFound(t *testing.T) {
	r := newTestRouter(t)

	registerAgentConn(t, r, "AB12CD34")

	c := connect(t, r)
	r.Handle(c, event(EvJoinRoom, map[string]any{"code": "AB12CD34"}))
	drain(c)

	r.Handle(c, event(EvSubmitJob, map[string]any{"payload": "data", "targetAgentId": "ghost"}))

	var p jobErrorPayload
	require.NoError(t, json.Unmarshal(recv(t, c, EvJobError).Data, &p))
	assert.Contains(t, p.Error, "not found")
}

func TestSubmitJobPrefersReadyAgent(t *testing.T) {
	r := newTestRouter(t)

	busy, busyID := registerAgentConn(t, r, "AB12CD34")
	time.Sleep(2 * time.Millisecond)
	ready, readyID := registerAgentConn(t, r, "AB12CD34")

	r.Handle(busy, event(EvStatusUpdate, map[string]any{"deviceStatus": "busy"}))
	drain(busy)
	drain(ready)

	dash := connect(t, r)
	r.Handle(dash, event(EvJoinRoom, map[string]any{"code": "AB12CD34"}))
	drain(dash)

	r.Handle(dash, event(EvSubmitJob, map[string]any{"payload": "data"}))

	var ap jobAcceptedPayload
	require.NoError(t, json.Unmarshal(recv(t, dash, EvJobAccepted).Data, &ap))

	j := r.Ledger.Get(ap.Code)
	require.NotNil(t, j)
	assert.Equal(t, readyID, j.AgentID)

	recv(t, ready, EvJobDispatch)

	// With every agent busy the oldest one still gets the job
	r.Handle(ready, event(EvStatusUpdate, map[string]any{"deviceStatus": "busy"}))
	drain(busy)
	drain(ready)
	drain(dash)

	r.Handle(dash, event(EvSubmitJob, map[string]any{"payload": "data"}))
	require.NoError(t, json.Unmarshal(recv(t, dash, EvJobAccepted).Data, &ap))
	assert.Equal(t, busyID, r.Ledger.Get(ap.Code).AgentID)
}

func TestSubmitJobRateLimited(t *testing.T) {
	r := newTestRouter(t)
	r.JobLimit = ratelimit.New(1, time.Minute)

	registerAgentConn(t, r, "AB12CD34")

	dash := connect(t, r)
	r.Handle(dash, event(EvJoinRoom, map[string]any{"code": "AB12CD34"}))
	drain(dash)

	r.Handle(dash, event(EvSubmitJob, map[string]any{"payload": "data"}))
	recv(t, dash, EvJobAccepted)
	drain(dash)

	r.Handle(dash, event(EvSubmitJob, map[string]any{"payload": "data"}))

	var p jobErrorPayload
	require.NoError(t, json.Unmarshal(recv(t, dash, EvJobError).Data, &p))
	assert.Contains(t, p.Error, "Too many jobs")
}

func TestLegacyPrintLabelAlias(t *testing.T) {
	r := newTestRouter(t)

	agent, _ := registerAgentConn(t, r, "AB12CD34")

	c := connect(t, r)
	r.Handle(c, event(EvPrintLabel, map[string]any{
		"code":     "AB12CD34",
		"payload":  "legacy-label",
		"userInfo": map[string]string{"userId": "user-7"},
	}))

	recv(t, c, EvJobAccepted)

	var dp jobDispatchPayload
	require.NoError(t, json.Unmarshal(recv(t, agent, EvJobDispatch).Data, &dp))
	assert.Equal(t, "legacy-label", dp.Payload)

	jobs := r.Ledger.ByRoom("AB12CD34", 1)
	require.Len(t, jobs, 1)
	assert.Equal(t, "user-7", jobs[0].UserID)
}

func TestDisconnectFailsOpenJobs(t *testing.T) {
	r := newTestRouter(t)

	agent, agentID := registerAgentConn(t, r, "AB12CD34")

	dash := connect(t, r)
	r.Handle(dash, event(EvJoinRoom, map[string]any{"code": "AB12CD34"}))
	drain(dash)

	r.Handle(dash, event(EvSubmitJob, map[string]any{"payload": "data"}))

	var ap jobAcceptedPayload
	require.NoError(t, json.Unmarshal(recv(t, dash, EvJobAccepted).Data, &ap))
	drain(dash)

	r.Disconnect(agent)

	assert.False(t, r.Registry.IsOnline(agentID))
	assert.Equal(t, StateClosed, agent.State)

	j := r.Ledger.Get(ap.Code)
	require.NotNil(t, j)
	assert.Equal(t, ledger.StatusFailed, j.Status)
	assert.Equal(t, "agent disconnected", j.Error)

	var cp jobCompletedPayload
	require.NoError(t, json.Unmarshal(recv(t, dash, EvJobCompleted).Data, &cp))
	assert.Equal(t, ap.Code, cp.JobID)
	assert.False(t, cp.Success)

	// The room also gets a fresh roster without the agent
	var roster rosterPayload
	require.NoError(t, json.Unmarshal(recv(t, dash, EvRoomAgents).Data, &roster))
	assert.Empty(t, roster.Agents)
}

func TestHeartbeat(t *testing.T) {
	r := newTestRouter(t)

	c, agentID := registerAgentConn(t, r, "AB12CD34")
	before := r.Registry.GetByID(agentID).LastSeen

	time.Sleep(5 * time.Millisecond)
	r.Handle(c, Envelope{Event: EvHeartbeat, AckID: "hb-1"})

	ack := recv(t, c, EvHeartbeatAck)
	assert.Equal(t, "hb-1", ack.AckID)
	assert.True(t, r.Registry.GetByID(agentID).LastSeen.After(before))

	// The agent variant can carry a status refresh
	r.Handle(c, event(EvAgentHeartbeat, map[string]any{"deviceStatus": "busy"}))
	recv(t, c, EvHeartbeatAck)
	assert.Equal(t, registry.StateBusy, r.Registry.GetByID(agentID).Status.State)
}

func TestStatusUpdateBroadcastsRoster(t *testing.T) {
	r := newTestRouter(t)

	agent, agentID := registerAgentConn(t, r, "AB12CD34")
	other := connect(t, r)

	r.Handle(agent, event(EvStatusUpdate, map[string]any{"deviceStatus": map[string]string{"state": "error"}}))

	assert.Equal(t, registry.StateError, r.Registry.GetByID(agentID).Status.State)

	var roster rosterPayload
	require.NoError(t, json.Unmarshal(recv(t, other, EvRosterUpdated).Data, &roster))
	require.Len(t, roster.Agents, 1)
	assert.Equal(t, registry.StateError, roster.Agents[0].Status.State)

	// Legacy alias carries the same roster
	recv(t, other, EvConnectedAgents)
}

func TestRosterQueryAliases(t *testing.T) {
	r := newTestRouter(t)

	registerAgentConn(t, r, "AB12CD34")
	registerAgentConn(t, r, "ZZ99XX11")

	c := connect(t, r)

	r.Handle(c, Envelope{Event: EvGetAgents})
	var roster rosterPayload
	require.NoError(t, json.Unmarshal(recv(t, c, EvConnectedAgents).Data, &roster))
	assert.Len(t, roster.Agents, 2)

	r.Handle(c, Envelope{Event: EvListAgents, AckID: "cb-1"})
	got := recv(t, c, EvRosterUpdated)
	assert.Equal(t, "cb-1", got.AckID)

	r.Handle(c, event(EvGetRoomAgents, map[string]any{"code": "ZZ99XX11"}))
	require.NoError(t, json.Unmarshal(recv(t, c, EvRoomAgents).Data, &roster))
	require.Len(t, roster.Agents, 1)
	assert.Equal(t, "ZZ99XX11", roster.Agents[0].Room)
}

func TestGetStats(t *testing.T) {
	r := newTestRouter(t)

	registerAgentConn(t, r, "AB12CD34")

	c := connect(t, r)
	r.Handle(c, Envelope{Event: EvGetStats})

	var stats struct {
		Agents int            `json:"agents"`
		Rooms  map[string]int `json:"rooms"`
		Jobs   map[string]int `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(recv(t, c, EvStats).Data, &stats))
	assert.Equal(t, 1, stats.Agents)
	assert.Equal(t, 1, stats.Rooms["AB12CD34"])
}

func TestAuthenticateAgentRejections(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"))
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(model.AgentToken{}))

	r := newTestRouter(t)
	r.Gate = auth.NewGate(db)

	// Malformed token never reaches the store
	c := NewConn("conn-auth-1", "10.0.0.1", nil)
	err = r.Authenticate(c, RoleAgent, "agent_ab12cd34_deadbeefdeadbeefdeadbeefdeadbeef")
	require.ErrorIs(t, err, auth.ErrFormat)

	var p errorPayload
	require.NoError(t, json.Unmarshal(recv(t, c, EvAuthError).Data, &p))
	assert.Equal(t, "INVALID_TOKEN_FORMAT", p.Code)
	assert.Equal(t, StateClosed, c.State)
	assert.Nil(t, r.Hub.Get(c.ID))

	// Well-formed but unknown token is an auth failure
	c = NewConn("conn-auth-2", "10.0.0.1", nil)
	err = r.Authenticate(c, RoleAgent, "agent_AB12CD34_deadbeefdeadbeefdeadbeefdeadbeef")
	require.ErrorIs(t, err, auth.ErrInvalidCredential)

	require.NoError(t, json.Unmarshal(recv(t, c, EvAuthError).Data, &p))
	assert.Equal(t, "AUTH_FAILED", p.Code)
}

func TestAuthenticateAgentAccepted(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"))
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(model.AgentToken{}))

	raw := "agent_AB12CD34_deadbeefdeadbeefdeadbeefdeadbeef"
	require.NoError(t, db.Create(&model.AgentToken{
		ID:          "tok-1",
		Token:       raw,
		PairingCode: "AB12CD34",
		Active:      true,
	}).Error)

	r := newTestRouter(t)
	r.Gate = auth.NewGate(db)

	c := NewConn("conn-auth-3", "10.0.0.1", nil)
	require.NoError(t, r.Authenticate(c, RoleAgent, raw))
	assert.True(t, c.TokenVerified)
	assert.Equal(t, "AB12CD34", c.TokenCode)
	assert.NotNil(t, r.Hub.Get(c.ID))
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

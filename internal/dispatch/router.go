// Package dispatch is the protocol state machine between dashboards and
// print agents. It owns no state of its own, everything lives in the
// registry, the ledger and the hub.
package dispatch

import (
	"encoding/json"
	"errors"
	"regexp"
	"sort"
	"time"

	"riboost/print-relay/internal/auth"
	"riboost/print-relay/internal/ledger"
	"riboost/print-relay/internal/ratelimit"
	"riboost/print-relay/internal/registry"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Pairing codes are 8 uppercase alphanumerics, same charset the token
// carries in its middle segment.
var codePattern = regexp.MustCompile(`^[A-Z0-9]{8}$`)

// Router routes every websocket event. One Router serves all connections.
type Router struct {
	Registry *registry.Registry
	Ledger   *ledger.Ledger
	Hub      *Hub
	Gate     *auth.Gate
	JobLimit *ratelimit.Limiter
}

func NewRouter(reg *registry.Registry, led *ledger.Ledger, hub *Hub, gate *auth.Gate, jobLimit *ratelimit.Limiter) *Router {
	return &Router{
		Registry: reg,
		Ledger:   led,
		Hub:      hub,
		Gate:     gate,
		JobLimit: jobLimit,
	}
}

// Authenticate classifies a fresh connection. Agents must present a valid
// pairing token and are force-closed when they don't; dashboard clients
// may present a session token but keep their connection either way.
func (r *Router) Authenticate(c *Conn, kind, token string) error {
	c.State = StateAuthenticating

	if kind == RoleAgent {
		cred, err := r.Gate.ValidateAgentToken(token)
		if err != nil {
			code := "AUTH_FAILED"
			if errors.Is(err, auth.ErrFormat) {
				code = "INVALID_TOKEN_FORMAT"
			}

			c.WriteNow(Envelope{
				Event: EvAuthError,
				Data:  marshal(errorPayload{Message: "Agent token rejected", Code: code}),
			})
			c.Close()

			return err
		}

		c.TokenCode = cred.PairingCode
		c.TokenVerified = true
	} else if token != "" {
		claims, err := r.Gate.VerifySession(token)
		if err != nil {
			// Anonymous dashboards are fine, just note it.
			zap.L().Debug("Session token rejected, continuing anonymous", zap.String("connID", c.ID))
		} else {
			c.UserID = claims.UserID
		}
	}

	c.State = StateAuthenticated
	r.Hub.Add(c)

	return nil
}

// Handle processes one inbound envelope. Panics inside a handler are
// turned into a generic failure for the caller, the connection survives.
func (r *Router) Handle(c *Conn, env Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			zap.L().Error("Event handler panicked",
				zap.Any("panic", rec),
				zap.String("event", env.Event),
				zap.String("connID", c.ID))

			r.reply(c, env, EvJobError, jobErrorPayload{Success: false, Error: "internal error"})
		}
	}()

	switch env.Event {
	case EvRegisterAgent:
		var p registerAgentPayload
		unmarshal(env.Data, &p)
		r.registerAgent(c, env, p.Code, p.DeviceStatus.toStatus(), p.Version, true)
	case EvRegister:
		r.register(c, env)
	case EvSubmitJob:
		var p submitJobPayload
		unmarshal(env.Data, &p)
		r.submitJob(c, env, p.TargetAgentID, p.Room, p.Payload, c.UserID)
	case EvPrintLabel:
		var p printLabelPayload
		unmarshal(env.Data, &p)

		userID := c.UserID
		if userID == "" {
			userID = p.UserInfo.UserID
		}

		r.submitJob(c, env, "", p.Code, p.Payload, userID)
	case EvReportResult:
		var p reportResultPayload
		unmarshal(env.Data, &p)
		r.reportResult(c, env, p)
	case EvStatusUpdate:
		var p statusUpdatePayload
		unmarshal(env.Data, &p)
		r.statusUpdate(c, p.DeviceStatus)
	case EvHeartbeat, EvAgentHeartbeat:
		var p heartbeatPayload
		unmarshal(env.Data, &p)
		r.heartbeat(c, env, p)
	case EvGetAgents:
		r.reply(c, env, EvConnectedAgents, rosterPayload{Agents: r.Registry.ListAll()})
	case EvListAgents:
		r.reply(c, env, EvRosterUpdated, rosterPayload{Agents: r.Registry.ListAll()})
	case EvGetRoomAgents:
		var p roomPayload
		unmarshal(env.Data, &p)
		r.reply(c, env, EvRoomAgents, rosterPayload{Agents: r.Registry.ListByRoom(p.Code)})
	case EvJoinRoom:
		var p roomPayload
		unmarshal(env.Data, &p)
		r.joinRoom(c, env, p.Code)
	case EvGetStats:
		r.stats(c, env)
	default:
		zap.L().Debug("Unknown event", zap.String("event", env.Event), zap.String("connID", c.ID))
	}
}

// Disconnect cleans up after a connection, whatever state it died in.
// Always structural, never an error path.
func (r *Router) Disconnect(c *Conn) {
	r.JobLimit.Remove(c.ID)
	r.Hub.Remove(c)

	if a := r.Registry.UnregisterByChannel(c.ID); a != nil {
		// An agent that drops mid-job will never report a result, fail
		// its open jobs now instead of leaving them printing forever.
		for _, j := range r.Ledger.FailForAgent(a.ID, "agent disconnected") {
			r.Hub.BroadcastRoom(j.Room, Envelope{
				Event: EvJobCompleted,
				Data:  marshal(jobCompletedPayload{JobID: j.ID, Success: false, Error: j.Error}),
			})
		}

		r.BroadcastRoomRoster(a.Room)
		r.BroadcastGlobalRoster()
	}

	c.Close()
}

// registerAgent is the shared registration path for register_agent and the
// legacy register{role:"agent"}. gated says whether the token-bound pairing
// code must match.
func (r *Router) registerAgent(c *Conn, env Envelope, code string, status registry.DeviceStatus, version string, gated bool) {
	// Re-registration on a connection that already holds an identity is a
	// client retry, answer with the identity it already has.
	if c.AgentID != "" {
		r.reply(c, env, EvAgentRegistered, agentRegisteredPayload{
			Success: true,
			AgentID: c.AgentID,
			Room:    c.Room,
			Code:    c.Room,
		})

		return
	}

	if !codePattern.MatchString(code) {
		r.reply(c, env, EvRegistrationError, errorPayload{Message: "Invalid pairing code"})
		return
	}

	if gated && c.TokenVerified && code != c.TokenCode {
		r.reply(c, env, EvRegistrationError, errorPayload{Message: "Pairing code does not match token"})
		return
	}

	id := uuid.NewString()
	r.Registry.Register(id, c.ID, code, c.UserID, code, status, version, c.IP)

	c.AgentID = id
	c.Role = RoleAgent
	c.Room = code
	c.State = StateActive
	r.Hub.JoinRoom(c, code)

	zap.L().Info("Agent registered",
		zap.String("agentId", id),
		zap.String("room", code),
		zap.String("connID", c.ID))

	r.reply(c, env, EvAgentRegistered, agentRegisteredPayload{
		Success: true,
		AgentID: id,
		Room:    code,
		Code:    code,
	})

	r.BroadcastRoomRoster(code)
	r.BroadcastGlobalRoster()
}

// register is the legacy generalized registration. Agents take the
// ungated agent path, anything else becomes a dashboard client.
func (r *Router) register(c *Conn, env Envelope) {
	var p registerPayload
	unmarshal(env.Data, &p)

	if p.Role == RoleAgent {
		r.registerAgent(c, env, p.Room, p.DeviceStatus.toStatus(), p.Version, false)
		return
	}

	c.Role = RoleClient
	c.State = StateActive

	if p.Room != "" {
		c.Room = p.Room
		r.Hub.JoinRoom(c, p.Room)
		r.reply(c, env, EvRoomAgents, rosterPayload{Agents: r.Registry.ListByRoom(p.Room)})
		return
	}

	r.reply(c, env, EvRosterUpdated, rosterPayload{Agents: r.Registry.ListAll()})
}

// submitJob resolves a target agent, records the job and forwards it.
func (r *Router) submitJob(c *Conn, env Envelope, targetID, room, payload, userID string) {
	if !r.JobLimit.Check(c.ID) {
		r.reply(c, env, EvJobError, jobErrorPayload{Success: false, Error: "Too many jobs, slow down"})
		return
	}

	if room == "" {
		room = c.Room
	}
	if room == "" {
		r.reply(c, env, EvJobError, jobErrorPayload{Success: false, Error: "Room required"})
		return
	}

	target, errText := r.resolveTarget(targetID, room)
	if target == nil {
		r.reply(c, env, EvJobError, jobErrorPayload{Success: false, Error: errText})
		return
	}

	tc := r.Hub.Get(target.ChannelID)
	if tc == nil {
		r.reply(c, env, EvJobError, jobErrorPayload{Success: false, Error: "Target agent not found"})
		return
	}

	jobID := uuid.NewString()
	r.Ledger.Create(jobID, room, userID, target.ID, payload)

	// Hand-off is fire and forget, there's no delivery acknowledgement
	// before the job counts as printing.
	tc.Send(Envelope{
		Event: EvJobDispatch,
		Data:  marshal(jobDispatchPayload{JobID: jobID, Payload: payload}),
	})
	tc.Send(Envelope{
		Event: EvPrintJob,
		Data:  marshal(printJobPayload{JobID: jobID, LabelData: payload, Timestamp: time.Now().UnixMilli()}),
	})

	r.Ledger.UpdateStatus(jobID, ledger.StatusPrinting, "")

	zap.L().Info("Job dispatched",
		zap.String("jobId", jobID),
		zap.String("room", room),
		zap.String("agentId", target.ID))

	r.reply(c, env, EvJobAccepted, jobAcceptedPayload{Success: true, Code: jobID})
}

// resolveTarget picks the agent a job goes to. An explicit target must be
// online. Otherwise prefer a ready agent in the room, fall back to the
// longest-connected one, and fail when the room is empty.
func (r *Router) resolveTarget(targetID, room string) (*registry.Agent, string) {
	if targetID != "" {
		a := r.Registry.GetByID(targetID)
		if a == nil {
			return nil, "Target agent not found"
		}

		return a, ""
	}

	agents := r.Registry.ListByRoom(room)
	if len(agents) == 0 {
		return nil, "No agents available"
	}

	sort.Slice(agents, func(i, k int) bool {
		return agents[i].ConnectedAt.Before(agents[k].ConnectedAt)
	})

	for _, a := range agents {
		if a.Status.State == registry.StateReady {
			return a, ""
		}
	}

	return agents[0], ""
}

func (r *Router) reportResult(c *Conn, env Envelope, p reportResultPayload) {
	status := ledger.StatusFailed
	if p.Success {
		status = ledger.StatusSuccess
	}

	j := r.Ledger.UpdateStatus(p.JobID, status, p.Error)
	if j == nil {
		// Unknown job ids happen after ledger compaction, nothing to tell
		// anyone about.
		zap.L().Debug("Result for unknown job", zap.String("jobId", p.JobID))
		return
	}

	if c.AgentID != "" {
		r.Registry.Touch(c.AgentID)
	}

	r.Hub.BroadcastRoom(j.Room, Envelope{
		Event: EvJobCompleted,
		Data:  marshal(jobCompletedPayload{JobID: j.ID, Success: p.Success, Error: p.Error}),
	})
}

func (r *Router) statusUpdate(c *Conn, status statusField) {
	if c.AgentID == "" {
		return
	}

	r.Registry.UpdateStatus(c.AgentID, registry.DeviceStatus(status))
	r.BroadcastGlobalRoster()
}

func (r *Router) heartbeat(c *Conn, env Envelope, p heartbeatPayload) {
	if c.AgentID != "" {
		if p.DeviceStatus != nil {
			r.Registry.UpdateStatus(c.AgentID, p.DeviceStatus.toStatus())
		} else {
			r.Registry.Touch(c.AgentID)
		}
	}

	r.reply(c, env, EvHeartbeatAck, struct{}{})
}

func (r *Router) joinRoom(c *Conn, env Envelope, code string) {
	if code == "" {
		r.reply(c, env, EvJobError, jobErrorPayload{Success: false, Error: "Room required"})
		return
	}

	c.Room = code
	if c.Role == RoleNone {
		c.Role = RoleClient
	}
	c.State = StateActive
	r.Hub.JoinRoom(c, code)

	r.reply(c, env, EvRoomAgents, rosterPayload{Agents: r.Registry.ListByRoom(code)})
}

func (r *Router) stats(c *Conn, env Envelope) {
	r.reply(c, env, EvStats, map[string]any{
		"agents": r.Registry.Size(),
		"rooms":  r.Registry.CountByRoom(),
		"jobs":   r.Ledger.Stats(),
	})
}

// BroadcastRoomRoster pushes a room's roster to its members.
func (r *Router) BroadcastRoomRoster(room string) {
	data := marshal(rosterPayload{Agents: r.Registry.ListByRoom(room)})

	r.Hub.BroadcastRoom(room, Envelope{Event: EvRoomAgents, Data: data})
}

// BroadcastGlobalRoster pushes the full roster to everyone, under the
// current name and the legacy one.
func (r *Router) BroadcastGlobalRoster() {
	data := marshal(rosterPayload{Agents: r.Registry.ListAll()})

	r.Hub.BroadcastAll(Envelope{Event: EvRosterUpdated, Data: data})
	r.Hub.BroadcastAll(Envelope{Event: EvConnectedAgents, Data: data})
}

// reply sends a direct response, echoing the request's ack id.
func (r *Router) reply(c *Conn, req Envelope, event string, data any) {
	c.Send(Envelope{
		Event: event,
		Data:  marshal(data),
		AckID: req.AckID,
	})
}

func marshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		zap.L().Error("Failed to marshal event payload", zap.Error(err))
		return nil
	}

	return b
}

// unmarshal tolerates missing payloads, handlers validate fields
// themselves.
func unmarshal(data json.RawMessage, v any) {
	if len(data) == 0 {
		return
	}

	if err := json.Unmarshal(data, v); err != nil {
		zap.L().Debug("Malformed event payload", zap.Error(err))
	}
}

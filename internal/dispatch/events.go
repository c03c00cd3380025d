package dispatch

import (
	"encoding/json"

	"riboost/print-relay/internal/registry"
)

// Envelope is the wire frame for every event in both directions. AckID is
// echoed back on direct replies so clients can correlate callbacks.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID string          `json:"ackId,omitempty"`
}

// Client -> server events. Several names map onto one operation, older
// agent builds still speak the legacy ones.
const (
	EvRegisterAgent  = "register_agent"
	EvRegister       = "register"
	EvSubmitJob      = "submit-job"
	EvPrintLabel     = "print-label" // legacy submit-job
	EvReportResult   = "report-result"
	EvStatusUpdate   = "status-update"
	EvHeartbeat      = "heartbeat"
	EvAgentHeartbeat = "agent-heartbeat"
	EvGetAgents      = "get-agents"      // global roster
	EvGetRoomAgents  = "get-room-agents" // room roster by explicit code
	EvListAgents     = "list-agents"     // global roster, callback variant
	EvJoinRoom       = "join-room"
	EvGetStats       = "get-stats"
)

// Server -> client events.
const (
	EvAgentRegistered   = "agent_registered"
	EvRegistrationError = "registration_error"
	EvRosterUpdated     = "roster-updated"
	EvConnectedAgents   = "connected-agents" // legacy global roster
	EvRoomAgents        = "room-agents"      // legacy room roster
	EvJobDispatch       = "job-dispatch"
	EvPrintJob          = "print_job" // legacy job-dispatch
	EvJobCompleted      = "job-completed"
	EvJobAccepted       = "job-accepted"
	EvJobError          = "job-error"
	EvHeartbeatAck      = "heartbeat-ack"
	EvStats             = "stats"
	EvAuthError         = "authentication_error"
)

type registerAgentPayload struct {
	Code         string       `json:"code"`
	DeviceStatus *statusField `json:"deviceStatus,omitempty"`
	Version      string       `json:"version,omitempty"`
}

type registerPayload struct {
	Role         string       `json:"role"`
	Room         string       `json:"room,omitempty"`
	DeviceStatus *statusField `json:"deviceStatus,omitempty"`
	Version      string       `json:"version,omitempty"`
}

type submitJobPayload struct {
	TargetAgentID string `json:"targetAgentId,omitempty"`
	Payload       string `json:"payload"`
	Room          string `json:"room,omitempty"`
}

// printLabelPayload is the legacy submit-job shape.
type printLabelPayload struct {
	Code     string `json:"code"`
	Payload  string `json:"payload"`
	UserInfo struct {
		UserID string `json:"userId,omitempty"`
	} `json:"userInfo,omitempty"`
}

type reportResultPayload struct {
	JobID   string `json:"jobId"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type statusUpdatePayload struct {
	DeviceStatus statusField `json:"deviceStatus"`
}

type heartbeatPayload struct {
	DeviceStatus *statusField `json:"deviceStatus,omitempty"`
}

type roomPayload struct {
	Code string `json:"code"`
}

type agentRegisteredPayload struct {
	Success bool   `json:"success"`
	AgentID string `json:"agentId"`
	Room    string `json:"room"`
	Code    string `json:"code"`
}

type rosterPayload struct {
	Agents []*registry.Agent `json:"agents"`
}

type jobDispatchPayload struct {
	JobID   string `json:"jobId"`
	Payload string `json:"payload"`
}

// printJobPayload is the legacy job-dispatch shape.
type printJobPayload struct {
	JobID     string `json:"jobId"`
	LabelData string `json:"labelData"`
	Timestamp int64  `json:"timestamp"`
}

type jobCompletedPayload struct {
	JobID   string `json:"jobId"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type jobAcceptedPayload struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
}

type jobErrorPayload struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type errorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// statusField accepts both the current object shape and the bare string
// some older agents send ("ready" instead of {"state":"ready"}).
type statusField registry.DeviceStatus

func (s *statusField) UnmarshalJSON(b []byte) error {
	var state string
	if err := json.Unmarshal(b, &state); err == nil {
		s.State = state
		return nil
	}

	var full registry.DeviceStatus
	if err := json.Unmarshal(b, &full); err != nil {
		return err
	}

	*s = statusField(full)
	return nil
}

func (s *statusField) toStatus() registry.DeviceStatus {
	if s == nil {
		return registry.DeviceStatus{State: registry.StateReady}
	}

	return registry.DeviceStatus(*s)
}

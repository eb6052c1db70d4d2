package protocol

import "encoding/json"

// Message type discriminators.
const (
	TypeRegisterAutomator     = "register_automator"
	TypeRegisterRequester     = "register_requester"
	TypeKeepalive             = "keepalive"
	TypeKeepaliveResponse     = "keepalive_response"
	TypeRequest               = "request"
	TypeResponse              = "response"
	TypeError                 = "error"
	TypeProgress              = "progress"
	TypeWelcome               = "welcome"
	TypeRegistrationConfirmed = "registration_confirmed"
	TypeClientListUpdate      = "client_list_update"
	TypeHubShutdown           = "hub_shutdown"
)

// Annotation fields the hub adds to forwarded requests. Responders must
// echo these back untouched.
const (
	FieldRequestID        = "requestId"
	FieldOperationID      = "operationId"
	FieldSourceClientID   = "sourceClientId"
	FieldSourceClientName = "sourceClientName"
	FieldTargetClientID   = "targetClientId"
	FieldHubMessageID     = "hubMessageId"
)

// ClientInfo identifies a requester at registration time.
type ClientInfo struct {
	ID           string   `json:"id,omitempty"`
	Name         string   `json:"name,omitempty"`
	Type         string   `json:"type,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Version      string   `json:"version,omitempty"`
}

// RegisterAutomator is the automator registration payload.
type RegisterAutomator struct {
	Type        string `json:"type"`
	Timestamp   int64  `json:"timestamp"`
	ExtensionID string `json:"extensionId,omitempty"`
	Version     string `json:"version,omitempty"`
}

// RegisterRequester is the requester registration payload.
type RegisterRequester struct {
	Type       string     `json:"type"`
	Timestamp  int64      `json:"timestamp"`
	ClientInfo ClientInfo `json:"clientInfo"`
}

// HubInfo describes the hub to its peers.
type HubInfo struct {
	Version   string `json:"version"`
	Port      int    `json:"port"`
	PID       int    `json:"pid"`
	StartedAt int64  `json:"startedAt"`
}

// Welcome is sent by the hub immediately after the handshake.
type Welcome struct {
	Type       string  `json:"type"`
	Timestamp  int64   `json:"timestamp"`
	AssignedID uint64  `json:"assignedId"`
	Hub        HubInfo `json:"hub"`
}

// RegistrationConfirmed acknowledges a register_* frame. AssignedID carries
// the (possibly suffixed) client id the hub actually installed.
type RegistrationConfirmed struct {
	Type       string  `json:"type"`
	Timestamp  int64   `json:"timestamp"`
	Role       string  `json:"role"`
	AssignedID string  `json:"assignedId,omitempty"`
	Hub        HubInfo `json:"hub"`
	Warning    string  `json:"warning,omitempty"`
}

// ClientSummary is one entry of a client_list_update.
type ClientSummary struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Capabilities []string `json:"capabilities,omitempty"`
	RegisteredAt int64    `json:"registeredAt"`
	RequestCount uint64   `json:"requestCount"`
	LastActivity int64    `json:"lastActivity"`
}

// ClientListUpdate informs the automator of the live requester set.
type ClientListUpdate struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Clients   []ClientSummary `json:"clients"`
}

// KeepaliveResponse answers an application-level keepalive with server wall time.
type KeepaliveResponse struct {
	Type       string `json:"type"`
	Timestamp  int64  `json:"timestamp"`
	ServerTime int64  `json:"serverTime"`
}

// HubShutdown announces a hub-initiated close.
type HubShutdown struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Reason    string `json:"reason"`
}

// Progress carries one operation milestone from the automator.
type Progress struct {
	Type        string          `json:"type"`
	Timestamp   int64           `json:"timestamp"`
	OperationID string          `json:"operationId"`
	Milestone   string          `json:"milestone"`
	Data        json.RawMessage `json:"data,omitempty"`
}

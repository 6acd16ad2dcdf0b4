package protocol

import "encoding/json"

const Version = "1.0"

// MaxRadius bounds query and break radii, matching the JSON schemas.
const MaxRadius = 1000.0

// Message types.
const (
	TypeHello       = "HELLO"
	TypeWelcome     = "WELCOME"
	TypeEvent       = "EVENT"
	TypeCoverQuery  = "COVER_QUERY"
	TypeCoverResult = "COVER_RESULT"
	TypeBreak       = "BREAK"
	TypeError       = "ERROR"
)

// Event kinds carried by EVENT messages and audit entries.
const (
	EventSurfaceAdded     = "SURFACE_ADDED"
	EventSurfaceUpdated   = "SURFACE_UPDATED"
	EventSurfaceRemoved   = "SURFACE_REMOVED"
	EventSurfaceRetracted = "SURFACE_RETRACTED"
	EventBreak            = "BREAK"
	EventUserCompromised  = "USER_COMPROMISED"
	EventUserCoverRemoved = "USER_COVER_REMOVED"
	EventUserNextRemoved  = "USER_NEXT_COVER_REMOVED"
	EventAgentJoined      = "AGENT_JOINED"
	EventAgentLeft        = "AGENT_LEFT"
	EventWorldReset       = "WORLD_RESET"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

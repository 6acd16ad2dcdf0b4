package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	ClientName      string   `json:"client_name"`
	Kinds           []string `json:"kinds,omitempty"` // event kinds to receive; empty means all
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	WorldID         string `json:"world_id"`
	TickRateHz      int    `json:"tick_rate_hz"`
	Tick            uint64 `json:"tick"`
	Surfaces        int    `json:"surfaces"`
}

// Event is one cover lifecycle notification. Fields that do not apply to
// the kind are left empty.
type Event struct {
	Tick    uint64         `json:"tick"`
	Kind    string         `json:"kind"`
	Surface uint32         `json:"surface,omitempty"`
	Entity  uint32         `json:"entity,omitempty"`
	Cover   uint32         `json:"cover,omitempty"`
	Pos     *[3]float64    `json:"pos,omitempty"`
	Radius  float64        `json:"radius,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// EVENT (server -> client)
type EventMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Event           Event  `json:"event"`
}

// COVER_QUERY (client -> server)
type CoverQueryMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	ReqID           string     `json:"req_id"`
	Center          [3]float64 `json:"center"`
	Radius          float64    `json:"radius"`
	MaxPerSurface   int        `json:"max_per_surface,omitempty"`
	Offset          float64    `json:"offset,omitempty"`
}

type CoverRef struct {
	ID       uint32     `json:"id"`
	Surface  uint32     `json:"surface"`
	Location int        `json:"location"`
	Pos      [3]float64 `json:"pos"`
	Normal   [3]float64 `json:"normal"`
	Height   float64    `json:"height"`
	Occupied bool       `json:"occupied,omitempty"`
}

// COVER_RESULT (server -> client)
type CoverResultMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	ReqID           string     `json:"req_id"`
	Covers          []CoverRef `json:"covers"`
}

// BREAK (client -> server, also the world-events topic payload)
type BreakMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Center          [3]float64 `json:"center"`
	Radius          float64    `json:"radius"`
	Source          string     `json:"source,omitempty"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id,omitempty"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

func NewError(reqID, code, msg string) ErrorMsg {
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, ReqID: reqID, Code: code, Message: msg}
}

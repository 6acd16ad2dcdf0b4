package world

import (
	"covercraft.ai/internal/sim/cover"
	"covercraft.ai/internal/sim/cover/logic/ids"
	"covercraft.ai/internal/sim/cover/logic/mathx"
)

type AuditLogger interface {
	WriteAudit(entry AuditEntry) error
}

// AuditEntry is the persisted form of a cover event.
type AuditEntry struct {
	Tick    uint64         `json:"tick"`
	Action  string         `json:"action"` // e.g. "SURFACE_RETRACTED"
	Surface uint32         `json:"surface,omitempty"`
	Entity  uint32         `json:"entity,omitempty"`
	Cover   uint32         `json:"cover,omitempty"`
	Pos     [3]float64     `json:"pos"`
	Radius  float64        `json:"radius,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// AgentParams registers an agent as a cover user. Zero tunables take the
// world defaults.
type AgentParams struct {
	Entity             ids.EntityID
	Pos                mathx.Vec3
	DistanceToCover    float64
	InCoverRadius      float64
	MinEffectiveHeight float64
	BlacklistDuration  float64
}

type AgentView struct {
	Entity          ids.EntityID `json:"entity"`
	Pos             [3]float64   `json:"pos"`
	State           string       `json:"state"`
	Cover           uint32       `json:"cover,omitempty"`
	NextCover       uint32       `json:"next_cover,omitempty"`
	NextCoverPos    *[3]float64  `json:"next_cover_pos,omitempty"`
	Eyes            [][3]float64 `json:"eyes,omitempty"`
	Compromised     bool         `json:"compromised,omitempty"`
	EffectiveHeight float64      `json:"effective_height,omitempty"`
}

// PathLookup selects extra points resolved on a cover path. Closest
// projects a position onto the path; Along samples the path at a
// distance, wrapping on looped paths.
type PathLookup struct {
	Closest *mathx.Vec3
	Along   *float64
}

type PathView struct {
	Points  []cover.PathPoint `json:"points"`
	Length  float64           `json:"length"`
	Looped  bool              `json:"looped,omitempty"`
	Closest *cover.PathPoint  `json:"closest,omitempty"`
	At      *[3]float64       `json:"at,omitempty"`
}

type Stats struct {
	Tick       uint64 `json:"tick"`
	Surfaces   int    `json:"surfaces"`
	Agents     int    `json:"agents"`
	Occupied   int    `json:"occupied"`
	Boxes      int    `json:"boxes"`
	Segments   int    `json:"segments"`
	Queued     int    `json:"validation_queued"`
	InFlight   int    `json:"rays_in_flight"`
	Confirmed  uint64 `json:"segments_confirmed"`
	Retracted  uint64 `json:"surfaces_retracted"`
	Subscriber int    `json:"subscribers"`
}

func vecArray(v mathx.Vec3) [3]float64 { return [3]float64{v.X, v.Y, v.Z} }

func VecFromArray(a [3]float64) mathx.Vec3 { return mathx.V(a[0], a[1], a[2]) }

func eventPos(v mathx.Vec3) *[3]float64 {
	a := vecArray(v)
	return &a
}


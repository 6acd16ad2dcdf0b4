package agentrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"covercraft.ai/internal/protocol"
	"covercraft.ai/internal/sim/cover/logic/ids"
	"covercraft.ai/internal/sim/world"
)

const (
	toolJoin       = "cover.join"
	toolStatus     = "cover.status"
	toolMove       = "cover.move"
	toolQuery      = "cover.query"
	toolFind       = "cover.find"
	toolReserve    = "cover.reserve"
	toolEnter      = "cover.enter"
	toolLeave      = "cover.leave"
	toolBlacklist  = "cover.blacklist"
	toolDisconnect = "cover.disconnect"
)

var errBadArguments = errors.New("bad arguments")

type joinArgs struct {
	Pos                [3]float64 `json:"pos"`
	DistanceToCover    float64    `json:"distance_to_cover,omitempty"`
	MinEffectiveHeight float64    `json:"min_effective_height,omitempty"`
}

type moveArgs struct {
	Pos [3]float64 `json:"pos"`
}

type queryArgs struct {
	Center        [3]float64 `json:"center"`
	Radius        float64    `json:"radius"`
	MaxPerSurface int        `json:"max_per_surface,omitempty"`
	Offset        float64    `json:"offset,omitempty"`
}

type findArgs struct {
	Threat [3]float64  `json:"threat"`
	Near   *[3]float64 `json:"near,omitempty"`
}

type coverArgs struct {
	Cover   uint32  `json:"cover"`
	Seconds float64 `json:"seconds,omitempty"`
}

func vec3Schema() map[string]any {
	return map[string]any{"type": "array", "items": map[string]any{"type": "number"}, "minItems": 3, "maxItems": 3}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": props, "additionalProperties": false}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func toolsList() []map[string]any {
	none := objectSchema(map[string]any{})
	coverID := map[string]any{"type": "integer", "minimum": 1}
	return []map[string]any{
		{
			"name":        toolJoin,
			"description": "Register this agent as a cover user at pos. Joining twice returns the existing entity.",
			"inputSchema": objectSchema(map[string]any{
				"pos":                  vec3Schema(),
				"distance_to_cover":    map[string]any{"type": "number"},
				"min_effective_height": map[string]any{"type": "number"},
			}, "pos"),
		},
		{"name": toolStatus, "description": "Current cover state of this agent.", "inputSchema": none},
		{"name": toolMove, "description": "Move this agent; applied on the next tick.", "inputSchema": objectSchema(map[string]any{"pos": vec3Schema()}, "pos")},
		{
			"name":        toolQuery,
			"description": "List cover locations within radius of center.",
			"inputSchema": objectSchema(map[string]any{
				"center":          vec3Schema(),
				"radius":          map[string]any{"type": "number", "exclusiveMinimum": 0, "maximum": protocol.MaxRadius},
				"max_per_surface": map[string]any{"type": "integer"},
				"offset":          map[string]any{"type": "number"},
			}, "center", "radius"),
		},
		{
			"name":        toolFind,
			"description": "Pick the best free cover against threat, optionally near a point.",
			"inputSchema": objectSchema(map[string]any{"threat": vec3Schema(), "near": vec3Schema()}, "threat"),
		},
		{"name": toolReserve, "description": "Reserve cover as the next destination.", "inputSchema": objectSchema(map[string]any{"cover": coverID}, "cover")},
		{"name": toolEnter, "description": "Take cover at the given id.", "inputSchema": objectSchema(map[string]any{"cover": coverID}, "cover")},
		{"name": toolLeave, "description": "Leave current and reserved cover.", "inputSchema": none},
		{
			"name":        toolBlacklist,
			"description": "Avoid a cover id for a number of seconds.",
			"inputSchema": objectSchema(map[string]any{"cover": coverID, "seconds": map[string]any{"type": "number"}}, "cover"),
		},
		{"name": toolDisconnect, "description": "Unregister this agent and release its cover.", "inputSchema": none},
	}
}

func isKnownTool(name string) bool {
	switch name {
	case toolJoin, toolStatus, toolMove, toolQuery, toolFind, toolReserve, toolEnter, toolLeave, toolBlacklist, toolDisconnect:
		return true
	default:
		return false
	}
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", errBadArguments, err)
	}
	return nil
}

func decodeCover(raw json.RawMessage) (coverArgs, ids.CoverID, error) {
	var a coverArgs
	if err := decodeArgs(raw, &a); err != nil {
		return a, 0, err
	}
	id := ids.CoverID(a.Cover)
	if !id.Valid() {
		return a, 0, fmt.Errorf("%w: cover %d", errBadArguments, a.Cover)
	}
	return a, id, nil
}

func ok() map[string]any { return map[string]any{"ok": true} }

func (s *Server) callTool(ctx context.Context, sessionKey, name string, args json.RawMessage) (any, error) {
	switch name {
	case toolJoin:
		var a joinArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return s.join(ctx, sessionKey, a)
	case toolQuery:
		var a queryArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		if a.Radius <= 0 || a.Radius > protocol.MaxRadius {
			return nil, fmt.Errorf("%w: radius must be in (0, %g]", errBadArguments, protocol.MaxRadius)
		}
		covers, err := s.world.Cover(ctx, world.VecFromArray(a.Center), a.Radius, a.MaxPerSurface, a.Offset)
		if err != nil {
			return nil, err
		}
		return map[string]any{"covers": covers}, nil
	case toolDisconnect:
		if err := s.disconnect(ctx, sessionKey); err != nil {
			return nil, err
		}
		return ok(), nil
	}

	e, err := s.entity(sessionKey)
	if err != nil {
		return nil, err
	}
	switch name {
	case toolStatus:
		return s.world.Agent(ctx, e)
	case toolMove:
		var a moveArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		if err := s.world.MoveAgent(e, world.VecFromArray(a.Pos)); err != nil {
			return nil, err
		}
		return ok(), nil
	case toolFind:
		var a findArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		id, found, err := s.findCover(ctx, e, a.Threat, a.Near)
		if err != nil {
			return nil, err
		}
		if !found {
			return map[string]any{"found": false}, nil
		}
		return map[string]any{"found": true, "cover": uint32(id), "surface": uint32(id.Surface()), "location": id.Location()}, nil
	case toolReserve:
		_, id, err := decodeCover(args)
		if err != nil {
			return nil, err
		}
		if err := s.world.ReserveCover(ctx, e, id); err != nil {
			return nil, err
		}
		return ok(), nil
	case toolEnter:
		_, id, err := decodeCover(args)
		if err != nil {
			return nil, err
		}
		if err := s.world.EnterCover(ctx, e, id); err != nil {
			return nil, err
		}
		return ok(), nil
	case toolLeave:
		if err := s.world.LeaveCover(ctx, e); err != nil {
			return nil, err
		}
		return ok(), nil
	case toolBlacklist:
		a, id, err := decodeCover(args)
		if err != nil {
			return nil, err
		}
		if err := s.world.BlacklistCover(ctx, e, id, a.Seconds); err != nil {
			return nil, err
		}
		return ok(), nil
	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
}

func (s *Server) findCover(ctx context.Context, e ids.EntityID, threat [3]float64, near *[3]float64) (ids.CoverID, bool, error) {
	if near == nil {
		return s.world.FindCover(ctx, e, world.VecFromArray(threat), nil)
	}
	n := world.VecFromArray(*near)
	return s.world.FindCover(ctx, e, world.VecFromArray(threat), &n)
}

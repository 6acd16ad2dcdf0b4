// Package agentrpc exposes the cover system to external agent controllers
// as JSON-RPC tools. Each authenticated agent id owns one world agent.
package agentrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"covercraft.ai/internal/protocol"
	"covercraft.ai/internal/sim/cover"
	"covercraft.ai/internal/sim/cover/logic/ids"
	"covercraft.ai/internal/sim/cover/logic/mathx"
	"covercraft.ai/internal/sim/world"
)

// World is the slice of *world.World the tools drive.
type World interface {
	Join(ctx context.Context, p world.AgentParams) (cover.Handle, error)
	Leave(ctx context.Context, e ids.EntityID) (bool, error)
	MoveAgent(e ids.EntityID, pos mathx.Vec3) error
	Agent(ctx context.Context, e ids.EntityID) (world.AgentView, error)
	FindCover(ctx context.Context, e ids.EntityID, threat mathx.Vec3, near *mathx.Vec3) (ids.CoverID, bool, error)
	ReserveCover(ctx context.Context, e ids.EntityID, id ids.CoverID) error
	EnterCover(ctx context.Context, e ids.EntityID, id ids.CoverID) error
	LeaveCover(ctx context.Context, e ids.EntityID) error
	BlacklistCover(ctx context.Context, e ids.EntityID, id ids.CoverID, seconds float64) error
	Cover(ctx context.Context, center mathx.Vec3, radius float64, maxPerSurface int, offset float64) ([]protocol.CoverRef, error)
}

// JSON-RPC 2.0 error codes. Every error also carries a protocol code in
// error.data.code.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeToolFailed     = -32000
)

type rpcCall struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcFailure     `json:"error,omitempty"`
}

type rpcFailure struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    failureData `json:"data"`
}

type failureData struct {
	Code string `json:"code"` // protocol error code
	Tool string `json:"tool,omitempty"`
}

func failure(code int, protoCode, msg string) *rpcFailure {
	return &rpcFailure{Code: code, Message: msg, Data: failureData{Code: protoCode}}
}

// decodeCall parses one request envelope. The failure is nil on success.
func decodeCall(body []byte) (rpcCall, *rpcFailure) {
	var c rpcCall
	if err := json.Unmarshal(body, &c); err != nil {
		return rpcCall{}, failure(codeParseError, protocol.ErrProtoBadRequest, err.Error())
	}
	if c.JSONRPC != "" && c.JSONRPC != "2.0" {
		return rpcCall{}, failure(codeInvalidRequest, protocol.ErrProtoVersion, fmt.Sprintf("unsupported jsonrpc version %q", c.JSONRPC))
	}
	if c.Method == "" {
		return rpcCall{}, failure(codeInvalidRequest, protocol.ErrProtoBadRequest, "missing method")
	}
	return c, nil
}

type Config struct {
	World      World
	HMACSecret string
	// FirstEntity is the entity id handed to the first joining agent.
	FirstEntity ids.EntityID
	Logger      *logrus.Entry
}

type Server struct {
	world      World
	hmacSecret []byte
	replay     *replayGuard
	log        *logrus.Entry
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]ids.EntityID
	next     ids.EntityID
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.World == nil {
		return nil, fmt.Errorf("nil world")
	}
	if cfg.FirstEntity == 0 {
		cfg.FirstEntity = 1_000_000
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		world:    cfg.World,
		log:      cfg.Logger.WithField("component", "agentrpc"),
		now:      time.Now,
		sessions: map[string]ids.EntityID{},
		next:     cfg.FirstEntity,
	}
	if strings.TrimSpace(cfg.HMACSecret) != "" {
		s.hmacSecret = []byte(cfg.HMACSecret)
		s.replay = newReplayGuard(0)
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/rpc", s.HandleRPC)
	return mux
}

// HandleRPC serves one JSON-RPC request.
func (s *Server) HandleRPC(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(rw, "bad body", http.StatusBadRequest)
		return
	}
	_ = r.Body.Close()

	sessionKey := strings.TrimSpace(r.Header.Get(headerAgentID))
	if len(s.hmacSecret) > 0 {
		vr := verifyHMAC(r, body, s.hmacSecret, s.now())
		if vr.HTTPStatus != 0 {
			http.Error(rw, vr.Message, vr.HTTPStatus)
			return
		}
		if !s.replay.allow(vr.SessionKey, vr.Nonce, s.now()) {
			http.Error(rw, "replayed nonce", http.StatusUnauthorized)
			return
		}
		sessionKey = vr.SessionKey
	}
	if sessionKey == "" {
		sessionKey = "default"
	}

	rw.Header().Set("content-type", "application/json")
	c, fail := decodeCall(body)
	if fail != nil {
		rw.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(rw).Encode(rpcReply{JSONRPC: "2.0", Error: fail})
		return
	}
	result, fail := s.dispatch(r.Context(), sessionKey, c)
	_ = json.NewEncoder(rw).Encode(rpcReply{JSONRPC: "2.0", ID: c.ID, Result: result, Error: fail})
}

func (s *Server) dispatch(ctx context.Context, sessionKey string, c rpcCall) (any, *rpcFailure) {
	switch c.Method {
	case "initialize":
		return map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]any{"name": "coverd", "version": protocol.Version},
			"capabilities":    map[string]any{"tools": map[string]any{"listChanged": false}},
		}, nil
	case "list_tools", "tools/list":
		return map[string]any{"tools": toolsList()}, nil
	case "call_tool", "tools/call":
		var p struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if len(c.Params) == 0 {
			return nil, failure(codeInvalidParams, protocol.ErrBadRequest, "missing params")
		}
		if err := json.Unmarshal(c.Params, &p); err != nil {
			return nil, failure(codeInvalidParams, protocol.ErrBadRequest, "bad params: "+err.Error())
		}
		if p.Name == "" {
			return nil, failure(codeInvalidParams, protocol.ErrBadRequest, "missing tool name")
		}
		if !isKnownTool(p.Name) {
			f := failure(codeMethodNotFound, protocol.ErrNotFound, "tool not found")
			f.Data.Tool = p.Name
			return nil, f
		}
		out, err := s.callTool(ctx, sessionKey, p.Name, p.Arguments)
		if err != nil {
			f := failure(codeToolFailed, errorCode(err), err.Error())
			f.Data.Tool = p.Name
			if f.Data.Code == protocol.ErrInternal {
				s.log.WithError(err).WithField("tool", p.Name).Warn("tool failed")
			}
			return nil, f
		}
		return out, nil
	default:
		return nil, failure(codeMethodNotFound, protocol.ErrNotFound, "method not found")
	}
}

var errNotJoined = errors.New("agent has not joined")

// errorCode maps a tool failure onto a protocol error code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, errNotJoined), errors.Is(err, cover.ErrUnknownUser):
		return protocol.ErrNotFound
	case errors.Is(err, world.ErrCoverTaken), errors.Is(err, cover.ErrAlreadyRegistered):
		return protocol.ErrConflict
	case errors.Is(err, world.ErrBusy), errors.Is(err, world.ErrStopped), errors.Is(err, context.DeadlineExceeded):
		return protocol.ErrWorldBusy
	case errors.Is(err, world.ErrInvalidCover), errors.Is(err, cover.ErrStateGuard), errors.Is(err, errBadArguments):
		return protocol.ErrBadRequest
	default:
		return protocol.ErrInternal
	}
}

func (s *Server) entity(sessionKey string) (ids.EntityID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[sessionKey]
	if !ok {
		return 0, errNotJoined
	}
	return e, nil
}

// Sessions returns the number of agents that joined through this server.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) join(ctx context.Context, sessionKey string, a joinArgs) (map[string]any, error) {
	s.mu.Lock()
	if e, ok := s.sessions[sessionKey]; ok {
		s.mu.Unlock()
		return map[string]any{"entity": e, "resumed": true}, nil
	}
	e := s.next
	s.next++
	s.sessions[sessionKey] = e
	s.mu.Unlock()

	_, err := s.world.Join(ctx, world.AgentParams{
		Entity:             e,
		Pos:                world.VecFromArray(a.Pos),
		DistanceToCover:    a.DistanceToCover,
		MinEffectiveHeight: a.MinEffectiveHeight,
	})
	if err != nil {
		s.mu.Lock()
		delete(s.sessions, sessionKey)
		s.mu.Unlock()
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"session": sessionKey, "entity": e}).Info("agent joined")
	return map[string]any{"entity": e, "resumed": false}, nil
}

func (s *Server) disconnect(ctx context.Context, sessionKey string) error {
	e, err := s.entity(sessionKey)
	if err != nil {
		return err
	}
	if _, err := s.world.Leave(ctx, e); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.sessions, sessionKey)
	s.mu.Unlock()
	s.log.WithFields(logrus.Fields{"session": sessionKey, "entity": e}).Info("agent left")
	return nil
}

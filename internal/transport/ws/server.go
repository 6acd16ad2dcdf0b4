package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"covercraft.ai/internal/protocol"
	"covercraft.ai/internal/sim/cover/logic/mathx"
	"covercraft.ai/internal/sim/world"
)

// World is the part of the world the event stream needs.
type World interface {
	ID() string
	TickRateHz() int
	CurrentTick() uint64
	Stats(ctx context.Context) (world.Stats, error)
	Subscribe(ctx context.Context, kinds []string) (<-chan protocol.Event, func(), error)
	Cover(ctx context.Context, center mathx.Vec3, radius float64, maxPerSurface int, offset float64) ([]protocol.CoverRef, error)
	Break(center mathx.Vec3, radius float64, source string) error
}

const (
	handshakeTimeout = 5 * time.Second
	readTimeout      = 60 * time.Second
	writeTimeout     = 5 * time.Second
	callTimeout      = 2 * time.Second
)

type Server struct {
	world World
	log   *logrus.Entry

	upgrader websocket.Upgrader
}

func NewServer(w World, logger *logrus.Entry) *Server {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}
	return &Server{
		world: w,
		log:   logger.WithField("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		hello, ok := s.handshake(conn)
		if !ok {
			return
		}
		log := s.log.WithFields(logrus.Fields{"client": hello.ClientName, "remote": r.RemoteAddr})

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		events, unsubscribe, err := s.world.Subscribe(ctx, hello.Kinds)
		if err != nil {
			_ = writeJSON(conn, protocol.NewError("", protocol.ErrWorldBusy, err.Error()))
			return
		}
		defer unsubscribe()

		st, err := s.world.Stats(ctx)
		if err != nil {
			_ = writeJSON(conn, protocol.NewError("", protocol.ErrWorldBusy, err.Error()))
			return
		}
		welcome := protocol.WelcomeMsg{
			Type:            protocol.TypeWelcome,
			ProtocolVersion: protocol.Version,
			WorldID:         s.world.ID(),
			TickRateHz:      s.world.TickRateHz(),
			Tick:            st.Tick,
			Surfaces:        st.Surfaces,
		}
		if err := writeJSON(conn, welcome); err != nil {
			return
		}
		log.Info("event stream opened")

		out := make(chan any, 16)

		// Writer goroutine: the only writer after the handshake.
		go func() {
			defer cancel()
			for {
				var v any
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-events:
					if !ok {
						_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "world stopped"), time.Now().Add(time.Second))
						return
					}
					v = protocol.EventMsg{Type: protocol.TypeEvent, ProtocolVersion: protocol.Version, Event: ev}
				case v = <-out:
				}
				if err := writeJSON(conn, v); err != nil {
					return
				}
			}
		}()

		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			resp := s.handle(ctx, msg)
			if resp == nil {
				continue
			}
			select {
			case out <- resp:
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}
		}
		log.Info("event stream closed")
	}
}

// handle answers one client message; a nil reply means nothing to send.
func (s *Server) handle(ctx context.Context, msg []byte) any {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return protocol.NewError("", protocol.ErrProtoBadRequest, "invalid json")
	}
	if base.ProtocolVersion != protocol.Version {
		return protocol.NewError("", protocol.ErrProtoVersion, "bad protocol_version")
	}
	switch base.Type {
	case protocol.TypeCoverQuery:
		var q protocol.CoverQueryMsg
		if err := protocol.Decode(protocol.TypeCoverQuery, msg, &q); err != nil {
			return protocol.NewError(q.ReqID, protocol.ErrBadRequest, err.Error())
		}
		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		covers, err := s.world.Cover(cctx, world.VecFromArray(q.Center), q.Radius, q.MaxPerSurface, q.Offset)
		if err != nil {
			return protocol.NewError(q.ReqID, protocol.ErrWorldBusy, err.Error())
		}
		if covers == nil {
			covers = []protocol.CoverRef{}
		}
		return protocol.CoverResultMsg{Type: protocol.TypeCoverResult, ProtocolVersion: protocol.Version, ReqID: q.ReqID, Covers: covers}

	case protocol.TypeBreak:
		var b protocol.BreakMsg
		if err := protocol.Decode(protocol.TypeBreak, msg, &b); err != nil {
			return protocol.NewError("", protocol.ErrBadRequest, err.Error())
		}
		if b.Source == "" {
			b.Source = "ws"
		}
		if err := s.world.Break(world.VecFromArray(b.Center), b.Radius, b.Source); err != nil {
			code := protocol.ErrInternal
			if errors.Is(err, world.ErrBusy) {
				code = protocol.ErrWorldBusy
			}
			return protocol.NewError("", code, err.Error())
		}
		return nil

	default:
		return protocol.NewError("", protocol.ErrProtoBadRequest, "unsupported type "+base.Type)
	}
}

func (s *Server) handshake(conn *websocket.Conn) (protocol.HelloMsg, bool) {
	var hello protocol.HelloMsg
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return hello, false
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		s.reject(conn, protocol.ErrProtoBadRequest, "expected HELLO")
		return hello, false
	}
	if base.ProtocolVersion != protocol.Version {
		s.reject(conn, protocol.ErrProtoVersion, "bad protocol_version")
		return hello, false
	}
	if err := protocol.Decode(protocol.TypeHello, msg, &hello); err != nil {
		s.reject(conn, protocol.ErrProtoBadRequest, err.Error())
		return hello, false
	}
	return hello, true
}

func (s *Server) reject(conn *websocket.Conn, code, msg string) {
	_ = writeJSON(conn, protocol.NewError("", code, msg))
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, msg), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"covercraft.ai/internal/persistence/indexdb"
	"covercraft.ai/internal/protocol"
	"covercraft.ai/internal/sim/cover"
	"covercraft.ai/internal/sim/cover/logic/ids"
	"covercraft.ai/internal/sim/cover/logic/mathx"
	"covercraft.ai/internal/sim/world"
)

// auditIndex is the optional read model behind the history endpoints.
type auditIndex interface {
	AuditsForSurface(ctx context.Context, surface uint32, limit int) ([]world.AuditEntry, error)
	Surface(ctx context.Context, surface uint32) (indexdb.SurfaceRow, bool, error)
	Stats() indexdb.Stats
}

type admin struct {
	w   *world.World
	idx auditIndex
	log *logrus.Entry
}

const requestTimeout = 5 * time.Second

func newRouter(w *world.World, idx auditIndex, logger *logrus.Entry) *mux.Router {
	a := &admin{w: w, idx: idx, log: logger.WithField("component", "admin")}
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/metrics", a.metrics).Methods(http.MethodGet)

	api := r.PathPrefix("/admin/v1").Subrouter()
	api.Use(loopbackOnly)
	api.HandleFunc("/stats", a.stats).Methods(http.MethodGet)
	api.HandleFunc("/surfaces", a.listSurfaces).Methods(http.MethodGet)
	api.HandleFunc("/surfaces", a.addSurface).Methods(http.MethodPost)
	api.HandleFunc("/surfaces/{id:[0-9]+}", a.getSurface).Methods(http.MethodGet)
	api.HandleFunc("/surfaces/{id:[0-9]+}", a.updateSurface).Methods(http.MethodPut)
	api.HandleFunc("/surfaces/{id:[0-9]+}", a.removeSurface).Methods(http.MethodDelete)
	api.HandleFunc("/surfaces/{id:[0-9]+}/path", a.surfacePath).Methods(http.MethodGet)
	api.HandleFunc("/surfaces/{id:[0-9]+}/history", a.surfaceHistory).Methods(http.MethodGet)
	api.HandleFunc("/cover", a.coverQuery).Methods(http.MethodGet)
	api.HandleFunc("/agents/{entity:[0-9]+}", a.getAgent).Methods(http.MethodGet)
	api.HandleFunc("/break", a.breakGeometry).Methods(http.MethodPost)
	api.HandleFunc("/reset", a.reset).Methods(http.MethodPost)
	return r
}

func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			writeError(rw, protocol.ErrForbidden, "admin api is loopback only")
			return
		}
		next.ServeHTTP(rw, r)
	})
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, code, msg string) {
	writeJSON(rw, protocol.HTTPStatus(code), protocol.NewError("", code, msg))
}

// worldError maps world call failures onto HTTP statuses.
func worldError(rw http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cover.ErrInvalidSurface), errors.Is(err, world.ErrInvalidCover):
		writeError(rw, protocol.ErrBadRequest, err.Error())
	case errors.Is(err, cover.ErrUnknownSurface), errors.Is(err, cover.ErrUnknownUser):
		writeError(rw, protocol.ErrNotFound, err.Error())
	case errors.Is(err, cover.ErrTooManySurfaces), errors.Is(err, world.ErrCoverTaken):
		writeError(rw, protocol.ErrConflict, err.Error())
	case errors.Is(err, world.ErrBusy), errors.Is(err, world.ErrStopped), errors.Is(err, context.DeadlineExceeded):
		writeError(rw, protocol.ErrWorldBusy, err.Error())
	default:
		writeError(rw, protocol.ErrInternal, err.Error())
	}
}

func surfaceIDVar(r *http.Request) (ids.SurfaceID, error) {
	n, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
	if err != nil {
		return 0, err
	}
	sid := ids.SurfaceID(n)
	if !sid.Valid() {
		return 0, fmt.Errorf("%w: %d", ids.ErrSurfaceOutOfRange, n)
	}
	return sid, nil
}

func floatParam(r *http.Request, name string, def float64) (float64, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}

// vecParam parses "x,y,z"; a missing z is zero.
func vecParam(s string) (mathx.Vec3, error) {
	parts := strings.Split(s, ",")
	if len(parts) < 2 || len(parts) > 3 {
		return mathx.Vec3{}, fmt.Errorf("want x,y[,z], got %q", s)
	}
	var v [3]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return mathx.Vec3{}, err
		}
		v[i] = f
	}
	return world.VecFromArray(v), nil
}

func decodeSurface(r *http.Request) (cover.SurfaceDesc, error) {
	var desc cover.SurfaceDesc
	dec := json.NewDecoder(io.LimitReader(r.Body, 4<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&desc); err != nil {
		return desc, err
	}
	return desc, nil
}

func (a *admin) stats(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	st, err := a.w.Stats(ctx)
	if err != nil {
		worldError(rw, err)
		return
	}
	resp := struct {
		WorldID string         `json:"world_id"`
		Stats   world.Stats    `json:"stats"`
		Index   *indexdb.Stats `json:"index,omitempty"`
	}{WorldID: a.w.ID(), Stats: st}
	if a.idx != nil {
		is := a.idx.Stats()
		resp.Index = &is
	}
	writeJSON(rw, http.StatusOK, resp)
}

func (a *admin) listSurfaces(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	infos, err := a.w.Surfaces(ctx)
	if err != nil {
		worldError(rw, err)
		return
	}
	if infos == nil {
		infos = []cover.SurfaceInfo{}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"surfaces": infos})
}

func (a *admin) getSurface(rw http.ResponseWriter, r *http.Request) {
	sid, err := surfaceIDVar(r)
	if err != nil {
		writeError(rw, protocol.ErrBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	info, ok, err := a.w.Surface(ctx, sid)
	if err != nil {
		worldError(rw, err)
		return
	}
	if !ok {
		writeError(rw, protocol.ErrNotFound, "no such surface")
		return
	}
	writeJSON(rw, http.StatusOK, info)
}

func (a *admin) addSurface(rw http.ResponseWriter, r *http.Request) {
	desc, err := decodeSurface(r)
	if err != nil {
		writeError(rw, protocol.ErrBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	sid, err := a.w.AddSurface(ctx, desc)
	if err != nil {
		worldError(rw, err)
		return
	}
	a.log.WithFields(logrus.Fields{"surface": sid, "samples": len(desc.Samples)}).Info("surface added")
	writeJSON(rw, http.StatusCreated, map[string]any{"id": sid})
}

func (a *admin) updateSurface(rw http.ResponseWriter, r *http.Request) {
	sid, err := surfaceIDVar(r)
	if err != nil {
		writeError(rw, protocol.ErrBadRequest, err.Error())
		return
	}
	desc, err := decodeSurface(r)
	if err != nil {
		writeError(rw, protocol.ErrBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := a.w.UpdateSurface(ctx, sid, desc); err != nil {
		worldError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"id": sid})
}

func (a *admin) removeSurface(rw http.ResponseWriter, r *http.Request) {
	sid, err := surfaceIDVar(r)
	if err != nil {
		writeError(rw, protocol.ErrBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	ok, err := a.w.RemoveSurface(ctx, sid)
	if err != nil {
		worldError(rw, err)
		return
	}
	if !ok {
		writeError(rw, protocol.ErrNotFound, "no such surface")
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (a *admin) surfacePath(rw http.ResponseWriter, r *http.Request) {
	sid, err := surfaceIDVar(r)
	if err != nil {
		writeError(rw, protocol.ErrBadRequest, err.Error())
		return
	}
	dist, err := floatParam(r, "distance", 0.5)
	if err != nil {
		writeError(rw, protocol.ErrBadRequest, err.Error())
		return
	}
	var q world.PathLookup
	if s := r.URL.Query().Get("closest"); s != "" {
		p, err := vecParam(s)
		if err != nil {
			writeError(rw, protocol.ErrBadRequest, "closest: "+err.Error())
			return
		}
		q.Closest = &p
	}
	if r.URL.Query().Has("along") {
		along, err := floatParam(r, "along", 0)
		if err != nil {
			writeError(rw, protocol.ErrBadRequest, err.Error())
			return
		}
		q.Along = &along
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	view, err := a.w.CoverPath(ctx, sid, dist, q)
	if err != nil {
		worldError(rw, err)
		return
	}
	if view.Points == nil {
		view.Points = []cover.PathPoint{}
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"surface":  sid,
		"distance": dist,
		"points":   view.Points,
		"length":   view.Length,
		"looped":   view.Looped,
		"closest":  view.Closest,
		"at":       view.At,
	})
}

func (a *admin) surfaceHistory(rw http.ResponseWriter, r *http.Request) {
	if a.idx == nil {
		writeError(rw, protocol.ErrNotFound, "audit index disabled")
		return
	}
	sid, err := surfaceIDVar(r)
	if err != nil {
		writeError(rw, protocol.ErrBadRequest, err.Error())
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	row, ok, err := a.idx.Surface(ctx, uint32(sid))
	if err != nil {
		writeError(rw, protocol.ErrInternal, err.Error())
		return
	}
	if !ok {
		writeError(rw, protocol.ErrNotFound, "surface never recorded")
		return
	}
	trail, err := a.idx.AuditsForSurface(ctx, uint32(sid), limit)
	if err != nil {
		writeError(rw, protocol.ErrInternal, err.Error())
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"surface": row, "audits": trail})
}

func (a *admin) coverQuery(rw http.ResponseWriter, r *http.Request) {
	var center [3]float64
	for i, name := range []string{"x", "y", "z"} {
		v, err := floatParam(r, name, 0)
		if err != nil {
			writeError(rw, protocol.ErrBadRequest, err.Error())
			return
		}
		center[i] = v
	}
	radius, err := floatParam(r, "radius", 10)
	if err != nil || radius <= 0 || radius > protocol.MaxRadius {
		writeError(rw, protocol.ErrBadRequest, fmt.Sprintf("radius must be in (0, %g]", protocol.MaxRadius))
		return
	}
	offset, err := floatParam(r, "offset", 0)
	if err != nil {
		writeError(rw, protocol.ErrBadRequest, err.Error())
		return
	}
	maxPer, _ := strconv.Atoi(r.URL.Query().Get("max_per_surface"))

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	covers, err := a.w.Cover(ctx, world.VecFromArray(center), radius, maxPer, offset)
	if err != nil {
		worldError(rw, err)
		return
	}
	if covers == nil {
		covers = []protocol.CoverRef{}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"covers": covers})
}

func (a *admin) getAgent(rw http.ResponseWriter, r *http.Request) {
	n, err := strconv.ParseUint(mux.Vars(r)["entity"], 10, 32)
	if err != nil {
		writeError(rw, protocol.ErrBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	v, err := a.w.Agent(ctx, ids.EntityID(n))
	if err != nil {
		worldError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, v)
}

func (a *admin) breakGeometry(rw http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		writeError(rw, protocol.ErrBadRequest, err.Error())
		return
	}
	var b protocol.BreakMsg
	if err := protocol.Decode(protocol.TypeBreak, raw, &b); err != nil {
		writeError(rw, protocol.ErrBadRequest, err.Error())
		return
	}
	if b.Source == "" {
		b.Source = "admin"
	}
	center := mathx.V(b.Center[0], b.Center[1], b.Center[2])
	if err := a.w.Break(center, b.Radius, b.Source); err != nil {
		worldError(rw, err)
		return
	}
	writeJSON(rw, http.StatusAccepted, map[string]any{"ok": true})
}

func (a *admin) reset(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := a.w.Reset(ctx); err != nil {
		worldError(rw, err)
		return
	}
	a.log.Warn("world reset")
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true})
}

// metrics writes a minimal Prometheus exposition.
func (a *admin) metrics(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	st, err := a.w.Stats(ctx)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusServiceUnavailable)
		return
	}
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
	id := a.w.ID()
	gauge := func(name, help string, v any) {
		fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
		fmt.Fprintf(rw, "# TYPE %s gauge\n", name)
		fmt.Fprintf(rw, "%s{world=%q} %v\n", name, id, v)
	}
	gauge("cover_world_tick", "Current world tick.", st.Tick)
	gauge("cover_surfaces", "Registered cover surfaces.", st.Surfaces)
	gauge("cover_agents", "Registered cover users.", st.Agents)
	gauge("cover_occupied", "Occupied cover locations.", st.Occupied)
	gauge("cover_dynamic_segments", "Tracked dynamic cover segments.", st.Segments)
	gauge("cover_validation_queued", "Segments waiting for validation.", st.Queued)
	gauge("cover_rays_in_flight", "Outstanding validation rays.", st.InFlight)
	gauge("cover_segments_confirmed_total", "Segments confirmed by validation.", st.Confirmed)
	gauge("cover_surfaces_retracted_total", "Surfaces retracted after failed validation.", st.Retracted)
	gauge("cover_subscribers", "Event stream subscribers.", st.Subscriber)
}

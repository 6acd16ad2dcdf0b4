package agentrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"covercraft.ai/internal/protocol"
	"covercraft.ai/internal/sim/cover"
	"covercraft.ai/internal/sim/cover/logic/mathx"
	"covercraft.ai/internal/sim/tuning"
	"covercraft.ai/internal/sim/world"
)

type harness struct {
	w   *world.World
	srv *Server
	url string
	ctx context.Context
}

func newHarness(t *testing.T, secret string) *harness {
	t.Helper()
	w := world.New(world.WorldConfig{ID: "W1", TickRateHz: 50, Tuning: tuning.Defaults()}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	base := logrus.New()
	base.SetOutput(io.Discard)
	s, err := NewServer(Config{World: w, HMACSecret: secret, FirstEntity: 100, Logger: logrus.NewEntry(base)})
	require.NoError(t, err)
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		hs.Close()
		cancel()
		<-done
	})
	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(callCancel)

	// East-running wall at y=2; its stand side faces south.
	_, err = w.AddSurface(callCtx, cover.SurfaceDesc{Samples: []cover.Sample{
		{Position: mathx.V(-3, 2, 0), Height: 1.2},
		{Position: mathx.V(0, 2, 0), Height: 1.2},
		{Position: mathx.V(3, 2, 0), Height: 1.2},
	}})
	require.NoError(t, err)
	return &harness{w: w, srv: s, url: hs.URL + "/rpc", ctx: callCtx}
}

type rpcResult struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    struct {
			Code string `json:"code"`
		} `json:"data"`
	} `json:"error"`
}

func (h *harness) call(t *testing.T, agent, method string, params any) rpcResult {
	t.Helper()
	body := map[string]any{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		body["params"] = params
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, h.url, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set(headerAgentID, agent)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out rpcResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (h *harness) tool(t *testing.T, agent, name string, args any) rpcResult {
	t.Helper()
	return h.call(t, agent, "call_tool", map[string]any{"name": name, "arguments": args})
}

func decode[T any](t *testing.T, r rpcResult) T {
	t.Helper()
	require.Nil(t, r.Error, "unexpected rpc error")
	var v T
	require.NoError(t, json.Unmarshal(r.Result, &v))
	return v
}

func TestServer_ListToolsAndUnknowns(t *testing.T) {
	h := newHarness(t, "")

	tools := decode[struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}](t, h.call(t, "a", "list_tools", nil))
	var names []string
	for _, tl := range tools.Tools {
		names = append(names, tl.Name)
		assert.True(t, isKnownTool(tl.Name), tl.Name)
	}
	assert.Contains(t, names, toolFind)
	assert.Len(t, names, 10)

	r := h.call(t, "a", "nope", nil)
	require.NotNil(t, r.Error)
	assert.Equal(t, codeMethodNotFound, r.Error.Code)

	r = h.tool(t, "a", "cover.fly", nil)
	require.NotNil(t, r.Error)
	assert.Equal(t, codeMethodNotFound, r.Error.Code)

	assert.Equal(t, protocol.ErrNotFound, r.Error.Data.Code)

	r = h.call(t, "a", "call_tool", nil)
	require.NotNil(t, r.Error)
	assert.Equal(t, codeInvalidParams, r.Error.Code)
	assert.Equal(t, protocol.ErrBadRequest, r.Error.Data.Code)
}

func TestServer_MalformedEnvelope(t *testing.T) {
	h := newHarness(t, "")
	cases := []struct {
		body     string
		rpcCode  int
		protoErr string
	}{
		{`{not json`, codeParseError, protocol.ErrProtoBadRequest},
		{`{"jsonrpc":"1.0","id":1,"method":"list_tools"}`, codeInvalidRequest, protocol.ErrProtoVersion},
		{`{"jsonrpc":"2.0","id":1}`, codeInvalidRequest, protocol.ErrProtoBadRequest},
	}
	for _, tc := range cases {
		resp, err := http.Post(h.url, "application/json", strings.NewReader(tc.body))
		require.NoError(t, err)
		var out rpcResult
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, tc.body)
		require.NotNil(t, out.Error, tc.body)
		assert.Equal(t, tc.rpcCode, out.Error.Code, tc.body)
		assert.Equal(t, tc.protoErr, out.Error.Data.Code, tc.body)
	}
}

func TestServer_CoverFlow(t *testing.T) {
	h := newHarness(t, "")

	r := h.tool(t, "alice", toolStatus, nil)
	require.NotNil(t, r.Error)
	assert.Equal(t, protocol.ErrNotFound, r.Error.Data.Code)

	joined := decode[struct {
		Entity  uint32 `json:"entity"`
		Resumed bool   `json:"resumed"`
	}](t, h.tool(t, "alice", toolJoin, map[string]any{"pos": []float64{0, 0, 0}}))
	assert.Equal(t, uint32(100), joined.Entity)
	assert.False(t, joined.Resumed)

	again := decode[struct {
		Entity  uint32 `json:"entity"`
		Resumed bool   `json:"resumed"`
	}](t, h.tool(t, "alice", toolJoin, map[string]any{"pos": []float64{0, 0, 0}}))
	assert.Equal(t, joined.Entity, again.Entity)
	assert.True(t, again.Resumed)
	assert.Equal(t, 1, h.srv.Sessions())

	q := decode[struct {
		Covers []protocol.CoverRef `json:"covers"`
	}](t, h.tool(t, "alice", toolQuery, map[string]any{"center": []float64{0, 0, 0}, "radius": 10}))
	assert.NotEmpty(t, q.Covers)

	found := decode[struct {
		Found bool   `json:"found"`
		Cover uint32 `json:"cover"`
	}](t, h.tool(t, "alice", toolFind, map[string]any{"threat": []float64{0, 20, 0}}))
	require.True(t, found.Found)

	decode[map[string]any](t, h.tool(t, "alice", toolReserve, map[string]any{"cover": found.Cover}))
	st := decode[world.AgentView](t, h.tool(t, "alice", toolStatus, nil))
	assert.Equal(t, "MOVING_TO_COVER", st.State)
	assert.Equal(t, found.Cover, st.NextCover)

	decode[map[string]any](t, h.tool(t, "alice", toolEnter, map[string]any{"cover": found.Cover}))
	st = decode[world.AgentView](t, h.tool(t, "alice", toolStatus, nil))
	assert.Equal(t, "IN_COVER", st.State)
	assert.Equal(t, found.Cover, st.Cover)

	decode[map[string]any](t, h.tool(t, "bob", toolJoin, map[string]any{"pos": []float64{1, 0, 0}}))
	r = h.tool(t, "bob", toolEnter, map[string]any{"cover": found.Cover})
	require.NotNil(t, r.Error)
	assert.Equal(t, protocol.ErrConflict, r.Error.Data.Code)

	r = h.tool(t, "bob", toolReserve, map[string]any{"cover": 0})
	require.NotNil(t, r.Error)
	assert.Equal(t, protocol.ErrBadRequest, r.Error.Data.Code)

	decode[map[string]any](t, h.tool(t, "alice", toolLeave, nil))
	st = decode[world.AgentView](t, h.tool(t, "alice", toolStatus, nil))
	assert.Equal(t, "NONE", st.State)

	decode[map[string]any](t, h.tool(t, "bob", toolEnter, map[string]any{"cover": found.Cover}))

	decode[map[string]any](t, h.tool(t, "alice", toolDisconnect, nil))
	assert.Equal(t, 1, h.srv.Sessions())
	r = h.tool(t, "alice", toolStatus, nil)
	require.NotNil(t, r.Error)
	assert.Equal(t, protocol.ErrNotFound, r.Error.Data.Code)
}

func TestServer_MoveAndBlacklist(t *testing.T) {
	h := newHarness(t, "")
	decode[map[string]any](t, h.tool(t, "a", toolJoin, map[string]any{"pos": []float64{0, 0, 0}}))
	decode[map[string]any](t, h.tool(t, "a", toolMove, map[string]any{"pos": []float64{1, -1, 0}}))
	require.Eventually(t, func() bool {
		st, err := h.w.Agent(h.ctx, 100)
		return err == nil && st.Pos == [3]float64{1, -1, 0}
	}, 3*time.Second, 20*time.Millisecond)

	found := decode[struct {
		Found bool   `json:"found"`
		Cover uint32 `json:"cover"`
	}](t, h.tool(t, "a", toolFind, map[string]any{"threat": []float64{0, 20, 0}}))
	require.True(t, found.Found)
	decode[map[string]any](t, h.tool(t, "a", toolBlacklist, map[string]any{"cover": found.Cover, "seconds": 60}))
	next := decode[struct {
		Found bool   `json:"found"`
		Cover uint32 `json:"cover"`
	}](t, h.tool(t, "a", toolFind, map[string]any{"threat": []float64{0, 20, 0}}))
	require.True(t, next.Found)
	assert.NotEqual(t, found.Cover, next.Cover)

	for _, radius := range []float64{0, 5000} {
		r := h.tool(t, "a", toolQuery, map[string]any{"center": []float64{0, 0, 0}, "radius": radius})
		require.NotNil(t, r.Error, "radius %v", radius)
		assert.Equal(t, protocol.ErrBadRequest, r.Error.Data.Code)
	}
}

func TestServer_HMAC(t *testing.T) {
	secret := []byte("topsecret")
	h := newHarness(t, string(secret))
	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"list_tools"}`)

	post := func(hdr http.Header) int {
		req, err := http.NewRequest(http.MethodPost, h.url, bytes.NewReader(body))
		require.NoError(t, err)
		for k, v := range hdr {
			req.Header[k] = v
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, post(http.Header{"X-Agent-Id": {"a"}}))

	hdr := Sign(secret, "a", "n1", http.MethodPost, "/rpc", body, time.Now())
	assert.Equal(t, http.StatusOK, post(hdr))
	assert.Equal(t, http.StatusUnauthorized, post(hdr), "replayed nonce")

	bad := Sign([]byte("other"), "a", "n2", http.MethodPost, "/rpc", body, time.Now())
	assert.Equal(t, http.StatusUnauthorized, post(bad))
}

func TestNewServerRequiresWorld(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)
}

func TestHandleRPCRejectsGet(t *testing.T) {
	s := &Server{}
	rec := httptest.NewRecorder()
	s.HandleRPC(rec, httptest.NewRequest(http.MethodGet, "/rpc", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

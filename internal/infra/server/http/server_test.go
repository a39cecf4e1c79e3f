package httpserver

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/coachpo/eventflow/internal/infra/bus/eventbus"
	"github.com/coachpo/eventflow/pkg/eventflow"
)

func newBus(t *testing.T) *eventflow.EventFlow {
	t.Helper()
	bus := eventflow.New(
		eventflow.WithLogger(log.New(io.Discard, "", 0)),
		eventflow.WithMeterProvider(noop.NewMeterProvider()),
	)
	require.NoError(t, bus.Initialize())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, bus.Shutdown(ctx))
	})
	return bus
}

func do(t *testing.T, handler http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res
}

func decode[T any](t *testing.T, res *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &out), res.Body.String())
	return out
}

func TestRegisterAndListTopics(t *testing.T) {
	handler := NewHandler(newBus(t))

	res := do(t, handler, http.MethodPost, "/topics",
		`{"topic":"/orders","bufferCapacity":8,"overflowPolicy":"suspend","valveEnabled":true}`)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	info := decode[eventbus.ChannelInfo](t, res)
	require.Equal(t, "/orders", info.Topic)
	require.Equal(t, eventbus.ChannelConfig{BufferCapacity: 8, Overflow: eventbus.Suspend, ValveEnabled: true}, info.Config)
	require.True(t, info.ValveOpen)

	res = do(t, handler, http.MethodPost, "/topics", `{"topic":"/audit"}`)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	res = do(t, handler, http.MethodGet, "/topics", "")
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "application/json", res.Header().Get("Content-Type"))
	infos := decode[[]eventbus.ChannelInfo](t, res)
	require.Len(t, infos, 2)
	require.Equal(t, "/audit", infos[0].Topic)
	require.Equal(t, eventbus.DefaultChannelConfig(), infos[0].Config)
}

func TestRegisterRejectsBadInput(t *testing.T) {
	handler := NewHandler(newBus(t))

	cases := map[string]string{
		"invalid topic":  `{"topic":"no spaces allowed"}`,
		"capacity":       `{"topic":"/a","bufferCapacity":4096}`,
		"policy":         `{"topic":"/a","overflowPolicy":"explode"}`,
		"unknown field":  `{"topic":"/a","priority":1}`,
		"malformed json": `{"topic":`,
	}
	for name, body := range cases {
		res := do(t, handler, http.MethodPost, "/topics", body)
		require.Equal(t, http.StatusBadRequest, res.Code, name)
		require.Equal(t, "error", decode[map[string]string](t, res)["status"], name)
	}
}

func TestRemoveTopics(t *testing.T) {
	bus := newBus(t)
	handler := NewHandler(bus)
	for _, name := range []string{"/a/b", "/a/c", "/z"} {
		_, err := bus.RegisterOrGet(name, eventflow.DefaultChannelConfig())
		require.NoError(t, err)
	}

	res := do(t, handler, http.MethodDelete, "/topics?prefix=/a", "")
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	require.Equal(t, 2, decode[map[string]int](t, res)["removed"])

	topics, err := bus.Topics()
	require.NoError(t, err)
	require.Equal(t, []string{"/z"}, topics)

	res = do(t, handler, http.MethodDelete, "/topics", "")
	require.Equal(t, http.StatusBadRequest, res.Code)
}

func TestSwitchValve(t *testing.T) {
	bus := newBus(t)
	handler := NewHandler(bus)
	_, err := bus.RegisterOrGet("/gated", eventflow.ChannelConfig{BufferCapacity: 4, ValveEnabled: true})
	require.NoError(t, err)

	res := do(t, handler, http.MethodPost, "/topics/valve", `{"topic":"/gated","open":false}`)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	require.True(t, decode[map[string]bool](t, res)["switched"])

	ch, err := bus.Lookup("/gated")
	require.NoError(t, err)
	require.False(t, ch.ValveOpen())

	res = do(t, handler, http.MethodPost, "/topics/valve", `{"topic":"/missing","open":true}`)
	require.Equal(t, http.StatusOK, res.Code)
	require.False(t, decode[map[string]bool](t, res)["switched"])

	res = do(t, handler, http.MethodPost, "/topics/valve", `{"topic":"/gated"}`)
	require.Equal(t, http.StatusBadRequest, res.Code)
}

func TestHealthzAndLifecycle(t *testing.T) {
	bus := eventflow.New(eventflow.WithLogger(log.New(io.Discard, "", 0)))
	handler := NewHandler(bus)

	res := do(t, handler, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusServiceUnavailable, res.Code)

	res = do(t, handler, http.MethodGet, "/topics", "")
	require.Equal(t, http.StatusServiceUnavailable, res.Code)

	require.NoError(t, bus.Initialize())
	defer func() { require.NoError(t, bus.Shutdown(context.Background())) }()

	res = do(t, handler, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "ok", decode[map[string]string](t, res)["status"])
}

func TestMethodNotAllowedAndCORS(t *testing.T) {
	handler := NewHandler(newBus(t))

	res := do(t, handler, http.MethodPut, "/topics", "")
	require.Equal(t, http.StatusMethodNotAllowed, res.Code)
	require.Equal(t, "DELETE, GET, POST", res.Header().Get("Allow"))

	res = do(t, handler, http.MethodOptions, "/topics", "")
	require.Equal(t, http.StatusNoContent, res.Code)
	require.Equal(t, "*", res.Header().Get("Access-Control-Allow-Origin"))
}

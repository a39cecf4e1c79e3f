// Package httpserver exposes the EventFlow admin API for inspecting and managing topics.
package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/eventflow/errs"
	"github.com/coachpo/eventflow/internal/infra/bus/eventbus"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	topicsPath  = "/topics"
	valvePath   = topicsPath + "/valve"
	healthzPath = "/healthz"
)

// TopicAdmin is the bus surface the admin API drives.
type TopicAdmin interface {
	Initialized() bool
	Infos() ([]eventbus.ChannelInfo, error)
	RegisterOrGet(name string, cfg eventbus.ChannelConfig) (*eventbus.Channel, error)
	Remove(prefix string) (int, error)
	SwitchValve(name string, open bool) (bool, error)
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	bus TopicAdmin
}

type registerPayload struct {
	Topic          string `json:"topic"`
	BufferCapacity int    `json:"bufferCapacity,omitempty"`
	OverflowPolicy string `json:"overflowPolicy,omitempty"`
	ValveEnabled   bool   `json:"valveEnabled,omitempty"`
}

type valvePayload struct {
	Topic string `json:"topic"`
	Open  *bool  `json:"open"`
}

// NewHandler creates the admin HTTP handler backed by bus.
func NewHandler(bus TopicAdmin) http.Handler {
	server := &httpServer{bus: bus}
	mux := http.NewServeMux()

	mux.Handle(topicsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:    server.listTopics,
		http.MethodPost:   server.registerTopic,
		http.MethodDelete: server.removeTopics,
	}))
	mux.Handle(valvePath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.switchValve,
	}))
	mux.Handle(healthzPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.healthz,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) healthz(w http.ResponseWriter, _ *http.Request) {
	if !s.bus.Initialized() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_initialized"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *httpServer) listTopics(w http.ResponseWriter, _ *http.Request) {
	infos, err := s.bus.Infos()
	if err != nil {
		writeBusError(w, err)
		return
	}
	if infos == nil {
		infos = []eventbus.ChannelInfo{}
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *httpServer) registerTopic(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload registerPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}

	cfg := eventbus.DefaultChannelConfig()
	if payload.BufferCapacity != 0 {
		cfg.BufferCapacity = payload.BufferCapacity
	}
	policy, err := eventbus.ParseOverflowPolicy(payload.OverflowPolicy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg.Overflow = policy
	cfg.ValveEnabled = payload.ValveEnabled

	ch, err := s.bus.RegisterOrGet(strings.TrimSpace(payload.Topic), cfg)
	if err != nil {
		writeBusError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ch.Info())
}

func (s *httpServer) removeTopics(w http.ResponseWriter, r *http.Request) {
	prefix := strings.TrimSpace(r.URL.Query().Get("prefix"))
	if prefix == "" {
		writeError(w, http.StatusBadRequest, "prefix query parameter required")
		return
	}
	removed, err := s.bus.Remove(prefix)
	if err != nil {
		writeBusError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *httpServer) switchValve(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload valvePayload
	if err := decodeJSON(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	if payload.Open == nil {
		writeError(w, http.StatusBadRequest, "open is required")
		return
	}
	switched, err := s.bus.SwitchValve(strings.TrimSpace(payload.Topic), *payload.Open)
	if err != nil {
		writeBusError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"switched": switched})
}

func decodeJSON(r *http.Request, out any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func writeBusError(w http.ResponseWriter, err error) {
	switch errs.CodeOf(err) {
	case errs.CodeNotInitialized, errs.CodeUnavailable:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errs.CodeInvalidTopic, errs.CodeInvalidConfig, errs.CodeInvalid:
		writeError(w, http.StatusBadRequest, err.Error())
	case errs.CodeNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

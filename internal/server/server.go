// Package server exposes the audit log over HTTP.
//
// Routes:
//
//	POST /v1/events                 Record an event, returns the envelope
//	GET  /v1/entries                Query envelopes (kind, key_id, since, limit)
//	GET  /v1/entries/{seq}          One envelope; ?decrypt=true opens it (loopback only)
//	GET  /v1/entries/{seq}/verify   Verify one stored envelope
//	POST /v1/verify                 Verify a caller-supplied envelope
//	GET  /v1/verify                 Verify the whole log (?decrypt=true)
//	GET  /v1/keys                   Keyring listing (public halves only)
//	GET  /v1/keys/current           Current key ID, public key, creation time
//	POST /v1/keys/rotate            Rotate now (loopback only)
//	GET  /v1/feed                   WebSocket feed of new envelopes
//	GET  /health                    Liveness
//	GET  /metrics                   Prometheus exposition
//	POST /shutdown                  Graceful stop (loopback only)
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ctrlai/sealog/internal/audit"
	"github.com/ctrlai/sealog/internal/keystore"
	"github.com/ctrlai/sealog/internal/metrics"
	"github.com/ctrlai/sealog/internal/seal"
)

const (
	maxEventBytes = 1 << 20
	defaultLimit  = 50
)

// KeyRing is the read side of the key store.
type KeyRing interface {
	Current() *keystore.KeyMaterial
	List() ([]keystore.KeyInfo, error)
}

// RotateFunc rotates immediately and returns the new material.
type RotateFunc func(ctx context.Context) (*keystore.KeyMaterial, error)

// Options holds the dependencies injected into the server.
type Options struct {
	Log     *audit.AuditLog
	Keys    KeyRing          // nil: key routes answer 503
	Rotate  RotateFunc       // nil: rotation route answers 503
	Metrics *metrics.Metrics // nil: no /metrics, no instrumentation
	Feed    bool
	Version string

	// Shutdown is called by POST /shutdown.
	Shutdown func()
}

// Server routes the HTTP API.
type Server struct {
	log      *audit.AuditLog
	keys     KeyRing
	rotate   RotateFunc
	version  string
	shutdown func()

	hub    *feedHub
	router chi.Router
}

// New builds the router. If the feed is enabled it subscribes to the log and
// starts the hub; call Close to stop it.
func New(opts Options) *Server {
	s := &Server{
		log:      opts.Log,
		keys:     opts.Keys,
		rotate:   opts.Rotate,
		version:  opts.Version,
		shutdown: opts.Shutdown,
	}

	if opts.Feed {
		s.hub = newFeedHub()
		go s.hub.run()
		opts.Log.OnRecord(s.broadcast)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/events", s.handleRecord)
		r.Get("/entries", s.handleQuery)
		r.Get("/entries/{seq}", s.handleGet)
		r.Get("/entries/{seq}/verify", s.handleVerifyStored)
		r.Post("/verify", s.handleVerifyEnvelope)
		r.Get("/verify", s.handleVerifyLog)
		r.Get("/keys", s.handleKeys)
		r.Get("/keys/current", s.handleCurrentKey)
		r.With(loopbackOnly).Post("/keys/rotate", s.handleRotate)
		if s.hub != nil {
			r.Get("/feed", s.hub.handleFeed)
		}
	})

	if s.shutdown != nil {
		r.With(loopbackOnly).Post("/shutdown", s.handleShutdown)
	}

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the feed hub and disconnects its clients.
func (s *Server) Close() {
	if s.hub != nil {
		s.hub.stop()
	}
}

func (s *Server) broadcast(e audit.Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("failed to marshal feed entry", "seq", e.Seq, "error", err)
		return
	}
	s.hub.broadcast(data)
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":   "ok",
		"version":  s.version,
		"last_seq": s.log.LastSeq(),
	}
	if s.keys != nil {
		if km := s.keys.Current(); km != nil {
			resp["key_id"] = km.ID()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRecord records one event.
// POST /v1/events  {"kind": "auth.login", "actor": "alice", ...}
func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	var ev audit.Event
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err := dec.Decode(&ev); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	e, err := s.log.Record(r.Context(), ev)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// handleQuery lists envelopes.
// GET /v1/entries?kind=auth.*&key_id=...&since=1h&limit=50
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultLimit
	if l := q.Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed <= 0 {
			writeErrorMsg(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	entries, err := s.log.Query(audit.QueryParams{
		Kind:  q.Get("kind"),
		KeyID: q.Get("key_id"),
		Since: q.Get("since"),
		Limit: limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type openedEntry struct {
	Entry audit.Entry `json:"entry"`
	Event audit.Event `json:"event"`
}

// handleGet returns one envelope, optionally decrypted.
// GET /v1/entries/{seq}?decrypt=true
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entryFromPath(w, r)
	if !ok {
		return
	}

	if r.URL.Query().Get("decrypt") != "true" {
		writeJSON(w, http.StatusOK, e)
		return
	}
	if !isLoopback(r.RemoteAddr) {
		writeErrorMsg(w, http.StatusForbidden, "decrypt is only available from loopback")
		return
	}
	ev, err := s.log.Open(r.Context(), e)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, openedEntry{Entry: e, Event: ev})
}

type verifyResult struct {
	Seq    uint64 `json:"seq"`
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

// GET /v1/entries/{seq}/verify
func (s *Server) handleVerifyStored(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entryFromPath(w, r)
	if !ok {
		return
	}
	writeVerify(w, e.Seq, s.log.Verify(e))
}

// handleVerifyEnvelope checks an envelope the caller holds. Nothing is
// looked up: the embedded public key is authoritative.
// POST /v1/verify  {envelope}
func (s *Server) handleVerifyEnvelope(w http.ResponseWriter, r *http.Request) {
	var e audit.Entry
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err := dec.Decode(&e); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	writeVerify(w, e.Seq, s.log.Verify(e))
}

// GET /v1/verify?decrypt=true
func (s *Server) handleVerifyLog(w http.ResponseWriter, r *http.Request) {
	opts := audit.VerifyOptions{Decrypt: r.URL.Query().Get("decrypt") == "true"}
	report, err := s.log.VerifyLog(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if !report.Valid {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, report)
}

type keyView struct {
	ID        string    `json:"id"`
	PublicKey []byte    `json:"public_key"`
	CreatedAt time.Time `json:"created_at"`
}

func viewOf(km *keystore.KeyMaterial) keyView {
	return keyView{ID: km.ID(), PublicKey: km.PublicKey(), CreatedAt: km.CreatedAt()}
}

// GET /v1/keys
func (s *Server) handleKeys(w http.ResponseWriter, _ *http.Request) {
	if s.keys == nil {
		writeError(w, audit.ErrReadOnly)
		return
	}
	keys, err := s.keys.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

// GET /v1/keys/current
func (s *Server) handleCurrentKey(w http.ResponseWriter, _ *http.Request) {
	if s.keys == nil {
		writeError(w, audit.ErrReadOnly)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(s.keys.Current()))
}

// POST /v1/keys/rotate
func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	if s.rotate == nil {
		writeError(w, audit.ErrReadOnly)
		return
	}
	km, err := s.rotate(r.Context())
	if err != nil {
		slog.Error("manual rotation failed", "error", err)
		writeErrorMsg(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewOf(km))
}

// POST /shutdown
func (s *Server) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting_down"})
	s.shutdown()
}

// --- Helpers ---

func (s *Server) entryFromPath(w http.ResponseWriter, r *http.Request) (audit.Entry, bool) {
	seq, err := strconv.ParseUint(chi.URLParam(r, "seq"), 10, 64)
	if err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "seq must be a non-negative integer")
		return audit.Entry{}, false
	}
	e, err := s.log.Get(seq)
	if err != nil {
		writeError(w, err)
		return audit.Entry{}, false
	}
	return e, true
}

func writeVerify(w http.ResponseWriter, seq uint64, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, verifyResult{Seq: seq, Valid: true})
		return
	}
	res := verifyResult{Seq: seq, Error: err.Error()}
	var ve *audit.VerificationError
	if errors.As(err, &ve) {
		res.Reason = ve.Reason
	}
	writeJSON(w, statusFor(err), res)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, audit.ErrNotFound), errors.Is(err, keystore.ErrKeyNotFound):
		return http.StatusNotFound
	case errors.Is(err, audit.ErrInvalidEvent), errors.Is(err, audit.ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, audit.ErrVerification):
		return http.StatusUnprocessableEntity
	case errors.Is(err, audit.ErrStorageWrite), errors.Is(err, audit.ErrReadOnly):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, seal.ErrCrypto):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "status", status, "error", err)
	}
	writeErrorMsg(w, status, err.Error())
}

func writeErrorMsg(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeJSON is a helper that serializes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

// loopbackOnly rejects requests that do not originate from 127.0.0.0/8 or ::1.
func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isLoopback(r.RemoteAddr) {
			writeErrorMsg(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Package adminapi is the operator HTTP surface: seed pages, pause/resume,
// force checks, browse the audit trail, and read pipeline stats. It is the
// only component that writes pages from outside the scheduler/worker
// protocol, and it never touches leased scheduling fields.
package adminapi

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/talemon/talemon/internal/objstore"
	"github.com/talemon/talemon/internal/observability"
	"github.com/talemon/talemon/internal/safeurl"
	"github.com/talemon/talemon/internal/store"
)

// Config configures the admin server.
type Config struct {
	// Token authenticates Bearer requests. A value starting with "$2" is
	// treated as a bcrypt hash of the token; anything else is compared in
	// constant time. Empty disables every route except /health.
	Token string
	// DefaultCheckInterval is applied to seeded pages that don't specify
	// one. Default: 1h.
	DefaultCheckInterval time.Duration
	// Logger overrides slog.Default().
	Logger *slog.Logger
}

// Server serves the admin API.
type Server struct {
	st      *store.Store
	metrics *observability.Metrics
	cfg     Config
}

// New creates a Server. metrics may be nil; /stats then reports store
// counters only.
func New(st *store.Store, metrics *observability.Metrics, cfg Config) *Server {
	if cfg.DefaultCheckInterval <= 0 {
		cfg.DefaultCheckInterval = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{st: st, metrics: metrics, cfg: cfg}
}

// Router builds the chi routing tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.auth)

		r.Route("/api/pages", func(r chi.Router) {
			r.Post("/", s.createPage)
			r.Get("/", s.listPages)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getPage)
				r.Post("/pause", s.pausePage)
				r.Post("/resume", s.resumePage)
				r.Post("/check-now", s.checkNow)
				r.Get("/monitors", s.listMonitors)
				r.Get("/snapshots", s.listSnapshots)
			})
		})
		r.Get("/api/stats", s.stats)
	})

	return r
}

// auth verifies the Bearer token on every API route.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token == "" {
			writeError(w, http.StatusServiceUnavailable, "admin token not configured")
			return
		}
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if !s.tokenValid(raw) {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) tokenValid(presented string) bool {
	if strings.HasPrefix(s.cfg.Token, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(s.cfg.Token), []byte(presented)) == nil
	}
	a := sha256.Sum256([]byte(s.cfg.Token))
	b := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

type createPageRequest struct {
	URL           string `json:"url"`
	CheckInterval string `json:"check_interval,omitempty"` // Go duration string
}

func (s *Server) createPage(w http.ResponseWriter, r *http.Request) {
	var req createPageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if err := safeurl.Validate(req.URL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	domain, err := safeurl.Domain(req.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	interval := s.cfg.DefaultCheckInterval
	if req.CheckInterval != "" {
		interval, err = time.ParseDuration(req.CheckInterval)
		if err != nil || interval <= 0 {
			writeError(w, http.StatusBadRequest, "invalid check_interval")
			return
		}
	}

	page, err := s.st.CreatePage(r.Context(), req.URL, objstore.URLHash(req.URL), domain, interval, time.Now())
	if errors.Is(err, store.ErrDuplicatePage) {
		writeError(w, http.StatusConflict, "url already monitored")
		return
	}
	if err != nil {
		s.serverError(w, "create page", err)
		return
	}
	writeJSON(w, http.StatusCreated, page)
}

func (s *Server) listPages(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	status := r.URL.Query().Get("status")
	switch status {
	case "", store.StatusPending, store.StatusProcessing, store.StatusPaused:
	default:
		writeError(w, http.StatusBadRequest, "invalid status filter")
		return
	}
	pages, err := s.st.ListPages(r.Context(), status, limit)
	if err != nil {
		s.serverError(w, "list pages", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pages": pages})
}

func (s *Server) getPage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	page, err := s.st.GetPage(r.Context(), id)
	if errors.Is(err, store.ErrPageNotFound) {
		writeError(w, http.StatusNotFound, "page not found")
		return
	}
	if err != nil {
		s.serverError(w, "get page", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) pausePage(w http.ResponseWriter, r *http.Request) {
	s.pageMutation(w, r, s.st.PausePage)
}

func (s *Server) resumePage(w http.ResponseWriter, r *http.Request) {
	s.pageMutation(w, r, s.st.ResumePage)
}

func (s *Server) checkNow(w http.ResponseWriter, r *http.Request) {
	s.pageMutation(w, r, s.st.CheckNow)
}

func (s *Server) pageMutation(w http.ResponseWriter, r *http.Request, op func(context.Context, int64, time.Time) error) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	err := op(r.Context(), id, time.Now())
	if errors.Is(err, store.ErrPageNotFound) {
		writeError(w, http.StatusNotFound, "page not found or not in the required state")
		return
	}
	if err != nil {
		s.serverError(w, "page mutation", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listMonitors(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	monitors, err := s.st.ListMonitors(r.Context(), id, queryInt(r, "limit", 100))
	if err != nil {
		s.serverError(w, "list monitors", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"monitors": monitors})
}

func (s *Server) listSnapshots(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	snaps, err := s.st.ListSnapshots(r.Context(), id, queryInt(r, "limit", 100))
	if err != nil {
		s.serverError(w, "list snapshots", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": snaps})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.st.Stats(r.Context())
	if err != nil {
		s.serverError(w, "stats", err)
		return
	}
	out := map[string]any{"store": stats}
	if s.metrics != nil {
		totals, err := s.metrics.Totals(r.Context(), time.Now().Add(-24*time.Hour))
		if err != nil {
			s.serverError(w, "metric totals", err)
			return
		}
		out["counters_24h"] = totals
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) serverError(w http.ResponseWriter, op string, err error) {
	s.cfg.Logger.Error("adminapi: "+op, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid page id")
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > 1000 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

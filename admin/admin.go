// Package admin serves the operator HTTP API: health, statistics, session
// inspection, snapshots and manual reaping.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/cyberinferno/turnserver/clock"
	"github.com/cyberinferno/turnserver/connection"
	"github.com/cyberinferno/turnserver/lobby"
	"github.com/cyberinferno/turnserver/logger"
	"github.com/cyberinferno/turnserver/model"
	"github.com/cyberinferno/turnserver/perfmonitor"
	"github.com/cyberinferno/turnserver/registry"
)

// Config holds the collaborators the API reports on.
type Config struct {
	Registry *registry.Registry
	Hub      *connection.Hub
	Lobby    *lobby.Lobby
	Timings  *perfmonitor.Recorder
	Clock    clock.Clock
	Logger   logger.Logger
	Started  time.Time
}

type server struct {
	cfg Config
}

// NewRouter creates the admin router.
func NewRouter(cfg Config) http.Handler {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNopLogger()
	}
	cfg.Logger = cfg.Logger.With(logger.Field{Key: "component", Value: "admin"})
	if cfg.Started.IsZero() {
		cfg.Started = cfg.Clock.Now()
	}

	s := &server{cfg: cfg}
	r := mux.NewRouter()
	r.Use(Recovery(cfg.Logger))
	r.Use(Logging(cfg.Logger))

	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.stats).Methods(http.MethodGet)
	r.HandleFunc("/games", s.listGames).Methods(http.MethodGet)
	r.HandleFunc("/games/{id}", s.getGame).Methods(http.MethodGet)
	r.HandleFunc("/games/{id}/snapshot", s.getSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/games/{id}/checkpoint", s.checkpoint).Methods(http.MethodPost)
	r.HandleFunc("/reap", s.reap).Methods(http.MethodPost)

	return r
}

// Stats is the /stats body.
type Stats struct {
	UptimeSeconds float64                        `json:"uptime_seconds"`
	Registry      registry.Stats                 `json:"registry"`
	Connections   *connection.HubStats           `json:"connections,omitempty"`
	Waiting       map[model.GameType]int         `json:"waiting,omitempty"`
	Requests      map[string]perfmonitor.Summary `json:"requests,omitempty"`
	Persistence   bool                           `json:"persistence"`
}

func (s *server) health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) stats(w http.ResponseWriter, _ *http.Request) {
	out := Stats{
		UptimeSeconds: s.cfg.Clock.Now().Sub(s.cfg.Started).Seconds(),
		Registry:      s.cfg.Registry.Stats(),
		Persistence:   s.cfg.Registry.HasStore(),
	}

	if s.cfg.Hub != nil {
		hs := s.cfg.Hub.Stats()
		out.Connections = &hs
	}
	if s.cfg.Lobby != nil {
		out.Waiting = s.cfg.Lobby.Waiting()
	}
	if s.cfg.Timings != nil {
		out.Requests = s.cfg.Timings.Snapshot()
	}

	respondJSON(w, http.StatusOK, out)
}

func (s *server) listGames(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	games := s.cfg.Registry.List(registry.Filter{
		Status: model.Status(q.Get("status")),
		Type:   model.GameType(q.Get("type")),
	})

	respondJSON(w, http.StatusOK, map[string]any{"games": games, "count": len(games)})
}

func (s *server) getGame(w http.ResponseWriter, r *http.Request) {
	view, err := s.cfg.Registry.View(model.GameID(mux.Vars(r)["id"]))
	if err != nil {
		writeError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, view)
}

func (s *server) getSnapshot(w http.ResponseWriter, r *http.Request) {
	data, err := s.cfg.Registry.Snapshot(r.Context(), model.GameID(mux.Vars(r)["id"]))
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *server) checkpoint(w http.ResponseWriter, r *http.Request) {
	id := model.GameID(mux.Vars(r)["id"])
	if err := s.cfg.Registry.Checkpoint(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"game_id": id, "checkpointed": true})
}

func (s *server) reap(w http.ResponseWriter, r *http.Request) {
	removed := s.cfg.Registry.Reap(r.Context())
	respondJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Code    model.ErrorCode `json:"code"`
	Message string          `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := model.CodeOf(err)

	switch {
	case errors.Is(err, registry.ErrNoStore):
		status = http.StatusServiceUnavailable
	case code == model.CodeSessionNotFound:
		status = http.StatusNotFound
	case code == model.CodeBadRequest, code == model.CodeUnknownGameType, code == model.CodeInvalidSlotCount:
		status = http.StatusBadRequest
	case code == model.CodeSessionFinished:
		status = http.StatusConflict
	case code == model.CodeServerBusy:
		status = http.StatusServiceUnavailable
	}

	respondJSON(w, status, ErrorResponse{Code: code, Message: err.Error()})
}

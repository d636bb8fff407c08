// Package api serves the sensor-facing HTTP surface: heartbeat ingress,
// health, the sensor inventory, and metrics.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"powerwatch"
	"powerwatch/internal/metrics"
	"powerwatch/internal/ntp"
	"powerwatch/internal/sensormap"
	"powerwatch/internal/store"
)

// Monitor is poked after each heartbeat and reports loop progress for health.
type Monitor interface {
	Poke()
	LastTick() time.Time
}

const (
	// maxCommentRunes caps the free-text sensor comment.
	maxCommentRunes = 160
	// sensorRatePerSec is the per-sensor heartbeat ceiling.
	sensorRatePerSec = 10
	maxBodyBytes     = 4 << 10

	// Idle limiter entries are swept so a retired sensor's UUID does not pin
	// memory for the life of the process.
	limiterIdleTTL    = 10 * time.Minute
	limiterSweepEvery = time.Minute
)

var uuidPattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// Config holds the API's startup knobs.
type Config struct {
	SensorAPIKey string
	BotToken     string
}

// Server handles the HTTP surface. NTP may be nil when the checker is
// disabled.
type Server struct {
	store     *store.Store
	monitor   Monitor
	clock     powerwatch.Clock
	canonical *sensormap.Map
	ntp       *ntp.Checker
	cfg       Config
	started   time.Time

	mu        sync.Mutex
	limiters  map[string]*sensorLimiter
	nextSweep time.Time
}

type sensorLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

func NewServer(s *store.Store, m Monitor, clock powerwatch.Clock, canonical *sensormap.Map, checker *ntp.Checker, cfg Config) *Server {
	return &Server{
		store:     s,
		monitor:   m,
		clock:     clock,
		canonical: canonical,
		ntp:       checker,
		cfg:       cfg,
		started:   clock.Now(),
		limiters:  make(map[string]*sensorLimiter),
		nextSweep: clock.Now().Add(limiterSweepEvery),
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/api/v1/heartbeat", s.handleHeartbeat)
	r.Get("/api/v1/health", s.handleHealth)
	r.With(s.requireAPIKey).Get("/api/v1/sensors", s.handleSensors)
	r.With(s.requireWebAppAuth).Get("/api/v1/webapp/state", s.handleWebAppState)
	r.Handle("/metrics", metrics.Handler())
	return r
}

type heartbeatRequest struct {
	APIKey     string `json:"api_key"`
	BuildingID int    `json:"building_id"`
	SensorUUID string `json:"sensor_uuid"`
	SectionID  int    `json:"section_id"`
	Comment    string `json:"comment"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		metrics.HeartbeatsTotal.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	if subtle.ConstantTimeCompare([]byte(req.APIKey), []byte(s.cfg.SensorAPIKey)) != 1 {
		metrics.HeartbeatsTotal.WithLabelValues("unauthorized").Inc()
		writeError(w, http.StatusUnauthorized, "invalid api key")
		return
	}

	uuid := strings.ToLower(strings.TrimSpace(req.SensorUUID))
	if !uuidPattern.MatchString(uuid) {
		metrics.HeartbeatsTotal.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, "invalid sensor_uuid")
		return
	}

	buildingID, sectionID := req.BuildingID, req.SectionID
	if p, ok := s.canonical.Lookup(uuid); ok {
		// Canonical placement wins over whatever the firmware reports.
		buildingID, sectionID = p.BuildingID, p.SectionID
	}

	building, ok, err := s.store.BuildingByID(r.Context(), buildingID)
	if err != nil {
		s.writeStoreError(w, "lookup building", err)
		return
	}
	if !ok {
		metrics.HeartbeatsTotal.WithLabelValues("unknown_building").Inc()
		writeError(w, http.StatusNotFound, "unknown building")
		return
	}
	if sectionID == 0 {
		sectionID = 1
	}
	if sectionID < 1 || sectionID > building.SectionsCount {
		metrics.HeartbeatsTotal.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, "invalid section_id")
		return
	}

	if !s.allowSensor(uuid) {
		metrics.HeartbeatsTotal.WithLabelValues("rate_limited").Inc()
		writeError(w, http.StatusTooManyRequests, "slow down")
		return
	}

	now := s.clock.Now()
	res, err := s.store.UpsertHeartbeat(r.Context(), uuid, buildingID, sectionID, trimComment(req.Comment), now)
	if err != nil {
		if errors.Is(err, store.ErrBusy) {
			metrics.HeartbeatsTotal.WithLabelValues("busy").Inc()
		} else {
			metrics.HeartbeatsTotal.WithLabelValues("error").Inc()
		}
		s.writeStoreError(w, "upsert heartbeat", err)
		return
	}
	if res.Created {
		slog.Info("sensor registered", "uuid", uuid, "building_id", buildingID, "section_id", sectionID)
	}
	if res.Moved {
		slog.Warn("sensor moved",
			"uuid", uuid,
			"old_building_id", res.OldBuildingID, "old_section_id", res.OldSectionID,
			"building_id", buildingID, "section_id", sectionID)
	}
	s.monitor.Poke()

	metrics.HeartbeatsTotal.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"timestamp":   now.UTC().Format(time.RFC3339),
		"building":    building.Name,
		"sensor_uuid": uuid,
	})
}

// allowSensor enforces the per-sensor heartbeat rate and sweeps idle
// limiter entries so the map stays bounded by the live sensor population.
func (s *Server) allowSensor(uuid string) bool {
	now := s.clock.Now()
	s.mu.Lock()
	if !now.Before(s.nextSweep) {
		for k, e := range s.limiters {
			if now.Sub(e.seen) >= limiterIdleTTL {
				delete(s.limiters, k)
			}
		}
		s.nextSweep = now.Add(limiterSweepEvery)
	}
	e, ok := s.limiters[uuid]
	if !ok {
		e = &sensorLimiter{lim: rate.NewLimiter(rate.Limit(sensorRatePerSec), sensorRatePerSec)}
		s.limiters[uuid] = e
	}
	e.seen = now
	s.mu.Unlock()
	return e.lim.Allow()
}

func trimComment(c string) string {
	c = strings.TrimSpace(c)
	if utf8.RuneCountInString(c) <= maxCommentRunes {
		return c
	}
	runes := []rune(c)
	return string(runes[:maxCommentRunes])
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := s.clock.Now()
	resp := map[string]any{
		"status":     "ok",
		"uptime_sec": int(now.Sub(s.started).Seconds()),
	}

	dbOK := s.store.Ping(r.Context()) == nil
	resp["db_ok"] = dbOK
	if !dbOK {
		resp["status"] = "degraded"
	}

	if last := s.monitor.LastTick(); !last.IsZero() {
		resp["last_tick_ago_sec"] = int(now.Sub(last).Seconds())
	}
	if s.ntp != nil {
		st := s.ntp.Status()
		if !st.CheckedAt.IsZero() {
			resp["ntp_offset_ms"] = st.Offset.Milliseconds()
			resp["ntp_healthy"] = st.Healthy
		}
	}

	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// requireAPIKey guards operator read endpoints with the shared sensor key in
// the X-API-Key header.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.SensorAPIKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type sensorView struct {
	UUID          string     `json:"uuid"`
	BuildingID    int        `json:"building_id"`
	SectionID     int        `json:"section_id"`
	Comment       string     `json:"comment,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	Frozen        bool       `json:"frozen"`
	FrozenUntil   *time.Time `json:"frozen_until,omitempty"`
}

func (s *Server) handleSensors(w http.ResponseWriter, r *http.Request) {
	sensors, err := s.store.ActiveSensors(r.Context())
	if err != nil {
		s.writeStoreError(w, "list sensors", err)
		return
	}
	now := s.clock.Now()
	views := make([]sensorView, 0, len(sensors))
	for _, sensor := range sensors {
		views = append(views, sensorView{
			UUID:          sensor.UUID,
			BuildingID:    sensor.BuildingID,
			SectionID:     sensor.SectionID,
			Comment:       sensor.Comment,
			LastHeartbeat: sensor.LastHeartbeat,
			Frozen:        sensor.Frozen(now),
			FrozenUntil:   sensor.FrozenUntil,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sensors": views})
}

type sectionView struct {
	BuildingID int       `json:"building_id"`
	SectionID  int       `json:"section_id"`
	IsUp       bool      `json:"is_up"`
	LastChange time.Time `json:"last_change"`
}

func (s *Server) handleWebAppState(w http.ResponseWriter, r *http.Request) {
	states, err := s.store.SectionStates(r.Context())
	if err != nil {
		s.writeStoreError(w, "list section states", err)
		return
	}
	views := make([]sectionView, 0, len(states))
	for _, st := range states {
		views = append(views, sectionView{
			BuildingID: st.BuildingID,
			SectionID:  st.SectionID,
			IsUp:       st.IsUp,
			LastChange: st.LastChange,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sections": views})
}

// writeStoreError maps exhausted busy retries to 503, everything else to 500.
func (s *Server) writeStoreError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, store.ErrBusy) {
		writeError(w, http.StatusServiceUnavailable, "storage busy")
		return
	}
	slog.Error(op, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": msg})
}

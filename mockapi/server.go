// Package mockapi is the stand-in ticketing and email collaborator the
// pipeline talks to in integration setups. It honors Idempotency-Key
// replays, persists its store atomically, and injects failures on demand
// so retry behavior can be exercised end to end.
package mockapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/Yash-Kakadiya/salesops-suite/observability"
)

// ChaosConfig is the runtime failure-injection toggle.
type ChaosConfig struct {
	Enabled           bool    `json:"enabled"`
	FailureRate       float64 `json:"failure_rate"`
	SimulateRateLimit bool    `json:"simulate_rate_limit"`
}

// TicketRequest is the body of POST /tickets.
type TicketRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority"`
	AnomalyID   string `json:"anomaly_id"`
	Assignee    string `json:"assignee,omitempty"`
}

// EmailRequest is the body of POST /emails/send.
type EmailRequest struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

// TicketResponse is the stored and replayed answer to a ticket creation.
type TicketResponse struct {
	TicketID  string `json:"ticket_id"`
	Status    string `json:"status"`
	Link      string `json:"link"`
	ReviewURL string `json:"review_url,omitempty"`
	CreatedAt string `json:"created_at"`
}

// EmailResponse is the stored and replayed answer to an email send.
type EmailResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	QueuedAt  string `json:"queued_at"`
}

// CapturedRequest is one observed call, kept for test assertions.
type CapturedRequest struct {
	Timestamp      string          `json:"timestamp"`
	Method         string          `json:"method"`
	Path           string          `json:"path"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Body           json.RawMessage `json:"body"`
}

// Server holds the mock collaborator's state.
type Server struct {
	logger *slog.Logger
	dbPath string

	mu    sync.Mutex
	store map[string]json.RawMessage
	chaos ChaosConfig
	reqs  []CapturedRequest

	started time.Time
}

// NewServer builds a mock API. dbPath is the idempotency store file; empty
// keeps the store in memory only.
func NewServer(dbPath string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		logger:  logger.With("component", "mockapi"),
		dbPath:  dbPath,
		store:   make(map[string]json.RawMessage),
		started: time.Now().UTC(),
	}
	if dbPath != "" {
		data, err := os.ReadFile(dbPath)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("open mock db %s: %w", dbPath, err)
		case len(data) > 0:
			if err := json.Unmarshal(data, &s.store); err != nil {
				return nil, fmt.Errorf("parse mock db %s: %w", dbPath, err)
			}
			s.logger.Info("loaded mock db", "records", len(s.store), "path", dbPath)
		}
	}
	return s, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	e.GET("/health", s.health)
	e.GET("/ready", s.ready)
	e.GET("/metrics", echo.WrapHandler(observability.MetricsHandler()))
	e.POST("/admin/chaos", s.configureChaos)
	e.GET("/admin/requests", s.listRequests)
	e.POST("/tickets", s.createTicket)
	e.POST("/emails/send", s.sendEmail)
	return e
}

func (s *Server) health(c echo.Context) error {
	s.mu.Lock()
	records := len(s.store)
	cfg := s.chaos
	s.mu.Unlock()
	return c.JSON(http.StatusOK, echo.Map{
		"status":       "healthy",
		"uptime_since": s.started.Format(time.RFC3339),
		"db_records":   records,
		"db_path":      s.dbPath,
		"config":       cfg,
	})
}

func (s *Server) ready(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"status": "ready"})
}

func (s *Server) configureChaos(c echo.Context) error {
	var cfg ChaosConfig
	if err := c.Bind(&cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if cfg.Enabled && cfg.FailureRate == 0 {
		cfg.FailureRate = 0.3
	}
	s.mu.Lock()
	s.chaos = cfg
	s.mu.Unlock()
	s.logger.Info("chaos config updated",
		"enabled", cfg.Enabled, "failure_rate", cfg.FailureRate,
		"simulate_rate_limit", cfg.SimulateRateLimit)
	return c.JSON(http.StatusOK, echo.Map{"message": "Chaos config updated", "config": cfg})
}

func (s *Server) listRequests(c echo.Context) error {
	s.mu.Lock()
	out := make([]CapturedRequest, len(s.reqs))
	copy(out, s.reqs)
	s.mu.Unlock()
	return c.JSON(http.StatusOK, out)
}

func (s *Server) createTicket(c echo.Context) error {
	var req TicketRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	var missing []string
	for field, value := range map[string]string{
		"title": req.Title, "priority": req.Priority, "anomaly_id": req.AnomalyID,
	} {
		if value == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return validationError(c, missing)
	}
	key := c.Request().Header.Get("Idempotency-Key")
	if key == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "missing Idempotency-Key header")
	}
	s.capture(c, key, req)

	if done, err := s.injectChaos(c); done {
		return err
	}
	if stored, ok := s.replay(key); ok {
		s.logger.Info("ticket replayed", "idempotency_key", key)
		c.Response().Header().Set("X-Idempotent-Replay", "true")
		return c.JSONBlob(http.StatusCreated, stored)
	}

	ticketID := fmt.Sprintf("TICKET-%d", 10000+rand.Intn(90000))
	resp := TicketResponse{
		TicketID:  ticketID,
		Status:    "created",
		Link:      "https://jira.internal/browse/" + ticketID,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if strings.Contains(req.Title, "Review") {
		resp.ReviewURL = "https://jira.internal/review/" + ticketID
	}
	s.commit(key, resp)
	s.logger.Info("ticket created", "ticket_id", ticketID, "anomaly_id", req.AnomalyID)
	return c.JSON(http.StatusCreated, resp)
}

func (s *Server) sendEmail(c echo.Context) error {
	var req EmailRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	var missing []string
	for field, value := range map[string]string{
		"recipient": req.Recipient, "subject": req.Subject, "body": req.Body,
	} {
		if value == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return validationError(c, missing)
	}
	key := c.Request().Header.Get("Idempotency-Key")
	if key == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "missing Idempotency-Key header")
	}
	s.capture(c, key, req)

	if done, err := s.injectChaos(c); done {
		return err
	}
	if stored, ok := s.replay(key); ok {
		s.logger.Info("email replayed", "idempotency_key", key)
		c.Response().Header().Set("X-Idempotent-Replay", "true")
		return c.JSONBlob(http.StatusAccepted, stored)
	}

	resp := EmailResponse{
		MessageID: uuid.NewString(),
		Status:    "queued",
		QueuedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	s.commit(key, resp)
	s.logger.Info("email queued", "message_id", resp.MessageID, "recipient", req.Recipient)
	return c.JSON(http.StatusAccepted, resp)
}

func validationError(c echo.Context, missing []string) error {
	return c.JSON(http.StatusUnprocessableEntity, echo.Map{
		"error":   "missing required fields",
		"missing": missing,
	})
}

// injectChaos rolls the configured failure dice. When it fires, the response
// has already been written and the handler must stop.
func (s *Server) injectChaos(c echo.Context) (bool, error) {
	s.mu.Lock()
	cfg := s.chaos
	s.mu.Unlock()

	if !cfg.Enabled || rand.Float64() >= cfg.FailureRate {
		return false, nil
	}
	if cfg.SimulateRateLimit {
		s.logger.Warn("chaos: rate limit injected")
		c.Response().Header().Set("Retry-After", "2")
		return true, c.JSON(http.StatusTooManyRequests, echo.Map{"error": "Rate Limit Exceeded"})
	}
	s.logger.Warn("chaos: server error injected")
	return true, c.JSON(http.StatusInternalServerError, echo.Map{"error": "Simulated Internal Failure"})
}

func (s *Server) capture(c echo.Context, key string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.reqs = append(s.reqs, CapturedRequest{
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		Method:         c.Request().Method,
		Path:           c.Request().URL.Path,
		IdempotencyKey: key,
		Body:           body,
	})
	s.mu.Unlock()
}

func (s *Server) replay(key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.store[key]
	return stored, ok
}

func (s *Server) commit(key string, resp any) {
	raw, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to encode response for store", "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store[key] = raw
	if err := s.saveDB(); err != nil {
		s.logger.Error("failed to persist mock db", "error", err)
	}
}

// saveDB writes the store to a temp file and renames it into place so a
// crash never leaves a torn file. Caller holds the lock.
func (s *Server) saveDB() error {
	if s.dbPath == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.store, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".mockdb-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.dbPath)
}

package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"authguard/internal/config"
	"authguard/internal/model"
	"authguard/internal/normalize"
)

const (
	sourceREST   = "rest"
	maxBodyBytes = 2 << 20
)

var validate = validator.New()

// reportPayload is the accepted shape of POST /events.
type reportPayload struct {
	ID        string         `json:"id" validate:"max=128"`
	Kind      string         `json:"kind" validate:"required,oneof=failed_login unauthorized_access brute_force suspicious_activity password_violation"`
	Origin    string         `json:"origin" validate:"required,max=255"`
	Signature string         `json:"signature" validate:"max=2048"`
	Timestamp string         `json:"timestamp"`
	Hints     payloadHints   `json:"hints"`
	Details   payloadDetails `json:"details"`
}

type payloadHints struct {
	ScreenResolution string `json:"screen_resolution" validate:"max=32"`
	Timezone         string `json:"timezone" validate:"max=64"`
	Language         string `json:"language" validate:"max=64"`
	Platform         string `json:"platform" validate:"max=64"`
	Location         string `json:"location" validate:"max=128"`
}

type payloadDetails struct {
	Endpoint string `json:"endpoint" validate:"max=2048"`
	Method   string `json:"method" validate:"omitempty,max=16,alpha"`
	Reason   string `json:"reason" validate:"max=512"`
}

type ingestResponse struct {
	Accepted int      `json:"accepted"`
	Dropped  int      `json:"dropped"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

type RESTServer struct {
	cfg    *config.Manager
	out    chan<- model.Report
	logger *slog.Logger
}

func NewRESTServer(cfg *config.Manager, out chan<- model.Report, logger *slog.Logger) *RESTServer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RESTServer{cfg: cfg, out: out, logger: logger}
}

func (s *RESTServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/events", s.handleEvents)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return r
}

func StartREST(ctx context.Context, cfg *config.Manager, out chan<- model.Report, logger *slog.Logger) *http.Server {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		if logger != nil {
			logger.Info("rest ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("rest ingest enabled", "addr", current.Addr)
	}
	server := NewRESTServer(cfg, out, logger)
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			server.logger.Error("rest ingest server error", "err", err)
		}
	}()
	return httpServer
}

func (s *RESTServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeIngestError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		writeIngestError(w, http.StatusBadRequest, "empty body")
		return
	}

	var payloads []reportPayload
	if body[0] == '[' {
		if err := json.Unmarshal(body, &payloads); err != nil {
			writeIngestError(w, http.StatusBadRequest, "invalid JSON array")
			return
		}
	} else {
		var one reportPayload
		if err := json.Unmarshal(body, &one); err != nil {
			writeIngestError(w, http.StatusBadRequest, "invalid JSON object")
			return
		}
		payloads = append(payloads, one)
	}

	cfg := s.cfg.Get()
	var resp ingestResponse
	for i, p := range payloads {
		report, err := p.toReport(cfg)
		if err != nil {
			resp.Failed++
			resp.Errors = append(resp.Errors, fmt.Sprintf("item %d: %v", i, err))
			continue
		}
		if SendNonBlocking(r.Context(), s.out, report, s.logger) {
			resp.Accepted++
		} else {
			resp.Dropped++
		}
	}

	status := http.StatusAccepted
	switch {
	case resp.Accepted == 0 && resp.Failed > 0:
		status = http.StatusBadRequest
	case resp.Accepted == 0 && resp.Dropped > 0:
		status = http.StatusServiceUnavailable
	}
	if resp.Failed > 0 {
		s.logger.Warn("rest ingest rejected items", "failed", resp.Failed, "accepted", resp.Accepted)
	}
	writeIngestJSON(w, status, resp)
}

func (p reportPayload) toReport(cfg *config.Config) (model.Report, error) {
	if err := validateRequest(p); err != nil {
		return model.Report{}, err
	}
	ts := time.Now().UTC()
	if p.Timestamp != "" {
		parsed, err := normalize.ParseTimestamp(p.Timestamp, time.UTC)
		if err != nil {
			return model.Report{}, fmt.Errorf("timestamp: %w", err)
		}
		ts = parsed.UTC()
	}
	origin := strings.TrimSpace(p.Origin)
	if origin == "" {
		origin = cfg.Ingest.Parser.DefaultOrigin
	}
	return model.Report{
		ID:        p.ID,
		Kind:      model.EventKind(p.Kind),
		Origin:    origin,
		Signature: p.Signature,
		Hints: model.Hints{
			ScreenResolution: p.Hints.ScreenResolution,
			Timezone:         p.Hints.Timezone,
			Language:         p.Hints.Language,
			Platform:         p.Hints.Platform,
			Location:         p.Hints.Location,
		},
		Details: model.EventDetails{
			Endpoint: p.Details.Endpoint,
			Method:   strings.ToUpper(p.Details.Method),
			Reason:   p.Details.Reason,
		},
		ReportedAt: ts,
		Source:     sourceREST,
	}, nil
}

func validateRequest(req interface{}) error {
	if err := validate.Struct(req); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			return fmt.Errorf("%s: %s", strings.ToLower(ve[0].Field()), formatValidationError(ve[0]))
		}
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "max":
		return fmt.Sprintf("must have a maximum of %s characters", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "alpha":
		return "must contain letters only"
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}

func writeIngestJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeIngestError(w http.ResponseWriter, status int, msg string) {
	writeIngestJSON(w, status, map[string]string{"error": msg})
}

// Package ingress accepts broadcast requests from backend services over HTTP
// and hands them to the connection registry for fan-out.
package ingress

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/c360/runwatch/broker"
	"github.com/c360/runwatch/errors"
	"github.com/c360/runwatch/metric"
)

// DefaultMaxRequestSize bounds broadcast request bodies.
const DefaultMaxRequestSize = 1 << 20 // 1 MiB

// Recorder persists a broadcast so late-joining observers can replay it.
// Implemented by the backlog stores; nil disables retention.
type Recorder interface {
	Record(channel, event string, payload json.RawMessage, receivedAt time.Time) error
}

// Request is the body of a broadcast call.
type Request struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Response is returned on a successful broadcast. Sent and Failed cover the
// deliveries performed by this instance.
type Response struct {
	Success bool   `json:"success"`
	Channel string `json:"channel"`
	Event   string `json:"event"`
	Sent    int    `json:"sent"`
	Failed  int    `json:"failed"`
}

// Config holds ingress settings.
type Config struct {
	// APIKey authorizes broadcast callers. Required.
	APIKey string `json:"api_key" yaml:"api_key"`

	// MaxRequestSize bounds the request body in bytes. Zero selects the default.
	MaxRequestSize int64 `json:"max_request_size" yaml:"max_request_size"`
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "api_key is required")
	}
	if c.MaxRequestSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "max_request_size must be non-negative")
	}
	return nil
}

// Handler serves the broadcast endpoint.
type Handler struct {
	config   Config
	registry broker.Registry
	recorder Recorder
	logger   *slog.Logger
	core     *metric.CoreMetrics
}

// NewHandler creates a broadcast ingress handler. Recorder, logger and core
// metrics are optional.
func NewHandler(config Config, registry broker.Registry, recorder Recorder, logger *slog.Logger, core *metric.CoreMetrics) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Handler", "NewHandler",
			"registry is required")
	}
	if config.MaxRequestSize == 0 {
		config.MaxRequestSize = DefaultMaxRequestSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		config:   config,
		registry: registry,
		recorder: recorder,
		logger:   logger,
		core:     core,
	}, nil
}

// ServeHTTP handles POST /broadcast.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed,
			fmt.Sprintf("method %s not allowed", r.Method))
		h.recordRequest(http.StatusMethodNotAllowed)
		return
	}

	// Authorization runs before the body is touched: an unauthorized caller
	// learns nothing about the payload handling.
	if !h.authorized(r) {
		h.writeError(w, http.StatusUnauthorized, "Unauthorized")
		h.recordRequest(http.StatusUnauthorized)
		return
	}

	defer r.Body.Close()

	bodyReader := io.LimitReader(r.Body, h.config.MaxRequestSize+1)
	body, err := io.ReadAll(bodyReader)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "failed to read request body")
		h.recordRequest(http.StatusBadRequest)
		return
	}
	if int64(len(body)) > h.config.MaxRequestSize {
		h.writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("request body exceeds maximum size of %d bytes", h.config.MaxRequestSize))
		h.recordRequest(http.StatusRequestEntityTooLarge)
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		h.recordRequest(http.StatusBadRequest)
		return
	}

	if req.Channel == "" {
		h.writeError(w, http.StatusBadRequest, "channel is required")
		h.recordRequest(http.StatusBadRequest)
		return
	}
	if req.Event == "" {
		h.writeError(w, http.StatusBadRequest, "event is required")
		h.recordRequest(http.StatusBadRequest)
		return
	}
	if len(req.Data) == 0 {
		req.Data = json.RawMessage(`{}`)
	}

	receivedAt := time.Now()
	if h.recorder != nil {
		if err := h.recorder.Record(req.Channel, req.Event, req.Data, receivedAt); err != nil {
			// Retention is best-effort: live delivery proceeds regardless.
			h.logger.Warn("backlog record failed",
				"channel", req.Channel, "event", req.Event, "error", err)
		}
	}

	result := h.registry.Publish(r.Context(), req.Channel, req.Event, req.Data, "")

	h.logger.Debug("broadcast accepted",
		"channel", req.Channel, "event", req.Event,
		"sent", result.Sent, "failed", result.Failed)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	resp := Response{
		Success: true,
		Channel: req.Channel,
		Event:   req.Event,
		Sent:    result.Sent,
		Failed:  result.Failed,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Warn("broadcast response write failed", "error", err)
	}
	h.recordRequest(http.StatusOK)
}

// authorized checks the bearer key with a constant-time comparison.
func (h *Handler) authorized(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.config.APIKey)) == 1
}

// writeError writes a JSON error response.
func (h *Handler) writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := map[string]any{
		"error":  message,
		"status": statusCode,
	}
	data, _ := json.Marshal(response)
	_, _ = w.Write(data)
}

func (h *Handler) recordRequest(statusCode int) {
	if h.core != nil {
		h.core.IngressRequests.WithLabelValues(fmt.Sprintf("%d", statusCode)).Inc()
	}
}

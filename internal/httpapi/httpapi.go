// Package httpapi exposes peripheral sessions over a small JSON API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/chaz8081/blegate/internal/display"
	"github.com/chaz8081/blegate/internal/session"
)

// Sessions is the part of session.Manager the API drives.
type Sessions interface {
	Connect(ctx context.Context, id string) error
	Disconnect(ctx context.Context, id string) error
	Resubscribe(ctx context.Context, id, charID string) error
	CurrentState(id string) session.Peripheral
	List() []session.Peripheral
}

// ValueSource returns the latest decoded values of a peripheral.
type ValueSource interface {
	Values(id string) []display.Value
}

// Handler serves the API.
type Handler struct {
	sessions Sessions
	values   ValueSource
}

// NewHandler creates a handler. values may be nil.
func NewHandler(s Sessions, values ValueSource) *Handler {
	return &Handler{sessions: s, values: values}
}

// Routes builds the chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.Health)
	r.Route("/peripherals", func(r chi.Router) {
		r.Get("/", h.ListPeripherals)
		r.Get("/{id}", h.GetPeripheral)
		r.Get("/{id}/values", h.GetValues)
		r.Post("/{id}/connect", h.Connect)
		r.Post("/{id}/disconnect", h.Disconnect)
		r.Post("/{id}/resubscribe/{characteristic}", h.Resubscribe)
	})
	return r
}

// Response helpers
func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Debug("[HTTP] encode response", "error", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]any{
		"error": message,
		"code":  status,
	})
}

func sessionError(w http.ResponseWriter, err error) {
	resp := map[string]any{
		"error": err.Error(),
	}
	status := http.StatusInternalServerError
	if kind := session.KindOf(err); kind != 0 {
		status = statusFor(kind)
		resp["kind"] = kind.String()
	}
	resp["code"] = status
	jsonResponse(w, status, resp)
}

func statusFor(k session.Kind) int {
	switch k {
	case session.KindAlreadyInProgress:
		return http.StatusConflict
	case session.KindTimeout:
		return http.StatusGatewayTimeout
	case session.KindTransportUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

// Subscription is the JSON form of session.Subscription.
type Subscription struct {
	ServiceID        string `json:"service"`
	CharacteristicID string `json:"characteristic"`
}

// Peripheral is the JSON form of a session snapshot.
type Peripheral struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	State         string         `json:"state"`
	RSSI          *int           `json:"rssi,omitempty"`
	Subscriptions []Subscription `json:"subscriptions"`
	Error         string         `json:"error,omitempty"`
	UpdatedAt     *time.Time     `json:"updated_at,omitempty"`
}

func toPeripheral(p session.Peripheral) Peripheral {
	out := Peripheral{
		ID:            p.ID,
		Name:          p.Name,
		State:         p.State.String(),
		RSSI:          p.LastRSSI,
		Subscriptions: make([]Subscription, 0, len(p.Subscriptions)),
	}
	if out.Name == "" {
		out.Name = session.NoName
	}
	for _, s := range p.Subscriptions {
		out.Subscriptions = append(out.Subscriptions, Subscription{ServiceID: s.ServiceID, CharacteristicID: s.CharacteristicID})
	}
	if p.LastError != nil {
		out.Error = p.LastError.Error()
	}
	if !p.UpdatedAt.IsZero() {
		t := p.UpdatedAt
		out.UpdatedAt = &t
	}
	return out
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"service":     "blegate",
		"peripherals": len(h.sessions.List()),
	})
}

// ListPeripherals returns every tracked peripheral.
func (h *Handler) ListPeripherals(w http.ResponseWriter, r *http.Request) {
	list := h.sessions.List()
	out := make([]Peripheral, 0, len(list))
	for _, p := range list {
		out = append(out, toPeripheral(p))
	}
	jsonResponse(w, http.StatusOK, map[string]any{
		"peripherals": out,
		"count":       len(out),
	})
}

// GetPeripheral returns one snapshot. Unknown ids read as Disconnected.
func (h *Handler) GetPeripheral(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	jsonResponse(w, http.StatusOK, toPeripheral(h.sessions.CurrentState(id)))
}

// GetValues returns the latest decoded values of a peripheral.
func (h *Handler) GetValues(w http.ResponseWriter, r *http.Request) {
	if h.values == nil {
		errorResponse(w, http.StatusNotFound, "values are not collected")
		return
	}
	id := chi.URLParam(r, "id")
	values := h.values.Values(id)
	if values == nil {
		values = []display.Value{}
	}
	jsonResponse(w, http.StatusOK, map[string]any{
		"id":     id,
		"values": values,
	})
}

// Connect drives the peripheral to Ready.
func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.sessions.Connect(r.Context(), id); err != nil {
		sessionError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, toPeripheral(h.sessions.CurrentState(id)))
}

// Disconnect tears the link down.
func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.sessions.Disconnect(r.Context(), id); err != nil {
		sessionError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, toPeripheral(h.sessions.CurrentState(id)))
}

// Resubscribe retries notifications for one characteristic.
func (h *Handler) Resubscribe(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	char := chi.URLParam(r, "characteristic")
	if err := h.sessions.Resubscribe(r.Context(), id, char); err != nil {
		sessionError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, toPeripheral(h.sessions.CurrentState(id)))
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Info("[HTTP] request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).Round(time.Millisecond),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// NewServer wraps h in an http.Server with conservative timeouts. Writes
// may wait for a full connect sequence.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Serve runs srv until ctx is done, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("[HTTP] listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// Package api serves read-only views of the engine's state over HTTP,
// plus order cancellation.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"zerodha-oms/internal/errors"
	"zerodha-oms/internal/logging"
	"zerodha-oms/internal/models"
	"zerodha-oms/pkg/utils"
)

// Engine is the part of the order engine the API reads from.
type Engine interface {
	OpenPositions(userID string) []*models.Position
	Capital(userID string) (models.CapitalSnapshot, error)
	UserOrders(userID string, workingOnly bool) []*models.Order
	RejectionLog(userID string, limit int) []models.Rejection
	Summary(userID string, date time.Time) models.DailySummary
	Order(orderID string) (*models.Order, error)
	Executions(orderID string) ([]models.Execution, error)
	Cancel(ctx context.Context, orderID, reason string) (*models.Order, error)
	Halted(userID string) error
}

// Server routes API requests to the engine.
type Server struct {
	engine  Engine
	metrics http.Handler
	logger  zerolog.Logger
	now     func() time.Time
}

// NewServer creates a server. metrics may be nil.
func NewServer(engine Engine, metrics http.Handler, logger zerolog.Logger) *Server {
	return &Server{
		engine:  engine,
		metrics: metrics,
		logger:  logging.WithComponent(logger, "api"),
		now:     time.Now,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.logRequests)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/users/{user}", func(r chi.Router) {
			r.Get("/positions", s.positions)
			r.Get("/capital", s.capital)
			r.Get("/orders", s.orders)
			r.Get("/rejections", s.rejections)
			r.Get("/summary", s.summary)
		})
		r.Route("/orders/{id}", func(r chi.Router) {
			r.Get("/", s.order)
			r.Get("/executions", s.executions)
			r.Post("/cancel", s.cancel)
		})
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().Str("method", r.Method).Str("path", r.URL.Path).Dur("took", time.Since(start)).Msg("Request")
	})
}

// ListenAndServe serves on addr until ctx ends, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info().Str("addr", addr).Msg("Query API listening")

	select {
	case err := <-errc:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	}
}

func (s *Server) positions(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	if !s.knownUser(w, user) {
		return
	}
	out := []PositionView{}
	for _, p := range s.engine.OpenPositions(user) {
		out = append(out, NewPositionView(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) capital(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	snap, err := s.engine.Capital(user)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NewCapitalView(snap, s.engine.Halted(user)))
}

func (s *Server) orders(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	if !s.knownUser(w, user) {
		return
	}
	working := r.URL.Query().Get("working") == "true"
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	out := []OrderView{}
	for _, o := range s.engine.UserOrders(user, working) {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, NewOrderView(o))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) rejections(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	if !s.knownUser(w, user) {
		return
	}
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	out := []RejectionView{}
	for _, rej := range s.engine.RejectionLog(user, limit) {
		out = append(out, NewRejectionView(rej))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	if !s.knownUser(w, user) {
		return
	}
	date := s.now()
	if v := r.URL.Query().Get("date"); v != "" {
		d, err := time.ParseInLocation("2006-01-02", v, utils.IndiaLocation)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "date must be YYYY-MM-DD"})
			return
		}
		date = d
	}
	writeJSON(w, http.StatusOK, NewSummaryView(s.engine.Summary(user, date)))
}

func (s *Server) order(w http.ResponseWriter, r *http.Request) {
	o, err := s.engine.Order(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NewOrderView(o))
}

func (s *Server) executions(w http.ResponseWriter, r *http.Request) {
	execs, err := s.engine.Executions(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]ExecutionView, 0, len(execs))
	for _, e := range execs {
		out = append(out, NewExecutionView(e))
	}
	writeJSON(w, http.StatusOK, out)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
			return
		}
	}
	o, err := s.engine.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		s.logger.Warn().Err(err).Str("order_id", id).Msg("Cancel via API failed")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, NewOrderView(o))
}

func (s *Server) knownUser(w http.ResponseWriter, user string) bool {
	if _, err := s.engine.Capital(user); err != nil {
		writeError(w, err)
		return false
	}
	return true
}

func limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
		return 0, false
	}
	return n, true
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errors.ErrUnknownOrder), errors.Is(err, errors.ErrUnknownUser):
		status = http.StatusNotFound
	case errors.Is(err, errors.ErrOrderTerminal), errors.Is(err, errors.ErrIllegalTransition):
		status = http.StatusConflict
	case errors.Is(err, errors.ErrPartitionHalted):
		status = http.StatusServiceUnavailable
	case errors.Is(err, errors.ErrBrokerUnreachable), errors.Is(err, errors.ErrBrokerRejected):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Package api exposes order intake, lookup and cancellation over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/buildtall-systems/orderflow/internal/db"
	"github.com/buildtall-systems/orderflow/internal/metrics"
	"github.com/buildtall-systems/orderflow/internal/orders"
)

const shutdownTimeout = 10 * time.Second

// OrderStore reads orders for the lookup endpoints.
type OrderStore interface {
	GetOrderByID(ctx context.Context, orderID string) (*db.Order, error)
	GetOrderItems(ctx context.Context, orderID string) ([]db.OrderItem, error)
	GetStatusHistory(ctx context.Context, orderID string) ([]db.StatusLogEntry, error)
	ListOrders(ctx context.Context, f db.ListFilter) ([]db.Order, int, error)
}

type Submitter interface {
	Submit(ctx context.Context, req orders.CreateOrderRequest) (*db.Order, []db.OrderItem, error)
}

type Canceller interface {
	CancelOrder(ctx context.Context, orderID, reason string) (*db.Order, error)
}

// Options configures a Server. WorkerState may be nil when no worker runs
// in this process.
type Options struct {
	Service     string
	Store       OrderStore
	Intake      Submitter
	Canceller   Canceller
	WorkerState func() string
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
}

type Server struct {
	opts   Options
	logger zerolog.Logger
	router chi.Router
}

func New(opts Options) *Server {
	s := &Server{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "api").Logger(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(traceRequests)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics.Handler())
	}

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", s.createOrder)
		r.Get("/", s.listOrders)
		r.Get("/{orderID}", s.getOrder)
		r.Post("/{orderID}/cancel", s.cancelOrder)
	})
	return r
}

// Handler returns the HTTP handler serving all routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

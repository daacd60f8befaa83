package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/fractal-lba/demandcast/internal/api"
	"github.com/fractal-lba/demandcast/internal/app"
	"github.com/fractal-lba/demandcast/internal/elasticity"
	"github.com/fractal-lba/demandcast/internal/forecast"
	"github.com/fractal-lba/demandcast/internal/promotion"
)

const (
	defaultHorizon = 7
	maxBodyBytes   = 1 << 20
)

// Server exposes the forecasting and elasticity operations over HTTP.
type Server struct {
	app      *app.App
	limiter  *rate.Limiter
	validate *validator.Validate
	logger   zerolog.Logger

	// metrics handler; promhttp.Handler by default
	metrics http.Handler
}

type batchRequest struct {
	ItemIDs     []string `json:"item_ids" validate:"required,min=1,max=500,dive,required"`
	HorizonDays int      `json:"horizon_days" validate:"min=0"`
}

type linesRequest struct {
	Lines []promotion.TransactionLine `json:"lines" validate:"required,min=1,max=10000"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewServer(a *app.App) *Server {
	limit := a.Config.Server.RateLimit
	return &Server{
		app:      a,
		limiter:  rate.NewLimiter(rate.Limit(limit), int(limit*2)),
		validate: validator.New(),
		logger:   a.Logger.With().Str("component", "http").Logger(),
		metrics:  promhttp.Handler(),
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)
	r.Handle("/metrics", s.metricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Get("/items/{itemID}/forecast", s.handleForecast)
		r.Post("/forecasts", s.handleForecastBatch)
		r.Get("/items/{itemID}/elasticity", s.handleCurrentElasticity)
		r.Post("/items/{itemID}/elasticity", s.handleEstimateElasticity)
		r.Post("/elasticity/refresh", s.handleEstimateAll)
		r.Get("/items/{itemID}/promotions", s.handlePromotions)
		r.Post("/items/{itemID}/promotions/lines", s.handleLinePromotions)
		r.Get("/items/{itemID}/backtest", s.handleBacktest)
		r.Post("/priors/refresh", s.handleRefreshPriors)
		r.Get("/priors", s.handlePriorStats)
	})
	return r
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	horizon := defaultHorizon
	if v := r.URL.Query().Get("horizon"); v != "" {
		h, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "horizon must be an integer")
			return
		}
		horizon = h
	}

	results, err := s.app.Forecast(r.Context(), chi.URLParam(r, "itemID"), horizon)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, results)
}

func (s *Server) handleForecastBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.HorizonDays == 0 {
		req.HorizonDays = defaultHorizon
	}

	out, err := s.app.ForecastBatch(r.Context(), req.ItemIDs, req.HorizonDays)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleCurrentElasticity(w http.ResponseWriter, r *http.Request) {
	est, err := s.app.Elasticity.Current(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, est)
}

func (s *Server) handleEstimateElasticity(w http.ResponseWriter, r *http.Request) {
	est, err := s.app.Elasticity.Estimate(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, est)
}

func (s *Server) handleEstimateAll(w http.ResponseWriter, r *http.Request) {
	ests, err := s.app.Elasticity.EstimateAll(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ests)
}

func (s *Server) handlePromotions(w http.ResponseWriter, r *http.Request) {
	periods, err := s.app.DetectPromotions(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, periods)
}

func (s *Server) handleLinePromotions(w http.ResponseWriter, r *http.Request) {
	var req linesRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	periods := s.app.DetectLinePromotions(chi.URLParam(r, "itemID"), req.Lines)
	if periods == nil {
		periods = []api.PromotionPeriod{}
	}
	respondJSON(w, http.StatusOK, periods)
}

func (s *Server) handleBacktest(w http.ResponseWriter, r *http.Request) {
	report, err := s.app.RunBacktest(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleRefreshPriors(w http.ResponseWriter, r *http.Request) {
	snap, err := s.app.Refresher.RunOnce(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handlePriorStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.app.Refresher.Stats())
}

// fail maps domain errors to status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, forecast.ErrInvalidRequest), errors.Is(err, elasticity.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error().
			Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		respondError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "10")
			respondError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) metricsHandler() http.Handler {
	user, pass := s.app.Config.Server.MetricsUser, s.app.Config.Server.MetricsPass
	if user == "" {
		return s.metrics
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		s.metrics.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Error: msg})
}

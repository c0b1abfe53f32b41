package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/punchamoorthee/tenantledger/internal/domain"
	"github.com/punchamoorthee/tenantledger/internal/models"
	"github.com/punchamoorthee/tenantledger/internal/service"
)

var logger = loggo.GetLogger("ledger.api")

// TenantHeader carries the tenant resolved by the authenticating gateway.
const TenantHeader = "X-Tenant-ID"

const maxBodyBytes = 1 << 20

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type Handler struct {
	engine *service.Engine
}

func NewHandler(engine *service.Engine) *Handler {
	return &Handler{engine: engine}
}

// CORSOptions lists the origins allowed to call the API from a browser.
type CORSOptions struct {
	AllowedOrigins []string
}

// NewRouter wires the ledger endpoints under /api/v1 together with /health
// and /metrics.
func NewRouter(h *Handler, corsOpts CORSOptions) http.Handler {
	r := mux.NewRouter()
	r.Use(instrument)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(requireTenant)
	v1.HandleFunc("/accounts", h.CreateAccountHandler).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id}", h.GetAccountHandler).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id}/entries", h.GetAccountEntriesHandler).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id}/status", h.UpdateAccountStatusHandler).Methods(http.MethodPatch)
	v1.HandleFunc("/transactions", h.CreateTransactionHandler).Methods(http.MethodPost)
	v1.HandleFunc("/transactions/{id}", h.GetTransactionHandler).Methods(http.MethodGet)
	v1.HandleFunc("/transactions/{id}/reversal", h.ReverseTransactionHandler).Methods(http.MethodPost)

	origins := corsOpts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:8080"}
	}
	return chi.Chain(
		middleware.RequestID,
		middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: accessLog{}, NoColor: true}),
		middleware.Recoverer,
		cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", TenantHeader},
			ExposedHeaders: []string{"Location"},
		}),
	).Handler(r)
}

// accessLog routes chi's request log lines through loggo.
type accessLog struct{}

func (accessLog) Print(v ...interface{}) {
	logger.Infof("%s", fmt.Sprint(v...))
}

// instrument records request counts and latency per route template.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(status)).Inc()
	})
}

type tenantKey struct{}

func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get(TenantHeader)
		if tenantID == "" {
			respondWithError(w, http.StatusBadRequest, models.ErrorResponse{
				Error: "Missing " + TenantHeader + " header",
				Code:  domain.CodeValidation,
				Field: "tenant_id",
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey{}, tenantID)))
	})
}

func tenantFrom(r *http.Request) string {
	tenantID, _ := r.Context().Value(tenantKey{}).(string)
	return tenantID
}

// statusFor maps the ledger error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch domain.Code(err) {
	case domain.CodeValidation, domain.CodeInsufficientFunds,
		domain.CodeBelowMinimumBalance, domain.CodeAccountNotActive:
		return http.StatusUnprocessableEntity
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeAlreadyReversed, domain.CodeInvalidState, domain.CodeConcurrencyConflict:
		return http.StatusConflict
	case domain.CodeStorageFailure:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	body := models.ErrorResponse{
		Error:     err.Error(),
		Code:      domain.Code(err),
		Retryable: domain.IsRetryable(err),
	}
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		body.Field = verr.Field
	}
	if code >= http.StatusInternalServerError {
		logger.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
		body.Error = http.StatusText(code)
	}
	respondWithError(w, code, body)
}

func respondWithError(w http.ResponseWriter, code int, body models.ErrorResponse) {
	respondWithJSON(w, code, body)
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			logger.Warningf("encoding response: %v", err)
		}
	}
}

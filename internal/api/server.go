package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rwadalebsar/tank-telemetry/internal/aggregator"
	"github.com/rwadalebsar/tank-telemetry/internal/anomaly"
	"github.com/rwadalebsar/tank-telemetry/internal/auth"
	"github.com/rwadalebsar/tank-telemetry/internal/domain"
	"github.com/rwadalebsar/tank-telemetry/internal/legacy"
	"github.com/rwadalebsar/tank-telemetry/internal/metrics"
	"github.com/rwadalebsar/tank-telemetry/internal/monitor"
	"github.com/rwadalebsar/tank-telemetry/internal/telemetry"
)

// HealthChecker проверяет доступность архива показаний
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type HTTPServer struct {
	server       *http.Server
	registry     *telemetry.Registry
	scheduler    *monitor.Scheduler
	aggregator   *aggregator.Aggregator
	legacy       *legacy.Service
	engine       *anomaly.Engine
	anomalyStore *anomaly.Store
	resolver     *auth.Resolver
	archive      HealthChecker
	logger       *zap.Logger
}

// Deps собирает зависимости HTTP-сервера; resolver и archive необязательны
type Deps struct {
	Registry     *telemetry.Registry
	Scheduler    *monitor.Scheduler
	Aggregator   *aggregator.Aggregator
	Legacy       *legacy.Service
	Engine       *anomaly.Engine
	AnomalyStore *anomaly.Store
	Resolver     *auth.Resolver
	Archive      HealthChecker
}

func NewHTTPServer(addr string, deps Deps, logger *zap.Logger) *HTTPServer {
	router := mux.NewRouter()

	s := &HTTPServer{
		server: &http.Server{
			Addr:    addr,
			Handler: router,
		},
		registry:     deps.Registry,
		scheduler:    deps.Scheduler,
		aggregator:   deps.Aggregator,
		legacy:       deps.Legacy,
		engine:       deps.Engine,
		anomalyStore: deps.AnomalyStore,
		resolver:     deps.Resolver,
		archive:      deps.Archive,
		logger:       logger,
	}

	// Middleware регистрации
	router.Use(s.metricsMiddleware)
	router.Use(s.loggingMiddleware)
	router.Use(s.authMiddleware)

	// Управление адаптерами
	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/{adapter}/config", s.getAdapterConfig).Methods("GET")
	api.HandleFunc("/{adapter}/config", s.updateAdapterConfig).Methods("PUT")
	api.HandleFunc("/{adapter}/connect", s.connectAdapter).Methods("POST")
	api.HandleFunc("/{adapter}/disconnect", s.disconnectAdapter).Methods("POST")
	api.HandleFunc("/{adapter}/test", s.testAdapter).Methods("POST")
	api.HandleFunc("/{adapter}/fetch", s.fetchAdapter).Methods("POST")
	api.HandleFunc("/{adapter}/data", s.getAdapterData).Methods("GET")
	api.HandleFunc("/{adapter}/data", s.clearAdapterData).Methods("DELETE")
	api.HandleFunc("/{adapter}/monitor/start", s.startMonitor).Methods("POST")
	api.HandleFunc("/{adapter}/monitor/stop", s.stopMonitor).Methods("POST")
	api.HandleFunc("/mqtt/publish", s.publishMQTT).Methods("POST")
	api.HandleFunc("/mqtt/subscribe", s.subscribeMQTT).Methods("POST")
	api.HandleFunc("/mqtt/unsubscribe", s.unsubscribeMQTT).Methods("POST")

	// Сводная телеметрия
	api.HandleFunc("/tanks/levels", s.getTankLevels).Methods("GET")
	api.HandleFunc("/tanks/levels", s.addTankLevel).Methods("POST")

	// Детектор аномалий
	api.HandleFunc("/anomalies", s.getAnomalies).Methods("GET")
	api.HandleFunc("/anomalies/feedback", s.addFeedback).Methods("POST")
	api.HandleFunc("/anomalies/feedback", s.getFeedback).Methods("GET")
	api.HandleFunc("/anomalies/report", s.reportAnomaly).Methods("POST")
	api.HandleFunc("/anomalies/reported", s.getReportedAnomalies).Methods("GET")
	api.HandleFunc("/anomalies/reported/{id}/status", s.resolveReportedAnomaly).Methods("PUT")
	api.HandleFunc("/anomalies/metrics", s.getAnomalyMetrics).Methods("GET")

	router.HandleFunc("/health", s.healthCheck).Methods("GET")

	// Метрики Prometheus
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return s
}

func (s *HTTPServer) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.server.Addr))
	return s.server.ListenAndServe()
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Handler отдаёт корневой обработчик; используется в тестах
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

// responseWriter для отслеживания статус кода и размера
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	size, err := rw.ResponseWriter.Write(b)
	rw.size += size
	return size, err
}

// middleware для сбора метрик HTTP запросов с использованием шаблона пути
func (s *HTTPServer) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		method := r.Method
		status := strconv.Itoa(rw.statusCode)

		// Получаем шаблон пути из mux (если доступен)
		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}

		metrics.HTTPRequests.WithLabelValues(method, path, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
		metrics.HTTPResponseSize.WithLabelValues(method, path).Observe(float64(rw.size))
	})
}

// middleware для логирования HTTP запросов
func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("query", r.URL.RawQuery),
			zap.String("ip", r.RemoteAddr),
			zap.String("user_agent", r.UserAgent()),
			zap.Int("status", rw.statusCode),
			zap.Int("response_size", rw.size),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type principalKey struct{}

// authMiddleware разрешает bearer-токен в учётную запись, когда он
// предъявлен. Запросы без токена проходят анонимно: ограничения на
// глубину истории и чужие данные накладываются ниже по стеку.
func (s *HTTPServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" || s.resolver == nil {
			next.ServeHTTP(w, r)
			return
		}

		bearer, err := auth.FromAuthorizationHeader(header)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "invalid authorization header")
			return
		}

		principal, err := s.resolver.ResolvePrincipal(bearer)
		if err != nil {
			s.logger.Warn("token verification failed", zap.Error(err))
			s.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// principal возвращает учётную запись запроса; nil для анонимного доступа
func principalFrom(r *http.Request) *domain.Principal {
	p, _ := r.Context().Value(principalKey{}).(*domain.Principal)
	return p
}

// requirePrincipal пропускает только аутентифицированные запросы.
// Без настроенного резолвера сервис работает в однопользовательском
// режиме и проверки прав отключены.
func (s *HTTPServer) requirePrincipal(w http.ResponseWriter, r *http.Request) bool {
	if s.resolver == nil {
		return true
	}
	if principalFrom(r) == nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return false
	}
	return true
}

func (s *HTTPServer) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if s.resolver == nil {
		return true
	}
	p := principalFrom(r)
	if p == nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return false
	}
	if !p.IsAdmin {
		s.writeError(w, http.StatusForbidden, "admin access required")
		return false
	}
	return true
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{
		"success": false,
		"message": message,
	})
}

func (s *HTTPServer) healthCheck(w http.ResponseWriter, r *http.Request) {
	if s.archive != nil {
		if err := s.archive.HealthCheck(r.Context()); err != nil {
			s.logger.Error("Health check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "archive unavailable")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

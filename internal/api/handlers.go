package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/rwadalebsar/tank-telemetry/internal/adapter"
	"github.com/rwadalebsar/tank-telemetry/internal/aggregator"
	"github.com/rwadalebsar/tank-telemetry/internal/domain"
)

// adapterSources сопоставляет сегмент пути протоколу
var adapterSources = map[string]domain.Source{
	"mqtt":     domain.SourceMQTT,
	"rest":     domain.SourceREST,
	"rest_api": domain.SourceREST,
	"graphql":  domain.SourceGraphQL,
	"modbus":   domain.SourceModbus,
	"opcua":    domain.SourceOPCUA,
}

// adapterFrom извлекает адаптер из пути запроса; nil после записи ошибки
func (s *HTTPServer) adapterFrom(w http.ResponseWriter, r *http.Request) adapter.Adapter {
	name := mux.Vars(r)["adapter"]
	source, ok := adapterSources[name]
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown adapter: "+name)
		return nil
	}
	a, ok := s.registry.Adapter(source)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown adapter: "+name)
		return nil
	}
	return a
}

func (s *HTTPServer) getAdapterConfig(w http.ResponseWriter, r *http.Request) {
	if !s.requirePrincipal(w, r) {
		return
	}
	a := s.adapterFrom(w, r)
	if a == nil {
		return
	}
	s.writeJSON(w, http.StatusOK, a.Config())
}

func (s *HTTPServer) updateAdapterConfig(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	a := s.adapterFrom(w, r)
	if a == nil {
		return
	}

	patch, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if err := a.UpdateConfig(patch); err != nil {
		var cfgErr *domain.ConfigError
		if errors.As(err, &cfgErr) {
			// конфигурация в памяти применена, но не сохранена
			s.logger.Error("Failed to persist adapter config", zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "configuration applied but not persisted")
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, a.Config())
}

func (s *HTTPServer) connectAdapter(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	a := s.adapterFrom(w, r)
	if a == nil {
		return
	}

	if err := a.Connect(r.Context()); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, domain.ErrDisabled) {
			status = http.StatusConflict
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, a.State())
}

func (s *HTTPServer) disconnectAdapter(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	a := s.adapterFrom(w, r)
	if a == nil {
		return
	}
	// разрыв соединения снимает и закреплённый за адаптером цикл опроса
	s.scheduler.Stop(a.Source())
	a.Disconnect()
	s.writeJSON(w, http.StatusOK, a.State())
}

func (s *HTTPServer) testAdapter(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	a := s.adapterFrom(w, r)
	if a == nil {
		return
	}
	ok := a.TestConnection(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": ok,
		"state":   a.State(),
	})
}

func (s *HTTPServer) fetchAdapter(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	a := s.adapterFrom(w, r)
	if a == nil {
		return
	}

	batch, err := a.FetchTankData(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if batch == nil {
		batch = []domain.TelemetryReading{}
	}
	s.writeJSON(w, http.StatusOK, batch)
}

func (s *HTTPServer) getAdapterData(w http.ResponseWriter, r *http.Request) {
	if !s.requirePrincipal(w, r) {
		return
	}
	a := s.adapterFrom(w, r)
	if a == nil {
		return
	}
	data := a.TankData()
	if data == nil {
		data = []domain.TelemetryReading{}
	}
	s.writeJSON(w, http.StatusOK, data)
}

func (s *HTTPServer) clearAdapterData(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	a := s.adapterFrom(w, r)
	if a == nil {
		return
	}
	a.ClearTankData()
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *HTTPServer) startMonitor(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	a := s.adapterFrom(w, r)
	if a == nil {
		return
	}

	// цикл живёт дольше запроса, контекст запроса ему не передаётся
	s.scheduler.Start(context.Background(), a)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"running": s.scheduler.Running(a.Source()),
	})
}

func (s *HTTPServer) stopMonitor(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	a := s.adapterFrom(w, r)
	if a == nil {
		return
	}
	s.scheduler.Stop(a.Source())
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"running": s.scheduler.Running(a.Source()),
	})
}

func (s *HTTPServer) publishMQTT(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	var body struct {
		Topic   string          `json:"topic"`
		Payload json.RawMessage `json:"payload"`
		QoS     byte            `json:"qos"`
		Retain  bool            `json:"retain"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Topic == "" {
		s.writeError(w, http.StatusBadRequest, "topic is required")
		return
	}

	if err := s.registry.MQTT().Publish(body.Topic, body.Payload, body.QoS, body.Retain); err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *HTTPServer) subscribeMQTT(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	var body struct {
		Topic string `json:"topic"`
		QoS   byte   `json:"qos"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Topic == "" {
		s.writeError(w, http.StatusBadRequest, "topic is required")
		return
	}

	if err := s.registry.MQTT().Subscribe(body.Topic, body.QoS); err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "topic": body.Topic})
}

func (s *HTTPServer) unsubscribeMQTT(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	var body struct {
		Topic string `json:"topic"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Topic == "" {
		s.writeError(w, http.StatusBadRequest, "topic is required")
		return
	}

	if err := s.registry.MQTT().Unsubscribe(body.Topic); err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "topic": body.Topic})
}

func (s *HTTPServer) getTankLevels(w http.ResponseWriter, r *http.Request) {
	q := aggregator.Query{TankID: r.URL.Query().Get("tank_id")}

	for _, raw := range r.URL.Query()["source"] {
		source, ok := adapterSources[raw]
		if !ok {
			source = domain.Source(raw)
		}
		q.Sources = append(q.Sources, source)
	}

	if raw := r.URL.Query().Get("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid since time format")
			return
		}
		q.Since = &ts
	}
	if raw := r.URL.Query().Get("until"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid until time format")
			return
		}
		q.Until = &ts
	}

	principal := principalFrom(r)
	var levels []domain.TelemetryReading
	if r.URL.Query().Get("latest") == "true" {
		levels = s.aggregator.Latest(r.Context(), q, principal)
	} else {
		levels = s.aggregator.Levels(r.Context(), q, principal)
	}
	if levels == nil {
		levels = []domain.TelemetryReading{}
	}
	s.writeJSON(w, http.StatusOK, levels)
}

func (s *HTTPServer) addTankLevel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TankID    string  `json:"tank_id"`
		Name      string  `json:"name"`
		Level     float64 `json:"level"`
		Timestamp string  `json:"timestamp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reading := domain.TelemetryReading{
		TankID: body.TankID,
		Name:   body.Name,
		Level:  body.Level,
	}
	if body.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339, body.Timestamp)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid timestamp format")
			return
		}
		reading.Timestamp = ts
	}
	if p := principalFrom(r); p != nil {
		reading.OwnerUserID = p.Username
	}

	s.legacy.AddReading(r.Context(), reading)
	s.writeJSON(w, http.StatusCreated, map[string]any{"success": true})
}

func (s *HTTPServer) getAnomalies(w http.ResponseWriter, r *http.Request) {
	sensitivity := 0.0
	if raw := r.URL.Query().Get("sensitivity"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed <= 0 || parsed > 1 {
			s.writeError(w, http.StatusBadRequest, "sensitivity must be in (0, 1]")
			return
		}
		sensitivity = parsed
	}

	principal := principalFrom(r)
	readings := s.aggregator.Levels(r.Context(), aggregator.Query{
		TankID: r.URL.Query().Get("tank_id"),
	}, principal)

	anomalies := s.engine.Anomalies(readings, sensitivity)
	if anomalies == nil {
		anomalies = []domain.AnomalyPoint{}
	}
	s.writeJSON(w, http.StatusOK, anomalies)
}

func (s *HTTPServer) addFeedback(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Timestamp time.Time `json:"timestamp"`
		Level     float64   `json:"level"`
		TankID    string    `json:"tank_id"`
		IsNormal  bool      `json:"is_normal"`
		Notes     string    `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.TankID == "" || body.Timestamp.IsZero() {
		s.writeError(w, http.StatusBadRequest, "tank_id and timestamp are required")
		return
	}

	userID := "anonymous"
	if p := principalFrom(r); p != nil {
		userID = p.Username
	}

	entry := domain.FeedbackEntry{
		Timestamp: body.Timestamp,
		Level:     body.Level,
		TankID:    body.TankID,
		IsNormal:  body.IsNormal,
		UserID:    userID,
		Notes:     body.Notes,
	}
	if err := s.anomalyStore.AddFeedback(entry); err != nil {
		s.logger.Error("Failed to save feedback", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to save feedback")
		return
	}
	s.writeJSON(w, http.StatusCreated, entry)
}

func (s *HTTPServer) getFeedback(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.anomalyStore.Feedback())
}

func (s *HTTPServer) reportAnomaly(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Timestamp time.Time `json:"timestamp"`
		Level     float64   `json:"level"`
		TankID    string    `json:"tank_id"`
		Notes     string    `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.TankID == "" || body.Timestamp.IsZero() {
		s.writeError(w, http.StatusBadRequest, "tank_id and timestamp are required")
		return
	}

	userID := "anonymous"
	if p := principalFrom(r); p != nil {
		userID = p.Username
	}

	report, err := s.anomalyStore.Report(body.Timestamp, body.Level, body.TankID, userID, body.Notes)
	if err != nil {
		s.logger.Error("Failed to save reported anomaly", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to save report")
		return
	}
	s.writeJSON(w, http.StatusCreated, report)
}

func (s *HTTPServer) getReportedAnomalies(w http.ResponseWriter, r *http.Request) {
	status := domain.ReportStatus(r.URL.Query().Get("status"))
	s.writeJSON(w, http.StatusOK, s.anomalyStore.Reports(status))
}

// resolveReportedAnomaly переводит заявку в confirmed/rejected;
// операция доступна только администраторам
func (s *HTTPServer) resolveReportedAnomaly(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	var body struct {
		Status domain.ReportStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	report, err := s.anomalyStore.ResolveReport(mux.Vars(r)["id"], body.Status)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "report not found")
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) getAnomalyMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.anomalyStore.Metrics())
}

package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// PublishFunc odešle konfiguraci zařízení přes MQTT. V testech se nahrazuje
// falešnou implementací, v produkci je to PublishConfig.
type PublishFunc func(deviceID string, payload map[string]any) error

// APIHandler sdružuje metody pro obsluhu HTTP požadavků.
// Drží referenci na QueryService (agregáty), EventStore (přímé dotazy),
// publish funkci a Logger.
type APIHandler struct {
	svc     *QueryService
	store   EventStore
	publish PublishFunc
	logger  *slog.Logger
}

func NewAPIHandler(svc *QueryService, store EventStore, publish PublishFunc, logger *slog.Logger) *APIHandler {
	return &APIHandler{svc: svc, store: store, publish: publish, logger: logger}
}

// RegisterRoutes mapuje URL cesty na konkrétní Go funkce.
// Využíváme router v Go 1.22+, který podporuje metody a wildcardy.
func (h *APIHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /telemetry/latest/{device_id}", h.handleLatestTelemetry)
	mux.HandleFunc("GET /telemetry/history/{device_id}", h.handleTelemetryHistory)

	// Stejná data jako /telemetry/latest - ponecháno kvůli stávajícím klientům.
	mux.HandleFunc("GET /devices/{device_id}/telemetry", h.handleLatestTelemetry)
	mux.HandleFunc("POST /devices/{device_id}/config", h.handlePushConfig)

	mux.HandleFunc("GET /alerts/{device_id}", h.handleLatestAlerts)
	mux.HandleFunc("GET /alerts/history/{device_id}", h.handleAlertsHistory)

	mux.HandleFunc("GET /dashboard/stats", h.handleDashboardStats)
	mux.HandleFunc("GET /dashboard/devices", h.handleKnownDevices)
	mux.HandleFunc("GET /dashboard/chart/{device_id}", h.handleChart)
}

// handleLatestTelemetry: GET /telemetry/latest/{device_id}?limit=100
func (h *APIHandler) handleLatestTelemetry(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	limit := parseLimit(r, 100)

	items, err := h.store.LatestReadings(r.Context(), deviceID, limit)
	if err != nil {
		h.logger.Error("Chyba při načítání telemetrie", "device_id", deviceID, "error", err)
		http.Error(w, "Interní chyba serveru", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, items)
}

// handleTelemetryHistory: GET /telemetry/history/{device_id}?start=&end=&limit=
// start/end jsou RFC3339 časy.
func (h *APIHandler) handleTelemetryHistory(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	limit := parseLimit(r, defaultHistoryLimit)

	start, end, err := parseTimeRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	items, err := h.store.ReadingsHistory(r.Context(), deviceID, start, end, limit)
	if err != nil {
		h.logger.Error("Chyba při načítání historie", "device_id", deviceID, "error", err)
		http.Error(w, "Interní chyba serveru", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, items)
}

// handleLatestAlerts: GET /alerts/{device_id}?limit=50
func (h *APIHandler) handleLatestAlerts(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	limit := parseLimit(r, 50)

	items, err := h.store.LatestAlerts(r.Context(), deviceID, limit)
	if err != nil {
		h.logger.Error("Chyba při načítání alertů", "device_id", deviceID, "error", err)
		http.Error(w, "Interní chyba serveru", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, items)
}

// handleAlertsHistory: GET /alerts/history/{device_id}?alert_type=&start=&end=&limit=
func (h *APIHandler) handleAlertsHistory(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	alertType := r.URL.Query().Get("alert_type")
	limit := parseLimit(r, defaultHistoryLimit)

	start, end, err := parseTimeRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	items, err := h.store.AlertsHistory(r.Context(), deviceID, alertType, start, end, limit)
	if err != nil {
		h.logger.Error("Chyba při načítání historie alertů", "device_id", deviceID, "error", err)
		http.Error(w, "Interní chyba serveru", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, items)
}

// handleDashboardStats: GET /dashboard/stats
func (h *APIHandler) handleDashboardStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.DashboardStats(r.Context())
	if err != nil {
		h.logger.Error("Chyba při výpočtu statistik", "error", err)
		http.Error(w, "Interní chyba serveru", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, stats)
}

// handleKnownDevices: GET /dashboard/devices
func (h *APIHandler) handleKnownDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.svc.KnownDevices(r.Context())
	if err != nil {
		h.logger.Error("Chyba při načítání zařízení", "error", err)
		http.Error(w, "Interní chyba serveru", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, map[string]any{"devices": devices})
}

// handleChart: GET /dashboard/chart/{device_id}?period=24h&metric=fall_impact
func (h *APIHandler) handleChart(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")

	period := r.URL.Query().Get("period")
	if period == "" {
		period = "24h"
	}
	metric := r.URL.Query().Get("metric")

	points, err := h.svc.ChartData(r.Context(), deviceID, period, metric)
	if err != nil {
		h.logger.Error("Chyba při načítání dat grafu", "device_id", deviceID, "error", err)
		http.Error(w, "Interní chyba serveru", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, points)
}

// handlePushConfig: POST /devices/{device_id}/config
// Tělo požadavku se přepošle jako JSON na topic baby/<id>/config.
func (h *APIHandler) handlePushConfig(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")

	var payload map[string]any
	// Tělo "null" projde dekodérem bez chyby a nechá mapu nil - i to je
	// pro zařízení nesmysl, proto stejná 400 jako nevalidní JSON.
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload == nil {
		http.Error(w, "Tělo požadavku musí být JSON objekt", http.StatusBadRequest)
		return
	}

	if err := h.publish(deviceID, payload); err != nil {
		h.logger.Error("Publish konfigurace selhal", "device_id", deviceID, "error", err)
		// Selhal broker, ne my - proto 502.
		http.Error(w, "Nepodařilo se odeslat konfiguraci", http.StatusBadGateway)
		return
	}

	h.writeJSON(w, map[string]any{
		"status":  "success",
		"message": "Config pushed to device",
		"topic":   fmt.Sprintf("%s/%s/config", topicNamespace, deviceID),
	})
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	// json.NewEncoder je efektivnější než json.Marshal pro streamování dat.
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Chyba při zápisu JSON odpovědi", "error", err)
	}
}

// parseLimit přečte ?limit=; nevalidní nebo chybějící hodnota znamená fallback.
func parseLimit(r *http.Request, fallback int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// parseTimeRange přečte volitelné ?start= a ?end= (RFC3339).
func parseTimeRange(r *http.Request) (start, end *time.Time, err error) {
	if start, err = parseTimeParam(r, "start"); err != nil {
		return nil, nil, err
	}
	if end, err = parseTimeParam(r, "end"); err != nil {
		return nil, nil, err
	}
	return start, end, nil
}

func parseTimeParam(r *http.Request, name string) (*time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("parametr %s musí být čas ve formátu RFC3339", name)
	}
	t = t.UTC()
	return &t, nil
}

// CorsMiddleware je "obalová" funkce (Middleware).
// Přidává HTTP hlavičky, které povolí prohlížeči volat toto API
// běžící na jiném portu/doméně.
func CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Povolíme přístup odkudkoliv (*) - v produkci zde má být konkrétní doména.
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		// Pokud jde o "Preflight" request, odpovíme OK a končíme.
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

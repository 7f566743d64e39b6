package main

import (
	"context"
	"time"
)

// Reading je jedno telemetrické měření ze zařízení (topic baby/<id>/sensor).
// Po zápisu do úložiště se už nikdy nemění.
type Reading struct {
	// ID: Přiděluje DB (BIGSERIAL), roste s pořadím insertu.
	ID int64 `json:"id"`

	DeviceID string `json:"device_id"`

	// Payload: Libovolný JSON objekt tak, jak ho zařízení poslalo.
	// Při nevalidním JSONu obsahuje fallback {"raw": "<původní text>"}.
	Payload map[string]any `json:"payload"`

	// TS: Čas zápisu. Vždy v UTC pro konzistenci napříč časovými pásmy.
	TS time.Time `json:"ts"`
}

// Alert je událost z topicu baby/<id>/alert. Stejný životní cyklus jako Reading.
type Alert struct {
	ID       int64  `json:"id"`
	DeviceID string `json:"device_id"`

	// AlertType: Kategorie alertu odvozená z payloadu (klíč "type", pak "alert",
	// jinak "unknown").
	AlertType string `json:"alert_type"`

	Payload map[string]any `json:"payload"`
	TS      time.Time      `json:"ts"`
}

// DeviceDTO slouží pro odeslání seznamu známých zařízení na frontend.
type DeviceDTO struct {
	DeviceID string `json:"device_id"`

	// LastReading: Poslední měření z hot cache (Valkey).
	// nil = zařízení ještě nic neposlalo nebo záznam v cache expiroval.
	LastReading map[string]any `json:"last_reading"`
}

// DashboardStats je agregát pro úvodní obrazovku dashboardu.
type DashboardStats struct {
	TotalDevices int   `json:"total_devices"`
	Readings24h  int64 `json:"readings_24h"`
	Alerts24h    int64 `json:"alerts_24h"`

	// ActiveDevicesEstimate: Zatím jen kopie TotalDevices (placeholder).
	// Skutečná metrika aktivity by chtěla složitější dotaz.
	ActiveDevicesEstimate int `json:"active_devices_estimate"`
}

// ChartPoint je jeden bod časové řady pro graf.
// U alertů je Val=1, aby šly výskyty v čase sčítat; u měření Val chybí.
type ChartPoint struct {
	TS      time.Time      `json:"ts"`
	Val     *int           `json:"val,omitempty"`
	Payload map[string]any `json:"payload"`
}

// EventStore je kontrakt úložiště událostí. Implementuje ho *Repository;
// ingest i API dostávají rozhraní, takže se dají testovat bez DB.
// Všechny metody musí snést souběžná volání z více goroutin.
type EventStore interface {
	AppendReading(ctx context.Context, deviceID string, payload map[string]any) (Reading, error)
	AppendAlert(ctx context.Context, deviceID, alertType string, payload map[string]any) (Alert, error)

	LatestReadings(ctx context.Context, deviceID string, limit int) ([]Reading, error)
	LatestAlerts(ctx context.Context, deviceID string, limit int) ([]Alert, error)
	ReadingsHistory(ctx context.Context, deviceID string, start, end *time.Time, limit int) ([]Reading, error)
	AlertsHistory(ctx context.Context, deviceID, alertType string, start, end *time.Time, limit int) ([]Alert, error)

	CountReadingsSince(ctx context.Context, start *time.Time) (int64, error)
	CountAlertsSince(ctx context.Context, start *time.Time) (int64, error)
	DistinctDeviceIDs(ctx context.Context) ([]string, error)

	// LastCachedReading čte hot cache; chybějící záznam není chyba.
	LastCachedReading(ctx context.Context, deviceID string) (map[string]any, bool)
}

package main

import (
	"context"
	"time"
)

// defaultHistoryLimit je strop záznamů pro historické dotazy a grafy.
const defaultHistoryLimit = 2000

// QueryService je tenká čtecí vrstva nad úložištěm: dotazy pro API
// a pár odvozených agregátů pro dashboard. Nic nezapisuje.
type QueryService struct {
	store EventStore
}

func NewQueryService(store EventStore) *QueryService {
	return &QueryService{store: store}
}

// DashboardStats spočítá agregáty pro úvodní obrazovku.
func (s *QueryService) DashboardStats(ctx context.Context) (DashboardStats, error) {
	since := time.Now().UTC().Add(-24 * time.Hour)

	devices, err := s.store.DistinctDeviceIDs(ctx)
	if err != nil {
		return DashboardStats{}, err
	}
	readings, err := s.store.CountReadingsSince(ctx, &since)
	if err != nil {
		return DashboardStats{}, err
	}
	alerts, err := s.store.CountAlertsSince(ctx, &since)
	if err != nil {
		return DashboardStats{}, err
	}

	return DashboardStats{
		TotalDevices: len(devices),
		Readings24h:  readings,
		Alerts24h:    alerts,
		// Placeholder - viz komentář u typu.
		ActiveDevicesEstimate: len(devices),
	}, nil
}

// KnownDevices vrací seznam zařízení obohacený o poslední měření z hot cache.
func (s *QueryService) KnownDevices(ctx context.Context) ([]DeviceDTO, error) {
	ids, err := s.store.DistinctDeviceIDs(ctx)
	if err != nil {
		return nil, err
	}

	devices := make([]DeviceDTO, 0, len(ids))
	for _, id := range ids {
		dto := DeviceDTO{DeviceID: id}
		if last, ok := s.store.LastCachedReading(ctx, id); ok {
			dto.LastReading = last
		}
		devices = append(devices, dto)
	}
	return devices, nil
}

// periodStart převede token periody na začátek okna. Neznámý token
// znamená default 24h, žádná chyba.
func periodStart(period string, now time.Time) time.Time {
	switch period {
	case "1h":
		return now.Add(-1 * time.Hour)
	case "7d":
		return now.Add(-7 * 24 * time.Hour)
	case "30d":
		return now.Add(-30 * 24 * time.Hour)
	default: // "24h" i cokoliv jiného
		return now.Add(-24 * time.Hour)
	}
}

// ChartData vrací časovou řadu pro graf zařízení.
// Prázdný metric = historie měření. Neprázdný metric = historie alertů
// daného typu převedená na body {ts, val: 1, payload}, aby šly výskyty
// v čase sčítat.
func (s *QueryService) ChartData(ctx context.Context, deviceID, period, metric string) ([]ChartPoint, error) {
	start := periodStart(period, time.Now().UTC())

	if metric != "" {
		alerts, err := s.store.AlertsHistory(ctx, deviceID, metric, &start, nil, defaultHistoryLimit)
		if err != nil {
			return nil, err
		}
		one := 1
		points := make([]ChartPoint, 0, len(alerts))
		for _, a := range alerts {
			points = append(points, ChartPoint{TS: a.TS, Val: &one, Payload: a.Payload})
		}
		return points, nil
	}

	readings, err := s.store.ReadingsHistory(ctx, deviceID, &start, nil, defaultHistoryLimit)
	if err != nil {
		return nil, err
	}
	points := make([]ChartPoint, 0, len(readings))
	for _, r := range readings {
		points = append(points, ChartPoint{TS: r.TS, Payload: r.Payload})
	}
	return points, nil
}

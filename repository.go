package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// lastReadingKey je klíč hot cache s posledním měřením zařízení.
func lastReadingKey(deviceID string) string {
	return "device:last:" + deviceID
}

// pgExecutor je podmnožina pgxpool.Pool, kterou dotazy skutečně potřebují.
// V testech ji nahrazuje paměťová imitace.
type pgExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// valkeyCache je úzké rozhraní nad klientem Valkey - jen to, co hot cache
// opravdu volá.
type valkeyCache interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Repository zapouzdřuje práci s databázemi.
// Zbytek aplikace neví, jak se píše SQL, jen volá metody přes EventStore.
type Repository struct {
	pool   *pgxpool.Pool // Pool spojení do Postgresu, vlastněný kvůli Close
	client *redis.Client // Klient pro Valkey, vlastněný kvůli Close

	db    pgExecutor
	cache valkeyCache
}

// NewRepository vytvoří a ověří připojení k oběma databázím a založí schéma.
func NewRepository(ctx context.Context, cfg Config) (*Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("chyba konfigurace DB: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("DB není dostupná: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.ValkeyAddr,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("Valkey není dostupný: %w", err)
	}

	r := &Repository{pool: pool, client: rdb, db: pool, cache: rdb}
	if err := r.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("založení schématu: %w", err)
	}
	return r, nil
}

// ensureSchema založí tabulky, pokud ještě neexistují. Index na
// (device_id, ts) drží rychlé dotazy na historii i při milionech řádků.
func (r *Repository) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sensor_readings (
			id BIGSERIAL PRIMARY KEY,
			device_id TEXT NOT NULL,
			payload JSONB NOT NULL,
			ts TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sensor_readings_device_ts ON sensor_readings (device_id, ts)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id BIGSERIAL PRIMARY KEY,
			device_id TEXT NOT NULL,
			alert_type TEXT NOT NULL,
			payload JSONB NOT NULL,
			ts TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_device_ts ON alerts (device_id, ts)`,
	}
	for _, stmt := range statements {
		if _, err := r.db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close uzavře spojení při ukončení aplikace.
func (r *Repository) Close() {
	r.pool.Close()
	r.client.Close()
}

// AppendReading uloží měření do Postgresu (source of truth) a přepíše
// poslední hodnotu v hot cache pro dashboard.
func (r *Repository) AppendReading(ctx context.Context, deviceID string, payload map[string]any) (Reading, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Reading{}, fmt.Errorf("serializace payloadu: %w", err)
	}

	reading := Reading{DeviceID: deviceID, Payload: payload, TS: time.Now().UTC()}
	err = r.db.QueryRow(ctx,
		`INSERT INTO sensor_readings (device_id, payload, ts) VALUES ($1, $2, $3) RETURNING id`,
		deviceID, body, reading.TS,
	).Scan(&reading.ID)
	if err != nil {
		return Reading{}, fmt.Errorf("chyba insertu do PG: %w", err)
	}

	// Hot cache s expirací 24h (aby mrtvá zařízení z dashboardu zmizela).
	// Chyba cache není kritická - měření už bezpečně leží v PG, dashboard
	// jen chvíli neuvidí poslední hodnotu. Proto warn a jedeme dál.
	if err := r.cacheLastReading(ctx, deviceID, reading); err != nil {
		slog.Warn("Zápis do hot cache selhal", "device_id", deviceID, "error", err)
	}

	return reading, nil
}

func (r *Repository) cacheLastReading(ctx context.Context, deviceID string, reading Reading) error {
	body, err := json.Marshal(reading)
	if err != nil {
		return err
	}
	return r.cache.Set(ctx, lastReadingKey(deviceID), body, 24*time.Hour).Err()
}

func (r *Repository) AppendAlert(ctx context.Context, deviceID, alertType string, payload map[string]any) (Alert, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Alert{}, fmt.Errorf("serializace payloadu: %w", err)
	}

	alert := Alert{DeviceID: deviceID, AlertType: alertType, Payload: payload, TS: time.Now().UTC()}
	err = r.db.QueryRow(ctx,
		`INSERT INTO alerts (device_id, alert_type, payload, ts) VALUES ($1, $2, $3, $4) RETURNING id`,
		deviceID, alertType, body, alert.TS,
	).Scan(&alert.ID)
	if err != nil {
		return Alert{}, fmt.Errorf("chyba insertu do PG: %w", err)
	}
	return alert, nil
}

// LatestReadings vrací posledních N měření, nejnovější první.
func (r *Repository) LatestReadings(ctx context.Context, deviceID string, limit int) ([]Reading, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, device_id, payload, ts FROM sensor_readings
		 WHERE device_id = $1 ORDER BY ts DESC LIMIT $2`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("chyba načítání telemetrie: %w", err)
	}
	return scanReadings(rows)
}

func (r *Repository) LatestAlerts(ctx context.Context, deviceID string, limit int) ([]Alert, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, device_id, alert_type, payload, ts FROM alerts
		 WHERE device_id = $1 ORDER BY ts DESC LIMIT $2`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("chyba načítání alertů: %w", err)
	}
	return scanAlerts(rows)
}

// ReadingsHistory vrací měření v intervalu [start, end], nejstarší první.
// start/end jsou volitelné - nil znamená bez omezení.
func (r *Repository) ReadingsHistory(ctx context.Context, deviceID string, start, end *time.Time, limit int) ([]Reading, error) {
	query := `SELECT id, device_id, payload, ts FROM sensor_readings WHERE device_id = $1`
	args := []any{deviceID}
	if start != nil {
		args = append(args, *start)
		query += fmt.Sprintf(" AND ts >= $%d", len(args))
	}
	if end != nil {
		args = append(args, *end)
		query += fmt.Sprintf(" AND ts <= $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY ts ASC LIMIT $%d", len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("chyba načítání historie: %w", err)
	}
	return scanReadings(rows)
}

func (r *Repository) AlertsHistory(ctx context.Context, deviceID, alertType string, start, end *time.Time, limit int) ([]Alert, error) {
	query := `SELECT id, device_id, alert_type, payload, ts FROM alerts WHERE device_id = $1`
	args := []any{deviceID}
	if alertType != "" {
		args = append(args, alertType)
		query += fmt.Sprintf(" AND alert_type = $%d", len(args))
	}
	if start != nil {
		args = append(args, *start)
		query += fmt.Sprintf(" AND ts >= $%d", len(args))
	}
	if end != nil {
		args = append(args, *end)
		query += fmt.Sprintf(" AND ts <= $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY ts ASC LIMIT $%d", len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("chyba načítání historie alertů: %w", err)
	}
	return scanAlerts(rows)
}

func (r *Repository) CountReadingsSince(ctx context.Context, start *time.Time) (int64, error) {
	return r.countSince(ctx, "sensor_readings", start)
}

func (r *Repository) CountAlertsSince(ctx context.Context, start *time.Time) (int64, error) {
	return r.countSince(ctx, "alerts", start)
}

func (r *Repository) countSince(ctx context.Context, table string, start *time.Time) (int64, error) {
	// Název tabulky je vždy jedna ze dvou konstant výše, žádný vstup uživatele.
	query := fmt.Sprintf(`SELECT count(*) FROM %s`, table)
	args := []any{}
	if start != nil {
		query += ` WHERE ts >= $1`
		args = append(args, *start)
	}
	var n int64
	if err := r.db.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("chyba počítání záznamů: %w", err)
	}
	return n, nil
}

// DistinctDeviceIDs odvozuje množinu známých zařízení z měření.
// Na velkých datech pomalejší dotaz, pro tenhle objem v pohodě.
func (r *Repository) DistinctDeviceIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT DISTINCT device_id FROM sensor_readings ORDER BY device_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("chyba načítání zařízení: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LastCachedReading přečte poslední měření z Valkey. Chybějící klíč
// (redis.Nil) ani jiná chyba cache není fault - prostě hodnotu nemáme.
func (r *Repository) LastCachedReading(ctx context.Context, deviceID string) (map[string]any, bool) {
	val, err := r.cache.Get(ctx, lastReadingKey(deviceID)).Result()
	if err != nil {
		return nil, false
	}
	var last map[string]any
	if err := json.Unmarshal([]byte(val), &last); err != nil {
		return nil, false
	}
	return last, true
}

func scanReadings(rows pgx.Rows) ([]Reading, error) {
	defer rows.Close()

	items := make([]Reading, 0, 100)
	for rows.Next() {
		var item Reading
		var body []byte
		if err := rows.Scan(&item.ID, &item.DeviceID, &body, &item.TS); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(body, &item.Payload); err != nil {
			return nil, fmt.Errorf("poškozený payload v DB: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanAlerts(rows pgx.Rows) ([]Alert, error) {
	defer rows.Close()

	items := make([]Alert, 0, 100)
	for rows.Next() {
		var item Alert
		var body []byte
		if err := rows.Scan(&item.ID, &item.DeviceID, &item.AlertType, &body, &item.TS); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(body, &item.Payload); err != nil {
			return nil, fmt.Errorf("poškozený payload v DB: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

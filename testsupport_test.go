package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// fakeStore je paměťová náhrada EventStore. Drží záznamy v pořadí zápisu,
// takže "latest" je prostě konec slice.
type fakeStore struct {
	mu       sync.Mutex
	readings []Reading
	alerts   []Alert
	cached   map[string]map[string]any
	failNext int // kolik příštích zápisů má selhat
	nextID   int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{cached: make(map[string]map[string]any)}
}

func (f *fakeStore) AppendReading(_ context.Context, deviceID string, payload map[string]any) (Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return Reading{}, errors.New("store down")
	}
	f.nextID++
	r := Reading{ID: f.nextID, DeviceID: deviceID, Payload: payload, TS: time.Now().UTC()}
	f.readings = append(f.readings, r)
	return r, nil
}

func (f *fakeStore) AppendAlert(_ context.Context, deviceID, alertType string, payload map[string]any) (Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return Alert{}, errors.New("store down")
	}
	f.nextID++
	a := Alert{ID: f.nextID, DeviceID: deviceID, AlertType: alertType, Payload: payload, TS: time.Now().UTC()}
	f.alerts = append(f.alerts, a)
	return a, nil
}

func (f *fakeStore) LatestReadings(_ context.Context, deviceID string, limit int) ([]Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]Reading, 0, limit)
	for i := len(f.readings) - 1; i >= 0 && len(items) < limit; i-- {
		if f.readings[i].DeviceID == deviceID {
			items = append(items, f.readings[i])
		}
	}
	return items, nil
}

func (f *fakeStore) LatestAlerts(_ context.Context, deviceID string, limit int) ([]Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]Alert, 0, limit)
	for i := len(f.alerts) - 1; i >= 0 && len(items) < limit; i-- {
		if f.alerts[i].DeviceID == deviceID {
			items = append(items, f.alerts[i])
		}
	}
	return items, nil
}

func inRange(ts time.Time, start, end *time.Time) bool {
	if start != nil && ts.Before(*start) {
		return false
	}
	if end != nil && ts.After(*end) {
		return false
	}
	return true
}

func (f *fakeStore) ReadingsHistory(_ context.Context, deviceID string, start, end *time.Time, limit int) ([]Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]Reading, 0, limit)
	for _, r := range f.readings {
		if len(items) >= limit {
			break
		}
		if r.DeviceID == deviceID && inRange(r.TS, start, end) {
			items = append(items, r)
		}
	}
	return items, nil
}

func (f *fakeStore) AlertsHistory(_ context.Context, deviceID, alertType string, start, end *time.Time, limit int) ([]Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]Alert, 0, limit)
	for _, a := range f.alerts {
		if len(items) >= limit {
			break
		}
		if a.DeviceID != deviceID || !inRange(a.TS, start, end) {
			continue
		}
		if alertType != "" && a.AlertType != alertType {
			continue
		}
		items = append(items, a)
	}
	return items, nil
}

func (f *fakeStore) CountReadingsSince(_ context.Context, start *time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, r := range f.readings {
		if inRange(r.TS, start, nil) {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) CountAlertsSince(_ context.Context, start *time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, a := range f.alerts {
		if inRange(a.TS, start, nil) {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) DistinctDeviceIDs(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]bool)
	ids := make([]string, 0, 4)
	for _, r := range f.readings {
		if !seen[r.DeviceID] {
			seen[r.DeviceID] = true
			ids = append(ids, r.DeviceID)
		}
	}
	return ids, nil
}

func (f *fakeStore) LastCachedReading(_ context.Context, deviceID string) (map[string]any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	last, ok := f.cached[deviceID]
	return last, ok
}

func (f *fakeStore) snapshotReadings() []Reading {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Reading, len(f.readings))
	copy(out, f.readings)
	return out
}

func (f *fakeStore) snapshotAlerts() []Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Alert, len(f.alerts))
	copy(out, f.alerts)
	return out
}

// fakeMessage implementuje mqtt.Message pro testy handleru.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

// fakeToken je vždy hotový mqtt.Token s předem danou chybou.
type fakeToken struct {
	err error
}

func (t fakeToken) Wait() bool                     { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Error() error                   { return t.err }
func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// fakeBrokerClient imituje mqtt.Client: pamatuje si odběry a umí doručit
// zprávu nebo shodit spojení přes ConnectionLostHandler z options.
type fakeBrokerClient struct {
	opts *mqtt.ClientOptions

	mu          sync.Mutex
	connected   bool
	failConnect bool
	subs        map[string]mqtt.MessageHandler
}

func (c *fakeBrokerClient) Connect() mqtt.Token {
	if c.failConnect {
		return fakeToken{err: errors.New("broker unavailable")}
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return fakeToken{}
}

func (c *fakeBrokerClient) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeBrokerClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeBrokerClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *fakeBrokerClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	c.subs[topic] = cb
	c.mu.Unlock()
	return fakeToken{}
}

func (c *fakeBrokerClient) SubscribeMultiple(filters map[string]byte, cb mqtt.MessageHandler) mqtt.Token {
	for topic := range filters {
		c.Subscribe(topic, filters[topic], cb)
	}
	return fakeToken{}
}

func (c *fakeBrokerClient) Unsubscribe(...string) mqtt.Token { return fakeToken{} }

func (c *fakeBrokerClient) Publish(string, byte, bool, interface{}) mqtt.Token {
	return fakeToken{}
}

func (c *fakeBrokerClient) AddRoute(string, mqtt.MessageHandler) {}

func (c *fakeBrokerClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

// deliver zavolá handler odběru daného filtru, jako by zprávu poslal broker.
func (c *fakeBrokerClient) deliver(filter, topic, payload string) {
	c.mu.Lock()
	handler := c.subs[filter]
	c.mu.Unlock()
	if handler != nil {
		handler(c, fakeMessage{topic: topic, payload: []byte(payload)})
	}
}

// dropConnection simuluje výpadek transportu uprostřed příjmu.
func (c *fakeBrokerClient) dropConnection(err error) {
	c.mu.Lock()
	c.connected = false
	handler := c.opts.OnConnectionLost
	c.mu.Unlock()
	if handler != nil {
		handler(c, err)
	}
}

// fakeBroker vyrábí klienty místo mqtt.NewClient a eviduje je v pořadí
// pokusů o připojení.
type fakeBroker struct {
	mu           sync.Mutex
	clients      []*fakeBrokerClient
	failConnects int // kolik prvních connectů má selhat
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{}
}

func (b *fakeBroker) newClient(opts *mqtt.ClientOptions) mqtt.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := &fakeBrokerClient{opts: opts, subs: make(map[string]mqtt.MessageHandler)}
	if b.failConnects > 0 {
		b.failConnects--
		c.failConnect = true
	}
	b.clients = append(b.clients, c)
	return c
}

// waitForSubscribed počká, až n-tý klient dokončí oba odběry.
func (b *fakeBroker) waitForSubscribed(t *testing.T, n int) *fakeBrokerClient {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		var c *fakeBrokerClient
		if len(b.clients) >= n {
			c = b.clients[n-1]
		}
		b.mu.Unlock()

		if c != nil {
			c.mu.Lock()
			ready := len(c.subs) == 2
			c.mu.Unlock()
			if ready {
				return c
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("klient %d se do limitu nepřipojil a nepřihlásil odběry", n)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestIngestor(store EventStore) *Ingestor {
	cfg := Config{IngestConcurrency: 5, ReconnectSeconds: 1, MQTTClientID: "test"}
	return NewIngestor(cfg, store, NewLimiter(cfg.IngestConcurrency), testLogger())
}

package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Ingestor vlastní dlouhoběžící spojení na broker a celý životní cyklus
// příjmu zpráv: connect -> subscribe -> čtení -> výpadek -> pauza -> znovu.
// Smyčka nemá koncový stav, běží dokud se nezruší kontext procesu.
type Ingestor struct {
	cfg     Config
	store   EventStore
	limiter *Limiter
	logger  *slog.Logger

	// baseCtx je kontext běhu smyčky; ruší čekání úloh na semafor při shutdownu.
	baseCtx context.Context

	mu     sync.Mutex
	client mqtt.Client

	// connLost dostane signál z paho callbacku při ztrátě spojení.
	// Buffer 1 stačí - víc signálů za sebou znamená totéž.
	connLost chan struct{}

	// newClient vyrábí MQTT klienta z options. V testech se nahrazuje
	// falešným brokerem, takže jde smyčku projet bez živého spojení.
	newClient func(*mqtt.ClientOptions) mqtt.Client
}

func NewIngestor(cfg Config, store EventStore, limiter *Limiter, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		cfg:      cfg,
		store:    store,
		limiter:  limiter,
		logger:   logger,
		baseCtx:   context.Background(),
		connLost:  make(chan struct{}, 1),
		newClient: mqtt.NewClient,
	}
}

// Run drží spojení na broker, dokud ctx žije. Neúspěšný connect nebo
// subscribe NENÍ fatální - po pauze (default 5s) to zkusíme znovu.
// Docker/K8s restart tady nepomůže, broker může být prostě chvíli pryč.
func (ing *Ingestor) Run(ctx context.Context) {
	ing.baseCtx = ctx
	interval := time.Duration(ing.cfg.ReconnectSeconds) * time.Second

	for ctx.Err() == nil {
		// Starý signál z předchozího spojení nesmí shodit to nové.
		select {
		case <-ing.connLost:
		default:
		}

		ing.logger.Info("Connecting to MQTT broker", "host", ing.cfg.MQTTHost, "port", ing.cfg.MQTTPort)
		client, err := ing.connectAndSubscribe()
		if err != nil {
			ing.logger.Error("MQTT connection error", "error", err)
			ing.logger.Info("Reconnecting", "seconds", ing.cfg.ReconnectSeconds)
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return
			}
			continue
		}

		ing.setClient(client)
		ing.logger.Info("Connected to MQTT broker", "host", ing.cfg.MQTTHost, "port", ing.cfg.MQTTPort)

		// Zprávy teď chodí přes callback; tady jen čekáme na výpadek
		// spojení nebo na shutdown.
		select {
		case <-ing.connLost:
			ing.setClient(nil)
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			client.Disconnect(250)
			ing.setClient(nil)
			return
		}
	}
}

// connectAndSubscribe otevře spojení a přihlásí odběr obou topiců.
// Selhání subscribe bereme stejně jako selhání connectu - spojení bez
// odběru je k ničemu.
func (ing *Ingestor) connectAndSubscribe() (mqtt.Client, error) {
	opts, err := buildClientOptions(ing.cfg, ing.logger, ing.cfg.MQTTClientID)
	if err != nil {
		return nil, err
	}

	// Pořadí doručení neřešíme (zprávy se stejně zpracovávají souběžně)
	// a reconnect vlastní smyčka Run, ne paho.
	opts.SetOrderMatters(false)
	opts.SetAutoReconnect(false)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		ing.logger.Error("MQTT connection lost", "error", err)
		select {
		case ing.connLost <- struct{}{}:
		default:
		}
	})

	client := ing.newClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}

	filters := []string{
		topicNamespace + "/+/sensor",
		topicNamespace + "/+/alert",
	}
	for _, filter := range filters {
		if token := client.Subscribe(filter, 0, ing.handleMessage); token.Wait() && token.Error() != nil {
			client.Disconnect(250)
			return nil, fmt.Errorf("mqtt subscribe %s: %w", filter, token.Error())
		}
		ing.logger.Info("Subscribed", "topic", filter)
	}
	return client, nil
}

// handleMessage běží na příjmové goroutině paho klienta, takže tu nesmí
// být nic pomalého. Veškeré zpracování (parsování i DB zápis) se odbaví
// jako úloha za semaforem.
func (ing *Ingestor) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	topic := msg.Topic()
	payload := msg.Payload()
	ing.logger.Debug("Raw message", "topic", topic, "bytes", len(payload))

	ing.limiter.Go(ing.baseCtx, func() {
		ing.processMessage(topic, payload)
	})
}

// processMessage je zpracování jedné zprávy: dekódování topicu, normalizace
// payloadu a zápis do úložiště. Jakákoliv chyba tady končí zahozením jedné
// zprávy, nikdy ne pádem smyčky.
func (ing *Ingestor) processMessage(topic string, raw []byte) {
	deviceID, kind, ok := DecodeTopic(topic)
	if !ok {
		ing.logger.Warn("Dropping message with malformed topic", "topic", topic)
		return
	}

	payload := NormalizePayload(raw)

	// Timeout, aby zaseknutá DB operace nevisela věčně a neblokovala semafor.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch kind {
	case KindSensor:
		if _, err := ing.store.AppendReading(ctx, deviceID, payload); err != nil {
			ing.logger.Error("DB error processing message", "device_id", deviceID, "error", err)
		}
	case KindAlert:
		alertType := ResolveAlertType(payload)
		if _, err := ing.store.AppendAlert(ctx, deviceID, alertType, payload); err != nil {
			ing.logger.Error("DB error processing message", "device_id", deviceID, "alert_type", alertType, "error", err)
		}
	default:
		// Jiný druh zprávy (např. echo configu) - tiše zahodit.
	}
}

// Shutdown odpojí klienta, zavře bránu limiteru a počká, až doběhnou
// rozpracované zápisy. Zprávu, kterou paho stihne doručit ještě během
// 250ms quiesce okna, zavřená brána zahodí.
func (ing *Ingestor) Shutdown() {
	if c := ing.CurrentClient(); c != nil && c.IsConnected() {
		c.Disconnect(250)
	}
	ing.setClient(nil)
	ing.limiter.Stop()
}

func (ing *Ingestor) setClient(c mqtt.Client) {
	ing.mu.Lock()
	ing.client = c
	ing.mu.Unlock()
}

// CurrentClient vrací aktuální spojení nebo nil. Používá ho log mirror.
func (ing *Ingestor) CurrentClient() mqtt.Client {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	return ing.client
}

// PublishConfig odešle konfiguraci zařízení na topic baby/<id>/config.
// Otevírá krátkodobé spojení nezávislé na odběrovém klientovi - s unikátním
// client ID, aby broker neodpojil dlouhoběžícího odběratele. Chyba se vrací
// volajícímu, žádné interní opakování.
func PublishConfig(cfg Config, logger *slog.Logger, deviceID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("serializace konfigurace: %w", err)
	}

	clientID := fmt.Sprintf("%s-pub-%s", cfg.MQTTClientID, uuid.NewString())
	opts, err := buildClientOptions(cfg, logger, clientID)
	if err != nil {
		return err
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", token.Error())
	}
	defer client.Disconnect(250)

	topic := fmt.Sprintf("%s/%s/config", topicNamespace, deviceID)
	logger.Info("Publishing config", "topic", topic, "bytes", len(body))
	if token := client.Publish(topic, 0, false, body); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt publish: %w", token.Error())
	}
	return nil
}

// buildClientOptions je společný základ pro odběratele i publish klienta:
// adresa brokeru, přihlašovací údaje (jen pokud nejsou prázdné) a TLS.
func buildClientOptions(cfg Config, logger *slog.Logger, clientID string) (*mqtt.ClientOptions, error) {
	useTLS := cfg.MQTTTLS || cfg.MQTTPort == 8883
	scheme := "tcp"
	if useTLS {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.MQTTHost, cfg.MQTTPort)).
		SetClientID(clientID).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second)

	if strings.TrimSpace(cfg.MQTTUser) != "" {
		opts.SetUsername(cfg.MQTTUser)
	}
	if strings.TrimSpace(cfg.MQTTPass) != "" {
		opts.SetPassword(cfg.MQTTPass)
	}

	if useTLS {
		tlsCfg, err := newTLSConfig(cfg, logger)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	return opts, nil
}

func newTLSConfig(cfg Config, logger *slog.Logger) (*tls.Config, error) {
	logger.Debug("Using TLS for connection")
	tlsCfg := &tls.Config{}

	if cfg.MQTTTLSInsecure {
		// Vědomý opt-in pro vývoj proti self-signed brokeru. Nikdy default.
		tlsCfg.InsecureSkipVerify = true
		logger.Warn("TLS certificate verification disabled - not recommended for production")
	}

	if cfg.MQTTCACert != "" {
		pem, err := os.ReadFile(cfg.MQTTCACert)
		if err != nil {
			return nil, fmt.Errorf("čtení CA certifikátu: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("CA certifikát %s neobsahuje platný PEM", cfg.MQTTCACert)
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, nil
}

package main

import (
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MqttLogWriter implementuje rozhraní io.Writer.
// Vše, co se do něj zapíše, se odešle do MQTT na topic logs/<service>.
// Klienta si bere přes funkci, protože odběrové spojení se při výpadku
// brokeru zahazuje a staví znovu.
type MqttLogWriter struct {
	client func() mqtt.Client
	topic  string
}

func NewMqttLogWriter(client func() mqtt.Client, serviceName string) *MqttLogWriter {
	return &MqttLogWriter{
		client: client,
		topic:  fmt.Sprintf("logs/%s", serviceName),
	}
}

// Write je metoda vyžadovaná rozhraním io.Writer.
// slog ji zavolá pokaždé, když chce něco zalogovat.
func (w *MqttLogWriter) Write(p []byte) (n int, err error) {
	c := w.client()
	if c == nil || !c.IsConnected() {
		// Bez spojení log tiše zahodíme - stdout ho má vždy.
		return len(p), nil
	}

	// Payload musíme zkopírovat, protože 'p' se může změnit.
	payload := make([]byte, len(p))
	copy(payload, p)

	// Token.Wait() NEVOLÁME, aby logování nezpomalovalo aplikaci (fire-and-forget).
	c.Publish(w.topic, 0, false, payload)

	return len(p), nil
}

package main

import (
	"encoding/json"
	"strings"
)

// topicNamespace je první segment všech topiců, se kterými pracujeme.
// Dekodér ale přijme libovolný namespace - filtrování řeší subscribe wildcard.
const topicNamespace = "baby"

// MessageKind rozlišuje druh zprávy podle třetího segmentu topicu.
type MessageKind int

const (
	KindOther MessageKind = iota // neznámý druh - dál se nezpracovává
	KindSensor
	KindAlert
)

// DecodeTopic rozebere topic ve tvaru <ns>/<device_id>/<kind>.
// Vrací ok=false, pokud topic nemá aspoň 3 segmenty nebo je device_id prázdné -
// takovou zprávu volající tiše zahodí (jen log, žádná chyba).
func DecodeTopic(topic string) (deviceID string, kind MessageKind, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return "", KindOther, false
	}
	deviceID = parts[1]
	if deviceID == "" {
		// Prázdný device_id by porušil invariant úložiště.
		return "", KindOther, false
	}

	switch parts[2] {
	case "sensor":
		kind = KindSensor
	case "alert":
		kind = KindAlert
	default:
		kind = KindOther
	}
	return deviceID, kind, true
}

// NormalizePayload dekóduje tělo zprávy jako JSON objekt.
// Nevalidní vstup NENÍ chyba - zabalíme ho do {"raw": "<text>"} a uložíme i tak.
// Funkce nikdy nevrací error, dekódovací selhání je očekávaný stav.
func NormalizePayload(raw []byte) map[string]any {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil || payload == nil {
		// payload == nil pokrývá vstup "null", který projde bez chyby.
		return map[string]any{"raw": string(raw)}
	}
	return payload
}

// ResolveAlertType vybere kategorii alertu z payloadu.
// Klíč "type" má přednost před "alert"; prázdný string se přeskakuje.
func ResolveAlertType(payload map[string]any) string {
	if s, ok := payload["type"].(string); ok && s != "" {
		return s
	}
	if s, ok := payload["alert"].(string); ok && s != "" {
		return s
	}
	return "unknown"
}

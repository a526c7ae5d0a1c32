package sink

import (
	"encoding/json"
	"testing"
	"time"

	"wolfinch/internal/config"
)

func TestNewBusRequiresBrokers(t *testing.T) {
	t.Parallel()

	_, err := NewBus(config.KafkaConfig{}, NewMetrics(), nil)
	if err == nil {
		t.Fatal("expected error with no brokers")
	}
}

func TestEnvelopeWireFormat(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	raw, err := json.Marshal(envelope{
		EventType: "ORDER_SUBMITTED",
		Timestamp: at.Format(time.RFC3339Nano),
		Data:      map[string]interface{}{"order_id": "ord-1", "lots": 2},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["event_type"] != "ORDER_SUBMITTED" {
		t.Errorf("event_type = %v, want ORDER_SUBMITTED", decoded["event_type"])
	}
	if decoded["timestamp"] != "2025-06-01T12:30:00Z" {
		t.Errorf("timestamp = %v, want 2025-06-01T12:30:00Z", decoded["timestamp"])
	}
	data, ok := decoded["data"].(map[string]interface{})
	if !ok || data["order_id"] != "ord-1" {
		t.Errorf("data = %v, want nested object with order_id", decoded["data"])
	}
}

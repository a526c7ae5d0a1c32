package sink

import "testing"

func TestTradeLogStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		topic string
		want  string
	}{
		{TopicOrdersSubmitted, "SUBMITTED"},
		{TopicOrdersExecuted, "EXECUTED"},
		{TopicOrdersRejected, "REJECTED"},
		{TopicOrdersModified, "MODIFIED"},
		{TopicTradesCompleted, "COMPLETED"},
		{TopicSystemAlerts, ""},
	}
	for _, tt := range tests {
		if got := tradeLogStatus(tt.topic); got != tt.want {
			t.Errorf("tradeLogStatus(%q) = %q, want %q", tt.topic, got, tt.want)
		}
	}
}

func TestFieldExtraction(t *testing.T) {
	t.Parallel()

	data := map[string]interface{}{
		"side":  "buy",
		"lots":  3,
		"price": 101.5,
	}
	if got := fieldString(data, "side"); got != "buy" {
		t.Errorf("fieldString(side) = %q, want buy", got)
	}
	if got := fieldString(data, "missing"); got != "" {
		t.Errorf("fieldString(missing) = %q, want empty", got)
	}
	if got := fieldFloat(data, "lots"); got != 3 {
		t.Errorf("fieldFloat(lots) = %v, want 3", got)
	}
	if got := fieldFloat(data, "price"); got != 101.5 {
		t.Errorf("fieldFloat(price) = %v, want 101.5", got)
	}
	if got := fieldFloat(data, "side"); got != 0 {
		t.Errorf("fieldFloat(side) = %v, want 0", got)
	}
}

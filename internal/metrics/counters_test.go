package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestSnapshot(t *testing.T) {
	c := New()
	c.Received.Add(5)
	c.Stale.Add(2)
	c.QueueDropped.Add(1)

	snap := c.Snapshot()
	if snap["received"] != 5 || snap["stale"] != 2 || snap["queue_dropped"] != 1 {
		t.Errorf("unexpected snapshot: %v", snap)
	}
	if snap["malformed"] != 0 {
		t.Errorf("untouched counter should be zero, got %d", snap["malformed"])
	}
}

func TestLastEviction(t *testing.T) {
	c := New()
	if !c.LastEviction().IsZero() {
		t.Error("expected zero time before any eviction")
	}

	now := time.Now().Truncate(time.Second)
	c.MarkEviction(now)
	if !c.LastEviction().Equal(now) {
		t.Errorf("expected %s, got %s", now, c.LastEviction())
	}
}

func TestRegister(t *testing.T) {
	c := New()
	c.Received.Add(3)

	reg := prometheus.NewRegistry()
	c.Register(reg)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	found := false
	for _, mf := range families {
		if mf.GetName() == "sensorhub_readings_received_total" {
			found = true
			if v := mf.GetMetric()[0].GetCounter().GetValue(); v != 3 {
				t.Errorf("expected counter value 3, got %v", v)
			}
		}
	}
	if !found {
		t.Error("sensorhub_readings_received_total not registered")
	}
}

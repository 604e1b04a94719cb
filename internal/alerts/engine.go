package alerts

import (
	"context"
	"hash/fnv"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/savegress/sensorhub/internal/config"
	"github.com/savegress/sensorhub/internal/metrics"
	"github.com/savegress/sensorhub/pkg/models"
)

const (
	shardCount    = 16
	eventBuffer   = 256
	mirrorTimeout = 5 * time.Second
)

// StateWriter mirrors alert state transitions into durable storage so
// the query API can serve a read-only snapshot. The in-memory engine
// state stays authoritative.
type StateWriter interface {
	UpsertAlertState(ctx context.Context, state models.AlertState) error
}

// Notifier delivers one alert transition. Failures are logged and never
// retried synchronously; the state transition stands regardless.
type Notifier interface {
	Name() string
	Notify(event models.AlertEvent) error
}

type shard struct {
	mu     sync.Mutex
	states map[models.SensorKey]*models.AlertState
}

// Engine evaluates readings against the configured thresholds and keeps
// one alert state machine per (device, metric) key. Same-key evaluation
// is serialized through sharded locks; different keys run in parallel.
// State is deliberately not persisted across restarts: a restart resets
// every key to Normal so stale alerts never carry over maintenance.
type Engine struct {
	cfg      *config.Store
	writer   StateWriter
	counters *metrics.Counters

	shards [shardCount]*shard

	notifyMu  sync.RWMutex
	notifiers []Notifier

	eventCh chan models.AlertEvent
	stopCh  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewEngine creates an alert engine. writer may be nil in tests.
func NewEngine(cfg *config.Store, writer StateWriter, counters *metrics.Counters) *Engine {
	e := &Engine{
		cfg:      cfg,
		writer:   writer,
		counters: counters,
		eventCh:  make(chan models.AlertEvent, eventBuffer),
		stopCh:   make(chan struct{}),
	}
	for i := range e.shards {
		e.shards[i] = &shard{states: make(map[models.SensorKey]*models.AlertState)}
	}
	return e
}

// AddNotifier registers a notification target.
func (e *Engine) AddNotifier(n Notifier) {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	e.notifiers = append(e.notifiers, n)
}

// Start launches the notification dispatcher.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.dispatch(ctx)
}

// Stop shuts the dispatcher down after pending events drain.
func (e *Engine) Stop() {
	e.once.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

func (e *Engine) shardFor(key models.SensorKey) *shard {
	h := fnv.New32a()
	h.Write([]byte(key.DeviceID))
	h.Write([]byte{0})
	h.Write([]byte(key.Metric))
	return e.shards[h.Sum32()%shardCount]
}

// Evaluate runs one reading through the state machine. The rule set is
// captured from the config snapshot up front, so a concurrent Reload
// cannot produce a torn view of the thresholds.
func (e *Engine) Evaluate(r *models.SensorReading) {
	rules := e.cfg.Snapshot().Alerts.CompiledRules()
	rule := findRule(rules, r.Key())
	if rule == nil {
		// No rule for this key: no evaluation, no state.
		return
	}

	sh := e.shardFor(r.Key())
	sh.mu.Lock()

	state, ok := sh.states[r.Key()]
	if !ok {
		state = &models.AlertState{
			DeviceID: r.DeviceID,
			Metric:   r.Metric,
			Status:   models.StatusNormal,
			Since:    r.Timestamp,
		}
		sh.states[r.Key()] = state
	}

	oldStatus := state.Status
	newStatus := transition(oldStatus, r.Value, rule)
	state.LastValue = r.Value
	if newStatus != oldStatus {
		state.Status = newStatus
		state.Since = r.Timestamp
	}
	snapshot := *state
	sh.mu.Unlock()

	if e.writer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		if err := e.writer.UpsertAlertState(ctx, snapshot); err != nil {
			log.Printf("alerts: state mirror failed for %s: %v", r.Key(), err)
		}
		cancel()
	}

	if newStatus == oldStatus {
		return
	}

	e.counters.AlertsFired.Add(1)
	event := models.AlertEvent{
		ID:        uuid.NewString(),
		DeviceID:  r.DeviceID,
		Metric:    r.Metric,
		OldStatus: oldStatus,
		NewStatus: newStatus,
		Value:     r.Value,
		Since:     snapshot.Since,
	}
	select {
	case e.eventCh <- event:
	default:
		log.Printf("alerts: event buffer full, dropping notification for %s", r.Key())
	}
}

// transition applies the hysteresis state machine. HighAlert and
// LowAlert never swap directly; the machine must pass through Normal,
// one step per reading.
func transition(status models.AlertStatus, value float64, rule *models.AlertRule) models.AlertStatus {
	switch status {
	case models.StatusHighAlert:
		if rule.High != nil && value < *rule.High-rule.Hysteresis {
			return models.StatusNormal
		}
		return models.StatusHighAlert
	case models.StatusLowAlert:
		if rule.Low != nil && value > *rule.Low+rule.Hysteresis {
			return models.StatusNormal
		}
		return models.StatusLowAlert
	default:
		if rule.High != nil && value > *rule.High {
			return models.StatusHighAlert
		}
		if rule.Low != nil && value < *rule.Low {
			return models.StatusLowAlert
		}
		return models.StatusNormal
	}
}

// findRule returns the first matching rule, or nil. Rule order comes
// from the config: explicit rules precede the wildcard fallback.
func findRule(rules []models.AlertRule, key models.SensorKey) *models.AlertRule {
	for i := range rules {
		if rules[i].Matches(key) {
			return &rules[i]
		}
	}
	return nil
}

// States returns a copy of every tracked alert state, sorted by key.
func (e *Engine) States() []models.AlertState {
	var out []models.AlertState
	for _, sh := range e.shards {
		sh.mu.Lock()
		for _, st := range sh.states {
			out = append(out, *st)
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].Metric < out[j].Metric
	})
	return out
}

func (e *Engine) dispatch(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			// Drain pending events before exiting.
			for {
				select {
				case ev := <-e.eventCh:
					e.notify(ev)
				default:
					return
				}
			}
		case ev := <-e.eventCh:
			e.notify(ev)
		}
	}
}

func (e *Engine) notify(ev models.AlertEvent) {
	e.notifyMu.RLock()
	notifiers := e.notifiers
	e.notifyMu.RUnlock()

	for _, n := range notifiers {
		if err := n.Notify(ev); err != nil {
			e.counters.NotifyFailures.Add(1)
			log.Printf("alerts: %s notification failed for %s/%s: %v", n.Name(), ev.DeviceID, ev.Metric, err)
		}
	}
}

package ingest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/savegress/sensorhub/internal/config"
	"github.com/savegress/sensorhub/internal/metrics"
	"github.com/savegress/sensorhub/pkg/models"
)

// ConnState is the broker connection state machine position.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Appender receives validated readings for durable persistence.
type Appender interface {
	Append(ctx context.Context, reading *models.SensorReading) error
}

// Evaluator receives validated readings for alert evaluation.
type Evaluator interface {
	Evaluate(reading *models.SensorReading)
}

const appendTimeout = 10 * time.Second

// Service maintains the broker subscription, validates inbound messages,
// and fans readings out to storage and alerting through bounded queues.
// Loss of broker connectivity is never fatal: the service cycles
// Disconnected -> Connecting -> Connected indefinitely with jittered
// exponential backoff.
type Service struct {
	cfg      *config.Store
	store    Appender
	eval     Evaluator
	counters *metrics.Counters

	storageQ *readingQueue
	alertQ   *readingQueue

	seqMu   sync.Mutex
	lastSeq map[string]int64

	state  atomic.Int32
	lostCh chan error

	clientMu sync.Mutex
	client   mqtt.Client

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService builds an ingestion service. Queue capacity comes from the
// active config snapshot.
func NewService(cfg *config.Store, store Appender, eval Evaluator, counters *metrics.Counters) *Service {
	size := cfg.Snapshot().Ingest.QueueSize
	return &Service{
		cfg:      cfg,
		store:    store,
		eval:     eval,
		counters: counters,
		storageQ: newReadingQueue(size),
		alertQ:   newReadingQueue(size),
		lastSeq:  make(map[string]int64),
		lostCh:   make(chan error, 1),
	}
}

// ConnState returns the current broker connection state.
func (s *Service) ConnState() ConnState {
	return ConnState(s.state.Load())
}

// Start launches the consumer workers and the connection manager.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(3)
	go s.storageWorker()
	go s.alertWorker()
	go s.run(ctx)
}

// Stop cancels the connection manager, drains nothing further, and waits
// for the workers to exit.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.storageQ.close()
	s.alertQ.close()
	s.wg.Wait()
}

// run is the reconnect state machine. Reconnect delays are cancellable
// on shutdown.
func (s *Service) run(ctx context.Context) {
	defer s.wg.Done()

	attempt := 0
	for {
		s.state.Store(int32(StateConnecting))
		if err := s.connect(); err != nil {
			s.state.Store(int32(StateDisconnected))
			delay := nextBackoff(attempt)
			attempt++
			log.Printf("ingest: broker connect failed (attempt %d, retry in %s): %v", attempt, delay.Round(time.Millisecond), err)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}

		attempt = 0
		s.state.Store(int32(StateConnected))
		log.Printf("ingest: connected, subscribed to %s", s.cfg.Snapshot().Ingest.TopicPattern)

		select {
		case err := <-s.lostCh:
			s.state.Store(int32(StateDisconnected))
			log.Printf("ingest: connection lost: %v", err)
		case <-ctx.Done():
			s.disconnect()
			s.state.Store(int32(StateDisconnected))
			return
		}
	}
}

func (s *Service) connect() error {
	cfg := s.cfg.Snapshot()

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTT.BrokerURL()).
		SetClientID("sensorhub-" + uuid.NewString()[:8]).
		SetUsername(cfg.MQTT.Username).
		SetPassword(cfg.MQTT.Password).
		SetAutoReconnect(false).
		SetOrderMatters(true).
		SetCleanSession(true).
		SetConnectTimeout(30 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			select {
			case s.lostCh <- err:
			default:
			}
		})

	if cfg.MQTT.UseTLS {
		tlsCfg, err := newTLSConfig(cfg.MQTT.CACert)
		if err != nil {
			return err
		}
		opts.SetTLSConfig(tlsCfg)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return errors.New("connect timed out")
	}
	if err := token.Error(); err != nil {
		return err
	}

	// QoS 1: the broker redelivers after reconnect, sequence dedup
	// filters the duplicates.
	sub := client.Subscribe(cfg.Ingest.TopicPattern, 1, s.handleMessage)
	if !sub.WaitTimeout(30 * time.Second) {
		client.Disconnect(250)
		return errors.New("subscribe timed out")
	}
	if err := sub.Error(); err != nil {
		client.Disconnect(250)
		return fmt.Errorf("subscribe: %w", err)
	}

	s.clientMu.Lock()
	s.client = client
	s.clientMu.Unlock()
	return nil
}

func (s *Service) disconnect() {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	s.client = nil
}

// handleMessage runs on the paho delivery goroutine. With OrderMatters
// set, messages arrive one at a time, which preserves per-device order
// through the FIFO queues.
func (s *Service) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	s.counters.Received.Add(1)
	cfg := s.cfg.Snapshot()

	reading, err := decodeReading(msg.Topic(), msg.Payload(), time.Now(), cfg.Ingest.MaxClockSkew, cfg.Ingest.ValueBounds)
	if err != nil {
		s.counters.Malformed.Add(1)
		log.Printf("ingest: dropping message on %s: %v", msg.Topic(), err)
		return
	}

	if reading.ClockCorrected {
		s.counters.ClockCorrected.Add(1)
	}

	if reading.HasSequence && s.isStale(reading) {
		s.counters.Stale.Add(1)
		return
	}

	if s.storageQ.push(reading) {
		s.counters.QueueDropped.Add(1)
	}
	if s.alertQ.push(reading) {
		s.counters.QueueDropped.Add(1)
	}
}

// isStale records the sequence and reports whether the reading is a
// duplicate or retransmission (sequence <= last seen for the device).
func (s *Service) isStale(r *models.SensorReading) bool {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	last, seen := s.lastSeq[r.DeviceID]
	if seen && r.Sequence <= last {
		return true
	}
	s.lastSeq[r.DeviceID] = r.Sequence
	return false
}

func (s *Service) storageWorker() {
	defer s.wg.Done()
	for {
		r := s.storageQ.pop()
		if r == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
		err := s.store.Append(ctx, r)
		cancel()
		if err != nil {
			// At-most-once under storage failure: log and keep ingesting.
			s.counters.StorageErrors.Add(1)
			log.Printf("ingest: append failed for %s: %v", r.Key(), err)
		}
	}
}

func (s *Service) alertWorker() {
	defer s.wg.Done()
	for {
		r := s.alertQ.pop()
		if r == nil {
			return
		}
		s.eval.Evaluate(r)
	}
}

func newTLSConfig(caPath string) (*tls.Config, error) {
	if caPath == "" {
		return &tls.Config{}, nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("read ca cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caPath)
	}
	return &tls.Config{RootCAs: pool}, nil
}

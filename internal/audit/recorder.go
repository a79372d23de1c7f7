// Package audit publishes throttle events to Kafka for security tooling and
// batches decision rows into ClickHouse for analytics. Recording is
// non-blocking: the request path only enqueues.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ratelimit-gateway/internal/bucketing"
	"ratelimit-gateway/internal/client"
	"ratelimit-gateway/internal/encryption"
	"ratelimit-gateway/internal/limiter"
	"ratelimit-gateway/internal/models"
)

const insertEventQuery = `INSERT INTO throttle_events
	(event_bucket, event_id, event_time, event_type, client_ref, tier, method, path, limit_value, details)`

// maxPendingRows bounds the ClickHouse retry buffer during sink outages.
const maxPendingRows = 10000

// Recorder fans throttle events out to the configured sinks. Either sink may
// be nil; the recorder then skips it.
type Recorder struct {
	producer  *client.KafkaProducer
	analytics *client.ClickHouseClient
	enc       *encryption.EncryptionManager
	bucketing *bucketing.BucketingManager
	logger    *zap.Logger

	queue    chan models.ThrottleEvent
	dropped  atomic.Int64
	recorded atomic.Int64

	flushInterval time.Duration
	batchSize     int

	// rows that failed a ClickHouse flush, retried on the next one
	pending [][]interface{}

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

func NewRecorder(producer *client.KafkaProducer, analytics *client.ClickHouseClient,
	enc *encryption.EncryptionManager, bm *bucketing.BucketingManager, logger *zap.Logger) *Recorder {
	return &Recorder{
		producer:      producer,
		analytics:     analytics,
		enc:           enc,
		bucketing:     bm,
		logger:        logger,
		queue:         make(chan models.ThrottleEvent, 4096),
		flushInterval: 5 * time.Second,
		batchSize:     500,
		stop:          make(chan struct{}),
	}
}

// Start launches the background flusher.
func (r *Recorder) Start() {
	r.wg.Add(1)
	go r.run()
}

// RecordLimited enqueues a denial event. Never blocks; overflow is counted
// and dropped.
func (r *Recorder) RecordLimited(clientID string, tier limiter.Tier, method, path string, limit int64) {
	r.enqueue(models.ThrottleEvent{
		EventID:   uuid.New().String(),
		EventTime: time.Now().UTC(),
		EventType: models.EventClientLimited,
		ClientRef: clientID, // pseudonymized by the flusher before emit
		Tier:      tier.String(),
		Method:    method,
		Path:      path,
		Limit:     limit,
	})
}

// RecordBreakerTransition enqueues a breaker state-change event.
func (r *Recorder) RecordBreakerTransition(from, to limiter.BreakerState) {
	eventType := models.EventBreakerClosed
	if to == limiter.BreakerOpen {
		eventType = models.EventBreakerOpen
	}
	r.enqueue(models.ThrottleEvent{
		EventID:   uuid.New().String(),
		EventTime: time.Now().UTC(),
		EventType: eventType,
		ClientRef: "gateway",
		Details:   from.String() + "->" + to.String(),
	})
}

// Dropped reports events lost to queue overflow or sink failure.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close drains the queue and flushes remaining events.
func (r *Recorder) Close() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	r.wg.Wait()
}

func (r *Recorder) enqueue(event models.ThrottleEvent) {
	select {
	case r.queue <- event:
	default:
		r.dropped.Add(1)
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]models.ThrottleEvent, 0, r.batchSize)

	for {
		select {
		case event := <-r.queue:
			batch = append(batch, event)
			if len(batch) >= r.batchSize {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-r.stop:
			// Drain whatever is already queued, then flush once.
			for {
				select {
				case event := <-r.queue:
					batch = append(batch, event)
				default:
					if len(batch) > 0 {
						r.flush(batch)
					}
					return
				}
			}
		}
	}
}

func (r *Recorder) flush(batch []models.ThrottleEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rows := r.pending
	r.pending = nil

	for i := range batch {
		event := &batch[i]

		ref, err := r.enc.Pseudonymize(ctx, event.ClientRef)
		if err != nil {
			r.logger.Error("failed to pseudonymize client identifier, dropping event",
				zap.String("event_id", event.EventID),
				zap.Error(err))
			r.dropped.Add(1)
			continue
		}
		event.ClientRef = ref
		event.EventBucket = r.bucketing.EventBucket(event.EventID)

		if r.producer != nil {
			payload, err := json.Marshal(event)
			if err == nil {
				err = r.producer.Produce(ctx, []byte(event.EventID), payload, map[string]string{
					"event_type": event.EventType,
				})
			}
			if err != nil {
				// The writer already retried internally; count and move on.
				r.logger.Warn("failed to publish throttle event",
					zap.String("event_id", event.EventID),
					zap.Error(err))
				r.dropped.Add(1)
			}
		}

		rows = append(rows, []interface{}{
			event.EventBucket,
			event.EventID,
			event.EventTime,
			event.EventType,
			event.ClientRef,
			event.Tier,
			event.Method,
			event.Path,
			event.Limit,
			event.Details,
		})
	}

	r.recorded.Add(int64(len(batch)))

	if r.analytics == nil || len(rows) == 0 {
		return
	}

	if err := r.analytics.BatchInsert(ctx, insertEventQuery, rows); err != nil {
		r.logger.Warn("failed to insert throttle events, retrying next flush",
			zap.Int("rows", len(rows)),
			zap.Error(err))
		if len(rows) > maxPendingRows {
			r.dropped.Add(int64(len(rows) - maxPendingRows))
			rows = rows[len(rows)-maxPendingRows:]
		}
		r.pending = rows
	}
}

package delivery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"fleetalert/internal/clock"
	"fleetalert/internal/logger"
	"fleetalert/internal/metrics"
	"fleetalert/internal/models"
	"fleetalert/internal/notify"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Config tunes the dispatcher pool.
type Config struct {
	Workers         int
	BatchSize       int
	PollInterval    time.Duration
	SendTimeout     time.Duration
	StuckTimeout    time.Duration
	BreakerFailures int // 0 disables per-channel circuit breaking
	BreakerOpen     time.Duration
}

// Dispatcher runs N workers that claim jobs and hand them to senders.
type Dispatcher struct {
	queue  *Queue
	sender notify.Sender
	clock  clock.Clock
	signal Signal
	cfg    Config

	mu       sync.Mutex
	breakers map[uint]*gobreaker.CircuitBreaker
}

func NewDispatcher(queue *Queue, sender notify.Sender, signal Signal, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &Dispatcher{
		queue:    queue,
		sender:   sender,
		clock:    queue.clock,
		signal:   signal,
		cfg:      cfg,
		breakers: make(map[uint]*gobreaker.CircuitBreaker),
	}
}

// Run blocks until ctx is cancelled and all workers have returned.
func (d *Dispatcher) Run(ctx context.Context) {
	logger.Info("Starting delivery dispatcher",
		zap.Int("workers", d.cfg.Workers),
		zap.Int("batch_size", d.cfg.BatchSize),
		zap.Duration("poll_interval", d.cfg.PollInterval))

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			d.worker(ctx, workerID)
		}(i)
	}

	if d.cfg.StuckTimeout > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.reaper(ctx)
		}()
	}

	wg.Wait()
	logger.Info("Delivery dispatcher stopped")
}

func (d *Dispatcher) worker(ctx context.Context, workerID int) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	var wake <-chan struct{}
	if d.signal != nil {
		wake = d.signal.C()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-wake:
		}

		for {
			n, err := d.ProcessBatch(ctx)
			if err != nil {
				logger.Error("delivery batch failed", zap.Int("worker", workerID), zap.Error(err))
			}
			// a full batch means more work is probably ready
			if err != nil || n < d.cfg.BatchSize || ctx.Err() != nil {
				break
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d.cfg.PollInterval)
	}
}

func (d *Dispatcher) reaper(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.StuckTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.queue.ReapStuck(ctx, d.cfg.StuckTimeout)
			if err != nil {
				logger.Error("reap stuck jobs failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Warn("returned stuck jobs to the queue", zap.Int64("jobs", n))
			}
		}
	}
}

// ProcessBatch claims one batch and dispatches it sequentially. It returns
// the number of jobs claimed. Jobs left unsent because ctx was cancelled are
// released back to PENDING.
func (d *Dispatcher) ProcessBatch(ctx context.Context) (int, error) {
	jobs, err := d.queue.Claim(ctx, d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	for i := range jobs {
		if ctx.Err() != nil {
			d.release(jobs[i:])
			break
		}
		d.Dispatch(ctx, &jobs[i])
	}
	return len(jobs), nil
}

// Dispatch performs one attempt for a claimed job and records the outcome.
// Failures are logged and scoped to the job.
func (d *Dispatcher) Dispatch(ctx context.Context, job *models.DeliveryJob) {
	log := logger.GetLogger().With(
		zap.Uint("job_id", job.ID),
		zap.String("tenant_id", job.TenantID),
		zap.Uint("alert_id", job.AlertID),
		zap.Uint("channel_id", job.ChannelID),
		zap.String("event", string(job.Event)),
		zap.Int("attempt", job.Attempts+1))

	// in-flight sends finish on shutdown; the attempt timeout still bounds them
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.SendTimeout)
	defer cancel()

	start := d.clock.Now()
	wallStart := time.Now()
	channelType, res, sendErr := d.attempt(sendCtx, job)
	finished := d.clock.Now()

	latency := res.Latency
	if latency == 0 {
		latency = time.Since(wallStart)
	}
	attempt := &models.DeliveryAttempt{
		StatusCode: res.StatusCode,
		LatencyMS:  latency.Milliseconds(),
		StartedAt:  start,
		FinishedAt: finished,
	}
	metrics.DeliveryLatency.WithLabelValues(channelType).Observe(latency.Seconds())

	recordCtx := context.WithoutCancel(ctx)
	if sendErr == nil {
		metrics.Deliveries.WithLabelValues(channelType, "success").Inc()
		if err := d.queue.Complete(recordCtx, job, attempt); err != nil {
			log.Error("record delivery success failed", zap.Error(err))
			return
		}
		log.Debug("delivery completed", zap.Int("status_code", res.StatusCode), zap.Duration("latency", latency))
		return
	}

	attempt.Error = sendErr.Error()
	permanent := notify.IsPermanent(sendErr)
	dead, err := d.queue.Fail(recordCtx, job, attempt, permanent)
	if err != nil {
		log.Error("record delivery failure failed", zap.NamedError("send_error", sendErr), zap.Error(err))
		return
	}

	if dead {
		metrics.Deliveries.WithLabelValues(channelType, "dead").Inc()
		log.Warn("delivery dead-lettered", zap.Bool("permanent", permanent), zap.Error(sendErr))
		return
	}
	metrics.Deliveries.WithLabelValues(channelType, "retry").Inc()
	log.Info("delivery failed, will retry", zap.Error(sendErr))
}

func (d *Dispatcher) attempt(ctx context.Context, job *models.DeliveryJob) (string, notify.Result, error) {
	ch, err := d.channel(ctx, job)
	if err != nil {
		return "unknown", notify.Result{}, err
	}
	channelType := string(ch.Type)

	msg, err := notify.Decode(job.Payload)
	if err != nil {
		return channelType, notify.Result{}, notify.Permanent(err)
	}

	cb := d.breaker(ch.ID)
	if cb == nil {
		res, err := d.sender.Send(ctx, ch, msg)
		return channelType, res, err
	}

	var res notify.Result
	_, err = cb.Execute(func() (interface{}, error) {
		var sendErr error
		res, sendErr = d.sender.Send(ctx, ch, msg)
		return nil, sendErr
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("channel %d circuit open: %w", ch.ID, err)
	}
	return channelType, res, err
}

func (d *Dispatcher) channel(ctx context.Context, job *models.DeliveryJob) (*models.NotificationChannel, error) {
	var ch models.NotificationChannel
	err := d.queue.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", job.ChannelID, job.TenantID).
		First(&ch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notify.Permanent(fmt.Errorf("channel %d not found", job.ChannelID))
	}
	if err != nil {
		return nil, fmt.Errorf("load channel %d: %w", job.ChannelID, err)
	}
	if !ch.Enabled {
		return nil, notify.Permanent(fmt.Errorf("channel %d is disabled", job.ChannelID))
	}
	return &ch, nil
}

// breaker returns the channel's circuit breaker. Permanent errors describe
// the request, not the destination, and do not count toward tripping.
func (d *Dispatcher) breaker(channelID uint) *gobreaker.CircuitBreaker {
	if d.cfg.BreakerFailures <= 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if cb, ok := d.breakers[channelID]; ok {
		return cb
	}
	threshold := uint32(d.cfg.BreakerFailures)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "channel-" + strconv.FormatUint(uint64(channelID), 10),
		MaxRequests: 1,
		Timeout:     d.cfg.BreakerOpen,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || notify.IsPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("channel circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	d.breakers[channelID] = cb
	return cb
}

func (d *Dispatcher) release(jobs []models.DeliveryJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := range jobs {
		if err := d.queue.Release(ctx, &jobs[i]); err != nil {
			logger.Warn("release claimed job failed", zap.Uint("job_id", jobs[i].ID), zap.Error(err))
		}
	}
}

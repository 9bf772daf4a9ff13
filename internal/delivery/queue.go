package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleetalert/internal/clock"
	"fleetalert/internal/metrics"
	"fleetalert/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrLostClaim means the job was reaped or replayed while a worker held it.
	ErrLostClaim = errors.New("job claim lost")
	// ErrNotReplayable is returned for dead letters already replayed or discarded.
	ErrNotReplayable = errors.New("dead letter already resolved")
)

const (
	ReasonMaxAttempts = "max_attempts"
	ReasonPermanent   = "permanent_error"
)

// Queue is the durable delivery job table.
type Queue struct {
	db      *gorm.DB
	clock   clock.Clock
	backoff Backoff
	signal  Signal
}

func NewQueue(db *gorm.DB, clk clock.Clock, backoff Backoff, signal Signal) *Queue {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Queue{db: db, clock: clk, backoff: backoff, signal: signal}
}

// Enqueue inserts job unless a job for the same (tenant, alert, channel,
// event, escalation level) already exists. The unique index decides; a
// duplicate is reported as inserted=false, not as an error.
func (q *Queue) Enqueue(ctx context.Context, job *models.DeliveryJob) (bool, error) {
	now := q.clock.Now()
	if job.Status == "" {
		job.Status = models.JobPending
	}
	if job.NextRunAt.IsZero() {
		job.NextRunAt = now
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 5
	}
	job.CreatedAt = now
	job.UpdatedAt = now

	res := q.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(job)
	if res.Error != nil {
		return false, fmt.Errorf("enqueue delivery job: %w", res.Error)
	}
	inserted := res.RowsAffected == 1

	outcome := "duplicate"
	if inserted {
		outcome = "inserted"
		if job.Status == models.JobThrottled {
			outcome = "throttled"
		}
	}
	metrics.JobsEnqueued.WithLabelValues(string(job.Event), outcome).Inc()

	if inserted && job.Status == models.JobPending && q.signal != nil {
		q.signal.Notify(ctx)
	}
	return inserted, nil
}

// DeliveredWithin reports whether channelID attempted a delivery for
// fingerprint and event at or after since.
func (q *Queue) DeliveredWithin(ctx context.Context, channelID uint, fingerprint string, event models.LifecycleEvent, since time.Time) (bool, error) {
	var n int64
	err := q.db.WithContext(ctx).Model(&models.DeliveryJob{}).
		Where("channel_id = ? AND fingerprint = ? AND event = ? AND last_attempt_at >= ?", channelID, fingerprint, event, since).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("check throttle: %w", err)
	}
	return n > 0, nil
}

// Claim moves up to limit ready jobs to PROCESSING, oldest next_run_at
// first. Each row is taken with a conditional update so concurrent
// claimers never receive the same job.
func (q *Queue) Claim(ctx context.Context, limit int) ([]models.DeliveryJob, error) {
	now := q.clock.Now()
	db := q.db.WithContext(ctx)

	var ids []uint
	if err := db.Model(&models.DeliveryJob{}).
		Where("status = ? AND next_run_at <= ?", models.JobPending, now).
		Order("next_run_at, id").Limit(limit).
		Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("select ready jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	token := uuid.NewString()
	var claimed []uint
	for _, id := range ids {
		res := db.Model(&models.DeliveryJob{}).
			Where("id = ? AND status = ?", id, models.JobPending).
			Updates(map[string]interface{}{
				"status":      models.JobProcessing,
				"claim_token": token,
				"claimed_at":  now,
				"updated_at":  now,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("claim job %d: %w", id, res.Error)
		}
		if res.RowsAffected == 1 {
			claimed = append(claimed, id)
		}
	}
	if len(claimed) == 0 {
		return nil, nil
	}

	var jobs []models.DeliveryJob
	if err := db.Where("id IN ? AND claim_token = ?", claimed, token).
		Order("next_run_at, id").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("load claimed jobs: %w", err)
	}
	metrics.JobsClaimed.Add(float64(len(jobs)))
	return jobs, nil
}

// Complete records a successful attempt and finishes the job.
func (q *Queue) Complete(ctx context.Context, job *models.DeliveryJob, attempt *models.DeliveryAttempt) error {
	now := q.clock.Now()
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.DeliveryJob{}).
			Where("id = ? AND status = ? AND claim_token = ?", job.ID, models.JobProcessing, job.ClaimToken).
			Updates(map[string]interface{}{
				"status":          models.JobCompleted,
				"attempts":        job.Attempts + 1,
				"last_attempt_at": attempt.StartedAt,
				"last_error":      "",
				"claim_token":     "",
				"updated_at":      now,
			})
		if res.Error != nil {
			return fmt.Errorf("complete job %d: %w", job.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrLostClaim
		}
		return q.recordAttempt(tx, job, attempt, true)
	})
}

// Fail records a failed attempt. The job is rescheduled with backoff, or
// dead-lettered when attempts are exhausted or permanent is set. dead
// reports which happened.
func (q *Queue) Fail(ctx context.Context, job *models.DeliveryJob, attempt *models.DeliveryAttempt, permanent bool) (dead bool, err error) {
	now := q.clock.Now()
	attempts := job.Attempts + 1
	dead = permanent || attempts >= job.MaxAttempts

	err = q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"attempts":        attempts,
			"last_attempt_at": attempt.StartedAt,
			"last_error":      attempt.Error,
			"claim_token":     "",
			"updated_at":      now,
		}
		if dead {
			updates["status"] = models.JobFailed
		} else {
			updates["status"] = models.JobPending
			updates["next_run_at"] = now.Add(q.backoff.Next(attempts))
		}

		res := tx.Model(&models.DeliveryJob{}).
			Where("id = ? AND status = ? AND claim_token = ?", job.ID, models.JobProcessing, job.ClaimToken).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("fail job %d: %w", job.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrLostClaim
		}
		if err := q.recordAttempt(tx, job, attempt, false); err != nil {
			return err
		}
		if !dead {
			return nil
		}

		reason := ReasonMaxAttempts
		if permanent {
			reason = ReasonPermanent
		}
		dl := &models.DeadLetter{
			JobID:     job.ID,
			TenantID:  job.TenantID,
			AlertID:   job.AlertID,
			ChannelID: job.ChannelID,
			Event:     job.Event,
			Reason:    reason,
			Attempts:  attempts,
			LastError: attempt.Error,
			Payload:   job.Payload,
			Status:    models.DeadLetterOpen,
			FailedAt:  now,
			CreatedAt: now,
		}
		if err := tx.Create(dl).Error; err != nil {
			return fmt.Errorf("write dead letter for job %d: %w", job.ID, err)
		}
		metrics.DeadLetters.WithLabelValues(reason).Inc()
		return nil
	})
	return dead, err
}

func (q *Queue) recordAttempt(tx *gorm.DB, job *models.DeliveryJob, attempt *models.DeliveryAttempt, success bool) error {
	attempt.JobID = job.ID
	attempt.TenantID = job.TenantID
	attempt.Attempt = job.Attempts + 1
	attempt.Success = success
	if err := tx.Create(attempt).Error; err != nil {
		return fmt.Errorf("record attempt for job %d: %w", job.ID, err)
	}
	return nil
}

// Release hands a claimed, unattempted job back to PENDING.
func (q *Queue) Release(ctx context.Context, job *models.DeliveryJob) error {
	return q.db.WithContext(ctx).Model(&models.DeliveryJob{}).
		Where("id = ? AND status = ? AND claim_token = ?", job.ID, models.JobProcessing, job.ClaimToken).
		Updates(map[string]interface{}{
			"status":      models.JobPending,
			"claim_token": "",
			"updated_at":  q.clock.Now(),
		}).Error
}

// ReapStuck returns PROCESSING jobs claimed before now-timeout to PENDING.
// Those belong to workers that crashed or lost their database connection.
func (q *Queue) ReapStuck(ctx context.Context, timeout time.Duration) (int64, error) {
	now := q.clock.Now()
	res := q.db.WithContext(ctx).Model(&models.DeliveryJob{}).
		Where("status = ? AND claimed_at < ?", models.JobProcessing, now.Add(-timeout)).
		Updates(map[string]interface{}{
			"status":      models.JobPending,
			"claim_token": "",
			"next_run_at": now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("reap stuck jobs: %w", res.Error)
	}
	if res.RowsAffected > 0 && q.signal != nil {
		q.signal.Notify(ctx)
	}
	return res.RowsAffected, nil
}

// Replay puts a dead-lettered job back in the queue with a fresh attempt
// budget.
func (q *Queue) Replay(ctx context.Context, tenantID string, deadLetterID uint) (*models.DeliveryJob, error) {
	now := q.clock.Now()
	var job models.DeliveryJob
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dl, err := q.openDeadLetter(tx, tenantID, deadLetterID)
		if err != nil {
			return err
		}

		res := tx.Model(&models.DeliveryJob{}).
			Where("id = ? AND status = ?", dl.JobID, models.JobFailed).
			Updates(map[string]interface{}{
				"status":      models.JobPending,
				"attempts":    0,
				"next_run_at": now,
				"last_error":  "",
				"claim_token": "",
				"payload":     dl.Payload,
				"updated_at":  now,
			})
		if res.Error != nil {
			return fmt.Errorf("reset job %d: %w", dl.JobID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("job %d is not failed: %w", dl.JobID, ErrNotReplayable)
		}

		if err := tx.Model(dl).Updates(map[string]interface{}{
			"status":      models.DeadLetterReplayed,
			"resolved_at": now,
		}).Error; err != nil {
			return fmt.Errorf("mark dead letter replayed: %w", err)
		}
		return tx.First(&job, dl.JobID).Error
	})
	if err != nil {
		return nil, err
	}
	if q.signal != nil {
		q.signal.Notify(ctx)
	}
	return &job, nil
}

// Discard closes a dead letter without redelivery. The job stays FAILED.
func (q *Queue) Discard(ctx context.Context, tenantID string, deadLetterID uint) error {
	now := q.clock.Now()
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dl, err := q.openDeadLetter(tx, tenantID, deadLetterID)
		if err != nil {
			return err
		}
		return tx.Model(dl).Updates(map[string]interface{}{
			"status":      models.DeadLetterDiscarded,
			"resolved_at": now,
		}).Error
	})
}

func (q *Queue) openDeadLetter(tx *gorm.DB, tenantID string, id uint) (*models.DeadLetter, error) {
	var dl models.DeadLetter
	err := tx.Where("id = ? AND tenant_id = ?", id, tenantID).First(&dl).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load dead letter: %w", err)
	}
	if dl.Status != models.DeadLetterOpen {
		return nil, ErrNotReplayable
	}
	return &dl, nil
}

// DeadLetters lists a tenant's dead letters, newest first.
func (q *Queue) DeadLetters(ctx context.Context, tenantID string, status models.DeadLetterStatus, limit int) ([]models.DeadLetter, error) {
	db := q.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if status != "" {
		db = db.Where("status = ?", status)
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []models.DeadLetter
	if err := db.Order("id DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return out, nil
}

// Jobs lists the delivery jobs created for an alert.
func (q *Queue) Jobs(ctx context.Context, tenantID string, alertID uint) ([]models.DeliveryJob, error) {
	var out []models.DeliveryJob
	err := q.db.WithContext(ctx).
		Where("tenant_id = ? AND alert_id = ?", tenantID, alertID).
		Order("id").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// Attempts lists the attempt history of a job.
func (q *Queue) Attempts(ctx context.Context, jobID uint) ([]models.DeliveryAttempt, error) {
	var out []models.DeliveryAttempt
	if err := q.db.WithContext(ctx).Where("job_id = ?", jobID).Order("attempt").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	return out, nil
}

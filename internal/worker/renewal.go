package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/js-next/gridvdc/internal/queue"
	"github.com/sirupsen/logrus"
)

const (
	DefaultRenewalInterval = 30 * time.Second

	// Payments older than this are refunded instead of processed.
	RefundCutoff = time.Hour
)

var ErrUnknownPhase = errors.New("unknown payment phase")

type Phase string

const (
	PhaseNew           Phase = "NEW"
	PhaseFundProvision Phase = "FUND_PROVISION"
	PhaseInitFee       Phase = "INIT_FEE"
	PhaseFundDiff      Phase = "FUND_DIFF"
	PhasePaid          Phase = "PAID"
)

// Record is one pending plan renewal travelling through the payment
// queue. Phase marks the last completed transfer, so a crashed worker
// resumes where it stopped instead of paying twice.
type Record struct {
	VDCName   string    `json:"vdc_name"`
	PaymentID string    `json:"payment_id"`
	Phase     Phase     `json:"phase"`
	Days      float64   `json:"days"`
	CreatedAt time.Time `json:"created_at"`
}

//go:generate mockgen -source renewal.go -destination mocks/renewal.go -package mocks
type Queue interface {
	Push(ctx context.Context, payload []byte) error
	Pop(ctx context.Context) ([]byte, error)
	PushFront(ctx context.Context, payload []byte) error
	Len(ctx context.Context) (int64, error)
}

type Biller interface {
	FundProvision(ctx context.Context, vdcName string) error
	PayInitializationFee(ctx context.Context, vdcName string) error
	FundDifference(ctx context.Context, vdcName string) error
	Refund(ctx context.Context, paymentID string) error
}

type PlanRenewer interface {
	RenewPlan(ctx context.Context, vdcName string, days float64) error
}

type RenewalConfig struct {
	Queue    Queue
	Biller   Biller
	Renewer  PlanRenewer
	Log      *logrus.Entry
	Interval time.Duration
	Cutoff   time.Duration
}

// Renewal drains the payment queue, walking each record through the
// transfer phases and renewing the plan once the record reaches PAID.
type Renewal struct {
	queue    Queue
	biller   Biller
	renewer  PlanRenewer
	log      *logrus.Entry
	interval time.Duration
	cutoff   time.Duration
}

func NewRenewal(cfg RenewalConfig) *Renewal {
	if cfg.Interval == 0 {
		cfg.Interval = DefaultRenewalInterval
	}
	if cfg.Cutoff == 0 {
		cfg.Cutoff = RefundCutoff
	}

	return &Renewal{
		queue:    cfg.Queue,
		biller:   cfg.Biller,
		renewer:  cfg.Renewer,
		log:      cfg.Log,
		interval: cfg.Interval,
		cutoff:   cfg.Cutoff,
	}
}

// Submit enqueues a fresh renewal payment.
func (r *Renewal) Submit(ctx context.Context, vdcName, paymentID string, days float64) error {
	record := Record{
		VDCName:   vdcName,
		PaymentID: paymentID,
		Phase:     PhaseNew,
		Days:      days,
		CreatedAt: time.Now(),
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal renewal record: %w", err)
	}

	return r.queue.Push(ctx, payload)
}

func (r *Renewal) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Drain(ctx); err != nil {
				r.log.WithError(err).Error("renewal cycle failed")
			}
		}
	}
}

// Drain processes queued records until the queue is empty. A record that
// fails mid-phase goes back to the consuming end with its progress kept.
func (r *Renewal) Drain(ctx context.Context) error {
	pending, err := r.queue.Len(ctx)
	if err != nil {
		return err
	}
	if pending > 0 {
		r.log.WithField("pending", pending).Debug("draining renewal queue")
	}

	for {
		payload, err := r.queue.Pop(ctx)
		if errors.Is(err, queue.ErrEmpty) {
			return nil
		}
		if err != nil {
			return err
		}

		var record Record
		if err := json.Unmarshal(payload, &record); err != nil {
			r.log.WithError(err).Error("dropping malformed renewal record")
			continue
		}

		if err := r.process(ctx, record); err != nil {
			return err
		}
	}
}

func (r *Renewal) process(ctx context.Context, record Record) error {
	log := r.log.WithFields(logrus.Fields{"vdc": record.VDCName, "payment": record.PaymentID})

	if time.Since(record.CreatedAt) > r.cutoff && record.Phase != PhasePaid {
		log.Warn("renewal payment expired, refunding")
		if err := r.biller.Refund(ctx, record.PaymentID); err != nil {
			return r.requeue(ctx, record, fmt.Errorf("failed to refund payment %s: %w", record.PaymentID, err))
		}

		return nil
	}

	for record.Phase != PhasePaid {
		next, err := r.advance(ctx, record)
		if err != nil {
			return r.requeue(ctx, record, err)
		}

		record = next
		log.WithField("phase", record.Phase).Debug("renewal phase complete")
	}

	if err := r.renewer.RenewPlan(ctx, record.VDCName, record.Days); err != nil {
		return r.requeue(ctx, record, fmt.Errorf("failed to renew plan: %w", err))
	}

	log.Info("plan renewed")

	return nil
}

// advance performs the single transfer the record's phase calls for and
// returns the record moved one phase forward.
func (r *Renewal) advance(ctx context.Context, record Record) (Record, error) {
	switch record.Phase {
	case PhaseNew:
		if err := r.biller.FundProvision(ctx, record.VDCName); err != nil {
			return record, fmt.Errorf("failed to fund provision wallet: %w", err)
		}
		record.Phase = PhaseFundProvision
	case PhaseFundProvision:
		if err := r.biller.PayInitializationFee(ctx, record.VDCName); err != nil {
			return record, fmt.Errorf("failed to pay initialization fee: %w", err)
		}
		record.Phase = PhaseInitFee
	case PhaseInitFee:
		if err := r.biller.FundDifference(ctx, record.VDCName); err != nil {
			return record, fmt.Errorf("failed to fund difference: %w", err)
		}
		record.Phase = PhaseFundDiff
	case PhaseFundDiff:
		record.Phase = PhasePaid
	default:
		return record, fmt.Errorf("%w: %s", ErrUnknownPhase, record.Phase)
	}

	return record, nil
}

// requeue puts the record back at the consuming end so the next cycle
// resumes from its current phase.
func (r *Renewal) requeue(ctx context.Context, record Record, cause error) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return errors.Join(cause, fmt.Errorf("failed to marshal renewal record: %w", err))
	}

	if err := r.queue.PushFront(ctx, payload); err != nil {
		return errors.Join(cause, err)
	}

	return cause
}

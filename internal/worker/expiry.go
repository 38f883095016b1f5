package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultExpiryInterval  = time.Hour
	DefaultExpiryThreshold = 3.0
)

//go:generate mockgen -source expiry.go -destination mocks/expiry.go -package mocks
type FundsReader interface {
	FundedDays(ctx context.Context) (float64, error)
}

type Notifier interface {
	Send(recipient, subject, text string) error
}

type Notice func(vdcName string, days float64) (subject, text string)

// ExpiryTarget is one VDC watched for plan expiry.
type ExpiryTarget struct {
	Name  string
	Email string
	Funds FundsReader
}

type ExpiryConfig struct {
	Targets  []ExpiryTarget
	Notifier Notifier
	Notice   Notice
	Log      *logrus.Entry

	// VDCs with fewer funded days than this get a warning.
	Threshold float64
	Interval  time.Duration
}

// Expiry warns owners whose VDCs are close to running out of funded
// capacity.
type Expiry struct {
	targets   []ExpiryTarget
	notifier  Notifier
	notice    Notice
	log       *logrus.Entry
	threshold float64
	interval  time.Duration
}

func NewExpiry(cfg ExpiryConfig) *Expiry {
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultExpiryThreshold
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultExpiryInterval
	}

	return &Expiry{
		targets:   cfg.Targets,
		notifier:  cfg.Notifier,
		notice:    cfg.Notice,
		log:       cfg.Log,
		threshold: cfg.Threshold,
		interval:  cfg.Interval,
	}
}

func (e *Expiry) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.Check(ctx); err != nil {
				e.log.WithError(err).Error("expiry check failed")
			}
		}
	}
}

// Check warns every target under the threshold. A failure on one target
// does not stop the others.
func (e *Expiry) Check(ctx context.Context) error {
	var failed int

	for _, target := range e.targets {
		log := e.log.WithField("vdc", target.Name)

		days, err := target.Funds.FundedDays(ctx)
		if err != nil {
			log.WithError(err).Warn("failed to read funded days")
			failed++
			continue
		}

		if days >= e.threshold {
			continue
		}

		subject, text := e.notice(target.Name, days)
		if err := e.notifier.Send(target.Email, subject, text); err != nil {
			log.WithError(err).Warn("failed to send expiry notice")
			failed++
			continue
		}

		log.WithField("days", days).Info("expiry notice sent")
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d expiry checks failed", failed, len(e.targets))
	}

	return nil
}

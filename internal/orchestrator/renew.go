package orchestrator

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/js-next/gridvdc/internal/pool"
	"github.com/js-next/gridvdc/internal/validator"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const secondsPerDay = 24 * 60 * 60

// RenewPlan extends every pool funding the VDC by the given number of
// days, sized from each pool's currently active units so renewal always
// covers exactly what is running now.
func (d *Deployer) RenewPlan(ctx context.Context, days float64) error {
	if err := validator.ValidateRenewal(days); err != nil {
		return err
	}

	if err := d.loadState(ctx); err != nil {
		return err
	}

	seconds := days * secondsPerDay

	for _, poolID := range d.vdc.PoolIDs() {
		p, err := d.poolReader.GetPool(ctx, poolID)
		if err != nil {
			return fmt.Errorf("failed to get pool %d: %w", poolID, err)
		}

		units := pool.Units{
			CU:    p.ActiveCU * seconds,
			SU:    p.ActiveSU * seconds,
			IPv4U: p.ActiveIPv4 * seconds,
		}
		if units.IsZero() {
			continue
		}

		if err := d.pools.Extend(ctx, poolID, units); err != nil {
			return fmt.Errorf("failed to extend pool %d: %w", poolID, err)
		}

		d.log.WithFields(logrus.Fields{"pool": poolID, "days": days}).Info("pool renewed")
	}

	d.vdc.LastUpdated = time.Now()
	d.vdc.Blocked = false

	return nil
}

// FundedDays reports how many days of runtime the VDC's tightest pool
// still covers at current consumption.
func (d *Deployer) FundedDays(ctx context.Context) (float64, error) {
	if err := d.loadState(ctx); err != nil {
		return 0, err
	}

	funded := math.Inf(1)
	now := time.Now()

	for _, poolID := range d.vdc.PoolIDs() {
		p, err := d.poolReader.GetPool(ctx, poolID)
		if err != nil {
			return 0, fmt.Errorf("failed to get pool %d: %w", poolID, err)
		}

		if p.ActiveCU == 0 && p.ActiveSU == 0 && p.ActiveIPv4 == 0 {
			continue
		}

		days := p.EmptyAt.Sub(now).Hours() / 24
		if days < funded {
			funded = days
		}
	}

	if math.IsInf(funded, 1) {
		return 0, nil
	}
	if funded <= 0 {
		// An active pool ran dry; the VDC stays flagged until renewed.
		d.vdc.Blocked = true
		return 0, nil
	}

	return funded, nil
}

// InitializationFee reports what was actually spent funding this VDC's
// pools, settled against the payment network.
func (d *Deployer) InitializationFee(ctx context.Context) (decimal.Decimal, error) {
	return d.pools.InitializationFee(ctx)
}

// RenewalAmount prices a renewal of the given length from the VDC's
// current resource set.
func (d *Deployer) RenewalAmount(days float64) decimal.Decimal {
	monthly := d.vdc.SpecPrice()

	return monthly.Mul(decimal.NewFromFloat(days)).Div(decimal.NewFromInt(30)).Round(6)
}

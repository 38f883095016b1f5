package pool

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/js-next/gridvdc/internal/inventory"
	"github.com/js-next/gridvdc/internal/models"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var (
	ErrPaymentTimeout    = errors.New("pool payment confirmation timed out")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// TransactionFee is reserved on every transfer on top of the paid amount.
var TransactionFee = decimal.RequireFromString("0.1")

const (
	DefaultPaymentTimeout = 5 * time.Minute
	DefaultPollInterval   = 2 * time.Second
)

//go:generate mockgen -source manager.go -destination mocks/registry.go -package mocks
type Registry interface {
	ListPools(ctx context.Context) ([]models.Pool, error)
	GetPool(ctx context.Context, id uint64) (models.Pool, error)
	CreatePool(ctx context.Context, farmName string, units Units) (models.PoolReservation, error)
	ExtendPool(ctx context.Context, id uint64, units Units, nodeIDs []string) (models.PoolReservation, error)
}

type PaymentGateway interface {
	Transfer(ctx context.Context, address string, amount decimal.Decimal, asset string) (string, error)
	Balances(ctx context.Context, wallet string) ([]models.Balance, error)
	TransactionEffects(ctx context.Context, hash string) ([]models.TransactionEffect, error)
}

// Request asks for one farm's pool to be funded with the given cumulative
// units. TriggerFraction, when set, scales the confirmation thresholds
// relative to the pool's target units; the default trigger is one storage
// unit, just enough to prove the transaction landed.
type Request struct {
	FarmName        string
	Units           Units
	TriggerFraction float64
}

type Config struct {
	Registry       Registry
	Gateway        PaymentGateway
	Directory      inventory.Directory
	Wallet         string
	Asset          string
	Log            *logrus.Entry
	PaymentTimeout time.Duration
	PollInterval   time.Duration
}

// Manager maps (farm, capacity need) to a funded billing pool: one pool
// per farm, created lazily on first need and extended, never recreated.
type Manager struct {
	registry       Registry
	gateway        PaymentGateway
	directory      inventory.Directory
	wallet         string
	asset          string
	log            *logrus.Entry
	paymentTimeout time.Duration
	pollInterval   time.Duration

	mu       sync.Mutex
	txHashes []string
}

func New(cfg Config) *Manager {
	if cfg.PaymentTimeout == 0 {
		cfg.PaymentTimeout = DefaultPaymentTimeout
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Manager{
		registry:       cfg.Registry,
		gateway:        cfg.Gateway,
		directory:      cfg.Directory,
		wallet:         cfg.Wallet,
		asset:          cfg.Asset,
		log:            cfg.Log,
		paymentTimeout: cfg.PaymentTimeout,
		pollInterval:   cfg.PollInterval,
	}
}

// GetOrCreate finds the farm's existing pool and extends it by the
// requested units, or creates a new one. Either path pays the reservation
// and blocks until the pool's confirmed units reach the trigger threshold.
// Costs are rounded up so repeated extensions never underfund.
func (m *Manager) GetOrCreate(ctx context.Context, req Request) (uint64, error) {
	units := ceilUnits(req.Units)

	farm, err := m.directory.GetFarm(ctx, req.FarmName)
	if err != nil {
		return 0, fmt.Errorf("failed to get farm %s: %w", req.FarmName, err)
	}

	pools, err := m.registry.ListPools(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list pools: %w", err)
	}

	existing, found := lo.Find(pools, func(pool models.Pool) bool {
		return pool.FarmID == farm.ID
	})
	if found {
		if units.IsZero() {
			return existing.ID, nil
		}

		return existing.ID, m.extend(ctx, existing, req.FarmName, units, req.TriggerFraction)
	}

	m.log.WithField("farm", req.FarmName).Infof("creating pool with cu: %v, su: %v, ipv4u: %v", units.CU, units.SU, units.IPv4U)
	reservation, err := m.registry.CreatePool(ctx, req.FarmName, units)
	if err != nil {
		return 0, fmt.Errorf("failed to create pool on farm %s: %w", req.FarmName, err)
	}

	if err := m.pay(ctx, reservation); err != nil {
		return 0, err
	}

	return reservation.PoolID, m.WaitPayment(ctx, reservation.PoolID, 0, min(1, units.SU))
}

func (m *Manager) extend(ctx context.Context, pool models.Pool, farmName string, units Units, triggerFraction float64) error {
	nodes, err := m.directory.SearchNodes(ctx, farmName)
	if err != nil {
		return fmt.Errorf("failed to search nodes of farm %s: %w", farmName, err)
	}
	nodeIDs := lo.Map(nodes, func(node models.Node, _ int) string { return node.ID })

	m.log.WithField("pool", pool.ID).Infof("extending pool with cu: %v, su: %v, ipv4u: %v", units.CU, units.SU, units.IPv4U)
	reservation, err := m.registry.ExtendPool(ctx, pool.ID, units, nodeIDs)
	if err != nil {
		return fmt.Errorf("failed to extend pool %d: %w", pool.ID, err)
	}

	if err := m.pay(ctx, reservation); err != nil {
		return err
	}

	triggerCU, triggerSU := 0.0, 1.0
	if triggerFraction > 0 {
		triggerCU = (pool.CUs + units.CU) * triggerFraction
		triggerSU = (pool.SUs + units.SU) * triggerFraction
	}

	return m.WaitPayment(ctx, pool.ID, triggerCU, triggerSU)
}

// Extend grows an existing pool by the given units, recomputing nothing:
// callers derive the units from the pool's latest state immediately before
// calling, which bounds the concurrent-extension race to "extend towards
// sufficiency" being applied at most twice.
func (m *Manager) Extend(ctx context.Context, poolID uint64, units Units) error {
	units = ceilUnits(units)

	pool, err := m.registry.GetPool(ctx, poolID)
	if err != nil {
		return fmt.Errorf("failed to get pool %d: %w", poolID, err)
	}

	reservation, err := m.registry.ExtendPool(ctx, poolID, units, pool.NodeIDs)
	if err != nil {
		return fmt.Errorf("failed to extend pool %d: %w", poolID, err)
	}

	if err := m.pay(ctx, reservation); err != nil {
		return err
	}

	return m.WaitPayment(ctx, poolID, pool.CUs, pool.SUs)
}

// WaitPayment polls the pool until its confirmed units reach the triggers.
// Transient registry errors are swallowed within the poll loop; only
// deadline expiry surfaces, as ErrPaymentTimeout.
func (m *Manager) WaitPayment(ctx context.Context, poolID uint64, triggerCU, triggerSU float64) error {
	deadline := time.Now().Add(m.paymentTimeout)

	for time.Now().Before(deadline) {
		pool, err := m.registry.GetPool(ctx, poolID)
		if err == nil && pool.CUs >= triggerCU && pool.SUs >= triggerSU {
			return nil
		}
		if err != nil {
			m.log.WithField("pool", poolID).Warnf("failed to poll pool: %v", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.pollInterval):
		}
	}

	return fmt.Errorf("%w: pool %d did not reach cu: %v, su: %v within %s", ErrPaymentTimeout, poolID, triggerCU, triggerSU, m.paymentTimeout)
}

// pay submits the reservation's amount to its escrow, retrying transient
// failures within the payment deadline. Insufficient funds fail
// immediately: retrying cannot create money.
func (m *Manager) pay(ctx context.Context, reservation models.PoolReservation) error {
	deadline := time.Now().Add(m.paymentTimeout)

	for {
		if err := m.checkFunds(ctx, reservation.Amount); err != nil {
			if errors.Is(err, ErrInsufficientFunds) {
				return err
			}
			m.log.Warnf("failed to check wallet balance: %v", err)
		} else {
			hash, err := m.gateway.Transfer(ctx, reservation.EscrowAddress, reservation.Amount, m.asset)
			if err == nil {
				m.recordHash(hash)
				return nil
			}
			m.log.Warnf("failed to submit payment for reservation %d: %v", reservation.ID, err)
		}

		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w: failed to submit payment for reservation %d within %s", ErrPaymentTimeout, reservation.ID, m.paymentTimeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.pollInterval):
		}
	}
}

func (m *Manager) checkFunds(ctx context.Context, amount decimal.Decimal) error {
	balances, err := m.gateway.Balances(ctx, m.wallet)
	if err != nil {
		return fmt.Errorf("failed to get balances of wallet %s: %w", m.wallet, err)
	}

	for _, balance := range balances {
		if balance.Asset != m.asset {
			continue
		}
		if balance.Amount.GreaterThanOrEqual(amount.Add(TransactionFee)) {
			return nil
		}

		return fmt.Errorf("%w: wallet %s holds %s, needs %s plus fee", ErrInsufficientFunds, m.wallet, balance.Amount, amount)
	}

	return fmt.Errorf("%w: wallet %s holds no %s", ErrInsufficientFunds, m.wallet, m.asset)
}

func (m *Manager) recordHash(hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !lo.Contains(m.txHashes, hash) {
		m.txHashes = append(m.txHashes, hash)
	}
}

// TransactionHashes lists every transfer submitted so far, for the
// initialization-fee accounting done during renewal.
func (m *Manager) TransactionHashes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.txHashes...)
}

// InitializationFee totals what the recorded transfers actually moved,
// read back from the network so failed or pending submissions never
// count.
func (m *Manager) InitializationFee(ctx context.Context) (decimal.Decimal, error) {
	total := decimal.Zero

	for _, hash := range m.TransactionHashes() {
		effects, err := m.gateway.TransactionEffects(ctx, hash)
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to inspect transaction %s: %w", hash, err)
		}

		for _, effect := range effects {
			if effect.Asset != m.asset || effect.Amount.Sign() <= 0 {
				continue
			}
			total = total.Add(effect.Amount)
		}
	}

	return total, nil
}

func ceilUnits(units Units) Units {
	return Units{
		CU:    math.Ceil(units.CU),
		SU:    math.Ceil(units.SU),
		IPv4U: math.Ceil(units.IPv4U),
	}
}

package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/js-next/gridvdc/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var (
	ErrNothingToFund    = errors.New("prepaid wallet is empty")
	ErrUnknownTransfer  = errors.New("transaction has no refundable effect")
	ErrPriceUnavailable = errors.New("price unavailable")
)

// TransferFee mirrors the network's flat per-transaction fee.
var TransferFee = decimal.RequireFromString("0.1")

// Gateway is the payment network surface the billing flow needs. Wallets
// are addressed by name on the local side and by address on the network
// side.
type Gateway interface {
	Transfer(ctx context.Context, wallet, address string, amount decimal.Decimal, asset string) (string, error)
	Balance(ctx context.Context, wallet, asset string) (decimal.Decimal, error)
	WalletAddress(ctx context.Context, wallet string) (string, error)
	TransactionEffects(ctx context.Context, hash string) ([]models.TransactionEffect, error)
}

// Prices resolves the two amounts the renewal flow owes: the one-time
// initialization fee and the difference between what the plan costs now
// and what the provision wallet holds.
type Prices interface {
	InitializationFee(ctx context.Context, vdcName string) (decimal.Decimal, error)
	RenewalDifference(ctx context.Context, vdcName string) (decimal.Decimal, error)
}

type BillingConfig struct {
	Gateway    Gateway
	Prices     Prices
	InitWallet string
	Asset      string
	Log        *logrus.Entry
}

// Billing executes the renewal transfers between a VDC's prepaid wallet,
// its provision wallet and the operator's initialization wallet.
type Billing struct {
	gateway    Gateway
	prices     Prices
	initWallet string
	asset      string
	log        *logrus.Entry
}

func NewBilling(cfg BillingConfig) *Billing {
	return &Billing{
		gateway:    cfg.Gateway,
		prices:     cfg.Prices,
		initWallet: cfg.InitWallet,
		asset:      cfg.Asset,
		log:        cfg.Log,
	}
}

func PrepaidWallet(vdcName string) string {
	return "prepaid_" + vdcName
}

func ProvisionWallet(vdcName string) string {
	return "provision_" + vdcName
}

// FundProvision moves the whole prepaid balance, minus the transfer fee,
// into the VDC's provision wallet.
func (b *Billing) FundProvision(ctx context.Context, vdcName string) error {
	prepaid := PrepaidWallet(vdcName)

	balance, err := b.gateway.Balance(ctx, prepaid, b.asset)
	if err != nil {
		return fmt.Errorf("failed to read prepaid balance: %w", err)
	}

	amount := balance.Sub(TransferFee)
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: vdc %s", ErrNothingToFund, vdcName)
	}

	address, err := b.gateway.WalletAddress(ctx, ProvisionWallet(vdcName))
	if err != nil {
		return fmt.Errorf("failed to resolve provision wallet: %w", err)
	}

	hash, err := b.gateway.Transfer(ctx, prepaid, address, amount, b.asset)
	if err != nil {
		return fmt.Errorf("failed to fund provision wallet: %w", err)
	}

	b.log.WithFields(logrus.Fields{"vdc": vdcName, "amount": amount, "tx": hash}).Info("provision wallet funded")

	return nil
}

func (b *Billing) PayInitializationFee(ctx context.Context, vdcName string) error {
	fee, err := b.prices.InitializationFee(ctx, vdcName)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	if fee.Sign() <= 0 {
		return nil
	}

	return b.payFromProvision(ctx, vdcName, fee, "initialization fee paid")
}

// FundDifference settles what the current resource set costs beyond the
// plan's base price, covering nodes added since the last renewal.
func (b *Billing) FundDifference(ctx context.Context, vdcName string) error {
	diff, err := b.prices.RenewalDifference(ctx, vdcName)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	if diff.Sign() <= 0 {
		return nil
	}

	return b.payFromProvision(ctx, vdcName, diff, "difference funded")
}

func (b *Billing) payFromProvision(ctx context.Context, vdcName string, amount decimal.Decimal, message string) error {
	address, err := b.gateway.WalletAddress(ctx, b.initWallet)
	if err != nil {
		return fmt.Errorf("failed to resolve init wallet: %w", err)
	}

	hash, err := b.gateway.Transfer(ctx, ProvisionWallet(vdcName), address, amount, b.asset)
	if err != nil {
		return fmt.Errorf("failed to transfer %s: %w", amount, err)
	}

	b.log.WithFields(logrus.Fields{"vdc": vdcName, "amount": amount, "tx": hash}).Info(message)

	return nil
}

// Refund returns an expired payment to its sender, minus the transfer
// fee.
func (b *Billing) Refund(ctx context.Context, paymentID string) error {
	effects, err := b.gateway.TransactionEffects(ctx, paymentID)
	if err != nil {
		return fmt.Errorf("failed to inspect payment %s: %w", paymentID, err)
	}

	for _, effect := range effects {
		if effect.Asset != b.asset || effect.Address == "" {
			continue
		}

		amount := effect.Amount.Sub(TransferFee)
		if amount.Sign() <= 0 {
			continue
		}

		hash, err := b.gateway.Transfer(ctx, b.initWallet, effect.Address, amount, b.asset)
		if err != nil {
			return fmt.Errorf("failed to refund payment %s: %w", paymentID, err)
		}

		b.log.WithFields(logrus.Fields{"payment": paymentID, "amount": amount, "tx": hash}).Info("payment refunded")

		return nil
	}

	return fmt.Errorf("%w: %s", ErrUnknownTransfer, paymentID)
}

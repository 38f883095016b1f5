package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/js-next/gridvdc/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const requestTimeout = 30 * time.Second

// Client talks to the wallet service managing the operator's and the
// VDCs' payment accounts.
type Client struct {
	http *retryablehttp.Client
	base string
	log  *logrus.Entry
}

func New(baseURL string, log *logrus.Entry) *Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.HTTPClient.Timeout = requestTimeout
	client.Logger = nil

	return &Client{http: client, base: baseURL, log: log}
}

type transferRequest struct {
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
	Asset       string `json:"asset"`
}

type transferResponse struct {
	Hash string `json:"tx_hash"`
}

func (c *Client) Transfer(ctx context.Context, wallet, address string, amount decimal.Decimal, asset string) (string, error) {
	in := transferRequest{
		Destination: address,
		Amount:      amount.String(),
		Asset:       asset,
	}

	var out transferResponse
	if err := c.post(ctx, "/wallets/"+wallet+"/transfer", in, &out); err != nil {
		return "", fmt.Errorf("failed to transfer from %s: %w", wallet, err)
	}

	c.log.WithFields(logrus.Fields{
		"wallet": wallet,
		"amount": amount,
		"tx":     out.Hash,
	}).Debug("transfer submitted")

	return out.Hash, nil
}

type balanceDTO struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func (c *Client) Balances(ctx context.Context, wallet string) ([]models.Balance, error) {
	var dtos []balanceDTO
	if err := c.get(ctx, "/wallets/"+wallet+"/balances", &dtos); err != nil {
		return nil, fmt.Errorf("failed to read balances of %s: %w", wallet, err)
	}

	balances := make([]models.Balance, 0, len(dtos))
	for _, dto := range dtos {
		amount, err := decimal.NewFromString(dto.Amount)
		if err != nil {
			return nil, fmt.Errorf("failed to parse balance %q: %w", dto.Amount, err)
		}
		balances = append(balances, models.Balance{Asset: dto.Asset, Amount: amount})
	}

	return balances, nil
}

func (c *Client) Balance(ctx context.Context, wallet, asset string) (decimal.Decimal, error) {
	balances, err := c.Balances(ctx, wallet)
	if err != nil {
		return decimal.Zero, err
	}

	for _, balance := range balances {
		if balance.Asset == asset {
			return balance.Amount, nil
		}
	}

	return decimal.Zero, nil
}

func (c *Client) WalletAddress(ctx context.Context, wallet string) (string, error) {
	var out struct {
		Address string `json:"address"`
	}
	if err := c.get(ctx, "/wallets/"+wallet+"/address", &out); err != nil {
		return "", fmt.Errorf("failed to resolve address of %s: %w", wallet, err)
	}

	return out.Address, nil
}

type effectDTO struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
	Asset   string `json:"asset"`
}

func (c *Client) TransactionEffects(ctx context.Context, hash string) ([]models.TransactionEffect, error) {
	var dtos []effectDTO
	if err := c.get(ctx, "/transactions/"+hash+"/effects", &dtos); err != nil {
		return nil, fmt.Errorf("failed to read effects of %s: %w", hash, err)
	}

	effects := make([]models.TransactionEffect, 0, len(dtos))
	for _, dto := range dtos {
		amount, err := decimal.NewFromString(dto.Amount)
		if err != nil {
			return nil, fmt.Errorf("failed to parse effect amount %q: %w", dto.Amount, err)
		}
		effects = append(effects, models.TransactionEffect{
			Address: dto.Address,
			Amount:  amount,
			Asset:   dto.Asset,
		})
	}

	return effects, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *Client) do(req *retryablehttp.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("wallet service returned %s for %s", resp.Status, req.URL.Path)
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode wallet response: %w", err)
	}

	return nil
}

// Account binds the client to one wallet for callers paying from a fixed
// account.
type Account struct {
	client *Client
	name   string
}

func NewAccount(client *Client, name string) *Account {
	return &Account{client: client, name: name}
}

func (a *Account) Name() string {
	return a.name
}

func (a *Account) Transfer(ctx context.Context, address string, amount decimal.Decimal, asset string) (string, error) {
	return a.client.Transfer(ctx, a.name, address, amount, asset)
}

func (a *Account) Balances(ctx context.Context, wallet string) ([]models.Balance, error) {
	return a.client.Balances(ctx, wallet)
}

func (a *Account) TransactionEffects(ctx context.Context, hash string) ([]models.TransactionEffect, error) {
	return a.client.TransactionEffects(ctx, hash)
}

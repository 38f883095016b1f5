package explorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/js-next/gridvdc/internal/inventory"
	"github.com/js-next/gridvdc/internal/models"
	"github.com/js-next/gridvdc/internal/orchestrator"
	"github.com/js-next/gridvdc/internal/pool"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

const requestTimeout = 30 * time.Second

// Client talks to the grid explorer. It implements the node directory,
// the pool registry, the workload registry and the gateway's dns surface,
// scoped to one identity.
type Client struct {
	http *retryablehttp.Client
	base string
	tid  uint64
	log  *logrus.Entry
}

func New(baseURL string, tid uint64, log *logrus.Entry) *Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.HTTPClient.Timeout = requestTimeout
	client.Logger = nil

	return &Client{
		http: client,
		base: baseURL,
		tid:  tid,
		log:  log,
	}
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := c.base + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
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

func (c *Client) delete(ctx context.Context, path string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodDelete, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	return c.do(req, nil)
}

func (c *Client) do(req *retryablehttp.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("explorer request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return orchestrator.ErrWorkloadNotFound
	case resp.StatusCode >= 400:
		return fmt.Errorf("explorer returned %s for %s", resp.Status, req.URL.Path)
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode explorer response: %w", err)
	}

	return nil
}

// SearchNodes lists a farm's nodes, or every node when farmName is empty.
func (c *Client) SearchNodes(ctx context.Context, farmName string) ([]models.Node, error) {
	query := url.Values{}
	if farmName != "" {
		query.Set("farm", farmName)
	}

	var dtos []nodeDTO
	if err := c.get(ctx, "/explorer/nodes", query, &dtos); err != nil {
		return nil, fmt.Errorf("%w: %v", inventory.ErrDirectoryUnavailable, err)
	}

	return lo.Map(dtos, func(dto nodeDTO, _ int) models.Node {
		return dto.toModel()
	}), nil
}

func (c *Client) GetFarm(ctx context.Context, name string) (models.Farm, error) {
	var dtos []farmDTO
	if err := c.get(ctx, "/explorer/farms", url.Values{"name": []string{name}}, &dtos); err != nil {
		return models.Farm{}, fmt.Errorf("%w: %v", inventory.ErrDirectoryUnavailable, err)
	}
	if len(dtos) == 0 {
		return models.Farm{}, fmt.Errorf("farm %s not found", name)
	}

	return dtos[0].toModel(), nil
}

func (c *Client) GetFarmByID(ctx context.Context, id uint64) (models.Farm, error) {
	var dto farmDTO
	if err := c.get(ctx, "/explorer/farms/"+strconv.FormatUint(id, 10), nil, &dto); err != nil {
		return models.Farm{}, fmt.Errorf("%w: %v", inventory.ErrDirectoryUnavailable, err)
	}

	return dto.toModel(), nil
}

func (c *Client) ListPools(ctx context.Context) ([]models.Pool, error) {
	var dtos []poolDTO
	query := url.Values{"customer_tid": []string{strconv.FormatUint(c.tid, 10)}}
	if err := c.get(ctx, "/explorer/pools", query, &dtos); err != nil {
		return nil, err
	}

	return lo.Map(dtos, func(dto poolDTO, _ int) models.Pool {
		return dto.toModel()
	}), nil
}

func (c *Client) GetPool(ctx context.Context, id uint64) (models.Pool, error) {
	var dto poolDTO
	if err := c.get(ctx, "/explorer/pools/"+strconv.FormatUint(id, 10), nil, &dto); err != nil {
		return models.Pool{}, err
	}

	return dto.toModel(), nil
}

func (c *Client) CreatePool(ctx context.Context, farmName string, units pool.Units) (models.PoolReservation, error) {
	return c.reservePool(ctx, 0, farmName, units, nil)
}

func (c *Client) ExtendPool(ctx context.Context, id uint64, units pool.Units, nodeIDs []string) (models.PoolReservation, error) {
	return c.reservePool(ctx, id, "", units, nodeIDs)
}

func (c *Client) reservePool(ctx context.Context, id uint64, farmName string, units pool.Units, nodeIDs []string) (models.PoolReservation, error) {
	in := poolRequestDTO{
		PoolID:      id,
		Farm:        farmName,
		CUs:         units.CU,
		SUs:         units.SU,
		IPv4Us:      units.IPv4U,
		NodeIDs:     nodeIDs,
		CustomerTID: c.tid,
	}

	var dto poolReservationDTO
	if err := c.post(ctx, "/explorer/pools", in, &dto); err != nil {
		return models.PoolReservation{}, err
	}

	return dto.toModel()
}

func (c *Client) Submit(ctx context.Context, workload models.Workload) (uint64, error) {
	var out struct {
		ID uint64 `json:"reservation_id"`
	}
	if err := c.post(ctx, "/explorer/workloads", workloadToDTO(workload, c.tid), &out); err != nil {
		return 0, err
	}

	return out.ID, nil
}

func (c *Client) Get(ctx context.Context, id uint64) (models.Workload, error) {
	var dto workloadDTO
	if err := c.get(ctx, "/explorer/workloads/"+strconv.FormatUint(id, 10), nil, &dto); err != nil {
		return models.Workload{}, err
	}

	return dto.toModel()
}

func (c *Client) Decommission(ctx context.Context, id uint64) error {
	return c.delete(ctx, "/explorer/workloads/"+strconv.FormatUint(id, 10))
}

func (c *Client) ListActive(ctx context.Context) ([]models.Workload, error) {
	var dtos []workloadDTO
	query := url.Values{"customer_tid": []string{strconv.FormatUint(c.tid, 10)}}
	if err := c.get(ctx, "/explorer/workloads", query, &dtos); err != nil {
		return nil, err
	}

	workloads := make([]models.Workload, 0, len(dtos))
	for _, dto := range dtos {
		workload, err := dto.toModel()
		if err != nil {
			return nil, err
		}
		workloads = append(workloads, workload)
	}

	return workloads, nil
}

func (c *Client) ListBySolution(ctx context.Context, solutionUUID string) ([]models.Workload, error) {
	workloads, err := c.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	return lo.Filter(workloads, func(w models.Workload, _ int) bool {
		return w.SolutionUUID == solutionUUID
	}), nil
}

func (c *Client) Register(ctx context.Context, identity models.Identity) (uint64, error) {
	in := identityDTO{
		Name:  identity.Name,
		Tname: identity.Tname,
		Email: identity.Email,
	}

	var out struct {
		TID uint64 `json:"id"`
	}
	if err := c.post(ctx, "/explorer/phonebook/users", in, &out); err != nil {
		return 0, err
	}

	// The client serves the identity it just registered from here on.
	c.tid = out.TID

	return out.TID, nil
}

func (c *Client) ListRecords(ctx context.Context, domain, host string) ([]models.DNSRecord, error) {
	query := url.Values{}
	if host != "" {
		query.Set("host", host)
	}

	var dtos []dnsRecordDTO
	if err := c.get(ctx, "/explorer/gateway/domains/"+domain+"/records", query, &dtos); err != nil {
		return nil, err
	}

	return lo.Map(dtos, func(dto dnsRecordDTO, _ int) models.DNSRecord {
		return models.DNSRecord(dto)
	}), nil
}

func (c *Client) DeleteRecord(ctx context.Context, fqdn string, id int) error {
	return c.delete(ctx, fmt.Sprintf("/explorer/gateway/records/%s/%d", fqdn, id))
}

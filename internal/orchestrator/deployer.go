package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/js-next/gridvdc/internal/inventory"
	"github.com/js-next/gridvdc/internal/models"
	"github.com/js-next/gridvdc/internal/netalloc"
	"github.com/js-next/gridvdc/internal/pool"
	"github.com/js-next/gridvdc/internal/scheduler"
	"github.com/js-next/gridvdc/internal/validator"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultWorkloadTimeout = 5 * time.Minute
	DefaultPollInterval    = 2 * time.Second
	DefaultInitialDuration = 24 * time.Hour

	MaxConcurrentCancellations = 3
)

var (
	ErrInsufficientCapacity = errors.New("insufficient capacity for the requested deployment")
	ErrDeploymentFailed     = errors.New("deployment failed")
	ErrDeploymentTimeout    = errors.New("deployment timed out")
	ErrIdentity             = errors.New("failed to prepare deployment identity")
	ErrNoStorageFarms       = errors.New("no storage farms configured")
	ErrWorkloadNotFound     = errors.New("workload not found")
	ErrMasterNotFound       = errors.New("kubernetes master not found")
)

//go:generate mockgen -source deployer.go -destination mocks/deployer.go -package mocks
// WorkloadRegistry is the grid-side source of truth for workloads. The
// client is scoped to the VDC's own identity, so ListActive covers exactly
// one VDC; ListBySolution narrows to one deployment batch for rollback.
type WorkloadRegistry interface {
	Submit(ctx context.Context, workload models.Workload) (uint64, error)
	Get(ctx context.Context, id uint64) (models.Workload, error)
	Decommission(ctx context.Context, id uint64) error
	ListActive(ctx context.Context) ([]models.Workload, error)
	ListBySolution(ctx context.Context, solutionUUID string) ([]models.Workload, error)
}

type PoolManager interface {
	GetOrCreate(ctx context.Context, req pool.Request) (uint64, error)
	Extend(ctx context.Context, poolID uint64, units pool.Units) error
	InitializationFee(ctx context.Context) (decimal.Decimal, error)
}

type PoolReader interface {
	GetPool(ctx context.Context, id uint64) (models.Pool, error)
}

type DNSManager interface {
	ListRecords(ctx context.Context, domain, host string) ([]models.DNSRecord, error)
	DeleteRecord(ctx context.Context, fqdn string, id int) error
}

type IdentityRegistry interface {
	Register(ctx context.Context, identity models.Identity) (uint64, error)
}

type KubeConfigFetcher interface {
	Fetch(ctx context.Context, host string) (string, error)
}

type Config struct {
	VDC        *models.VDC
	Registry   WorkloadRegistry
	Pools      PoolManager
	PoolReader PoolReader
	Directory  inventory.Directory
	DNS        DNSManager
	Identities IdentityRegistry
	Kube       KubeConfigFetcher
	Log        *logrus.Entry

	Password string
	SSHKeys  []string

	NetworkFarm   string
	StorageFarms  []string
	PreferredFarm string
	ProxyFarm     string
	ParentDomain  string
	IPRange       net.IPNet

	OverProvision   bool
	InitialDuration time.Duration
	WorkloadTimeout time.Duration
	PollInterval    time.Duration
	Seed            int64
}

// Deployer drives the full provisioning flow of a single VDC: capacity
// check, pool funding, network, storage and kubernetes deployment, and the
// exposure of the control plane. Any failure after money moved rolls back
// every workload of the solution while keeping the pools funded.
type Deployer struct {
	vdc        *models.VDC
	registry   WorkloadRegistry
	pools      PoolManager
	poolReader PoolReader
	directory  inventory.Directory
	dns        DNSManager
	identities IdentityRegistry
	kube       KubeConfigFetcher
	log        *logrus.Entry

	global *scheduler.GlobalScheduler
	alloc  *netalloc.Allocator

	password      string
	clusterSecret string
	sshKeys       []string

	networkFarm   string
	storageFarms  []string
	preferredFarm string
	proxyFarm     string
	parentDomain  string
	ipRange       net.IPNet

	overProvision   bool
	initialDuration time.Duration
	workloadTimeout time.Duration
	pollInterval    time.Duration
}

func New(cfg Config) *Deployer {
	if cfg.InitialDuration == 0 {
		cfg.InitialDuration = DefaultInitialDuration
	}
	if cfg.WorkloadTimeout == 0 {
		cfg.WorkloadTimeout = DefaultWorkloadTimeout
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.IPRange.IP == nil {
		_, defaultRange, _ := net.ParseCIDR("10.200.0.0/16")
		cfg.IPRange = *defaultRange
	}

	secret := sha256.Sum256([]byte(cfg.Password))

	return &Deployer{
		vdc:        cfg.VDC,
		registry:   cfg.Registry,
		pools:      cfg.Pools,
		poolReader: cfg.PoolReader,
		directory:  cfg.Directory,
		dns:        cfg.DNS,
		identities: cfg.Identities,
		kube:       cfg.Kube,
		log: cfg.Log.WithFields(logrus.Fields{
			"vdc":   cfg.VDC.Name,
			"owner": cfg.VDC.Owner,
		}),
		global: scheduler.NewGlobal(scheduler.GlobalConfig{
			Directory:     cfg.Directory,
			Pools:         cfg.PoolReader,
			OverProvision: cfg.OverProvision,
			Seed:          cfg.Seed,
		}),
		alloc:           netalloc.New(cfg.IPRange),
		password:        cfg.Password,
		clusterSecret:   hex.EncodeToString(secret[:]),
		sshKeys:         cfg.SSHKeys,
		networkFarm:     cfg.NetworkFarm,
		storageFarms:    cfg.StorageFarms,
		preferredFarm:   cfg.PreferredFarm,
		proxyFarm:       cfg.ProxyFarm,
		parentDomain:    cfg.ParentDomain,
		ipRange:         cfg.IPRange,
		overProvision:   cfg.OverProvision,
		initialDuration: cfg.InitialDuration,
		workloadTimeout: cfg.WorkloadTimeout,
		pollInterval:    cfg.PollInterval,
	}
}

// Deploy provisions the whole VDC and returns the cluster's kube config.
func (d *Deployer) Deploy(ctx context.Context) (string, error) {
	err := validator.ValidateDeploy(validator.DeployRequest{
		Name:     d.vdc.Name,
		Owner:    d.vdc.Owner,
		Flavor:   d.vdc.Flavor,
		FarmName: d.preferredFarm,
	})
	if err != nil {
		return "", fmt.Errorf("failed to validate deployment request: %w", err)
	}

	if d.vdc.SolutionUUID == "" {
		d.vdc.SolutionUUID = uuid.NewString()
	}
	d.log = d.log.WithField("solution", d.vdc.SolutionUUID)

	if err := d.ensureIdentity(ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrIdentity, err)
	}

	ok, err := d.CheckCapacity(ctx, d.preferredFarm)
	if err != nil {
		return "", fmt.Errorf("failed to check capacity: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("%w: flavor %s on farm %s", ErrInsufficientCapacity, d.vdc.Flavor, d.preferredFarm)
	}

	d.log.Info("capacity confirmed, funding pools")
	if err := d.initPools(ctx); err != nil {
		return "", fmt.Errorf("failed to fund pools: %w", err)
	}

	// Every farm scheduler exists before the concurrent stages start.
	farms := append([]string{d.networkFarm, d.preferredFarm, d.proxyFarm}, d.storageFarms...)
	if err := d.global.AddFarms(ctx, farms...); err != nil {
		return "", fmt.Errorf("failed to register farms: %w", err)
	}

	d.log.Info("deploying network")
	if err := d.deployNetwork(ctx); err != nil {
		return "", d.rollbackAfter(ctx, "network", err)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		_, err := d.deployStorage(egCtx)
		return err
	})
	eg.Go(func() error {
		return d.deployKubernetes(egCtx)
	})
	if err := eg.Wait(); err != nil {
		return "", d.rollbackAfter(ctx, "workloads", err)
	}

	if err := d.loadState(ctx); err != nil {
		return "", d.rollbackAfter(ctx, "state", err)
	}

	master, ok := d.vdc.Master()
	if !ok {
		return "", d.rollbackAfter(ctx, "state", ErrMasterNotFound)
	}

	kubeConfig, err := d.kube.Fetch(ctx, master.PublicIP.String())
	if err != nil {
		return "", d.rollbackAfter(ctx, "kubeconfig", err)
	}

	d.log.Info("exposing control plane")
	if err := d.deployControlPlane(ctx, kubeConfig); err != nil {
		return "", d.rollbackAfter(ctx, "exposure", err)
	}

	d.vdc.Created = time.Now()
	d.vdc.LastUpdated = d.vdc.Created
	d.log.Info("deployment complete")

	return kubeConfig, nil
}

// CheckCapacity runs the full deployment plan against a disposable
// reservation ledger, without mutating any scheduler state or submitting
// any workload.
func (d *Deployer) CheckCapacity(ctx context.Context, farmName string) (bool, error) {
	if len(d.storageFarms) == 0 {
		return false, ErrNoStorageFarms
	}

	farm, err := d.directory.GetFarm(ctx, d.networkFarm)
	if err != nil {
		return false, fmt.Errorf("failed to get network farm: %w", err)
	}
	if !farm.HasFreeIPv4() {
		d.log.WithField("farm", d.networkFarm).Warn("no free public address on network farm")
		return false, nil
	}

	checker := scheduler.NewGlobalChecker(scheduler.GlobalConfig{
		Directory:     d.directory,
		Pools:         d.poolReader,
		OverProvision: d.overProvision,
	})

	spec := models.FlavorSpecs[d.vdc.Flavor]

	perFarm := spec.ShardCount() / len(d.storageFarms)
	remainder := spec.ShardCount() % len(d.storageFarms)
	for i, farmName := range d.storageFarms {
		count := perFarm
		if i < remainder {
			count++
		}
		if count == 0 {
			continue
		}
		if _, err := checker.AddQuery(ctx, farmName, models.CapacityQuery{
			HRU:       spec.ShardSize,
			IPVersion: models.IPv6,
			Count:     count,
		}); err != nil {
			return false, err
		}
	}

	controller := models.K8SSizes[spec.ControllerSize]
	if _, err := checker.AddQuery(ctx, d.networkFarm, models.CapacityQuery{
		CRU:       controller.CRU,
		MRU:       controller.MRU,
		SRU:       controller.SRU,
		IPVersion: models.IPv4,
	}); err != nil {
		return false, err
	}

	worker := models.K8SSizes[spec.WorkerSize]
	if _, err := checker.AddQuery(ctx, farmName, models.CapacityQuery{
		CRU:   worker.CRU,
		MRU:   worker.MRU,
		SRU:   worker.SRU,
		Count: spec.WorkerCount,
	}); err != nil {
		return false, err
	}

	if _, err := checker.AddQuery(ctx, d.preferredFarm, models.CapacityQuery{
		CRU: models.ControlPlaneCPU,
		MRU: models.ControlPlaneMemory,
		SRU: models.ControlPlaneDisk,
	}); err != nil {
		return false, err
	}

	// The proxy farm needs a reachable gateway for the subdomain, or the
	// exposure stage fails after money has moved.
	if _, err := checker.AddQuery(ctx, d.proxyFarm, models.CapacityQuery{
		IPVersion: models.IPv4,
	}); err != nil {
		return false, err
	}

	return checker.Result(), nil
}

func (d *Deployer) ensureIdentity(ctx context.Context) error {
	if d.vdc.IdentityTID != 0 {
		return nil
	}

	suffix := strings.ReplaceAll(d.vdc.SolutionUUID, "-", "")[:12]
	identity := models.Identity{
		Name:  fmt.Sprintf("vdc-%s-%s", d.vdc.Name, suffix),
		Tname: fmt.Sprintf("%s.%s", d.vdc.Owner, d.vdc.Name),
		Email: fmt.Sprintf("vdc-%s@%s", suffix, d.parentDomain),
		Words: d.clusterSecret,
	}

	tid, err := d.identities.Register(ctx, identity)
	if err != nil {
		return fmt.Errorf("failed to register identity: %w", err)
	}

	identity.TID = tid
	d.vdc.IdentityTID = tid
	d.log.WithField("tid", tid).Info("deployment identity registered")

	return nil
}

// initPools aggregates the capacity of the whole plan per farm and funds
// each farm's pool in one payment.
func (d *Deployer) initPools(ctx context.Context) error {
	if len(d.storageFarms) == 0 {
		return ErrNoStorageFarms
	}

	spec := models.FlavorSpecs[d.vdc.Flavor]
	duration := d.initialDuration

	farmUnits := make(map[string]pool.Units)
	add := func(farmName string, units pool.Units) {
		farmUnits[farmName] = farmUnits[farmName].Add(units)
	}

	// Gateway primitives are free, but the proxy farm's pool must exist
	// before the exposure stage references it.
	add(d.proxyFarm, pool.Units{})

	perFarm := spec.ShardCount() / len(d.storageFarms)
	remainder := spec.ShardCount() % len(d.storageFarms)
	for i, farmName := range d.storageFarms {
		count := perFarm
		if i < remainder {
			count++
		}
		if count == 0 {
			continue
		}
		add(farmName, pool.WorkloadUnits(models.ResourceUnits{HRU: spec.ShardSize}, duration, count, false))
	}

	controller := models.K8SSizes[spec.ControllerSize]
	add(d.networkFarm, pool.WorkloadUnits(controller.Resources(), duration, 1, true))

	worker := models.K8SSizes[spec.WorkerSize]
	add(d.preferredFarm, pool.WorkloadUnits(worker.Resources(), duration, spec.WorkerCount, false))

	add(d.preferredFarm, pool.WorkloadUnits(models.ResourceUnits{
		CRU: models.ControlPlaneCPU,
		MRU: models.ControlPlaneMemory,
		SRU: models.ControlPlaneDisk,
	}, duration, 1, false))

	for farmName, units := range farmUnits {
		id, err := d.pools.GetOrCreate(ctx, pool.Request{FarmName: farmName, Units: units})
		if err != nil {
			return fmt.Errorf("failed to fund pool on farm %s: %w", farmName, err)
		}
		d.log.WithFields(logrus.Fields{"farm": farmName, "pool": id}).Info("pool funded")
	}

	return nil
}

// farmPool resolves the funded pool of a farm. Pools are funded up front,
// a zero-unit request only looks the pool up.
func (d *Deployer) farmPool(ctx context.Context, farmName string) (uint64, error) {
	return d.pools.GetOrCreate(ctx, pool.Request{FarmName: farmName})
}

// waitWorkload polls the registry until the workload reports a result.
// Transient registry errors are retried until the deadline.
func (d *Deployer) waitWorkload(ctx context.Context, id uint64) error {
	deadline := time.Now().Add(d.workloadTimeout)
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		workload, err := d.registry.Get(ctx, id)
		if err == nil {
			switch workload.Result.State {
			case models.ResultStateOK:
				return nil
			case models.ResultStateError:
				return fmt.Errorf("%w: workload %d: %s", ErrDeploymentFailed, id, workload.Result.Message)
			}
		} else {
			d.log.WithField("workload", id).WithError(err).Debug("registry read failed, retrying")
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: workload %d", ErrDeploymentTimeout, id)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// waitResult additionally waits for the registry to publish the workload's
// address fields, tolerating read-after-write lag.
func (d *Deployer) waitResult(ctx context.Context, id uint64, public bool) (models.Workload, error) {
	if err := d.waitWorkload(ctx, id); err != nil {
		return models.Workload{}, err
	}

	deadline := time.Now().Add(d.workloadTimeout)
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		workload, err := d.registry.Get(ctx, id)
		if err == nil {
			if public && workload.Result.PublicIP != nil {
				return workload, nil
			}
			if !public && workload.Result.IP != nil {
				return workload, nil
			}
		}

		if time.Now().After(deadline) {
			return models.Workload{}, fmt.Errorf("%w: workload %d has no address", ErrDeploymentTimeout, id)
		}

		select {
		case <-ctx.Done():
			return models.Workload{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// loadState rebuilds the VDC's typed views from the registry's confirmed
// workloads, including any added by later cluster or storage extensions.
func (d *Deployer) loadState(ctx context.Context) error {
	workloads, err := d.registry.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list workloads: %w", err)
	}

	d.vdc.Kubernetes = d.vdc.Kubernetes[:0]
	d.vdc.Shards = d.vdc.Shards[:0]

	for _, w := range workloads {
		if w.NextAction != models.NextActionDeploy || w.Result.State != models.ResultStateOK {
			continue
		}

		switch w.Type {
		case models.WorkloadComputeMaster, models.WorkloadComputeWorker:
			role := models.RoleWorker
			if w.Type == models.WorkloadComputeMaster {
				role = models.RoleMaster
			}
			d.vdc.Kubernetes = append(d.vdc.Kubernetes, models.KubernetesNode{
				WID:      w.ID,
				NodeID:   w.NodeID,
				PoolID:   w.PoolID,
				Role:     role,
				Size:     w.NodeSize,
				IP:       w.Result.IP,
				PublicIP: w.Result.PublicIP,
			})
		case models.WorkloadStorageShard:
			d.vdc.Shards = append(d.vdc.Shards, models.StorageShard{
				WID:       w.ID,
				NodeID:    w.NodeID,
				PoolID:    w.PoolID,
				Size:      w.Size,
				IP:        w.Result.IP,
				Port:      w.Result.Port,
				Namespace: w.Result.Namespace,
				Password:  w.Password,
			})
		case models.WorkloadContainer:
			d.vdc.ControlPlane = models.ControlPlane{
				WID:    w.ID,
				NodeID: w.NodeID,
				PoolID: w.PoolID,
				IP:     w.Result.IP,
				Domain: d.vdc.Domain,
			}
		case models.WorkloadSubdomain:
			d.vdc.Domain = w.Domain
			d.vdc.DomainWID = w.ID
		}
	}

	return nil
}

func (d *Deployer) VDC() *models.VDC {
	return d.vdc
}

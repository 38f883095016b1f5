package orchestrator

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/js-next/gridvdc/internal/models"
	"github.com/js-next/gridvdc/internal/netalloc"
	"github.com/js-next/gridvdc/internal/pool"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

type fakeDirectory struct {
	farms map[string]models.Farm
	nodes map[string][]models.Node
}

func (f *fakeDirectory) SearchNodes(ctx context.Context, farmName string) ([]models.Node, error) {
	return f.nodes[farmName], nil
}

func (f *fakeDirectory) GetFarm(ctx context.Context, name string) (models.Farm, error) {
	farm, ok := f.farms[name]
	if !ok {
		return models.Farm{}, fmt.Errorf("farm %s not found", name)
	}

	return farm, nil
}

func (f *fakeDirectory) GetFarmByID(ctx context.Context, id uint64) (models.Farm, error) {
	for _, farm := range f.farms {
		if farm.ID == id {
			return farm, nil
		}
	}

	return models.Farm{}, fmt.Errorf("farm %d not found", id)
}

type fakeRegistry struct {
	mu        sync.Mutex
	nextID    uint64
	workloads map[uint64]models.Workload

	// resultFor decides what a submitted workload reports, keyed by node.
	resultFor map[string]models.WorkloadResult

	transientGetErrs int
	decommissionErr  map[uint64]error
	decommissioned   []uint64
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		workloads:       make(map[uint64]models.Workload),
		resultFor:       make(map[string]models.WorkloadResult),
		decommissionErr: make(map[uint64]error),
	}
}

func (r *fakeRegistry) add(w models.Workload) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	w.ID = r.nextID
	r.workloads[w.ID] = w

	return w.ID
}

func (r *fakeRegistry) Submit(ctx context.Context, w models.Workload) (uint64, error) {
	if result, ok := r.resultFor[w.NodeID]; ok {
		w.Result = result
	}

	return r.add(w), nil
}

func (r *fakeRegistry) Get(ctx context.Context, id uint64) (models.Workload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.transientGetErrs > 0 {
		r.transientGetErrs--
		return models.Workload{}, fmt.Errorf("explorer unavailable")
	}

	w, ok := r.workloads[id]
	if !ok {
		return models.Workload{}, ErrWorkloadNotFound
	}

	return w, nil
}

func (r *fakeRegistry) Decommission(ctx context.Context, id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err, ok := r.decommissionErr[id]; ok {
		return err
	}

	w := r.workloads[id]
	w.NextAction = models.NextActionDelete
	r.workloads[id] = w
	r.decommissioned = append(r.decommissioned, id)

	return nil
}

func (r *fakeRegistry) ListActive(ctx context.Context) ([]models.Workload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	workloads := make([]models.Workload, 0, len(r.workloads))
	for _, w := range r.workloads {
		workloads = append(workloads, w)
	}

	return workloads, nil
}

func (r *fakeRegistry) ListBySolution(ctx context.Context, solutionUUID string) ([]models.Workload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var workloads []models.Workload
	for _, w := range r.workloads {
		if w.SolutionUUID == solutionUUID {
			workloads = append(workloads, w)
		}
	}

	return workloads, nil
}

type fakePoolManager struct {
	mu       sync.Mutex
	ids      map[string]uint64
	extended map[uint64][]pool.Units
	triggers []float64
	funded   map[string]pool.Units
}

func newFakePoolManager(ids map[string]uint64) *fakePoolManager {
	return &fakePoolManager{
		ids:      ids,
		extended: make(map[uint64][]pool.Units),
		funded:   make(map[string]pool.Units),
	}
}

func (p *fakePoolManager) GetOrCreate(ctx context.Context, req pool.Request) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.triggers = append(p.triggers, req.TriggerFraction)
	p.funded[req.FarmName] = p.funded[req.FarmName].Add(req.Units)

	id, ok := p.ids[req.FarmName]
	if !ok {
		return 0, fmt.Errorf("no pool for farm %s", req.FarmName)
	}

	return id, nil
}

func (p *fakePoolManager) Extend(ctx context.Context, poolID uint64, units pool.Units) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.extended[poolID] = append(p.extended[poolID], units)

	return nil
}

func (p *fakePoolManager) InitializationFee(ctx context.Context) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type fakePoolReader struct {
	pools map[uint64]models.Pool
}

func (p *fakePoolReader) GetPool(ctx context.Context, id uint64) (models.Pool, error) {
	pl, ok := p.pools[id]
	if !ok {
		return models.Pool{}, fmt.Errorf("pool %d not found", id)
	}

	return pl, nil
}

type fakeDNS struct {
	records []models.DNSRecord
	deleted []string
}

func (d *fakeDNS) ListRecords(ctx context.Context, domain, host string) ([]models.DNSRecord, error) {
	return d.records, nil
}

func (d *fakeDNS) DeleteRecord(ctx context.Context, fqdn string, id int) error {
	d.deleted = append(d.deleted, fqdn)
	return nil
}

type fakeIdentities struct {
	tid uint64
}

func (i *fakeIdentities) Register(ctx context.Context, identity models.Identity) (uint64, error) {
	return i.tid, nil
}

type fakeKube struct {
	config string
}

func (k *fakeKube) Fetch(ctx context.Context, host string) (string, error) {
	return k.config, nil
}

func upNode(id string, farmID uint64, total models.ResourceUnits) models.Node {
	return models.Node{
		ID:         id,
		FarmID:     farmID,
		Updated:    time.Now(),
		Total:      total,
		PublicIPv6: true,
	}
}

func testConfig(vdc *models.VDC, registry *fakeRegistry, directory *fakeDirectory, pools *fakePoolManager, reader *fakePoolReader) Config {
	return Config{
		VDC:             vdc,
		Registry:        registry,
		Pools:           pools,
		PoolReader:      reader,
		Directory:       directory,
		DNS:             &fakeDNS{},
		Identities:      &fakeIdentities{tid: 42},
		Kube:            &fakeKube{config: "apiVersion: v1"},
		Log:             logrus.NewEntry(logrus.StandardLogger()),
		Password:        "secret",
		NetworkFarm:     "net",
		StorageFarms:    []string{"stor"},
		PreferredFarm:   "pref",
		ProxyFarm:       "proxy",
		ParentDomain:    "grid.example.com",
		WorkloadTimeout: 100 * time.Millisecond,
		PollInterval:    2 * time.Millisecond,
		Seed:            1,
	}
}

func testDirectory() *fakeDirectory {
	return &fakeDirectory{
		farms: map[string]models.Farm{
			"net":   {ID: 1, Name: "net", IPAddresses: []models.FarmIP{{Address: "185.1.1.1/24"}}},
			"stor":  {ID: 2, Name: "stor"},
			"pref":  {ID: 3, Name: "pref"},
			"proxy": {ID: 4, Name: "proxy"},
		},
		nodes: map[string][]models.Node{},
	}
}

func Test_WaitWorkload(t *testing.T) {
	vdc := &models.VDC{Name: "demo", Owner: "alice", Flavor: models.FlavorSilver}

	testCases := []struct {
		name      string
		result    models.WorkloadResult
		transient int
		wantErr   error
	}{
		{
			name:      "tolerates transient registry errors",
			result:    models.WorkloadResult{State: models.ResultStateOK},
			transient: 2,
		},
		{
			name:    "error result fails the workload",
			result:  models.WorkloadResult{State: models.ResultStateError, Message: "no disk"},
			wantErr: ErrDeploymentFailed,
		},
		{
			name:    "pending result times out",
			wantErr: ErrDeploymentTimeout,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			registry := newFakeRegistry()
			registry.transientGetErrs = testCase.transient
			id := registry.add(models.Workload{Result: testCase.result})

			d := New(testConfig(vdc, registry, testDirectory(), newFakePoolManager(nil), &fakePoolReader{}))

			err := d.waitWorkload(context.Background(), id)
			if testCase.wantErr != nil {
				assert.ErrorIs(t, err, testCase.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func Test_LoadState(t *testing.T) {
	registry := newFakeRegistry()
	registry.add(models.Workload{
		Type:       models.WorkloadComputeMaster,
		NodeID:     "n1",
		PoolID:     10,
		NodeSize:   models.K8SSmall,
		NextAction: models.NextActionDeploy,
		Result:     models.WorkloadResult{State: models.ResultStateOK, IP: net.ParseIP("10.200.0.2"), PublicIP: net.ParseIP("185.1.1.2")},
	})
	registry.add(models.Workload{
		Type:       models.WorkloadComputeWorker,
		NodeID:     "n2",
		PoolID:     11,
		NodeSize:   models.K8SSmall,
		NextAction: models.NextActionDeploy,
		Result:     models.WorkloadResult{State: models.ResultStateOK, IP: net.ParseIP("10.200.0.3")},
	})
	registry.add(models.Workload{
		Type:       models.WorkloadStorageShard,
		NodeID:     "n3",
		PoolID:     12,
		Size:       10,
		Password:   "shard-pass",
		NextAction: models.NextActionDeploy,
		Result:     models.WorkloadResult{State: models.ResultStateOK, IP: net.ParseIP("2001:db8::1"), Port: 9900, Namespace: "ns-1"},
	})
	registry.add(models.Workload{
		Type:       models.WorkloadContainer,
		NodeID:     "n2",
		PoolID:     11,
		NextAction: models.NextActionDeploy,
		Result:     models.WorkloadResult{State: models.ResultStateOK, IP: net.ParseIP("10.200.0.4")},
	})
	registry.add(models.Workload{
		Type:       models.WorkloadSubdomain,
		Domain:     "alice-demo.vdc.grid.example.com",
		NextAction: models.NextActionDeploy,
		Result:     models.WorkloadResult{State: models.ResultStateOK},
	})
	// Deleted and failed workloads stay out of the views.
	registry.add(models.Workload{
		Type:       models.WorkloadComputeWorker,
		NodeID:     "n4",
		NextAction: models.NextActionDelete,
		Result:     models.WorkloadResult{State: models.ResultStateOK},
	})
	registry.add(models.Workload{
		Type:       models.WorkloadComputeWorker,
		NodeID:     "n5",
		NextAction: models.NextActionDeploy,
		Result:     models.WorkloadResult{State: models.ResultStateError},
	})

	vdc := &models.VDC{Name: "demo", Owner: "alice", Flavor: models.FlavorSilver}
	d := New(testConfig(vdc, registry, testDirectory(), newFakePoolManager(nil), &fakePoolReader{}))

	assert.NoError(t, d.loadState(context.Background()))

	assert.Len(t, vdc.Kubernetes, 2)
	master, ok := vdc.Master()
	assert.True(t, ok)
	assert.Equal(t, "n1", master.NodeID)
	assert.Equal(t, "185.1.1.2", master.PublicIP.String())

	assert.Len(t, vdc.Shards, 1)
	assert.Equal(t, "ns-1:shard-pass@2001:db8::1:9900", vdc.Shards[0].ConnectionString())

	assert.Equal(t, uint64(4), vdc.ControlPlane.WID)
	assert.Equal(t, "alice-demo.vdc.grid.example.com", vdc.Domain)
	assert.ElementsMatch(t, []uint64{10, 11, 12}, vdc.PoolIDs())
}

func Test_CheckCapacity(t *testing.T) {
	big := models.ResourceUnits{CRU: 16, MRU: 64, SRU: 500, HRU: 500}

	testCases := []struct {
		name      string
		netIPs    []models.FarmIP
		storage   models.ResourceUnits
		noGateway bool
		expected  bool
	}{
		{
			name:     "fits",
			netIPs:   []models.FarmIP{{Address: "185.1.1.1/24"}},
			storage:  big,
			expected: true,
		},
		{
			name:     "no free public address",
			netIPs:   []models.FarmIP{{Address: "185.1.1.1/24", ReservationID: 5}},
			storage:  big,
			expected: false,
		},
		{
			name:     "storage shards do not fit",
			netIPs:   []models.FarmIP{{Address: "185.1.1.1/24"}},
			storage:  models.ResourceUnits{CRU: 16, MRU: 64, SRU: 500, HRU: 5},
			expected: false,
		},
		{
			name:      "no gateway on proxy farm",
			netIPs:    []models.FarmIP{{Address: "185.1.1.1/24"}},
			storage:   big,
			noGateway: true,
			expected:  false,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			directory := testDirectory()
			directory.farms["net"] = models.Farm{ID: 1, Name: "net", IPAddresses: testCase.netIPs}

			netNode := upNode("net-1", 1, big)
			netNode.PublicIPv4 = true
			directory.nodes["net"] = []models.Node{netNode}
			if !testCase.noGateway {
				gateway := upNode("proxy-1", 4, big)
				gateway.PublicIPv4 = true
				directory.nodes["proxy"] = []models.Node{gateway}
			}
			directory.nodes["stor"] = []models.Node{
				upNode("stor-1", 2, testCase.storage),
				upNode("stor-2", 2, testCase.storage),
				upNode("stor-3", 2, testCase.storage),
			}
			directory.nodes["pref"] = []models.Node{upNode("pref-1", 3, big), upNode("pref-2", 3, big)}

			vdc := &models.VDC{Name: "demo", Owner: "alice", Flavor: models.FlavorSilver}
			d := New(testConfig(vdc, newFakeRegistry(), directory, newFakePoolManager(nil), &fakePoolReader{}))

			ok, err := d.CheckCapacity(context.Background(), "pref")
			assert.NoError(t, err)
			assert.Equal(t, testCase.expected, ok)
		})
	}
}

func Test_Rollback(t *testing.T) {
	registry := newFakeRegistry()
	solution := "sol-1"
	active := registry.add(models.Workload{SolutionUUID: solution, NextAction: models.NextActionDeploy})
	gone := registry.add(models.Workload{SolutionUUID: solution, NextAction: models.NextActionDeploy})
	registry.decommissionErr[gone] = ErrWorkloadNotFound
	deleted := registry.add(models.Workload{SolutionUUID: solution, NextAction: models.NextActionDelete})

	dns := &fakeDNS{records: []models.DNSRecord{
		{ID: 1, FQDN: "alice-demo.vdc.grid.example.com"},
		{ID: 2, FQDN: "alice-demo.vdc.grid.example.com"},
	}}

	vdc := &models.VDC{
		Name:         "demo",
		Owner:        "alice",
		Flavor:       models.FlavorSilver,
		SolutionUUID: solution,
		Shards:       []models.StorageShard{{WID: 9}},
		Domain:       "alice-demo.vdc.grid.example.com",
	}
	cfg := testConfig(vdc, registry, testDirectory(), newFakePoolManager(nil), &fakePoolReader{})
	cfg.DNS = dns
	d := New(cfg)

	assert.NoError(t, d.Rollback(context.Background()))

	assert.ElementsMatch(t, []uint64{active}, registry.decommissioned)
	assert.NotContains(t, registry.decommissioned, deleted)
	assert.Len(t, dns.deleted, 2)
	assert.Empty(t, vdc.Shards)
	assert.Empty(t, vdc.Domain)
}

func Test_RenewPlan(t *testing.T) {
	registry := newFakeRegistry()
	registry.add(models.Workload{
		Type:       models.WorkloadComputeMaster,
		PoolID:     1,
		NextAction: models.NextActionDeploy,
		Result:     models.WorkloadResult{State: models.ResultStateOK},
	})
	registry.add(models.Workload{
		Type:       models.WorkloadStorageShard,
		PoolID:     2,
		NextAction: models.NextActionDeploy,
		Result:     models.WorkloadResult{State: models.ResultStateOK},
	})

	pools := newFakePoolManager(nil)
	reader := &fakePoolReader{pools: map[uint64]models.Pool{
		1: {ID: 1, ActiveCU: 2, ActiveSU: 3},
		2: {ID: 2},
	}}

	vdc := &models.VDC{Name: "demo", Owner: "alice", Flavor: models.FlavorSilver, Blocked: true}
	d := New(testConfig(vdc, registry, testDirectory(), pools, reader))

	assert.NoError(t, d.RenewPlan(context.Background(), 1))

	// One day of the pool's current burn rate.
	assert.Equal(t, []pool.Units{{CU: 2 * 86400, SU: 3 * 86400}}, pools.extended[1])
	// Idle pools are not extended.
	assert.Empty(t, pools.extended[2])
	assert.False(t, vdc.Blocked)
	assert.False(t, vdc.LastUpdated.IsZero())
}

func Test_RenewPlan_InvalidDays(t *testing.T) {
	vdc := &models.VDC{Name: "demo", Owner: "alice", Flavor: models.FlavorSilver}
	d := New(testConfig(vdc, newFakeRegistry(), testDirectory(), newFakePoolManager(nil), &fakePoolReader{}))

	assert.Error(t, d.RenewPlan(context.Background(), 0))
}

func Test_FundedDays(t *testing.T) {
	registry := newFakeRegistry()
	registry.add(models.Workload{
		Type:       models.WorkloadComputeMaster,
		PoolID:     1,
		NextAction: models.NextActionDeploy,
		Result:     models.WorkloadResult{State: models.ResultStateOK},
	})
	registry.add(models.Workload{
		Type:       models.WorkloadStorageShard,
		PoolID:     2,
		NextAction: models.NextActionDeploy,
		Result:     models.WorkloadResult{State: models.ResultStateOK},
	})

	reader := &fakePoolReader{pools: map[uint64]models.Pool{
		1: {ID: 1, ActiveCU: 1, EmptyAt: time.Now().Add(48 * time.Hour)},
		2: {ID: 2, ActiveSU: 1, EmptyAt: time.Now().Add(24 * time.Hour)},
	}}

	vdc := &models.VDC{Name: "demo", Owner: "alice", Flavor: models.FlavorSilver}
	d := New(testConfig(vdc, registry, testDirectory(), newFakePoolManager(nil), reader))

	days, err := d.FundedDays(context.Background())
	assert.NoError(t, err)
	assert.InDelta(t, 1.0, days, 0.01)
	assert.False(t, vdc.Blocked)

	// A drained pool reports zero, never negative, and flags the VDC.
	reader.pools[2] = models.Pool{ID: 2, ActiveSU: 1, EmptyAt: time.Now().Add(-time.Hour)}
	days, err = d.FundedDays(context.Background())
	assert.NoError(t, err)
	assert.Zero(t, days)
	assert.True(t, vdc.Blocked)
}

func Test_RenewalAmount(t *testing.T) {
	vdc := &models.VDC{Name: "demo", Owner: "alice", Flavor: models.FlavorSilver}
	d := New(testConfig(vdc, newFakeRegistry(), testDirectory(), newFakePoolManager(nil), &fakePoolReader{}))

	assert.Equal(t, "50", d.RenewalAmount(30).String())
	assert.Equal(t, "25", d.RenewalAmount(15).String())
}

func Test_DeployMaster_TriesNextCandidate(t *testing.T) {
	directory := testDirectory()
	resources := models.ResourceUnits{CRU: 8, MRU: 16, SRU: 100}
	badNode := upNode("bad", 1, resources)
	badNode.PublicIPv4 = true
	goodNode := upNode("good", 1, resources)
	goodNode.PublicIPv4 = true
	directory.nodes["net"] = []models.Node{badNode, goodNode}

	registry := newFakeRegistry()
	registry.resultFor["bad"] = models.WorkloadResult{State: models.ResultStateError, Message: "node out of disk"}
	registry.resultFor["good"] = models.WorkloadResult{
		State:    models.ResultStateOK,
		IP:       net.ParseIP("10.200.0.2"),
		PublicIP: net.ParseIP("185.1.1.2"),
	}

	vdc := &models.VDC{Name: "demo", Owner: "alice", Flavor: models.FlavorSilver, SolutionUUID: "sol-1"}
	d := New(testConfig(vdc, registry, directory, newFakePoolManager(nil), &fakePoolReader{}))

	ip, err := d.deployMaster(context.Background(), 10, models.K8SSmall)
	assert.NoError(t, err)
	assert.NotNil(t, ip)

	// Exactly one master confirmed, on the healthy node.
	var confirmed []models.Workload
	for _, w := range registry.workloads {
		if w.Type == models.WorkloadComputeMaster && w.Result.State == models.ResultStateOK {
			confirmed = append(confirmed, w)
		}
	}
	assert.Len(t, confirmed, 1)
	assert.Equal(t, "good", confirmed[0].NodeID)
}

func Test_DeployMaster_AllCandidatesFail(t *testing.T) {
	directory := testDirectory()
	node := upNode("bad", 1, models.ResourceUnits{CRU: 8, MRU: 16, SRU: 100})
	node.PublicIPv4 = true
	directory.nodes["net"] = []models.Node{node}

	registry := newFakeRegistry()
	registry.resultFor["bad"] = models.WorkloadResult{State: models.ResultStateError}

	vdc := &models.VDC{Name: "demo", Owner: "alice", Flavor: models.FlavorSilver, SolutionUUID: "sol-1"}
	d := New(testConfig(vdc, registry, directory, newFakePoolManager(nil), &fakePoolReader{}))

	_, err := d.deployMaster(context.Background(), 10, models.K8SSmall)
	assert.ErrorIs(t, err, ErrDeploymentFailed)
}

func Test_ExtendCluster_WithoutMaster(t *testing.T) {
	vdc := &models.VDC{Name: "demo", Owner: "alice", Flavor: models.FlavorSilver}
	d := New(testConfig(vdc, newFakeRegistry(), testDirectory(), newFakePoolManager(nil), &fakePoolReader{}))

	_, err := d.ExtendCluster(context.Background(), "pref", models.K8SSmall, 1, false, 24*time.Hour)
	assert.ErrorIs(t, err, ErrMasterNotFound)
}

func Test_ExtendCluster_PrivateRangeExhausted(t *testing.T) {
	registry := newFakeRegistry()
	registry.add(models.Workload{
		Type:       models.WorkloadComputeMaster,
		NodeID:     "n1",
		PoolID:     10,
		NodeSize:   models.K8SSmall,
		NextAction: models.NextActionDeploy,
		Result:     models.WorkloadResult{State: models.ResultStateOK, IP: net.ParseIP("10.200.0.1"), PublicIP: net.ParseIP("185.1.1.2")},
	})

	pools := newFakePoolManager(nil)
	vdc := &models.VDC{Name: "demo", Owner: "alice", Flavor: models.FlavorSilver}
	cfg := testConfig(vdc, registry, testDirectory(), pools, &fakePoolReader{})
	// Two host addresses, one already taken by the master.
	_, small, _ := net.ParseCIDR("10.200.0.0/30")
	cfg.IPRange = *small
	d := New(cfg)

	_, err := d.ExtendCluster(context.Background(), "pref", models.K8SSmall, 2, false, 24*time.Hour)
	assert.ErrorIs(t, err, netalloc.ErrRangeExhausted)

	// The range check fires before any pool is funded.
	assert.Empty(t, pools.triggers)
}

func Test_CheckCapacity_NoStorageFarms(t *testing.T) {
	vdc := &models.VDC{Name: "demo", Owner: "alice", Flavor: models.FlavorSilver}
	cfg := testConfig(vdc, newFakeRegistry(), testDirectory(), newFakePoolManager(nil), &fakePoolReader{})
	cfg.StorageFarms = nil
	d := New(cfg)

	_, err := d.CheckCapacity(context.Background(), "pref")
	assert.ErrorIs(t, err, ErrNoStorageFarms)

	_, err = d.deployStorage(context.Background())
	assert.ErrorIs(t, err, ErrNoStorageFarms)

	err = d.initPools(context.Background())
	assert.ErrorIs(t, err, ErrNoStorageFarms)
}

func Test_InitPools_FundsEveryFarm(t *testing.T) {
	pools := newFakePoolManager(map[string]uint64{"net": 10, "stor": 20, "pref": 30, "proxy": 40})

	vdc := &models.VDC{Name: "demo", Owner: "alice", Flavor: models.FlavorSilver}
	d := New(testConfig(vdc, newFakeRegistry(), testDirectory(), pools, &fakePoolReader{}))

	assert.NoError(t, d.initPools(context.Background()))

	// The proxy farm's pool exists even though gateway primitives cost nothing.
	proxy, ok := pools.funded["proxy"]
	assert.True(t, ok)
	assert.Zero(t, proxy.CU)
	assert.Zero(t, proxy.SU)

	assert.NotZero(t, pools.funded["stor"].SU)
	assert.NotZero(t, pools.funded["net"].CU)
	assert.NotZero(t, pools.funded["pref"].CU)
}

func Test_DeployStorage_SpillsAcrossStorageFarms(t *testing.T) {
	directory := testDirectory()
	directory.farms["stor2"] = models.Farm{ID: 5, Name: "stor2"}

	disk := models.ResourceUnits{HRU: 10}
	// The network farm has plenty of disk; shards must never land there.
	directory.nodes["net"] = []models.Node{upNode("net-1", 1, models.ResourceUnits{HRU: 500})}
	directory.nodes["stor"] = []models.Node{upNode("bad", 2, disk), upNode("s1", 2, disk)}
	directory.nodes["stor2"] = []models.Node{upNode("s2", 5, disk), upNode("s3", 5, disk)}

	registry := newFakeRegistry()
	registry.resultFor["bad"] = models.WorkloadResult{State: models.ResultStateError, Message: "disk failure"}
	for _, id := range []string{"net-1", "s1", "s2", "s3"} {
		registry.resultFor[id] = models.WorkloadResult{State: models.ResultStateOK}
	}

	pools := newFakePoolManager(map[string]uint64{"net": 10, "stor": 20, "stor2": 21})

	vdc := &models.VDC{Name: "demo", Owner: "alice", Flavor: models.FlavorSilver, SolutionUUID: "sol-1"}
	cfg := testConfig(vdc, registry, directory, pools, &fakePoolReader{})
	cfg.StorageFarms = []string{"stor", "stor2"}
	d := New(cfg)

	wids, err := d.deployStorage(context.Background())
	assert.NoError(t, err)
	assert.Len(t, wids, 3)

	var confirmed []string
	failedNodes := map[string]bool{}
	poolByNode := map[string]uint64{}
	for _, w := range registry.workloads {
		if w.Type != models.WorkloadStorageShard {
			continue
		}
		if w.Result.State == models.ResultStateOK {
			confirmed = append(confirmed, w.NodeID)
			poolByNode[w.NodeID] = w.PoolID
			continue
		}
		failedNodes[w.NodeID] = true
	}

	// One healthy node on the first farm, so the set spills onto the second.
	assert.ElementsMatch(t, []string{"s1", "s2", "s3"}, confirmed)
	assert.True(t, failedNodes["bad"])
	assert.Equal(t, uint64(20), poolByNode["s1"])
	assert.Equal(t, uint64(21), poolByNode["s2"])
	assert.Equal(t, uint64(21), poolByNode["s3"])
}

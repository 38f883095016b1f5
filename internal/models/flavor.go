package models

import "github.com/shopspring/decimal"

type VDCFlavor string

const (
	FlavorSilver   VDCFlavor = "silver"
	FlavorGold     VDCFlavor = "gold"
	FlavorPlatinum VDCFlavor = "platinum"
	FlavorDiamond  VDCFlavor = "diamond"
)

var AvailableFlavors = []VDCFlavor{FlavorSilver, FlavorGold, FlavorPlatinum, FlavorDiamond}

type K8SNodeFlavor string

const (
	K8SSmall  K8SNodeFlavor = "small"
	K8SMedium K8SNodeFlavor = "medium"
	K8SBig    K8SNodeFlavor = "big"
)

type K8SSize struct {
	CRU float64
	MRU float64
	SRU float64
}

func (s K8SSize) Resources() ResourceUnits {
	return ResourceUnits{CRU: s.CRU, MRU: s.MRU, SRU: s.SRU}
}

var K8SSizes = map[K8SNodeFlavor]K8SSize{
	K8SSmall:  {CRU: 1, MRU: 2, SRU: 25},
	K8SMedium: {CRU: 2, MRU: 4, SRU: 50},
	K8SBig:    {CRU: 4, MRU: 8, SRU: 50},
}

// FlavorSpec is the resource mix of one VDC size tier: the kubernetes
// cluster shape plus the erasure-coded storage cluster backing s3.
type FlavorSpec struct {
	ControllerSize K8SNodeFlavor
	WorkerSize     K8SNodeFlavor
	WorkerCount    int
	DataShards     int
	ParityShards   int
	ShardSize      float64
	MaxStorage     float64
}

func (f FlavorSpec) ShardCount() int {
	return f.DataShards + f.ParityShards
}

var FlavorSpecs = map[VDCFlavor]FlavorSpec{
	FlavorSilver:   {ControllerSize: K8SSmall, WorkerSize: K8SSmall, WorkerCount: 1, DataShards: 2, ParityShards: 1, ShardSize: 10, MaxStorage: 100},
	FlavorGold:     {ControllerSize: K8SSmall, WorkerSize: K8SMedium, WorkerCount: 2, DataShards: 4, ParityShards: 2, ShardSize: 10, MaxStorage: 500},
	FlavorPlatinum: {ControllerSize: K8SMedium, WorkerSize: K8SMedium, WorkerCount: 3, DataShards: 4, ParityShards: 2, ShardSize: 10, MaxStorage: 1000},
	FlavorDiamond:  {ControllerSize: K8SMedium, WorkerSize: K8SBig, WorkerCount: 4, DataShards: 6, ParityShards: 3, ShardSize: 10, MaxStorage: 2000},
}

// Control-plane container footprint: memory and disk in GB.
const (
	ControlPlaneCPU    = 1
	ControlPlaneMemory = 2
	ControlPlaneDisk   = 2
)

var (
	PlanPrices = map[VDCFlavor]decimal.Decimal{
		FlavorSilver:   decimal.RequireFromString("50"),
		FlavorGold:     decimal.RequireFromString("100"),
		FlavorPlatinum: decimal.RequireFromString("200"),
		FlavorDiamond:  decimal.RequireFromString("400"),
	}

	NodePrices = map[K8SNodeFlavor]decimal.Decimal{
		K8SSmall:  decimal.RequireFromString("10"),
		K8SMedium: decimal.RequireFromString("20"),
		K8SBig:    decimal.RequireFromString("40"),
	}

	PublicIPPrice = decimal.RequireFromString("15")
)

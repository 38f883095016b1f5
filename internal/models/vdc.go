package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// VDC is the aggregate root for one virtual datacenter. The typed workload
// views are filled in from the registry by the orchestrator and are never
// the source of truth.
type VDC struct {
	Name         string
	Owner        string
	SolutionUUID string
	Flavor       VDCFlavor
	IdentityTID  uint64
	Blocked      bool
	Created      time.Time
	LastUpdated  time.Time

	Kubernetes   []KubernetesNode
	Shards       []StorageShard
	ControlPlane ControlPlane
	Domain       string
	DomainWID    uint64
}

func (v VDC) IsEmpty() bool {
	return len(v.Kubernetes) == 0 && len(v.Shards) == 0 && v.ControlPlane.WID == 0
}

func (v VDC) Master() (KubernetesNode, bool) {
	for _, node := range v.Kubernetes {
		if node.Role == RoleMaster {
			return node, true
		}
	}

	return KubernetesNode{}, false
}

// PoolIDs returns every pool funding the VDC's current resource set.
func (v VDC) PoolIDs() []uint64 {
	seen := make(map[uint64]struct{})
	ids := make([]uint64, 0)

	add := func(id uint64) {
		if id == 0 {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	for _, node := range v.Kubernetes {
		add(node.PoolID)
	}
	for _, shard := range v.Shards {
		add(shard.PoolID)
	}
	add(v.ControlPlane.PoolID)

	return ids
}

// SpecPrice is the monthly price of the VDC's current resource set: the
// plan itself plus any nodes added beyond the flavor's worker count and
// their public addresses.
func (v VDC) SpecPrice() decimal.Decimal {
	price := PlanPrices[v.Flavor]
	spec := FlavorSpecs[v.Flavor]

	included := spec.WorkerCount
	for _, node := range v.Kubernetes {
		if node.Role == RoleMaster {
			continue
		}
		if node.Size == spec.WorkerSize && included > 0 {
			included--
			continue
		}
		price = price.Add(NodePrices[node.Size])
		if node.PublicIP != nil {
			price = price.Add(PublicIPPrice)
		}
	}

	return price
}

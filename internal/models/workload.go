package models

import (
	"fmt"
	"net"
)

type WorkloadType string

const (
	WorkloadNetwork       WorkloadType = "network"
	WorkloadStorageShard  WorkloadType = "storage"
	WorkloadComputeMaster WorkloadType = "compute-master"
	WorkloadComputeWorker WorkloadType = "compute-worker"
	WorkloadContainer     WorkloadType = "container"
	WorkloadProxy         WorkloadType = "proxy"
	WorkloadSubdomain     WorkloadType = "subdomain"
)

type NextAction string

const (
	NextActionDeploy NextAction = "DEPLOY"
	NextActionDelete NextAction = "DELETE"
)

type ResultState string

const (
	ResultStateOK    ResultState = "ok"
	ResultStateError ResultState = "error"
)

// WorkloadResult is filled in by the registry after submission. State may
// become ok before the dependent fields (IP, PublicIP) are populated, so
// callers poll rather than read once.
type WorkloadResult struct {
	State    ResultState
	Message  string
	IP       net.IP
	PublicIP net.IP

	// Set for storage shards only.
	Namespace string
	Port      int
}

type ShardMode string

const ShardModeSeq ShardMode = "seq"

// Workload is one deployment unit tracked by the external registry. The ID
// is assigned by the registry on submission; SolutionUUID correlates every
// unit of one logical VDC deployment.
type Workload struct {
	ID           uint64
	Type         WorkloadType
	NodeID       string
	PoolID       uint64
	SolutionUUID string
	NextAction   NextAction
	Result       WorkloadResult

	NetworkName string
	IPRange     string
	IP          net.IP
	PublicIPv4  bool

	Size     float64
	Mode     ShardMode
	Password string

	ClusterSecret string
	MasterIP      net.IP
	SSHKeys       []string
	NodeSize      K8SNodeFlavor

	Env       map[string]string
	SecretEnv map[string]string

	Domain    string
	BackendIP net.IP
	Port      int
}

func (w Workload) Resources() ResourceUnits {
	switch w.Type {
	case WorkloadStorageShard:
		return ResourceUnits{HRU: w.Size}
	case WorkloadComputeMaster, WorkloadComputeWorker:
		return K8SSizes[w.NodeSize].Resources()
	case WorkloadContainer:
		return ResourceUnits{
			CRU: ControlPlaneCPU,
			MRU: ControlPlaneMemory,
			SRU: ControlPlaneDisk,
		}
	}

	return ResourceUnits{}
}

type KubernetesRole string

const (
	RoleMaster KubernetesRole = "master"
	RoleWorker KubernetesRole = "worker"
)

type KubernetesNode struct {
	WID      uint64
	NodeID   string
	PoolID   uint64
	Role     KubernetesRole
	Size     K8SNodeFlavor
	IP       net.IP
	PublicIP net.IP
}

type StorageShard struct {
	WID       uint64
	NodeID    string
	PoolID    uint64
	Size      float64
	IP        net.IP
	Port      int
	Namespace string
	Password  string
}

func (s StorageShard) ConnectionString() string {
	return fmt.Sprintf("%s:%s@%s:%d", s.Namespace, s.Password, s.IP, s.Port)
}

type ControlPlane struct {
	WID    uint64
	NodeID string
	PoolID uint64
	IP     net.IP
	Domain string
}

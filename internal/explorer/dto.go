package explorer

import (
	"fmt"
	"net"
	"time"

	"github.com/js-next/gridvdc/internal/models"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

type resourcesDTO struct {
	CRU float64 `json:"cru"`
	MRU float64 `json:"mru"`
	SRU float64 `json:"sru"`
	HRU float64 `json:"hru"`
}

func (r resourcesDTO) toModel() models.ResourceUnits {
	return models.ResourceUnits{CRU: r.CRU, MRU: r.MRU, SRU: r.SRU, HRU: r.HRU}
}

type nodeDTO struct {
	ID         string       `json:"node_id"`
	FarmID     uint64       `json:"farm_id"`
	Updated    int64        `json:"updated"`
	Total      resourcesDTO `json:"total_resources"`
	Reserved   resourcesDTO `json:"reserved_resources"`
	PublicIPv4 bool         `json:"public_ipv4"`
	PublicIPv6 bool         `json:"public_ipv6"`
}

func (n nodeDTO) toModel() models.Node {
	return models.Node{
		ID:         n.ID,
		FarmID:     n.FarmID,
		Updated:    time.Unix(n.Updated, 0),
		Total:      n.Total.toModel(),
		Reserved:   n.Reserved.toModel(),
		PublicIPv4: n.PublicIPv4,
		PublicIPv6: n.PublicIPv6,
	}
}

type farmIPDTO struct {
	Address       string `json:"address"`
	ReservationID uint64 `json:"reservation_id"`
}

type farmDTO struct {
	ID          uint64      `json:"id"`
	Name        string      `json:"name"`
	IPAddresses []farmIPDTO `json:"ipaddresses"`
}

func (f farmDTO) toModel() models.Farm {
	return models.Farm{
		ID:   f.ID,
		Name: f.Name,
		IPAddresses: lo.Map(f.IPAddresses, func(ip farmIPDTO, _ int) models.FarmIP {
			return models.FarmIP(ip)
		}),
	}
}

type poolDTO struct {
	ID         uint64   `json:"pool_id"`
	FarmID     uint64   `json:"farm_id"`
	CUs        float64  `json:"cus"`
	SUs        float64  `json:"sus"`
	IPv4Us     float64  `json:"ipv4us"`
	ActiveCU   float64  `json:"active_cu"`
	ActiveSU   float64  `json:"active_su"`
	ActiveIPv4 float64  `json:"active_ipv4"`
	EmptyAt    int64    `json:"empty_at"`
	NodeIDs    []string `json:"node_ids"`
}

func (p poolDTO) toModel() models.Pool {
	return models.Pool{
		ID:         p.ID,
		FarmID:     p.FarmID,
		CUs:        p.CUs,
		SUs:        p.SUs,
		IPv4Us:     p.IPv4Us,
		ActiveCU:   p.ActiveCU,
		ActiveSU:   p.ActiveSU,
		ActiveIPv4: p.ActiveIPv4,
		EmptyAt:    time.Unix(p.EmptyAt, 0),
		NodeIDs:    p.NodeIDs,
	}
}

type poolRequestDTO struct {
	PoolID      uint64   `json:"pool_id,omitempty"`
	Farm        string   `json:"farm,omitempty"`
	CUs         float64  `json:"cus"`
	SUs         float64  `json:"sus"`
	IPv4Us      float64  `json:"ipv4us"`
	NodeIDs     []string `json:"node_ids,omitempty"`
	CustomerTID uint64   `json:"customer_tid"`
}

type poolReservationDTO struct {
	ID            uint64 `json:"reservation_id"`
	PoolID        uint64 `json:"pool_id"`
	EscrowAddress string `json:"escrow_address"`
	Amount        string `json:"amount"`
	Asset         string `json:"asset"`
}

func (r poolReservationDTO) toModel() (models.PoolReservation, error) {
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return models.PoolReservation{}, fmt.Errorf("failed to parse reservation amount %q: %w", r.Amount, err)
	}

	return models.PoolReservation{
		ID:            r.ID,
		PoolID:        r.PoolID,
		EscrowAddress: r.EscrowAddress,
		Amount:        amount,
		Asset:         r.Asset,
	}, nil
}

type workloadResultDTO struct {
	State     string `json:"state"`
	Message   string `json:"message"`
	IP        string `json:"ip,omitempty"`
	PublicIP  string `json:"public_ip,omitempty"`
	Namespace string `json:"namespace,omitempty"`
	Port      int    `json:"port,omitempty"`
}

type workloadDTO struct {
	ID           uint64            `json:"id"`
	Type         string            `json:"type"`
	NodeID       string            `json:"node_id"`
	PoolID       uint64            `json:"pool_id"`
	SolutionUUID string            `json:"solution_uuid"`
	NextAction   string            `json:"next_action"`
	Result       workloadResultDTO `json:"result"`
	NetworkName  string            `json:"network_name,omitempty"`
	IPRange      string            `json:"ip_range,omitempty"`
	IP           string            `json:"ip,omitempty"`
	PublicIPv4   bool              `json:"public_ipv4,omitempty"`
	Size         float64           `json:"size,omitempty"`
	Mode         string            `json:"mode,omitempty"`
	Password     string            `json:"password,omitempty"`
	NodeSize     string            `json:"node_size,omitempty"`
	MasterIP     string            `json:"master_ip,omitempty"`
	SSHKeys      []string          `json:"ssh_keys,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	SecretEnv    map[string]string `json:"secret_env,omitempty"`
	Domain       string            `json:"domain,omitempty"`
	BackendIP    string            `json:"backend_ip,omitempty"`
	Port         int               `json:"port,omitempty"`
	CustomerTID  uint64            `json:"customer_tid,omitempty"`
	ClusterToken string            `json:"cluster_token,omitempty"`
}

func (w workloadDTO) toModel() (models.Workload, error) {
	workload := models.Workload{
		ID:            w.ID,
		Type:          models.WorkloadType(w.Type),
		NodeID:        w.NodeID,
		PoolID:        w.PoolID,
		SolutionUUID:  w.SolutionUUID,
		NextAction:    models.NextAction(w.NextAction),
		NetworkName:   w.NetworkName,
		IPRange:       w.IPRange,
		PublicIPv4:    w.PublicIPv4,
		Size:          w.Size,
		Mode:          models.ShardMode(w.Mode),
		Password:      w.Password,
		NodeSize:      models.K8SNodeFlavor(w.NodeSize),
		ClusterSecret: w.ClusterToken,
		SSHKeys:       w.SSHKeys,
		Env:           w.Env,
		SecretEnv:     w.SecretEnv,
		Domain:        w.Domain,
		Port:          w.Port,
		Result: models.WorkloadResult{
			State:     models.ResultState(w.Result.State),
			Message:   w.Result.Message,
			Namespace: w.Result.Namespace,
			Port:      w.Result.Port,
		},
	}

	workload.IP = net.ParseIP(w.IP)
	workload.MasterIP = net.ParseIP(w.MasterIP)
	workload.BackendIP = net.ParseIP(w.BackendIP)
	workload.Result.IP = net.ParseIP(w.Result.IP)
	workload.Result.PublicIP = net.ParseIP(w.Result.PublicIP)

	return workload, nil
}

func workloadToDTO(w models.Workload, tid uint64) workloadDTO {
	dto := workloadDTO{
		ID:           w.ID,
		Type:         string(w.Type),
		NodeID:       w.NodeID,
		PoolID:       w.PoolID,
		SolutionUUID: w.SolutionUUID,
		NextAction:   string(w.NextAction),
		NetworkName:  w.NetworkName,
		IPRange:      w.IPRange,
		PublicIPv4:   w.PublicIPv4,
		Size:         w.Size,
		Mode:         string(w.Mode),
		Password:     w.Password,
		NodeSize:     string(w.NodeSize),
		ClusterToken: w.ClusterSecret,
		SSHKeys:      w.SSHKeys,
		Env:          w.Env,
		SecretEnv:    w.SecretEnv,
		Domain:       w.Domain,
		Port:         w.Port,
		CustomerTID:  tid,
	}

	if w.IP != nil {
		dto.IP = w.IP.String()
	}
	if w.MasterIP != nil {
		dto.MasterIP = w.MasterIP.String()
	}
	if w.BackendIP != nil {
		dto.BackendIP = w.BackendIP.String()
	}

	return dto
}

type identityDTO struct {
	Name  string `json:"name"`
	Tname string `json:"tname"`
	Email string `json:"email"`
}

type dnsRecordDTO struct {
	ID   int    `json:"id"`
	FQDN string `json:"fqdn"`
	Host string `json:"host"`
	Type string `json:"type"`
}

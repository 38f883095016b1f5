package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// NodeLivenessWindow is how recently a node must have reported to the
// directory to be considered up.
const NodeLivenessWindow = 10 * time.Minute

type ResourceUnits struct {
	CRU float64
	MRU float64
	SRU float64
	HRU float64
}

func (r ResourceUnits) Add(o ResourceUnits) ResourceUnits {
	return ResourceUnits{
		CRU: r.CRU + o.CRU,
		MRU: r.MRU + o.MRU,
		SRU: r.SRU + o.SRU,
		HRU: r.HRU + o.HRU,
	}
}

type Node struct {
	ID         string
	FarmID     uint64
	Updated    time.Time
	Total      ResourceUnits
	Reserved   ResourceUnits
	PublicIPv4 bool
	PublicIPv6 bool
}

func (n Node) IsUp() bool {
	return time.Since(n.Updated) < NodeLivenessWindow
}

type FarmIP struct {
	Address       string
	ReservationID uint64
}

type Farm struct {
	ID          uint64
	Name        string
	IPAddresses []FarmIP
}

func (f Farm) HasFreeIPv4() bool {
	for _, address := range f.IPAddresses {
		if address.ReservationID == 0 {
			return true
		}
	}

	return false
}

type IPVersion string

const (
	IPv4 IPVersion = "IPv4"
	IPv6 IPVersion = "IPv6"
)

// CapacityQuery describes the resources a single deployment unit needs from
// one node. Count and BackupCount only matter for feasibility checks, where
// Count+BackupCount matching nodes must be found.
type CapacityQuery struct {
	CRU         float64
	MRU         float64
	SRU         float64
	HRU         float64
	IPVersion   IPVersion
	Count       int
	BackupCount int
}

// Pool is a funded capacity allocation scoped to one farm. CUs/SUs/IPv4Us
// are the confirmed cumulative units, the Active counters the current burn
// rate per second.
type Pool struct {
	ID         uint64
	FarmID     uint64
	CUs        float64
	SUs        float64
	IPv4Us     float64
	ActiveCU   float64
	ActiveSU   float64
	ActiveIPv4 float64
	EmptyAt    time.Time
	NodeIDs    []string
}

// PoolReservation is returned by the registry for a pool create/extend and
// carries what must be paid to which escrow for it to take effect.
type PoolReservation struct {
	ID            uint64
	PoolID        uint64
	EscrowAddress string
	Amount        decimal.Decimal
	Asset         string
}

type Balance struct {
	Asset  string
	Amount decimal.Decimal
}

type TransactionEffect struct {
	Address string
	Amount  decimal.Decimal
	Asset   string
}

type DNSRecord struct {
	ID   int
	FQDN string
	Host string
	Type string
}

type Identity struct {
	Name  string
	Tname string
	Email string
	Words string
	TID   uint64
}

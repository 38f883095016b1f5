package pool

import (
	"time"

	"github.com/js-next/gridvdc/internal/models"
)

// Units is a cumulative amount of cloud units to fund on one pool.
type Units struct {
	CU    float64
	SU    float64
	IPv4U float64
}

func (u Units) Add(o Units) Units {
	return Units{CU: u.CU + o.CU, SU: u.SU + o.SU, IPv4U: u.IPv4U + o.IPv4U}
}

func (u Units) IsZero() bool {
	return u.CU == 0 && u.SU == 0 && u.IPv4U == 0
}

// CloudUnits converts a resource footprint into the normalized compute and
// storage consumption rates (units per second) used for pricing. This
// computation drives funds transferred and must stay exact.
func CloudUnits(r models.ResourceUnits) (cu, su float64) {
	cu = min(r.CRU/2, max(r.MRU-1, 0)/4)
	su = r.HRU/1200 + r.SRU/300

	return cu, su
}

// WorkloadUnits scales a footprint's cloud units by duration and replica
// count. PublicIPv4 adds one ipv4 unit per second of the duration.
func WorkloadUnits(r models.ResourceUnits, duration time.Duration, count int, publicIPv4 bool) Units {
	cu, su := CloudUnits(r)
	seconds := duration.Seconds()

	units := Units{
		CU: cu * seconds * float64(count),
		SU: su * seconds * float64(count),
	}
	if publicIPv4 {
		units.IPv4U = seconds * float64(count)
	}

	return units
}

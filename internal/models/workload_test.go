package models

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_Workload_Resources(t *testing.T) {
	testCases := []struct {
		name     string
		workload Workload
		expected ResourceUnits
	}{
		{
			name:     "storage shard",
			workload: Workload{Type: WorkloadStorageShard, Size: 10},
			expected: ResourceUnits{HRU: 10},
		},
		{
			name:     "compute node",
			workload: Workload{Type: WorkloadComputeWorker, NodeSize: K8SMedium},
			expected: ResourceUnits{CRU: 2, MRU: 4, SRU: 50},
		},
		{
			name:     "control plane container",
			workload: Workload{Type: WorkloadContainer},
			expected: ResourceUnits{CRU: ControlPlaneCPU, MRU: ControlPlaneMemory, SRU: ControlPlaneDisk},
		},
		{
			name:     "network carries no billable units",
			workload: Workload{Type: WorkloadNetwork},
			expected: ResourceUnits{},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			assert.Equal(t, testCase.expected, testCase.workload.Resources())
		})
	}
}

func Test_ConnectionString(t *testing.T) {
	shard := StorageShard{
		IP:        net.ParseIP("2001:db8::1"),
		Port:      9900,
		Namespace: "ns-demo",
		Password:  "secret",
	}

	assert.Equal(t, "ns-demo:secret@2001:db8::1:9900", shard.ConnectionString())
}

func Test_Node_IsUp(t *testing.T) {
	assert.True(t, Node{Updated: time.Now()}.IsUp())
	assert.False(t, Node{Updated: time.Now().Add(-NodeLivenessWindow - time.Minute)}.IsUp())
	assert.False(t, Node{}.IsUp())
}

func Test_Farm_HasFreeIPv4(t *testing.T) {
	assert.False(t, Farm{}.HasFreeIPv4())
	assert.False(t, Farm{IPAddresses: []FarmIP{{Address: "185.1.1.1/24", ReservationID: 7}}}.HasFreeIPv4())
	assert.True(t, Farm{IPAddresses: []FarmIP{
		{Address: "185.1.1.1/24", ReservationID: 7},
		{Address: "185.1.1.2/24"},
	}}.HasFreeIPv4())
}

func Test_ResourceUnits_Add(t *testing.T) {
	sum := ResourceUnits{CRU: 1, MRU: 2}.Add(ResourceUnits{MRU: 3, SRU: 4, HRU: 5})
	assert.Equal(t, ResourceUnits{CRU: 1, MRU: 5, SRU: 4, HRU: 5}, sum)
}

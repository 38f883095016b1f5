package validator

import (
	"strings"
	"testing"

	"github.com/js-next/gridvdc/internal/models"
	"github.com/stretchr/testify/assert"
)

func Test_ValidateDeploy(t *testing.T) {
	valid := DeployRequest{
		Name:     "my-vdc-01",
		Owner:    "alice",
		Flavor:   models.FlavorSilver,
		FarmName: "freefarm",
	}

	testCases := []struct {
		name    string
		mutate  func(req *DeployRequest)
		wantErr error
	}{
		{
			name:   "valid request",
			mutate: func(req *DeployRequest) {},
		},
		{
			name:    "empty name",
			mutate:  func(req *DeployRequest) { req.Name = "" },
			wantErr: ErrEmptyVDCName,
		},
		{
			name:    "name too big",
			mutate:  func(req *DeployRequest) { req.Name = strings.Repeat("a", MaxNameLength+1) },
			wantErr: ErrVDCNameTooBig,
		},
		{
			name:    "uppercase name",
			mutate:  func(req *DeployRequest) { req.Name = "MyVDC" },
			wantErr: ErrInvalidVDCName,
		},
		{
			name:    "leading hyphen",
			mutate:  func(req *DeployRequest) { req.Name = "-vdc" },
			wantErr: ErrInvalidVDCName,
		},
		{
			name:    "trailing hyphen",
			mutate:  func(req *DeployRequest) { req.Name = "vdc-" },
			wantErr: ErrInvalidVDCName,
		},
		{
			name:   "single character name",
			mutate: func(req *DeployRequest) { req.Name = "v" },
		},
		{
			name:    "empty owner",
			mutate:  func(req *DeployRequest) { req.Owner = "" },
			wantErr: ErrEmptyOwner,
		},
		{
			name:    "unknown flavor",
			mutate:  func(req *DeployRequest) { req.Flavor = "titanium" },
			wantErr: ErrInvalidFlavor,
		},
		{
			name:    "empty farm",
			mutate:  func(req *DeployRequest) { req.FarmName = "" },
			wantErr: ErrEmptyFarm,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			req := valid
			testCase.mutate(&req)

			err := ValidateDeploy(req)
			if testCase.wantErr != nil {
				assert.ErrorIs(t, err, testCase.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func Test_ValidateNodeExtension(t *testing.T) {
	testCases := []struct {
		name    string
		flavor  models.K8SNodeFlavor
		count   int
		wantErr error
	}{
		{
			name:   "valid",
			flavor: models.K8SMedium,
			count:  2,
		},
		{
			name:    "unknown flavor",
			flavor:  "enormous",
			count:   1,
			wantErr: ErrInvalidNodeFlavor,
		},
		{
			name:    "zero count",
			flavor:  models.K8SSmall,
			count:   0,
			wantErr: ErrNonPositiveNodeCount,
		},
		{
			name:    "negative count",
			flavor:  models.K8SSmall,
			count:   -3,
			wantErr: ErrNonPositiveNodeCount,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			err := ValidateNodeExtension(testCase.flavor, testCase.count)
			if testCase.wantErr != nil {
				assert.ErrorIs(t, err, testCase.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func Test_ValidateRenewal(t *testing.T) {
	assert.NoError(t, ValidateRenewal(14))
	assert.NoError(t, ValidateRenewal(0.5))
	assert.ErrorIs(t, ValidateRenewal(0), ErrNonPositiveDuration)
	assert.ErrorIs(t, ValidateRenewal(-1), ErrNonPositiveDuration)
}

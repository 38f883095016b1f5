package validator

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/js-next/gridvdc/internal/models"
	"github.com/samber/lo"
)

const MaxNameLength = 63

var (
	ErrEmptyVDCName         = errors.New("empty vdc name")
	ErrInvalidVDCName       = errors.New("invalid vdc name")
	ErrVDCNameTooBig        = errors.New("vdc name too big")
	ErrEmptyOwner           = errors.New("empty owner")
	ErrInvalidFlavor        = errors.New("invalid flavor")
	ErrInvalidNodeFlavor    = errors.New("invalid node flavor")
	ErrEmptyFarm            = errors.New("empty farm name")
	ErrNonPositiveNodeCount = errors.New("non positive node count")
	ErrNonPositiveDuration  = errors.New("non positive duration")
)

var nameRegexp = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

type DeployRequest struct {
	Name     string
	Owner    string
	Flavor   models.VDCFlavor
	FarmName string
}

func ValidateDeploy(req DeployRequest) error {
	if req.Name == "" {
		return ErrEmptyVDCName
	}
	if len(req.Name) > MaxNameLength {
		return ErrVDCNameTooBig
	}
	if !nameRegexp.MatchString(req.Name) {
		return fmt.Errorf("%w: %s", ErrInvalidVDCName, req.Name)
	}
	if req.Owner == "" {
		return ErrEmptyOwner
	}
	if !lo.Contains(models.AvailableFlavors, req.Flavor) {
		return fmt.Errorf("%w: %s", ErrInvalidFlavor, req.Flavor)
	}
	if req.FarmName == "" {
		return ErrEmptyFarm
	}

	return nil
}

func ValidateNodeExtension(flavor models.K8SNodeFlavor, count int) error {
	if _, ok := models.K8SSizes[flavor]; !ok {
		return fmt.Errorf("%w: %s", ErrInvalidNodeFlavor, flavor)
	}
	if count < 1 {
		return ErrNonPositiveNodeCount
	}

	return nil
}

func ValidateRenewal(days float64) error {
	if days <= 0 {
		return ErrNonPositiveDuration
	}

	return nil
}

package orchestrator

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/js-next/gridvdc/internal/models"
	"github.com/js-next/gridvdc/internal/scheduler"
	"github.com/samber/lo"
)

const controlPlaneHTTPSPort = 443

// deployControlPlane runs the VDC dashboard container on the preferred
// farm, wired to the storage cluster and the kubernetes API, then exposes
// it under the VDC's subdomain through the proxy farm's gateway.
func (d *Deployer) deployControlPlane(ctx context.Context, kubeConfig string) error {
	poolID, err := d.farmPool(ctx, d.preferredFarm)
	if err != nil {
		return fmt.Errorf("failed to resolve control plane pool: %w", err)
	}

	sched, err := d.global.Scheduler(ctx, scheduler.Scope{FarmName: d.preferredFarm})
	if err != nil {
		return fmt.Errorf("failed to build control plane scheduler: %w", err)
	}

	stream, err := sched.NodesByCapacity(ctx, models.CapacityQuery{
		CRU: models.ControlPlaneCPU,
		MRU: models.ControlPlaneMemory,
		SRU: models.ControlPlaneDisk,
	})
	if err != nil {
		return fmt.Errorf("failed to query control plane candidates: %w", err)
	}

	spec := models.FlavorSpecs[d.vdc.Flavor]
	shards := lo.Map(d.vdc.Shards, func(shard models.StorageShard, _ int) string {
		return shard.ConnectionString()
	})

	env := map[string]string{
		"VDC_NAME":         d.vdc.Name,
		"VDC_OWNER":        d.vdc.Owner,
		"VDC_UUID":         d.vdc.SolutionUUID,
		"S3_SHARDS":        strings.Join(shards, ","),
		"S3_DATA_SHARDS":   strconv.Itoa(spec.DataShards),
		"S3_PARITY_SHARDS": strconv.Itoa(spec.ParityShards),
		"S3_MAX_STORAGE":   strconv.FormatFloat(spec.MaxStorage, 'f', -1, 64),
		"AUTO_TOPUP_FARMS": strings.Join(d.storageFarms, ","),
	}
	secretEnv := map[string]string{
		"KUBE_CONFIG":       kubeConfig,
		"VDC_PASSWORD_HASH": d.clusterSecret,
	}

	var backendIP net.IP
	for {
		node, ok := stream.Next()
		if !ok {
			return fmt.Errorf("%w: no node on farm %s could host the control plane", ErrDeploymentFailed, d.preferredFarm)
		}

		log := d.log.WithField("node", node.ID)

		ip, err := d.alloc.Next()
		if err != nil {
			return fmt.Errorf("failed to pick control plane address: %w", err)
		}

		id, err := d.registry.Submit(ctx, models.Workload{
			Type:         models.WorkloadContainer,
			NodeID:       node.ID,
			PoolID:       poolID,
			SolutionUUID: d.vdc.SolutionUUID,
			NextAction:   models.NextActionDeploy,
			NetworkName:  d.vdc.Name,
			IP:           ip,
			Env:          env,
			SecretEnv:    secretEnv,
		})
		if err != nil {
			log.WithError(err).Warn("failed to submit control plane workload")
			continue
		}

		if err := d.waitWorkload(ctx, id); err != nil {
			log.WithError(err).Warn("control plane failed, trying next node")
			continue
		}

		log.WithField("workload", id).Info("control plane deployed")
		backendIP = ip
		break
	}

	domain, err := d.expose(ctx, backendIP)
	if err != nil {
		return err
	}

	d.vdc.Domain = domain
	d.vdc.ControlPlane.Domain = domain

	return nil
}

// DomainPrefix is the host part of the VDC's subdomain under the parent
// domain.
func (d *Deployer) DomainPrefix() string {
	return fmt.Sprintf("%s-%s.vdc", d.vdc.Owner, d.vdc.Name)
}

// expose reserves the subdomain on the proxy farm's gateway and routes it
// to the control plane's private address.
func (d *Deployer) expose(ctx context.Context, backendIP net.IP) (string, error) {
	domain := fmt.Sprintf("%s.%s", d.DomainPrefix(), d.parentDomain)

	poolID, err := d.farmPool(ctx, d.proxyFarm)
	if err != nil {
		return "", fmt.Errorf("failed to resolve gateway pool: %w", err)
	}

	sched, err := d.global.Scheduler(ctx, scheduler.Scope{FarmName: d.proxyFarm})
	if err != nil {
		return "", fmt.Errorf("failed to build gateway scheduler: %w", err)
	}

	stream, err := sched.NodesByCapacity(ctx, models.CapacityQuery{IPVersion: models.IPv4})
	if err != nil {
		return "", fmt.Errorf("failed to query gateway candidates: %w", err)
	}

	node, ok := stream.Next()
	if !ok {
		return "", fmt.Errorf("%w: no gateway on farm %s", ErrDeploymentFailed, d.proxyFarm)
	}

	subdomainID, err := d.registry.Submit(ctx, models.Workload{
		Type:         models.WorkloadSubdomain,
		NodeID:       node.ID,
		PoolID:       poolID,
		SolutionUUID: d.vdc.SolutionUUID,
		NextAction:   models.NextActionDeploy,
		Domain:       domain,
	})
	if err != nil {
		return "", fmt.Errorf("failed to submit subdomain workload: %w", err)
	}
	if err := d.waitWorkload(ctx, subdomainID); err != nil {
		return "", err
	}

	proxyID, err := d.registry.Submit(ctx, models.Workload{
		Type:         models.WorkloadProxy,
		NodeID:       node.ID,
		PoolID:       poolID,
		SolutionUUID: d.vdc.SolutionUUID,
		NextAction:   models.NextActionDeploy,
		NetworkName:  d.vdc.Name,
		Domain:       domain,
		BackendIP:    backendIP,
		Port:         controlPlaneHTTPSPort,
	})
	if err != nil {
		return "", fmt.Errorf("failed to submit proxy workload: %w", err)
	}
	if err := d.waitWorkload(ctx, proxyID); err != nil {
		return "", err
	}

	d.vdc.DomainWID = subdomainID
	d.log.WithField("domain", domain).Info("control plane exposed")

	return domain, nil
}

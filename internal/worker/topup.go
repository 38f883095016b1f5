package worker

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultThreshold      = 0.7
	DefaultClearThreshold = 0.4
	DefaultTopupInterval  = 10 * time.Minute
	DefaultTopupDuration  = 14 * 24 * time.Hour

	// Farms with almost no usage would otherwise dominate the weights.
	minFarmUsage = 1.0
)

// ShardStats is one storage shard's usage as reported by the cluster, in
// GB.
type ShardStats struct {
	WID      uint64
	FarmName string
	Used     float64
	Total    float64
}

//go:generate mockgen -source topup.go -destination mocks/topup.go -package mocks
type Monitor interface {
	Stats(ctx context.Context) ([]ShardStats, error)
}

type StorageExtender interface {
	TopUpStorage(ctx context.Context, farmSequence []string, shardSize float64, duration time.Duration) ([]uint64, error)
}

type TopupConfig struct {
	Monitor  Monitor
	Extender StorageExtender
	Log      *logrus.Entry

	Farms      []string
	ShardSize  float64
	MaxStorage float64

	Threshold         float64
	ClearThreshold    float64
	ExtensionDuration time.Duration
	Interval          time.Duration
}

// Topup watches the storage cluster's utilization and extends it when
// usage crosses the threshold, adding enough shards to bring utilization
// back under the clear threshold.
type Topup struct {
	monitor  Monitor
	extender StorageExtender
	log      *logrus.Entry

	farms      []string
	shardSize  float64
	maxStorage float64

	threshold      float64
	clearThreshold float64
	duration       time.Duration
	interval       time.Duration
}

func NewTopup(cfg TopupConfig) *Topup {
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.ClearThreshold == 0 {
		cfg.ClearThreshold = DefaultClearThreshold
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultTopupInterval
	}
	if cfg.ExtensionDuration == 0 {
		cfg.ExtensionDuration = DefaultTopupDuration
	}

	return &Topup{
		monitor:        cfg.Monitor,
		extender:       cfg.Extender,
		log:            cfg.Log,
		farms:          cfg.Farms,
		shardSize:      cfg.ShardSize,
		maxStorage:     cfg.MaxStorage,
		threshold:      cfg.Threshold,
		clearThreshold: cfg.ClearThreshold,
		duration:       cfg.ExtensionDuration,
		interval:       cfg.Interval,
	}
}

// Run checks on every tick until the context is cancelled. Check failures
// are logged and retried on the next tick.
func (t *Topup) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := t.Check(ctx); err != nil {
				t.log.WithError(err).Error("storage check failed")
			}
		}
	}
}

// Check runs a single monitoring cycle.
func (t *Topup) Check(ctx context.Context) error {
	stats, err := t.monitor.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read shard stats: %w", err)
	}

	var used, total float64
	for _, shard := range stats {
		used += shard.Used
		total += shard.Total
	}

	required := RequiredCapacity(used, total, t.threshold, t.clearThreshold)
	if required == 0 {
		return nil
	}

	if total >= t.maxStorage {
		t.log.WithFields(logrus.Fields{"total": total, "max": t.maxStorage}).Warn("storage at plan maximum, not extending")
		return nil
	}
	if total+required > t.maxStorage {
		required = t.maxStorage - total
	}

	count := int(math.Floor(required / t.shardSize))
	if count == 0 {
		return nil
	}

	sequence := FarmSequence(t.farms, stats, count)

	t.log.WithFields(logrus.Fields{
		"used":     used,
		"total":    total,
		"required": required,
		"shards":   count,
	}).Info("extending storage cluster")

	if _, err := t.extender.TopUpStorage(ctx, sequence, t.shardSize, t.duration); err != nil {
		return fmt.Errorf("failed to extend storage: %w", err)
	}

	return nil
}

// RequiredCapacity reports how much capacity must be added, in GB, to
// bring utilization from above the trigger threshold back down to the
// clear threshold. Zero means no extension is due.
func RequiredCapacity(used, total, threshold, clearThreshold float64) float64 {
	if total == 0 {
		return 0
	}
	if used/total < threshold {
		return 0
	}

	return used/clearThreshold - total
}

// FarmSequence picks a farm for each new shard, weighted inversely by the
// farm's share of current usage so lightly used farms fill up first.
func FarmSequence(farms []string, stats []ShardStats, count int) []string {
	if len(farms) == 0 || count <= 0 {
		return nil
	}

	usage := make(map[string]float64, len(farms))
	for _, farm := range farms {
		usage[farm] = 0
	}

	var totalUsed float64
	for _, shard := range stats {
		if _, ok := usage[shard.FarmName]; ok {
			usage[shard.FarmName] += shard.Used
		}
		totalUsed += shard.Used
	}
	if totalUsed < minFarmUsage {
		totalUsed = minFarmUsage
	}

	type weighted struct {
		farm   string
		weight float64
	}

	weights := make([]weighted, 0, len(farms))
	var sum float64
	for _, farm := range farms {
		farmUsed := usage[farm]
		if farmUsed < minFarmUsage {
			farmUsed = minFarmUsage
		}
		w := totalUsed / farmUsed
		weights = append(weights, weighted{farm: farm, weight: w})
		sum += w
	}

	sort.Slice(weights, func(i, j int) bool { return weights[i].weight > weights[j].weight })

	sequence := make([]string, 0, count)
	remainder := count
	for _, w := range weights {
		share := int(math.Floor(w.weight / sum * float64(count)))
		for i := 0; i < share && remainder > 0; i++ {
			sequence = append(sequence, w.farm)
			remainder--
		}
	}

	// Rounding leftovers go to the least used farms first.
	for i := 0; remainder > 0; i = (i + 1) % len(weights) {
		sequence = append(sequence, weights[i].farm)
		remainder--
	}

	return sequence
}

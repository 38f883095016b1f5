package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/js-next/gridvdc/config"
	"github.com/js-next/gridvdc/internal/explorer"
	"github.com/js-next/gridvdc/internal/models"
	"github.com/js-next/gridvdc/internal/notify"
	"github.com/js-next/gridvdc/internal/orchestrator"
	"github.com/js-next/gridvdc/internal/pool"
	"github.com/js-next/gridvdc/internal/queue"
	"github.com/js-next/gridvdc/internal/wallet"
	"github.com/js-next/gridvdc/internal/worker"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

const baseRenewalDays = 14

var (
	configPath string

	vdcName     string
	vdcOwner    string
	vdcFlavor   string
	vdcPassword string
	identityTID uint64

	farmName  string
	nodeSize  string
	nodeCount int
	publicIP  bool
	days      float64
	paymentID string
	output    string
)

var root = &cobra.Command{
	Use:   "vdcctl",
	Short: "Provision and operate virtual datacenters on the grid",
}

var deploy = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy a new VDC",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		cfg := config.Load(configPath)
		vdc := &models.VDC{
			Name:   vdcName,
			Owner:  vdcOwner,
			Flavor: models.VDCFlavor(vdcFlavor),
		}

		deployer, err := newDeployer(cfg, vdc, vdcPassword)
		if err != nil {
			return err
		}

		kubeConfig, err := deployer.Deploy(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to deploy vdc: %w", err)
		}

		if output != "" {
			if err := os.WriteFile(output, []byte(kubeConfig), 0o600); err != nil {
				return fmt.Errorf("failed to write cluster config: %w", err)
			}
		}

		fmt.Printf("vdc %s deployed\n", vdc.Name)
		fmt.Printf("  solution: %s\n", vdc.SolutionUUID)
		fmt.Printf("  identity: %d\n", vdc.IdentityTID)
		fmt.Printf("  domain:   https://%s\n", vdc.Domain)

		return nil
	},
}

var checkCapacity = &cobra.Command{
	Use:   "check-capacity",
	Short: "Check whether a flavor fits without deploying anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		cfg := config.Load(configPath)
		if farmName == "" {
			farmName = cfg.Farms.Preferred
		}

		vdc := &models.VDC{Name: "probe", Owner: "probe", Flavor: models.VDCFlavor(vdcFlavor)}
		deployer, err := newDeployer(cfg, vdc, "")
		if err != nil {
			return err
		}

		ok, err := deployer.CheckCapacity(cmd.Context(), farmName)
		if err != nil {
			return fmt.Errorf("failed to check capacity: %w", err)
		}
		if !ok {
			return fmt.Errorf("insufficient capacity for flavor %s on farm %s", vdcFlavor, farmName)
		}

		fmt.Printf("flavor %s fits on farm %s\n", vdcFlavor, farmName)

		return nil
	},
}

var addNodes = &cobra.Command{
	Use:   "add-nodes",
	Short: "Add kubernetes nodes to a running VDC",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		cfg := config.Load(configPath)
		if farmName == "" {
			farmName = cfg.Farms.Preferred
		}

		vdc := &models.VDC{
			Name:        vdcName,
			Owner:       vdcOwner,
			Flavor:      models.VDCFlavor(vdcFlavor),
			IdentityTID: identityTID,
		}
		deployer, err := newDeployer(cfg, vdc, vdcPassword)
		if err != nil {
			return err
		}

		duration := time.Duration(days * 24 * float64(time.Hour))
		wids, err := deployer.ExtendCluster(cmd.Context(), farmName, models.K8SNodeFlavor(nodeSize), nodeCount, publicIP, duration)
		if err != nil {
			return fmt.Errorf("failed to add nodes: %w", err)
		}

		fmt.Printf("added %d nodes: %v\n", len(wids), wids)

		return nil
	},
}

var renew = &cobra.Command{
	Use:   "renew",
	Short: "Renew a VDC's plan, directly or through the payment queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		cfg := config.Load(configPath)

		if paymentID != "" {
			redisClient := redis.NewClient(&redis.Options{Addr: cfg.Workers.RedisAddress})
			renewal := worker.NewRenewal(worker.RenewalConfig{
				Queue: queue.NewRedis(redisClient, cfg.Workers.RenewalQueue),
				Log:   newLog(),
			})
			if err := renewal.Submit(cmd.Context(), vdcName, paymentID, days); err != nil {
				return fmt.Errorf("failed to enqueue renewal: %w", err)
			}

			fmt.Printf("renewal of %s queued behind payment %s\n", vdcName, paymentID)
			return nil
		}

		vdc := &models.VDC{
			Name:        vdcName,
			Owner:       vdcOwner,
			Flavor:      models.VDCFlavor(vdcFlavor),
			IdentityTID: identityTID,
		}
		deployer, err := newDeployer(cfg, vdc, "")
		if err != nil {
			return err
		}

		if err := deployer.RenewPlan(cmd.Context(), days); err != nil {
			return fmt.Errorf("failed to renew plan: %w", err)
		}

		fmt.Printf("plan of %s renewed for %.1f days\n", vdcName, days)

		return nil
	},
}

var show = &cobra.Command{
	Use:   "show",
	Short: "Show a VDC's deployed resources and remaining funded days",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		cfg := config.Load(configPath)
		vdc := &models.VDC{
			Name:        vdcName,
			Owner:       vdcOwner,
			Flavor:      models.VDCFlavor(vdcFlavor),
			IdentityTID: identityTID,
		}
		deployer, err := newDeployer(cfg, vdc, "")
		if err != nil {
			return err
		}

		fundedDays, err := deployer.FundedDays(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to inspect vdc: %w", err)
		}

		out, err := yaml.Marshal(struct {
			VDC        *models.VDC `yaml:"vdc"`
			PriceMonth string      `yaml:"price_per_month"`
			FundedDays float64     `yaml:"funded_days"`
		}{vdc, vdc.SpecPrice().String(), fundedDays})
		if err != nil {
			return fmt.Errorf("failed to render vdc: %w", err)
		}

		fmt.Print(string(out))

		return nil
	},
}

var rollback = &cobra.Command{
	Use:   "rollback",
	Short: "Decommission every workload of a VDC deployment",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		cfg := config.Load(configPath)
		vdc := &models.VDC{
			Name:        vdcName,
			Owner:       vdcOwner,
			Flavor:      models.VDCFlavor(vdcFlavor),
			IdentityTID: identityTID,
		}
		deployer, err := newDeployer(cfg, vdc, "")
		if err != nil {
			return err
		}

		if err := deployer.Rollback(cmd.Context()); err != nil {
			return fmt.Errorf("failed to rollback vdc: %w", err)
		}

		fmt.Printf("vdc %s rolled back\n", vdcName)

		return nil
	},
}

var workers = &cobra.Command{
	Use:   "workers",
	Short: "Run the renewal and storage topup workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		cfg := config.Load(configPath)
		log := newLog()

		walletClient := wallet.New(cfg.Grid.WalletURL, log)
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Workers.RedisAddress})

		deployers := make(map[string]*orchestrator.Deployer, len(cfg.Workers.VDCs))
		for _, entry := range cfg.Workers.VDCs {
			vdc := &models.VDC{
				Name:        entry.Name,
				Owner:       entry.Owner,
				Flavor:      models.VDCFlavor(entry.Flavor),
				IdentityTID: entry.TID,
			}
			deployer, err := newDeployer(cfg, vdc, entry.Password)
			if err != nil {
				return err
			}
			deployers[entry.Name] = deployer
		}

		billing := worker.NewBilling(worker.BillingConfig{
			Gateway:    walletClient,
			Prices:     &renewalPrices{deployers: deployers, wallet: walletClient, asset: cfg.Grid.Asset},
			InitWallet: cfg.Grid.InitWallet,
			Asset:      cfg.Grid.Asset,
			Log:        log,
		})

		renewal := worker.NewRenewal(worker.RenewalConfig{
			Queue:    queue.NewRedis(redisClient, cfg.Workers.RenewalQueue),
			Biller:   billing,
			Renewer:  &planRenewer{deployers: deployers},
			Log:      log,
			Interval: cfg.Workers.RenewalInterval,
		})

		eg, ctx := errgroup.WithContext(cmd.Context())
		eg.Go(func() error {
			return renewal.Run(ctx)
		})

		if cfg.Mail.Address != "" {
			targets := make([]worker.ExpiryTarget, 0, len(cfg.Workers.VDCs))
			for _, entry := range cfg.Workers.VDCs {
				targets = append(targets, worker.ExpiryTarget{
					Name:  entry.Name,
					Email: entry.Email,
					Funds: deployers[entry.Name],
				})
			}

			expiry := worker.NewExpiry(worker.ExpiryConfig{
				Targets:  targets,
				Notifier: notify.NewSender(cfg.Mail.Address, cfg.Mail.Sender),
				Notice:   notify.ExpiryNotice,
				Log:      log,
			})
			eg.Go(func() error {
				return expiry.Run(ctx)
			})
		}

		for _, entry := range cfg.Workers.VDCs {
			deployer := deployers[entry.Name]
			spec := models.FlavorSpecs[models.VDCFlavor(entry.Flavor)]
			statsURL := fmt.Sprintf("https://%s.%s", deployer.DomainPrefix(), cfg.Provisioning.ParentDomain)

			topup := worker.NewTopup(worker.TopupConfig{
				Monitor:           worker.NewHTTPMonitor(statsURL),
				Extender:          deployer,
				Log:               log.WithField("vdc", entry.Name),
				Farms:             cfg.Farms.Storage,
				ShardSize:         spec.ShardSize,
				MaxStorage:        spec.MaxStorage,
				Threshold:         cfg.Workers.Threshold,
				ClearThreshold:    cfg.Workers.ClearThreshold,
				ExtensionDuration: cfg.Workers.ExtensionDuration,
				Interval:          cfg.Workers.TopupInterval,
			})
			eg.Go(func() error {
				return topup.Run(ctx)
			})
		}

		return eg.Wait()
	},
}

func newLog() *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	return logrus.NewEntry(logger)
}

func newDeployer(cfg config.Config, vdc *models.VDC, password string) (*orchestrator.Deployer, error) {
	log := newLog()

	explorerClient := explorer.New(cfg.Grid.ExplorerURL, vdc.IdentityTID, log)
	walletClient := wallet.New(cfg.Grid.WalletURL, log)

	pools := pool.New(pool.Config{
		Registry:       explorerClient,
		Gateway:        wallet.NewAccount(walletClient, cfg.Grid.Wallet),
		Directory:      explorerClient,
		Wallet:         cfg.Grid.Wallet,
		Asset:          cfg.Grid.Asset,
		Log:            log,
		PaymentTimeout: cfg.Provisioning.PaymentTimeout,
	})

	var kube orchestrator.KubeConfigFetcher
	if cfg.Provisioning.SSHKeyPath != "" {
		key, err := os.ReadFile(cfg.Provisioning.SSHKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read ssh key: %w", err)
		}
		kube, err = orchestrator.NewSSHKubeConfigFetcher(cfg.Provisioning.SSHUser, key)
		if err != nil {
			return nil, err
		}
	}

	return orchestrator.New(orchestrator.Config{
		VDC:             vdc,
		Registry:        explorerClient,
		Pools:           pools,
		PoolReader:      explorerClient,
		Directory:       explorerClient,
		DNS:             explorerClient,
		Identities:      explorerClient,
		Kube:            kube,
		Log:             log,
		Password:        password,
		SSHKeys:         cfg.Provisioning.SSHPublicKeys,
		NetworkFarm:     cfg.Farms.Network,
		StorageFarms:    cfg.Farms.Storage,
		PreferredFarm:   cfg.Farms.Preferred,
		ProxyFarm:       cfg.Farms.Proxy,
		ParentDomain:    cfg.Provisioning.ParentDomain,
		IPRange:         cfg.Provisioning.IPRange,
		OverProvision:   cfg.Provisioning.OverProvision,
		InitialDuration: cfg.Provisioning.InitialDuration,
		WorkloadTimeout: cfg.Provisioning.WorkloadTimeout,
	}), nil
}

// planRenewer routes queue-driven renewals to the right VDC's deployer.
type planRenewer struct {
	deployers map[string]*orchestrator.Deployer
}

func (p *planRenewer) RenewPlan(ctx context.Context, vdcName string, days float64) error {
	deployer, ok := p.deployers[vdcName]
	if !ok {
		return fmt.Errorf("unknown vdc %s", vdcName)
	}

	return deployer.RenewPlan(ctx, days)
}

// renewalPrices derives the renewal amounts from the VDC's current
// resource set and its provision wallet balance.
type renewalPrices struct {
	deployers map[string]*orchestrator.Deployer
	wallet    *wallet.Client
	asset     string
}

func (p *renewalPrices) InitializationFee(ctx context.Context, vdcName string) (decimal.Decimal, error) {
	deployer, ok := p.deployers[vdcName]
	if !ok {
		return decimal.Zero, fmt.Errorf("unknown vdc %s", vdcName)
	}

	fee, err := deployer.InitializationFee(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if fee.IsZero() {
		// No transfers recorded in this process; fall back to one day of
		// the plan price.
		fee = deployer.RenewalAmount(1)
	}

	return fee, nil
}

func (p *renewalPrices) RenewalDifference(ctx context.Context, vdcName string) (decimal.Decimal, error) {
	deployer, ok := p.deployers[vdcName]
	if !ok {
		return decimal.Zero, fmt.Errorf("unknown vdc %s", vdcName)
	}

	balance, err := p.wallet.Balance(ctx, worker.ProvisionWallet(vdcName), p.asset)
	if err != nil {
		return decimal.Zero, err
	}

	return deployer.RenewalAmount(baseRenewalDays).Sub(balance), nil
}

func init() {
	root.PersistentFlags().StringVar(&configPath, "config", ".", "Path to configuration directory")

	for _, cmd := range []*cobra.Command{deploy, addNodes, renew, rollback, show} {
		cmd.Flags().StringVar(&vdcName, "name", "", "VDC name")
		cmd.Flags().StringVar(&vdcOwner, "owner", "", "VDC owner")
		cmd.Flags().StringVar(&vdcFlavor, "flavor", "silver", "VDC flavor")
		cmd.MarkFlagRequired("name")
		cmd.MarkFlagRequired("owner")
	}
	for _, cmd := range []*cobra.Command{addNodes, renew, rollback, show} {
		cmd.Flags().Uint64Var(&identityTID, "tid", 0, "VDC identity id")
		cmd.MarkFlagRequired("tid")
	}

	deploy.Flags().StringVar(&vdcPassword, "password", "", "VDC password")
	deploy.Flags().StringVar(&output, "output", "", "Path to write the cluster config to")
	deploy.MarkFlagRequired("password")

	checkCapacity.Flags().StringVar(&vdcFlavor, "flavor", "silver", "VDC flavor")
	checkCapacity.Flags().StringVar(&farmName, "farm", "", "Farm to place workers on")

	addNodes.Flags().StringVar(&farmName, "farm", "", "Farm to place nodes on")
	addNodes.Flags().StringVar(&nodeSize, "size", "small", "Node size")
	addNodes.Flags().IntVar(&nodeCount, "count", 1, "Number of nodes")
	addNodes.Flags().BoolVar(&publicIP, "public-ip", false, "Attach a public address to each node")
	addNodes.Flags().StringVar(&vdcPassword, "password", "", "VDC password")
	addNodes.Flags().Float64Var(&days, "days", baseRenewalDays, "Days of capacity to fund")

	renew.Flags().Float64Var(&days, "days", baseRenewalDays, "Days to renew for")
	renew.Flags().StringVar(&paymentID, "payment", "", "Payment transaction to process through the queue")

	root.AddCommand(deploy, checkCapacity, show, addNodes, renew, rollback, workers)
}

func main() {
	root.Execute()
}

package config

import (
	"net"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Grid struct {
	ExplorerURL string `mapstructure:"explorer_url"`
	WalletURL   string `mapstructure:"wallet_url"`
	Wallet      string
	InitWallet  string `mapstructure:"init_wallet"`
	Asset       string
}

type Farms struct {
	Network   string
	Storage   []string
	Preferred string
	Proxy     string
}

type Provisioning struct {
	ParentDomain    string        `mapstructure:"parent_domain"`
	IPRange         net.IPNet     `mapstructure:"ip_range"`
	OverProvision   bool          `mapstructure:"over_provision"`
	InitialDuration time.Duration `mapstructure:"initial_duration"`
	WorkloadTimeout time.Duration `mapstructure:"workload_timeout"`
	PaymentTimeout  time.Duration `mapstructure:"payment_timeout"`
	SSHUser         string        `mapstructure:"ssh_user"`
	SSHKeyPath      string        `mapstructure:"ssh_key_path"`
	SSHPublicKeys   []string      `mapstructure:"ssh_public_keys"`
}

type Workers struct {
	RedisAddress      string        `mapstructure:"redis_address"`
	RenewalQueue      string        `mapstructure:"renewal_queue"`
	RenewalInterval   time.Duration `mapstructure:"renewal_interval"`
	TopupInterval     time.Duration `mapstructure:"topup_interval"`
	Threshold         float64       `mapstructure:"threshold"`
	ClearThreshold    float64       `mapstructure:"clear_threshold"`
	ExtensionDuration time.Duration `mapstructure:"extension_duration"`
	VDCs              []WorkerVDC   `mapstructure:"vdcs"`
}

// WorkerVDC is one VDC the background workers watch.
type WorkerVDC struct {
	Name     string
	Owner    string
	Email    string
	Flavor   string
	TID      uint64
	Password string
}

type Mail struct {
	Address string
	Sender  string
}

type Config struct {
	Grid         Grid
	Farms        Farms
	Provisioning Provisioning
	Workers      Workers
	Mail         Mail
}

func Load(path string) Config {
	viper.AddConfigPath(path)
	viper.SetConfigType("yaml")

	for _, config := range []string{"grid", "provisioning", "workers"} {
		viper.SetConfigName(config)
		if err := viper.MergeInConfig(); err != nil {
			panic(err)
		}
	}

	cfg := Config{}

	if err := viper.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToIPHookFunc(),
			mapstructure.StringToIPNetHookFunc(),
		))); err != nil {
		panic(err)
	}

	return cfg
}

// Package params holds node configuration. Values resolve in priority
// order: environment variables > .env file > YAML config file > defaults.
package params

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Chain identifies the settlement chain and exchange contract for the
// EIP-712 signing domain and the chain sink.
type Chain struct {
	ID              int64  `mapstructure:"id"`
	ExchangeAddress string `mapstructure:"exchange_address"`
	OperatorAddress string `mapstructure:"operator_address"`
	SinkURL         string `mapstructure:"sink_url"` // empty = mock sink
}

// Server configures the REST/websocket listener.
type Server struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// Settlement tunes epoch cuts and the commit retry schedule.
type Settlement struct {
	BatchSize   int           `mapstructure:"batch_size"`
	CutInterval time.Duration `mapstructure:"cut_interval"`
	MaxRetries  int           `mapstructure:"max_retries"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Concurrency int           `mapstructure:"concurrency"`
}

// Reconcile tunes the ledger-vs-chain comparison loop.
type Reconcile struct {
	Enabled      bool          `mapstructure:"enabled"`
	Interval     time.Duration `mapstructure:"interval"`
	ThresholdNum int64         `mapstructure:"threshold_num"`
	ThresholdDen int64         `mapstructure:"threshold_den"`
	PauseAfter   int           `mapstructure:"pause_after"`
}

// Broadcast tunes websocket fan-out liveness.
type Broadcast struct {
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
}

// Storage points at the pebble data directories.
type Storage struct {
	DataDir string `mapstructure:"data_dir"` // empty = in-memory only
}

type Config struct {
	Chain      Chain      `mapstructure:"chain"`
	Server     Server     `mapstructure:"server"`
	Settlement Settlement `mapstructure:"settlement"`
	Reconcile  Reconcile  `mapstructure:"reconcile"`
	Broadcast  Broadcast  `mapstructure:"broadcast"`
	Storage    Storage    `mapstructure:"storage"`
	LogPath    string     `mapstructure:"log_path"`
}

func Default() Config {
	return Config{
		Chain: Chain{
			ID:              137,
			ExchangeAddress: "0x0000000000000000000000000000000000000000",
			OperatorAddress: "0x0000000000000000000000000000000000000001",
		},
		Server: Server{
			ListenAddr: ":8080",
		},
		Settlement: Settlement{
			BatchSize:   100,
			CutInterval: 10 * time.Second,
			MaxRetries:  3,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
			Concurrency: 8,
		},
		Reconcile: Reconcile{
			Enabled:      false,
			Interval:     30 * time.Second,
			ThresholdNum: 1,
			ThresholdDen: 10000,
			PauseAfter:   3,
		},
		Broadcast: Broadcast{
			SweepInterval:    30 * time.Second,
			HeartbeatTimeout: 60 * time.Second,
		},
	}
}

// Load resolves configuration. configPath names an optional YAML file;
// envPath names an optional .env file. Environment variables use the
// CLOB_ prefix with underscores, e.g. CLOB_SERVER_LISTEN_ADDR.
func Load(configPath, envPath string) (Config, error) {
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	v.SetEnvPrefix("CLOB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("chain.id", def.Chain.ID)
	v.SetDefault("chain.exchange_address", def.Chain.ExchangeAddress)
	v.SetDefault("chain.operator_address", def.Chain.OperatorAddress)
	v.SetDefault("chain.sink_url", def.Chain.SinkURL)
	v.SetDefault("server.listen_addr", def.Server.ListenAddr)
	v.SetDefault("settlement.batch_size", def.Settlement.BatchSize)
	v.SetDefault("settlement.cut_interval", def.Settlement.CutInterval)
	v.SetDefault("settlement.max_retries", def.Settlement.MaxRetries)
	v.SetDefault("settlement.base_delay", def.Settlement.BaseDelay)
	v.SetDefault("settlement.max_delay", def.Settlement.MaxDelay)
	v.SetDefault("settlement.concurrency", def.Settlement.Concurrency)
	v.SetDefault("reconcile.enabled", def.Reconcile.Enabled)
	v.SetDefault("reconcile.interval", def.Reconcile.Interval)
	v.SetDefault("reconcile.threshold_num", def.Reconcile.ThresholdNum)
	v.SetDefault("reconcile.threshold_den", def.Reconcile.ThresholdDen)
	v.SetDefault("reconcile.pause_after", def.Reconcile.PauseAfter)
	v.SetDefault("broadcast.sweep_interval", def.Broadcast.SweepInterval)
	v.SetDefault("broadcast.heartbeat_timeout", def.Broadcast.HeartbeatTimeout)
	v.SetDefault("storage.data_dir", def.Storage.DataDir)
	v.SetDefault("log_path", def.LogPath)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

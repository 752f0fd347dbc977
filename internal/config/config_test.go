package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Ingest.FreshnessWindow != 30*time.Second {
		t.Fatalf("freshness window = %s", cfg.Ingest.FreshnessWindow)
	}
	if cfg.Reconcile.BatchSize != 50 {
		t.Fatalf("batch size = %d", cfg.Reconcile.BatchSize)
	}
	if cfg.Reconcile.MaxAttempts != 3 {
		t.Fatalf("max attempts = %d", cfg.Reconcile.MaxAttempts)
	}
	if cfg.LedgerConfigured() {
		t.Fatal("ledger should be disabled by default")
	}
	if cfg.Admin.Configured() {
		t.Fatal("admin credentials should be empty by default")
	}
	if cfg.Settlement.Allocation != AllocationFloor {
		t.Fatalf("allocation = %q", cfg.Settlement.Allocation)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte(`
ledger:
  enabled: true
  driver: http
  http:
    base_url: http://ledger.local
reconcile:
  retry_backoff: 90s
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VOLTCHAIN_ADMIN_TOKEN", "s3cret")
	t.Setenv("VOLTCHAIN_RECONCILE_CONCURRENCY", "8")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.LedgerConfigured() || cfg.Ledger.HTTP.BaseURL != "http://ledger.local" {
		t.Fatalf("ledger config not loaded: %+v", cfg.Ledger)
	}
	if cfg.Reconcile.RetryBackoff != 90*time.Second {
		t.Fatalf("retry backoff = %s", cfg.Reconcile.RetryBackoff)
	}
	if cfg.Admin.Token != "s3cret" {
		t.Fatalf("admin token from env = %q", cfg.Admin.Token)
	}
	if cfg.Reconcile.Concurrency != 8 {
		t.Fatalf("concurrency from env = %d", cfg.Reconcile.Concurrency)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Ingest:     IngestConfig{FreshnessWindow: 30 * time.Second, ReadingsDefLimit: 100, ReadingsMaxLimit: 1000},
			Reconcile:  ReconcileConfig{BatchSize: 50, Concurrency: 4, MaxAttempts: 3, LockDriver: LockDriverPostgres},
			Settlement: SettlementConfig{Allocation: AllocationFloor},
			Export:     ExportConfig{MaxDataPoints: 10},
		}
	}

	base := valid()
	if err := base.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := map[string]func(*Config){
		"zero window":        func(c *Config) { c.Ingest.FreshnessWindow = 0 },
		"zero batch":         func(c *Config) { c.Reconcile.BatchSize = 0 },
		"zero attempts":      func(c *Config) { c.Reconcile.MaxAttempts = 0 },
		"redis without addr": func(c *Config) { c.Reconcile.LockDriver = LockDriverRedis },
		"unknown lock":       func(c *Config) { c.Reconcile.LockDriver = "etcd" },
		"batch above cap":    func(c *Config) { c.Reconcile.BatchSize = MaxBatchSize + 1 },
		"short lease": func(c *Config) {
			c.Reconcile.LockDriver = LockDriverRedis
			c.Redis.Addr = "localhost:6379"
			c.Reconcile.LeaseTTL = 5 * time.Second
		},
		"ledger no url": func(c *Config) {
			c.Ledger = LedgerConfig{Enabled: true, Driver: LedgerDriverHTTP, SubmitTimeout: time.Second}
		},
		"evm no key": func(c *Config) {
			c.Ledger = LedgerConfig{Enabled: true, Driver: LedgerDriverEVM, SubmitTimeout: time.Second,
				EVM: LedgerEVMConfig{RPCURL: "http://rpc", ContractAddress: "0x1"}}
		},
		"unknown allocation": func(c *Config) { c.Settlement.Allocation = "ceil" },
		"events without url": func(c *Config) { c.Events.Enabled = true },
		"telegram no token":  func(c *Config) { c.Alerting.Telegram = TelegramConfig{Enabled: true, ChatID: "1"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestValidateAcceptsRenewableLease(t *testing.T) {
	cfg := Config{
		Ingest:     IngestConfig{FreshnessWindow: 30 * time.Second, ReadingsDefLimit: 100, ReadingsMaxLimit: 1000},
		Reconcile:  ReconcileConfig{BatchSize: MaxBatchSize, Concurrency: 1, MaxAttempts: 3, LockDriver: LockDriverRedis, LeaseTTL: minLeaseTTL},
		Redis:      RedisConfig{Addr: "localhost:6379"},
		Settlement: SettlementConfig{Allocation: AllocationFloor},
		Export:     ExportConfig{MaxDataPoints: 10},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("redis lease at the minimum ttl should be accepted: %v", err)
	}
}

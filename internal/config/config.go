package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/punchamoorthee/creditledger/internal/height"
)

// Job names shared by the scheduler, the manual trigger route and the YAML
// schedule file.
const (
	JobIngestDeposits    = "ingest-deposits"
	JobSettle            = "settle-redemptions"
	JobConfirmSettlement = "confirm-settlements"
	JobConfirmRefunds    = "confirm-refunds"
	JobReconcile         = "reconcile-legacy"
	JobVerifyLegacy      = "verify-legacy"
	JobTransferReceipts  = "transfer-receipts"
)

type Config struct {
	DBSource   string
	DBMaxConns int32
	Port       string
	Env        string

	TokenIssuer     string
	TokenHMACSecret string
	TokenRSAKeyFile string
	PIIKey          string

	RPCURL          string
	ChainID         int64
	SignerKey       string
	GasLimit        uint64
	MaxGasPrice     int64
	LegacyDSN       string
	LegacyMinHeight int64

	RefPrefix    string
	CurrencyUnit string
	SystemRoleID int64

	KafkaBrokers  []string
	NotifyTopic   string
	ForwardTopic  string
	ConsumerGroup string

	RedisAddr     string
	RedisPassword string

	OperatorEmails   []string
	ControllerEmails []string
	AlertEmails      []string

	// Redemption windows opened by deposits.
	WithdrawPeriod     time.Duration
	LockPeriod         time.Duration
	GracePeriod        time.Duration
	MinExtensionAmount height.Height

	DepositStaleAfter time.Duration
	RefundStaleAfter  time.Duration
	PollBatchSize     int

	JobTimeout time.Duration
	Jobs       map[string]JobSchedule
}

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

type JobSchedule struct {
	Interval Duration `yaml:"interval"`
	Enabled  *bool    `yaml:"enabled"`
}

// Active reports whether the job should be ticked; a disabled job can still
// be run by hand.
func (j JobSchedule) Active() bool {
	return (j.Enabled == nil || *j.Enabled) && j.Interval.Duration > 0
}

func DefaultJobs() map[string]JobSchedule {
	every := func(d time.Duration) JobSchedule { return JobSchedule{Interval: Duration{d}} }
	return map[string]JobSchedule{
		JobIngestDeposits:    every(time.Minute),
		JobSettle:            every(time.Minute),
		JobConfirmSettlement: every(2 * time.Minute),
		JobConfirmRefunds:    every(2 * time.Minute),
		JobReconcile:         every(10 * time.Minute),
		JobVerifyLegacy:      every(time.Hour),
		JobTransferReceipts:  every(5 * time.Minute),
	}
}

type jobsFile struct {
	Jobs map[string]JobSchedule `yaml:"jobs"`
}

// LoadJobs overlays the schedule in path onto the defaults.
func LoadJobs(path string) (map[string]JobSchedule, error) {
	jobs := DefaultJobs()
	if path == "" {
		return jobs, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jobs config: %w", err)
	}
	var f jobsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode jobs config: %w", err)
	}
	for name, sched := range f.Jobs {
		if _, ok := jobs[name]; !ok {
			return nil, fmt.Errorf("jobs config: unknown job %q", name)
		}
		jobs[name] = sched
	}
	return jobs, nil
}

func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	cfg := &Config{
		DBSource: dbSource,
		Port:     getEnv("SERVER_PORT", "8080"),
		Env:      getEnv("ENVIRONMENT", "development"),

		TokenIssuer:     os.Getenv("TOKEN_ISSUER"),
		TokenHMACSecret: os.Getenv("TOKEN_HMAC_SECRET"),
		TokenRSAKeyFile: os.Getenv("TOKEN_RSA_KEY_FILE"),
		PIIKey:          os.Getenv("PII_KEY"),

		RPCURL:    os.Getenv("CHAIN_RPC_URL"),
		SignerKey: os.Getenv("CHAIN_SIGNER_KEY"),
		LegacyDSN: os.Getenv("LEGACY_DB_SOURCE"),

		RefPrefix:    getEnv("TRANSFER_REF_PREFIX", "PLREF"),
		CurrencyUnit: getEnv("CURRENCY_UNIT", "FIL"),

		KafkaBrokers:  getList("KAFKA_BROKERS"),
		NotifyTopic:   getEnv("KAFKA_NOTIFY_TOPIC", "ledger-notifications"),
		ForwardTopic:  getEnv("KAFKA_FORWARD_TOPIC", "forward-events"),
		ConsumerGroup: getEnv("KAFKA_CONSUMER_GROUP", "creditledger"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		OperatorEmails:   getList("OPERATOR_EMAILS"),
		ControllerEmails: getList("CONTROLLER_EMAILS"),
		AlertEmails:      getList("ALERT_EMAILS"),
	}

	if cfg.TokenIssuer == "" {
		return nil, fmt.Errorf("TOKEN_ISSUER environment variable is required")
	}
	if cfg.TokenHMACSecret == "" && cfg.TokenRSAKeyFile == "" {
		return nil, fmt.Errorf("TOKEN_HMAC_SECRET or TOKEN_RSA_KEY_FILE is required")
	}
	if cfg.PIIKey == "" {
		return nil, fmt.Errorf("PII_KEY environment variable is required")
	}

	var err error
	ints := []struct {
		key  string
		def  int64
		dest *int64
	}{
		{"CHAIN_ID", 314, &cfg.ChainID},
		{"CHAIN_MAX_GAS_PRICE_WEI", 0, &cfg.MaxGasPrice},
		{"LEGACY_MIN_HEIGHT", 0, &cfg.LegacyMinHeight},
		{"SYSTEM_ROLE_ID", 1, &cfg.SystemRoleID},
	}
	for _, i := range ints {
		if *i.dest, err = getInt(i.key, i.def); err != nil {
			return nil, err
		}
	}
	gas, err := getInt("CHAIN_GAS_LIMIT", 300000)
	if err != nil {
		return nil, err
	}
	cfg.GasLimit = uint64(gas)
	conns, err := getInt("DB_MAX_CONNS", 10)
	if err != nil {
		return nil, err
	}
	cfg.DBMaxConns = int32(conns)

	batch, err := getInt("POLL_BATCH_SIZE", 10)
	if err != nil {
		return nil, err
	}
	if batch == 0 {
		return nil, fmt.Errorf("POLL_BATCH_SIZE must be positive")
	}
	cfg.PollBatchSize = int(batch)

	durations := []struct {
		key  string
		def  time.Duration
		dest *time.Duration
	}{
		{"JOB_TIMEOUT", 5 * time.Minute, &cfg.JobTimeout},
		{"WITHDRAW_PERIOD", 30 * 24 * time.Hour, &cfg.WithdrawPeriod},
		{"LOCK_PERIOD", 24 * time.Hour, &cfg.LockPeriod},
		{"GRACE_PERIOD", 24 * time.Hour, &cfg.GracePeriod},
		{"DEPOSIT_STALE_AFTER", 24 * time.Hour, &cfg.DepositStaleAfter},
		{"REFUND_STALE_AFTER", 24 * time.Hour, &cfg.RefundStaleAfter},
	}
	for _, d := range durations {
		if *d.dest, err = getDuration(d.key, d.def); err != nil {
			return nil, err
		}
	}
	if amount := os.Getenv("MIN_EXTENSION_AMOUNT"); amount != "" {
		if cfg.MinExtensionAmount, err = height.Parse(amount); err != nil {
			return nil, fmt.Errorf("MIN_EXTENSION_AMOUNT: %w", err)
		}
	}
	if cfg.Jobs, err = LoadJobs(os.Getenv("JOBS_CONFIG")); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration", key)
	}
	return d, nil
}

// getList splits a comma separated variable, dropping blanks.
func getList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

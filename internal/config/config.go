package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewPolicyHolder),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	RunMigrations     bool

	Redis     RedisConfig
	Heartbeat HeartbeatConfig
	Scheduler SchedulerConfig
	RateLimit RateLimitConfig

	// SeedOrgID, when set outside production, gets a default rate at startup.
	SeedOrgID string
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	Channel  string
}

type HeartbeatConfig struct {
	StaleThreshold time.Duration
	SweepInterval  time.Duration
}

type SchedulerConfig struct {
	Enabled              bool
	RunInterval          time.Duration
	BatchSize            int
	DisabledJobs         []string
	LeaderLockTTL        time.Duration
	ReconcileEveryNthRun int
}

type RateLimitConfig struct {
	Enabled     bool
	DeviceRate  float64
	DeviceBurst int
}

// Load loads configuration from environment variables, a .env file and an
// optional netcafe.yaml.
func Load() Config {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("netcafe")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/netcafe")
	v.AddConfigPath(".")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	// missing file is fine, env and defaults still apply
	_ = v.ReadInConfig()

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.service", "netcafe")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("environment", "development")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("otlp.endpoint", "localhost:4317")

	v.SetDefault("database.type", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.name", "netcafe")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conn", 10)
	v.SetDefault("database.max_open_conn", 50)
	v.SetDefault("database.conn_max_lifetime", 300)
	v.SetDefault("database.conn_max_idle_time", 60)
	v.SetDefault("database.migrate", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "netcafe:events")

	v.SetDefault("heartbeat.stale_threshold", "45s")
	v.SetDefault("heartbeat.sweep_interval", "5s")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.run_interval", "5s")
	v.SetDefault("scheduler.batch_size", 100)
	v.SetDefault("scheduler.disabled_jobs", "")
	v.SetDefault("scheduler.leader_lock_ttl", "30s")
	v.SetDefault("scheduler.reconcile_every", 60)

	v.SetDefault("ratelimit.enabled", false)
	v.SetDefault("ratelimit.device_rate", 5.0)
	v.SetDefault("ratelimit.device_burst", 20)

	v.SetDefault("seed.org_id", "")
}

func fromViper(v *viper.Viper) Config {
	return Config{
		AppName:           strings.TrimSpace(v.GetString("app.service")),
		AppVersion:        strings.TrimSpace(v.GetString("app.version")),
		Environment:       strings.TrimSpace(v.GetString("environment")),
		HTTPAddr:          strings.TrimSpace(v.GetString("http.addr")),
		OTLPEndpoint:      strings.TrimSpace(v.GetString("otlp.endpoint")),
		DBType:            strings.ToLower(strings.TrimSpace(v.GetString("database.type"))),
		DBHost:            v.GetString("database.host"),
		DBPort:            v.GetString("database.port"),
		DBName:            v.GetString("database.name"),
		DBUser:            v.GetString("database.user"),
		DBPassword:        v.GetString("database.password"),
		DBSSLMode:         v.GetString("database.sslmode"),
		DBMaxIdleConn:     v.GetInt("database.max_idle_conn"),
		DBMaxOpenConn:     v.GetInt("database.max_open_conn"),
		DBConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
		DBConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
		RunMigrations:     v.GetBool("database.migrate"),
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Addr:     strings.TrimSpace(v.GetString("redis.addr")),
			Password: strings.TrimSpace(v.GetString("redis.password")),
			DB:       v.GetInt("redis.db"),
			Channel:  strings.TrimSpace(v.GetString("redis.channel")),
		},
		Heartbeat: HeartbeatConfig{
			StaleThreshold: v.GetDuration("heartbeat.stale_threshold"),
			SweepInterval:  v.GetDuration("heartbeat.sweep_interval"),
		},
		Scheduler: SchedulerConfig{
			Enabled:              v.GetBool("scheduler.enabled"),
			RunInterval:          v.GetDuration("scheduler.run_interval"),
			BatchSize:            v.GetInt("scheduler.batch_size"),
			DisabledJobs:         parseList(v.GetString("scheduler.disabled_jobs")),
			LeaderLockTTL:        v.GetDuration("scheduler.leader_lock_ttl"),
			ReconcileEveryNthRun: v.GetInt("scheduler.reconcile_every"),
		},
		RateLimit: RateLimitConfig{
			Enabled:     v.GetBool("ratelimit.enabled"),
			DeviceRate:  v.GetFloat64("ratelimit.device_rate"),
			DeviceBurst: v.GetInt("ratelimit.device_burst"),
		},
		SeedOrgID: strings.TrimSpace(v.GetString("seed.org_id")),
	}
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

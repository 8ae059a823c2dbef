// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

type Queue struct {
	Group          string        `mapstructure:"group"`
	PendingTimeout time.Duration `mapstructure:"pending_timeout"`
	ReclaimEvery   time.Duration `mapstructure:"reclaim_every"`
	ReadBlock      time.Duration `mapstructure:"read_block"`
}

type Worker struct {
	Count           int           `mapstructure:"count"`
	HeartbeatTTL    time.Duration `mapstructure:"heartbeat_ttl"`
	DrainTimeout    time.Duration `mapstructure:"drain_timeout"`
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`
	RateWaitMax     time.Duration `mapstructure:"rate_wait_max"`
	RestartBackoff  Backoff       `mapstructure:"restart_backoff"`
}

type Backoff struct {
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

type Retry struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
}

type Breaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
	Pause            time.Duration `mapstructure:"pause"`
}

type Scheduler struct {
	Tick     time.Duration `mapstructure:"tick"`
	LockKey  string        `mapstructure:"lock_key"`
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
}

type Bucket struct {
	Capacity   float64 `mapstructure:"capacity"`
	RefillRate float64 `mapstructure:"refill_rate"`
}

type SMTPProvider struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	StartTLS bool   `mapstructure:"starttls"`
	SSL      bool   `mapstructure:"ssl"`
}

type SendgridProvider struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

type MailgunProvider struct {
	APIKey  string `mapstructure:"api_key"`
	Domain  string `mapstructure:"domain"`
	BaseURL string `mapstructure:"base_url"`
}

type SESProvider struct {
	Region string `mapstructure:"region"`
}

type Providers struct {
	Default  string           `mapstructure:"default"`
	FromAddr string           `mapstructure:"from_addr"`
	FromName string           `mapstructure:"from_name"`
	SMTP     SMTPProvider     `mapstructure:"smtp"`
	Sendgrid SendgridProvider `mapstructure:"sendgrid"`
	Mailgun  MailgunProvider  `mapstructure:"mailgun"`
	SES      SESProvider      `mapstructure:"ses"`
	Buckets  map[string]Bucket `mapstructure:"buckets"`
}

type HTTP struct {
	ListenAddr    string            `mapstructure:"listen_addr"`
	ReadTimeout   time.Duration     `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration     `mapstructure:"write_timeout"`
	ServiceTokens map[string]string `mapstructure:"service_tokens"`
}

type Templates struct {
	Dir string `mapstructure:"dir"`
}

type Observability struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
}

type Config struct {
	Redis         Redis         `mapstructure:"redis"`
	Queue         Queue         `mapstructure:"queue"`
	Worker        Worker        `mapstructure:"worker"`
	Retry         Retry         `mapstructure:"retry"`
	Scheduler     Scheduler     `mapstructure:"scheduler"`
	Breaker       Breaker       `mapstructure:"breaker"`
	Providers     Providers     `mapstructure:"providers"`
	HTTP          HTTP          `mapstructure:"http"`
	Templates     Templates     `mapstructure:"templates"`
	Observability Observability `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Queue: Queue{
			Group:          "email-workers",
			PendingTimeout: 60 * time.Second,
			ReclaimEvery:   30 * time.Second,
			ReadBlock:      5 * time.Second,
		},
		Worker: Worker{
			Count:           3,
			HeartbeatTTL:    30 * time.Second,
			DrainTimeout:    30 * time.Second,
			DispatchTimeout: 30 * time.Second,
			RateWaitMax:     30 * time.Second,
			RestartBackoff:  Backoff{Base: 1 * time.Second, Max: 30 * time.Second},
		},
		Retry: Retry{
			MaxAttempts: 3,
			BaseDelay:   60 * time.Second,
		},
		Scheduler: Scheduler{
			Tick:     1 * time.Second,
			LockKey:  "queue:scheduler:leader",
			LeaseTTL: 10 * time.Second,
		},
		Breaker: Breaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
			Pause:            100 * time.Millisecond,
		},
		Providers: Providers{
			Default:  "smtp",
			FromAddr: "no-reply@example.com",
			FromName: "Mailer",
			SMTP:     SMTPProvider{Host: "localhost", Port: 587, StartTLS: true},
			Sendgrid: SendgridProvider{BaseURL: "https://api.sendgrid.com"},
			Mailgun:  MailgunProvider{BaseURL: "https://api.mailgun.net"},
			SES:      SESProvider{Region: "us-east-1"},
			Buckets: map[string]Bucket{
				"smtp":     {Capacity: 100, RefillRate: 10},
				"sendgrid": {Capacity: 600, RefillRate: 100},
				"mailgun":  {Capacity: 300, RefillRate: 50},
				"aws_ses":  {Capacity: 200, RefillRate: 14},
			},
		},
		HTTP: HTTP{
			ListenAddr:   ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Templates: Templates{Dir: "./templates"},
		Observability: Observability{
			MetricsPort:         9090,
			LogLevel:            "info",
			QueueSampleInterval: 2 * time.Second,
		},
	}
}

// Load reads configuration from YAML file and env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("queue.group", def.Queue.Group)
	v.SetDefault("queue.pending_timeout", def.Queue.PendingTimeout)
	v.SetDefault("queue.reclaim_every", def.Queue.ReclaimEvery)
	v.SetDefault("queue.read_block", def.Queue.ReadBlock)

	v.SetDefault("worker.count", def.Worker.Count)
	v.SetDefault("worker.heartbeat_ttl", def.Worker.HeartbeatTTL)
	v.SetDefault("worker.drain_timeout", def.Worker.DrainTimeout)
	v.SetDefault("worker.dispatch_timeout", def.Worker.DispatchTimeout)
	v.SetDefault("worker.rate_wait_max", def.Worker.RateWaitMax)
	v.SetDefault("worker.restart_backoff.base", def.Worker.RestartBackoff.Base)
	v.SetDefault("worker.restart_backoff.max", def.Worker.RestartBackoff.Max)

	v.SetDefault("retry.max_attempts", def.Retry.MaxAttempts)
	v.SetDefault("retry.base_delay", def.Retry.BaseDelay)

	v.SetDefault("scheduler.tick", def.Scheduler.Tick)
	v.SetDefault("scheduler.lock_key", def.Scheduler.LockKey)
	v.SetDefault("scheduler.lease_ttl", def.Scheduler.LeaseTTL)

	v.SetDefault("breaker.failure_threshold", def.Breaker.FailureThreshold)
	v.SetDefault("breaker.window", def.Breaker.Window)
	v.SetDefault("breaker.cooldown_period", def.Breaker.CooldownPeriod)
	v.SetDefault("breaker.min_samples", def.Breaker.MinSamples)
	v.SetDefault("breaker.pause", def.Breaker.Pause)

	v.SetDefault("providers.default", def.Providers.Default)
	v.SetDefault("providers.from_addr", def.Providers.FromAddr)
	v.SetDefault("providers.from_name", def.Providers.FromName)
	v.SetDefault("providers.smtp.host", def.Providers.SMTP.Host)
	v.SetDefault("providers.smtp.port", def.Providers.SMTP.Port)
	v.SetDefault("providers.smtp.starttls", def.Providers.SMTP.StartTLS)
	v.SetDefault("providers.sendgrid.base_url", def.Providers.Sendgrid.BaseURL)
	v.SetDefault("providers.mailgun.base_url", def.Providers.Mailgun.BaseURL)
	v.SetDefault("providers.ses.region", def.Providers.SES.Region)
	for name, b := range def.Providers.Buckets {
		v.SetDefault("providers.buckets."+name+".capacity", b.Capacity)
		v.SetDefault("providers.buckets."+name+".refill_rate", b.RefillRate)
	}

	v.SetDefault("http.listen_addr", def.HTTP.ListenAddr)
	v.SetDefault("http.read_timeout", def.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", def.HTTP.WriteTimeout)

	v.SetDefault("templates.dir", def.Templates.Dir)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)

	// Optional file read
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Worker.Count < 1 {
		return fmt.Errorf("worker.count must be >= 1")
	}
	if cfg.Queue.Group == "" {
		return fmt.Errorf("queue.group must be set")
	}
	if cfg.Queue.PendingTimeout <= 0 {
		return fmt.Errorf("queue.pending_timeout must be > 0")
	}
	if cfg.Queue.ReadBlock <= 0 || cfg.Queue.ReadBlock > cfg.Queue.PendingTimeout {
		return fmt.Errorf("queue.read_block must be >0 and <= queue.pending_timeout")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if cfg.Retry.BaseDelay <= 0 {
		return fmt.Errorf("retry.base_delay must be > 0")
	}
	if cfg.Scheduler.Tick <= 0 {
		return fmt.Errorf("scheduler.tick must be > 0")
	}
	if cfg.Worker.HeartbeatTTL < 5*time.Second {
		return fmt.Errorf("worker.heartbeat_ttl must be >= 5s")
	}
	if cfg.Breaker.FailureThreshold <= 0 || cfg.Breaker.FailureThreshold > 1 {
		return fmt.Errorf("breaker.failure_threshold must be in (0, 1]")
	}
	switch cfg.Providers.Default {
	case "smtp", "sendgrid", "mailgun", "aws_ses":
	default:
		return fmt.Errorf("providers.default must be one of smtp|sendgrid|mailgun|aws_ses")
	}
	for name, b := range cfg.Providers.Buckets {
		if b.Capacity <= 0 {
			return fmt.Errorf("providers.buckets.%s.capacity must be > 0", name)
		}
		if b.RefillRate < 0 {
			return fmt.Errorf("providers.buckets.%s.refill_rate must be >= 0", name)
		}
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}

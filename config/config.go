/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT               = "5004"
	DEFAULT_BATCH_SIZE         = 20
	DEFAULT_MAX_ATTEMPTS       = 5
	DEFAULT_LEASE_SECONDS      = 300
	DEFAULT_SEND_TIMEOUT       = 30
	DEFAULT_POLL_INTERVAL      = 60
	DEFAULT_WRITE_BACK_RETRIES = 3
	DEFAULT_SCHEDULE           = "@every 1m"
	DEFAULT_EMAIL_BASE_URL     = "https://api.resend.com"
	DEFAULT_DISPATCH_QUEUE     = "postbox_dispatch"
	DEFAULT_WEBHOOK_QUEUE      = "postbox_webhooks"
	DEFAULT_MONITORING_PORT    = "5005"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"POSTBOX_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"POSTBOX_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"POSTBOX_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"POSTBOX_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"POSTBOX_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"POSTBOX_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"POSTBOX_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"POSTBOX_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"POSTBOX_REDIS_SKIP_TLS_VERIFY"`
}

// OutboxConfig tunes the dispatcher and the triggers that invoke it.
type OutboxConfig struct {
	BatchSize           int    `json:"batch_size" envconfig:"POSTBOX_OUTBOX_BATCH_SIZE"`
	MaxAttempts         int    `json:"max_attempts" envconfig:"POSTBOX_OUTBOX_MAX_ATTEMPTS"`
	MaxWorkers          int    `json:"max_workers" envconfig:"POSTBOX_OUTBOX_MAX_WORKERS"`
	LeaseSeconds        int    `json:"lease_seconds" envconfig:"POSTBOX_OUTBOX_LEASE_SECONDS"`
	SendTimeoutSeconds  int    `json:"send_timeout_seconds" envconfig:"POSTBOX_OUTBOX_SEND_TIMEOUT_SECONDS"`
	PollIntervalSeconds int    `json:"poll_interval_seconds" envconfig:"POSTBOX_OUTBOX_POLL_INTERVAL_SECONDS"`
	WriteBackRetries    *int   `json:"write_back_retries" envconfig:"POSTBOX_OUTBOX_WRITE_BACK_RETRIES"`
	Schedule            string `json:"schedule" envconfig:"POSTBOX_OUTBOX_SCHEDULE"`
	EnablePoller        bool   `json:"enable_poller" envconfig:"POSTBOX_OUTBOX_ENABLE_POLLER"`
	PollerLock          bool   `json:"poller_lock" envconfig:"POSTBOX_OUTBOX_POLLER_LOCK"`
	ListenNotify        bool   `json:"listen_notify" envconfig:"POSTBOX_OUTBOX_LISTEN_NOTIFY"`
}

func (o OutboxConfig) Lease() time.Duration {
	return time.Duration(o.LeaseSeconds) * time.Second
}

func (o OutboxConfig) SendTimeout() time.Duration {
	return time.Duration(o.SendTimeoutSeconds) * time.Second
}

func (o OutboxConfig) PollInterval() time.Duration {
	return time.Duration(o.PollIntervalSeconds) * time.Second
}

type SMTPConfig struct {
	Host     string `json:"host" envconfig:"POSTBOX_SMTP_HOST"`
	Port     int    `json:"port" envconfig:"POSTBOX_SMTP_PORT"`
	Username string `json:"username" envconfig:"POSTBOX_SMTP_USERNAME"`
	Password string `json:"password" envconfig:"POSTBOX_SMTP_PASSWORD"`
}

type EmailConfig struct {
	Provider        string     `json:"provider" envconfig:"POSTBOX_EMAIL_PROVIDER"`
	BaseURL         string     `json:"base_url" envconfig:"POSTBOX_EMAIL_BASE_URL"`
	APIKey          string     `json:"api_key" envconfig:"POSTBOX_EMAIL_API_KEY"`
	From            string     `json:"from" envconfig:"POSTBOX_EMAIL_FROM"`
	IdempotencyKeys bool       `json:"idempotency_keys" envconfig:"POSTBOX_EMAIL_IDEMPOTENCY_KEYS"`
	SMTP            SMTPConfig `json:"smtp"`
}

type QueueConfig struct {
	DispatchQueue  string `json:"dispatch_queue" envconfig:"POSTBOX_QUEUE_DISPATCH_QUEUE"`
	WebhookQueue   string `json:"webhook_queue" envconfig:"POSTBOX_QUEUE_WEBHOOK_QUEUE"`
	MonitoringPort string `json:"monitoring_port" envconfig:"POSTBOX_QUEUE_MONITORING_PORT"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"POSTBOX_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"POSTBOX_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"POSTBOX_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"POSTBOX_SLACK_WEBHOOK_URL"`
}

type WebhookConfig struct {
	Url     string            `json:"url" envconfig:"POSTBOX_WEBHOOK_URL"`
	Headers map[string]string `json:"headers"`
}

type Notification struct {
	Slack   SlackWebhook  `json:"slack"`
	Webhook WebhookConfig `json:"webhook"`
}

type Configuration struct {
	ProjectName     string           `json:"project_name" envconfig:"POSTBOX_PROJECT_NAME"`
	EnableTelemetry bool             `json:"enable_telemetry" envconfig:"POSTBOX_ENABLE_TELEMETRY"`
	Server          ServerConfig     `json:"server"`
	DataSource      DataSourceConfig `json:"data_source"`
	Redis           RedisConfig      `json:"redis"`
	Outbox          OutboxConfig     `json:"outbox"`
	Email           EmailConfig      `json:"email"`
	Queue           QueueConfig      `json:"queue"`
	Notification    Notification     `json:"notification"`
	RateLimit       RateLimitConfig  `json:"rate_limit"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("postbox", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called postbox.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Postbox"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.Email.Provider = strings.ToLower(strings.TrimSpace(cnf.Email.Provider))
	cnf.Email.From = strings.TrimSpace(cnf.Email.From)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if err := cnf.Outbox.addDefaults(); err != nil {
		return err
	}

	if err := cnf.Email.validate(); err != nil {
		return err
	}

	if cnf.Queue.DispatchQueue == "" {
		cnf.Queue.DispatchQueue = DEFAULT_DISPATCH_QUEUE
	}
	if cnf.Queue.WebhookQueue == "" {
		cnf.Queue.WebhookQueue = DEFAULT_WEBHOOK_QUEUE
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = DEFAULT_MONITORING_PORT
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

func (o *OutboxConfig) addDefaults() error {
	if o.BatchSize < 0 || o.MaxAttempts < 0 || o.MaxWorkers < 0 {
		return errors.New("outbox batch size, max attempts and max workers cannot be negative")
	}
	if o.BatchSize == 0 {
		o.BatchSize = DEFAULT_BATCH_SIZE
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = DEFAULT_MAX_ATTEMPTS
	}
	if o.MaxWorkers == 0 {
		o.MaxWorkers = 1
	}
	if o.LeaseSeconds <= 0 {
		o.LeaseSeconds = DEFAULT_LEASE_SECONDS
	}
	if o.SendTimeoutSeconds <= 0 {
		o.SendTimeoutSeconds = DEFAULT_SEND_TIMEOUT
	}
	// a send that outlives its lease can be reclaimed by another run mid-flight
	if o.SendTimeoutSeconds >= o.LeaseSeconds {
		log.Printf("Warning: send timeout (%ds) is not below the claim lease (%ds). Setting lease to %ds", o.SendTimeoutSeconds, o.LeaseSeconds, o.SendTimeoutSeconds*2)
		o.LeaseSeconds = o.SendTimeoutSeconds * 2
	}
	if o.PollIntervalSeconds <= 0 {
		o.PollIntervalSeconds = DEFAULT_POLL_INTERVAL
	}
	if o.WriteBackRetries == nil {
		retries := DEFAULT_WRITE_BACK_RETRIES
		o.WriteBackRetries = &retries
	}
	o.Schedule = strings.TrimSpace(o.Schedule)
	if o.Schedule == "" {
		o.Schedule = DEFAULT_SCHEDULE
	}
	return nil
}

func (e *EmailConfig) validate() error {
	switch e.Provider {
	case "":
		e.Provider = "http"
	case "http", "smtp":
	default:
		return errors.New("email provider must be one of: http, smtp")
	}
	if e.BaseURL == "" {
		e.BaseURL = DEFAULT_EMAIL_BASE_URL
	}
	e.BaseURL = strings.TrimRight(strings.TrimSpace(e.BaseURL), "/")
	if e.Provider == "smtp" && e.SMTP.Host == "" {
		return errors.New("smtp host is required when email provider is smtp")
	}
	if e.SMTP.Port == 0 {
		e.SMTP.Port = 587
	}
	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}

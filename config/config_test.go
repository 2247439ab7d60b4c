package config

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAndAddDefaults(t *testing.T) {
	// Test case with empty ProjectName and DataSource DNS
	cnf := Configuration{
		ProjectName: "",
		DataSource: DataSourceConfig{
			Dns: "",
		},
		Redis: RedisConfig{
			Dns: "localhost:6379",
		},
	}

	err := cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "data source DNS is required" {
		t.Errorf("Expected data source DNS required error, got %v", err)
	}
	cnf = Configuration{
		ProjectName: "",
		DataSource: DataSourceConfig{
			Dns: "postgres://localhost:5432",
		},
		Redis: RedisConfig{
			Dns: "",
		},
	}

	err = cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "redis DNS is required" {
		t.Errorf("Expected redis DNS required error, got %v", err)
	}

	cnf = Configuration{
		ProjectName: "Test Project",
		DataSource: DataSourceConfig{
			Dns: "some-dns",
		},
		Redis: RedisConfig{
			Dns: "localhost:6379",
		},
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if cnf.Server.Port != DEFAULT_PORT {
		t.Errorf("Expected default port %s, got %s", DEFAULT_PORT, cnf.Server.Port)
	}
}

func TestOutboxDefaults(t *testing.T) {
	cnf := Configuration{
		DataSource: DataSourceConfig{Dns: "postgres://localhost:5432/postbox"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
	}
	require.NoError(t, cnf.validateAndAddDefaults())

	assert.Equal(t, 20, cnf.Outbox.BatchSize)
	assert.Equal(t, 5, cnf.Outbox.MaxAttempts)
	assert.Equal(t, 1, cnf.Outbox.MaxWorkers)
	assert.Equal(t, 5*time.Minute, cnf.Outbox.Lease())
	assert.Equal(t, 30*time.Second, cnf.Outbox.SendTimeout())
	assert.Equal(t, time.Minute, cnf.Outbox.PollInterval())
	require.NotNil(t, cnf.Outbox.WriteBackRetries)
	assert.Equal(t, 3, *cnf.Outbox.WriteBackRetries)
	assert.Equal(t, "@every 1m", cnf.Outbox.Schedule)
	assert.Equal(t, "http", cnf.Email.Provider)
	assert.Equal(t, DEFAULT_EMAIL_BASE_URL, cnf.Email.BaseURL)
	assert.Equal(t, DEFAULT_DISPATCH_QUEUE, cnf.Queue.DispatchQueue)
	assert.Equal(t, DEFAULT_WEBHOOK_QUEUE, cnf.Queue.WebhookQueue)
}

func TestOutboxDefaults_ZeroWriteBackRetriesIsKept(t *testing.T) {
	zero := 0
	cnf := Configuration{
		DataSource: DataSourceConfig{Dns: "postgres://localhost:5432/postbox"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
		Outbox:     OutboxConfig{WriteBackRetries: &zero},
	}
	require.NoError(t, cnf.validateAndAddDefaults())
	assert.Equal(t, 0, *cnf.Outbox.WriteBackRetries)
}

func TestOutboxDefaults_LeaseOutlivesSendTimeout(t *testing.T) {
	cnf := Configuration{
		DataSource: DataSourceConfig{Dns: "postgres://localhost:5432/postbox"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
		Outbox:     OutboxConfig{LeaseSeconds: 10, SendTimeoutSeconds: 20},
	}
	require.NoError(t, cnf.validateAndAddDefaults())
	assert.Equal(t, 40, cnf.Outbox.LeaseSeconds)
}

func TestOutboxDefaults_NegativeValues(t *testing.T) {
	cnf := Configuration{
		DataSource: DataSourceConfig{Dns: "postgres://localhost:5432/postbox"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
		Outbox:     OutboxConfig{BatchSize: -1},
	}
	assert.Error(t, cnf.validateAndAddDefaults())
}

func TestEmailProviderValidation(t *testing.T) {
	tests := []struct {
		name    string
		email   EmailConfig
		wantErr bool
	}{
		{name: "default provider", email: EmailConfig{}, wantErr: false},
		{name: "http provider", email: EmailConfig{Provider: "HTTP"}, wantErr: false},
		{name: "smtp without host", email: EmailConfig{Provider: "smtp"}, wantErr: true},
		{name: "smtp with host", email: EmailConfig{Provider: "smtp", SMTP: SMTPConfig{Host: "smtp.example.com"}}, wantErr: false},
		{name: "unknown provider", email: EmailConfig{Provider: "pigeon"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cnf := Configuration{
				DataSource: DataSourceConfig{Dns: "postgres://localhost:5432/postbox"},
				Redis:      RedisConfig{Dns: "localhost:6379"},
				Email:      tt.email,
			}
			err := cnf.validateAndAddDefaults()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "postbox.json")
	if err != nil {
		t.Fatalf("Unable to create temporary file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	sampleConfig := Configuration{
		ProjectName: "Temp Project",
		DataSource: DataSourceConfig{
			Dns: "temp-dns",
		},
		Redis: RedisConfig{
			Dns: "temp-redis",
		},
		Outbox: OutboxConfig{BatchSize: 50},
	}
	if err := json.NewEncoder(tmpFile).Encode(sampleConfig); err != nil {
		t.Fatalf("Unable to write to temporary file: %v", err)
	}
	tmpFile.Close()

	t.Setenv("POSTBOX_PROJECT_NAME", "Env Project")
	t.Setenv("POSTBOX_OUTBOX_MAX_ATTEMPTS", "7")

	if err := loadConfigFromFile(tmpFile.Name()); err != nil {
		t.Fatalf("loadConfigFromFile failed: %v", err)
	}

	loadedConfig, err := Fetch()
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	assert.Equal(t, "Env Project", loadedConfig.ProjectName)
	assert.Equal(t, "temp-dns", loadedConfig.DataSource.Dns)
	assert.Equal(t, 50, loadedConfig.Outbox.BatchSize)
	assert.Equal(t, 7, loadedConfig.Outbox.MaxAttempts)
}

func TestInitConfig(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "postbox.json")
	if err != nil {
		t.Fatalf("Unable to create temporary file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	sampleConfig := Configuration{
		ProjectName: "InitConfig Test",
		DataSource: DataSourceConfig{
			Dns: "init-config-dns",
		}, Redis: RedisConfig{
			Dns: "localhost:6379",
		},
	}
	if err := json.NewEncoder(tmpFile).Encode(sampleConfig); err != nil {
		t.Fatalf("Unable to write to temporary file: %v", err)
	}
	tmpFile.Close()

	if err := InitConfig(tmpFile.Name()); err != nil {
		t.Fatalf("InitConfig failed: %v", err)
	}

	loadedConfig, err := Fetch()
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if loadedConfig.ProjectName != "InitConfig Test" {
		t.Errorf("Expected ProjectName to be 'InitConfig Test', got '%s'", loadedConfig.ProjectName)
	}
	if loadedConfig.DataSource.Dns != "init-config-dns" {
		t.Errorf("Expected DataSource.Dns to be 'init-config-dns', got '%s'", loadedConfig.DataSource.Dns)
	}
}

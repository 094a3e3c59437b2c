package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
mongodb:
  host: localhost
  port: 27017
  db_name: dspider_test
rabbitmq:
  host: localhost
  port: 5672
  username: guest
  password: guest
minio:
  host: localhost
  port: 9000
`

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCurrentEnv(t *testing.T) {
	tests := []struct {
		value string
		want  string
	}{
		{"dev", "dev"},
		{"test", "test"},
		{"prod", "prod"},
		{"staging", "dev"},
		{"", "dev"},
	}
	for _, tt := range tests {
		t.Run("env="+tt.value, func(t *testing.T) {
			t.Setenv(EnvVarName, tt.value)
			assert.Equal(t, tt.want, CurrentEnv())
		})
	}
}

func TestLoadConfigPicksEnvFile(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "dev.yaml", minimalYAML)
	writeConfig(t, dir, "prod.yaml", minimalYAML)
	t.Setenv(EnvVarName, "prod")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "dspider_test", cfg.MongoDB.DBName)
}

func TestLoadConfigMissingEnvFile(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "dev.yaml", minimalYAML)
	t.Setenv(EnvVarName, "prod")

	_, err := LoadConfig(dir)
	require.Error(t, err)
	assert.Equal(t, KindConfig, KindOf(err))
}

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "dev.yaml", minimalYAML)
	t.Setenv(EnvVarName, "dev")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "task_queue", cfg.Master.TaskQueue)
	assert.Equal(t, 50, cfg.Master.TaskBatchSize)
	assert.Equal(t, 10*time.Second, cfg.Master.PollingInterval)
	assert.Equal(t, 5, cfg.Master.MaxConsecFails)
	assert.Equal(t, cfg.Master.TaskQueue, cfg.Worker.TaskQueue)
	assert.Equal(t, "list", cfg.Worker.SpiderName)
	assert.Equal(t, 1, cfg.Worker.PrefetchCount)
	assert.Equal(t, 5*time.Second, cfg.Worker.PageDelay)
	assert.Equal(t, "spider_results", cfg.Worker.ResultQueue)
	assert.Equal(t, "crawl_result", cfg.Processor.CollectionName)
	assert.Equal(t, "cookie_tasks", cfg.Cookies.Queue)
	assert.Equal(t, 40*time.Second, cfg.Cookies.BrowserTimeout)
	assert.Equal(t, "spider-results", cfg.Minio.Bucket)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfigFileJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "test.json", `{
		"mongodb": {"host": "db", "port": 27017, "db_name": "d"},
		"rabbitmq": {"host": "mq", "port": 5672},
		"minio": {"host": "s3", "port": 9000}
	}`)

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, "db", cfg.MongoDB.Host)
	assert.Equal(t, "mq", cfg.RabbitMQ.Host)
}

func TestLoadConfigFileValidation(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "dev.yaml", `
mongodb:
  host: localhost
  port: 99999
  db_name: d
rabbitmq:
  host: localhost
  port: 5672
minio:
  host: localhost
  port: 9000
`)

	_, err := LoadConfigFile(path)
	require.Error(t, err)
	assert.Equal(t, KindConfig, KindOf(err))
}

func TestMongoURIEscapesCredentials(t *testing.T) {
	cfg := MongoConfig{Host: "h", Port: 27017, Username: "user", Password: "p@ss/word", DBName: "d"}
	uri := cfg.URI()
	assert.Contains(t, uri, "p%40ss%2Fword")
	assert.NotContains(t, uri, "p@ss/word")
}

func TestRabbitURLDefaultVhost(t *testing.T) {
	cfg := RabbitConfig{Host: "h", Port: 5672, Username: "u", Password: "p"}
	assert.Equal(t, "amqp://u:p@h:5672/%2F", cfg.URL())
}

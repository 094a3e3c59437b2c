package common

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment selection. DSPIDER_ENV picks the config file under the config
// directory; unknown values fall back to dev.
const (
	EnvVarName     = "DSPIDER_ENV"
	DefaultEnv     = "dev"
	DefaultConfDir = "config"
)

var supportedEnvs = map[string]bool{"dev": true, "test": true, "prod": true}

// Config is the full node configuration. One file configures every node
// role; each binary reads only the sections it needs.
type Config struct {
	MongoDB   MongoConfig     `yaml:"mongodb" json:"mongodb"`
	RabbitMQ  RabbitConfig    `yaml:"rabbitmq" json:"rabbitmq"`
	Minio     MinioConfig     `yaml:"minio" json:"minio"`
	Master    MasterConfig    `yaml:"master" json:"master"`
	Worker    WorkerConfig    `yaml:"worker" json:"worker"`
	Processor ProcessorConfig `yaml:"processor" json:"processor"`
	Cookies   CookiesConfig   `yaml:"cookies" json:"cookies"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

type MongoConfig struct {
	Host     string `yaml:"host" json:"host" validate:"required"`
	Port     int    `yaml:"port" json:"port" validate:"required,min=1,max=65535"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	DBName   string `yaml:"db_name" json:"db_name" validate:"required"`
}

// URI renders the mongodb connection string. Credentials are URL-escaped so
// passwords with reserved characters survive.
func (m MongoConfig) URI() string {
	if m.Username != "" {
		return fmt.Sprintf("mongodb://%s:%s@%s:%d",
			url.QueryEscape(m.Username), url.QueryEscape(m.Password), m.Host, m.Port)
	}
	return fmt.Sprintf("mongodb://%s:%d", m.Host, m.Port)
}

type RabbitConfig struct {
	Host        string `yaml:"host" json:"host" validate:"required"`
	Port        int    `yaml:"port" json:"port" validate:"required,min=1,max=65535"`
	Username    string `yaml:"username" json:"username"`
	Password    string `yaml:"password" json:"password"`
	VirtualHost string `yaml:"virtual_host" json:"virtual_host"`
}

func (r RabbitConfig) URL() string {
	vhost := r.VirtualHost
	if vhost == "" {
		vhost = "/"
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s",
		url.QueryEscape(r.Username), url.QueryEscape(r.Password), r.Host, r.Port,
		url.PathEscape(vhost))
}

type MinioConfig struct {
	Host      string `yaml:"host" json:"host" validate:"required"`
	Port      int    `yaml:"port" json:"port" validate:"required,min=1,max=65535"`
	AccessKey string `yaml:"access_key" json:"access_key"`
	SecretKey string `yaml:"secret_key" json:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl" json:"use_ssl"`
	Bucket    string `yaml:"bucket" json:"bucket"`
}

func (m MinioConfig) Endpoint() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

type MasterConfig struct {
	TaskQueue       string        `yaml:"task_queue" json:"task_queue"`
	ExchangeName    string        `yaml:"exchange_name" json:"exchange_name"`
	RoutingKey      string        `yaml:"routing_key" json:"routing_key"`
	TaskBatchSize   int           `yaml:"task_batch_size" json:"task_batch_size" validate:"min=1"`
	PollingInterval time.Duration `yaml:"polling_interval" json:"polling_interval"`
	MaxConsecFails  int           `yaml:"max_consecutive_failures" json:"max_consecutive_failures"`
}

type ProxyConfig struct {
	FreeAPIURL string `yaml:"free_api_url" json:"free_api_url"`
	PaidAPIURL string `yaml:"paid_api_url" json:"paid_api_url"`
}

type WorkerConfig struct {
	TaskQueue        string        `yaml:"task_queue" json:"task_queue"`
	SpiderName       string        `yaml:"spider_name" json:"spider_name"`
	ResultExchange   string        `yaml:"result_exchange" json:"result_exchange"`
	ResultRoutingKey string        `yaml:"result_routing_key" json:"result_routing_key"`
	ResultQueue      string        `yaml:"result_queue" json:"result_queue"`
	PrefetchCount    int           `yaml:"prefetch_count" json:"prefetch_count" validate:"min=1"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
	PageDelay        time.Duration `yaml:"page_delay" json:"page_delay"`
	Proxy            ProxyConfig   `yaml:"proxy" json:"proxy"`
}

type ProcessorConfig struct {
	ResultQueue    string        `yaml:"result_queue" json:"result_queue"`
	ExchangeName   string        `yaml:"exchange_name" json:"exchange_name"`
	RoutingKey     string        `yaml:"routing_key" json:"routing_key"`
	CollectionName string        `yaml:"collection_name" json:"collection_name"`
	BatchSize      int           `yaml:"batch_size" json:"batch_size" validate:"min=1"`
	FlushInterval  time.Duration `yaml:"flush_interval" json:"flush_interval"`
}

type CookiesConfig struct {
	Queue          string        `yaml:"queue" json:"queue"`
	UpdateInterval time.Duration `yaml:"update_interval" json:"update_interval"`
	CronSchedule   string        `yaml:"cron_schedule" json:"cron_schedule"`
	BrowserTimeout time.Duration `yaml:"browser_timeout" json:"browser_timeout"`
	Headless       bool          `yaml:"headless" json:"headless"`
	UserAgent      string        `yaml:"user_agent" json:"user_agent"`
}

type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
}

// CurrentEnv resolves the active environment from DSPIDER_ENV.
func CurrentEnv() string {
	env := os.Getenv(EnvVarName)
	if supportedEnvs[env] {
		return env
	}
	return DefaultEnv
}

// LoadConfig reads config/<env>.{yaml,yml,json}, applies defaults and
// validates. The config directory defaults to ./config when dir is empty.
func LoadConfig(dir string) (*Config, error) {
	if dir == "" {
		dir = DefaultConfDir
	}
	env := CurrentEnv()

	var path string
	for _, ext := range []string{".yaml", ".yml", ".json"} {
		candidate := filepath.Join(dir, env+ext)
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
			break
		}
	}
	if path == "" {
		return nil, E(KindConfig, fmt.Sprintf("no config file for environment %q under %s", env, dir))
	}
	return LoadConfigFile(path)
}

// LoadConfigFile reads one explicit YAML or JSON config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Wrap(KindConfig, "read config file", err)
	}

	cfg := &Config{}
	switch filepath.Ext(path) {
	case ".json":
		err = json.Unmarshal(data, cfg)
	default:
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, Wrap(KindConfig, fmt.Sprintf("parse %s", path), err)
	}

	cfg.applyDefaults()
	if err := validator.New().Struct(cfg); err != nil {
		return nil, Wrap(KindConfig, fmt.Sprintf("validate %s", path), err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.MongoDB.DBName == "" {
		c.MongoDB.DBName = "dspider"
	}
	if c.Minio.Bucket == "" {
		c.Minio.Bucket = "spider-results"
	}
	if c.Master.TaskQueue == "" {
		c.Master.TaskQueue = "task_queue"
	}
	if c.Master.TaskBatchSize == 0 {
		c.Master.TaskBatchSize = 50
	}
	if c.Master.PollingInterval == 0 {
		c.Master.PollingInterval = 10 * time.Second
	}
	if c.Master.MaxConsecFails == 0 {
		c.Master.MaxConsecFails = 5
	}
	if c.Worker.TaskQueue == "" {
		c.Worker.TaskQueue = c.Master.TaskQueue
	}
	if c.Worker.SpiderName == "" {
		c.Worker.SpiderName = "list"
	}
	if c.Worker.PrefetchCount == 0 {
		c.Worker.PrefetchCount = 1
	}
	if c.Worker.Timeout == 0 {
		c.Worker.Timeout = 30 * time.Second
	}
	if c.Worker.PageDelay == 0 {
		c.Worker.PageDelay = 5 * time.Second
	}
	if c.Worker.ResultQueue == "" {
		c.Worker.ResultQueue = "spider_results"
	}
	if c.Processor.ResultQueue == "" {
		c.Processor.ResultQueue = c.Worker.ResultQueue
	}
	if c.Processor.CollectionName == "" {
		c.Processor.CollectionName = "crawl_result"
	}
	if c.Processor.BatchSize == 0 {
		c.Processor.BatchSize = 50
	}
	if c.Processor.FlushInterval == 0 {
		c.Processor.FlushInterval = 10 * time.Second
	}
	if c.Cookies.Queue == "" {
		c.Cookies.Queue = "cookie_tasks"
	}
	if c.Cookies.UpdateInterval == 0 {
		c.Cookies.UpdateInterval = time.Hour
	}
	if c.Cookies.BrowserTimeout == 0 {
		c.Cookies.BrowserTimeout = 40 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

package util

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

const Name = "stegofed"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host      string
		HttpPort  int    `yaml:"httpPort"`
		SslDomain string `yaml:"sslDomain"`
		WithAp    bool   `yaml:"withAp"`
		Closed    bool   `yaml:"closed"`
		DbPath    string `yaml:"dbPath"`
		LogLevel  string `yaml:"logLevel"`
	}
	Federation FederationConf `yaml:"federation"`
}

// FederationConf tunes the inbox and delivery pipelines.
type FederationConf struct {
	DeliverConcurrency int           `yaml:"deliverConcurrency"`
	DeliverMaxAttempts int           `yaml:"deliverMaxAttempts"`
	DeliverTimeout     time.Duration `yaml:"deliverTimeout"`
	InboxConcurrency   int           `yaml:"inboxConcurrency"`
	InboxMaxAttempts   int           `yaml:"inboxMaxAttempts"`
	InboxTimeout       time.Duration `yaml:"inboxTimeout"`
	PollInterval       time.Duration `yaml:"pollInterval"`
	DeadHostAfter      time.Duration `yaml:"deadHostAfter"`
	BlockedHosts       []string      `yaml:"blockedHosts"`
	ActorCacheTTL      time.Duration `yaml:"actorCacheTtl"`
	FanoutLimit        int           `yaml:"fanoutLimit"`
	SignedFetch        bool          `yaml:"signedFetch"`
	DateWindow         time.Duration `yaml:"dateWindow"`
}

func ReadConf() (*AppConfig, error) {
	c := &AppConfig{}

	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		log.Info("Config file not found, using embedded defaults", "path", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			if writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644); writeErr != nil {
				log.Warn("Could not write default config", "path", userConfigPath, "err", writeErr)
			} else {
				log.Info("Created default config file", "path", userConfigPath)
			}
		}
	}

	if err = yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	c.applyEnv()
	c.applyDefaults()
	return c, nil
}

func (c *AppConfig) applyEnv() {
	if v := os.Getenv("STEGOFED_HOST"); v != "" {
		c.Conf.Host = v
	}
	if v := os.Getenv("STEGOFED_HTTPPORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Conf.HttpPort = port
		} else {
			log.Warn("Ignoring invalid STEGOFED_HTTPPORT", "value", v)
		}
	}
	if v := os.Getenv("STEGOFED_SSLDOMAIN"); v != "" {
		c.Conf.SslDomain = v
	}
	if os.Getenv("STEGOFED_WITH_AP") == "true" {
		c.Conf.WithAp = true
	}
	if os.Getenv("STEGOFED_CLOSED") == "true" {
		c.Conf.Closed = true
	}
	if v := os.Getenv("STEGOFED_DB_PATH"); v != "" {
		c.Conf.DbPath = v
	}
	if v := os.Getenv("STEGOFED_LOG_LEVEL"); v != "" {
		c.Conf.LogLevel = v
	}
	if v := os.Getenv("STEGOFED_BLOCKED_HOSTS"); v != "" {
		for _, h := range strings.Split(v, ",") {
			if h = strings.TrimSpace(h); h != "" {
				c.Federation.BlockedHosts = append(c.Federation.BlockedHosts, h)
			}
		}
	}
	if v := os.Getenv("STEGOFED_DELIVER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Federation.DeliverConcurrency = n
		}
	}
	if v := os.Getenv("STEGOFED_INBOX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Federation.InboxConcurrency = n
		}
	}
}

func (c *AppConfig) applyDefaults() {
	if c.Conf.HttpPort == 0 {
		c.Conf.HttpPort = 9999
	}
	if c.Conf.DbPath == "" {
		c.Conf.DbPath = "database.db"
	}
	if c.Conf.LogLevel == "" {
		c.Conf.LogLevel = "info"
	}

	f := &c.Federation
	if f.DeliverConcurrency <= 0 {
		f.DeliverConcurrency = 8
	}
	if f.DeliverMaxAttempts <= 0 {
		f.DeliverMaxAttempts = 12
	}
	if f.DeliverTimeout <= 0 {
		f.DeliverTimeout = time.Minute
	}
	if f.InboxConcurrency <= 0 {
		f.InboxConcurrency = 16
	}
	if f.InboxMaxAttempts <= 0 {
		f.InboxMaxAttempts = 8
	}
	if f.InboxTimeout <= 0 {
		f.InboxTimeout = time.Minute
	}
	if f.PollInterval <= 0 {
		f.PollInterval = 2 * time.Second
	}
	if f.DeadHostAfter <= 0 {
		f.DeadHostAfter = 7 * 24 * time.Hour
	}
	if f.ActorCacheTTL <= 0 {
		f.ActorCacheTTL = 15 * time.Minute
	}
	if f.FanoutLimit <= 0 {
		f.FanoutLimit = 2
	}
	if f.DateWindow <= 0 {
		f.DateWindow = time.Hour
	}
}

// NewLogger returns a prefixed logger honouring the configured level.
func (c *AppConfig) NewLogger(prefix string) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          prefix,
	})
	level, err := log.ParseLevel(c.Conf.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

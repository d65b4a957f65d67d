package util

import (
	"os"
	"testing"
	"time"
)

func TestConfigConstants(t *testing.T) {
	if Name != "stegofed" {
		t.Errorf("Expected Name 'stegofed', got '%s'", Name)
	}

	if ConfigFileName != "config.yaml" {
		t.Errorf("Expected ConfigFileName 'config.yaml', got '%s'", ConfigFileName)
	}
}

func TestReadConfWithYaml(t *testing.T) {
	yamlContent := `
conf:
  host: 127.0.0.1
  httpPort: 9999
  sslDomain: example.com
  withAp: true
federation:
  deliverConcurrency: 3
  deliverMaxAttempts: 5
  deliverTimeout: 15s
  inboxConcurrency: 7
  blockedHosts:
    - spam.example
    - evil.example
  deadHostAfter: 48h
`
	if err := os.WriteFile("config.yaml", []byte(yamlContent), 0644); err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}
	defer os.Remove("config.yaml")

	config, err := ReadConf()
	if err != nil {
		t.Fatalf("ReadConf failed: %v", err)
	}

	if config.Conf.Host != "127.0.0.1" {
		t.Errorf("Expected Host '127.0.0.1', got '%s'", config.Conf.Host)
	}
	if config.Conf.HttpPort != 9999 {
		t.Errorf("Expected HttpPort 9999, got %d", config.Conf.HttpPort)
	}
	if config.Conf.SslDomain != "example.com" {
		t.Errorf("Expected SslDomain 'example.com', got '%s'", config.Conf.SslDomain)
	}
	if !config.Conf.WithAp {
		t.Error("Expected WithAp to be true")
	}

	f := config.Federation
	if f.DeliverConcurrency != 3 {
		t.Errorf("Expected DeliverConcurrency 3, got %d", f.DeliverConcurrency)
	}
	if f.DeliverMaxAttempts != 5 {
		t.Errorf("Expected DeliverMaxAttempts 5, got %d", f.DeliverMaxAttempts)
	}
	if f.DeliverTimeout != 15*time.Second {
		t.Errorf("Expected DeliverTimeout 15s, got %v", f.DeliverTimeout)
	}
	if f.InboxConcurrency != 7 {
		t.Errorf("Expected InboxConcurrency 7, got %d", f.InboxConcurrency)
	}
	if len(f.BlockedHosts) != 2 || f.BlockedHosts[0] != "spam.example" {
		t.Errorf("Expected two blocked hosts, got %v", f.BlockedHosts)
	}
	if f.DeadHostAfter != 48*time.Hour {
		t.Errorf("Expected DeadHostAfter 48h, got %v", f.DeadHostAfter)
	}
}

func TestReadConfDefaults(t *testing.T) {
	yamlContent := `
conf:
  sslDomain: example.com
`
	if err := os.WriteFile("config.yaml", []byte(yamlContent), 0644); err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}
	defer os.Remove("config.yaml")

	config, err := ReadConf()
	if err != nil {
		t.Fatalf("ReadConf failed: %v", err)
	}

	f := config.Federation
	if f.DeliverConcurrency != 8 || f.InboxConcurrency != 16 {
		t.Errorf("Expected default concurrency 8/16, got %d/%d", f.DeliverConcurrency, f.InboxConcurrency)
	}
	if f.DeliverMaxAttempts != 12 {
		t.Errorf("Expected default DeliverMaxAttempts 12, got %d", f.DeliverMaxAttempts)
	}
	if f.FanoutLimit != 2 {
		t.Errorf("Expected default FanoutLimit 2, got %d", f.FanoutLimit)
	}
	if config.Conf.DbPath != "database.db" {
		t.Errorf("Expected default DbPath 'database.db', got '%s'", config.Conf.DbPath)
	}
}

func TestReadConfWithEnvOverrides(t *testing.T) {
	yamlContent := `
conf:
  host: 127.0.0.1
  httpPort: 9999
  sslDomain: example.com
  withAp: false
`
	if err := os.WriteFile("config.yaml", []byte(yamlContent), 0644); err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}
	defer os.Remove("config.yaml")

	t.Setenv("STEGOFED_HOST", "192.168.1.1")
	t.Setenv("STEGOFED_HTTPPORT", "8080")
	t.Setenv("STEGOFED_SSLDOMAIN", "test.example.com")
	t.Setenv("STEGOFED_WITH_AP", "true")
	t.Setenv("STEGOFED_BLOCKED_HOSTS", "a.example, b.example")
	t.Setenv("STEGOFED_DELIVER_CONCURRENCY", "2")

	config, err := ReadConf()
	if err != nil {
		t.Fatalf("ReadConf failed: %v", err)
	}

	if config.Conf.Host != "192.168.1.1" {
		t.Errorf("Expected Host '192.168.1.1' from env, got '%s'", config.Conf.Host)
	}
	if config.Conf.HttpPort != 8080 {
		t.Errorf("Expected HttpPort 8080 from env, got %d", config.Conf.HttpPort)
	}
	if config.Conf.SslDomain != "test.example.com" {
		t.Errorf("Expected SslDomain 'test.example.com' from env, got '%s'", config.Conf.SslDomain)
	}
	if !config.Conf.WithAp {
		t.Error("Expected WithAp to be true from env")
	}
	if len(config.Federation.BlockedHosts) != 2 || config.Federation.BlockedHosts[1] != "b.example" {
		t.Errorf("Expected blocked hosts from env, got %v", config.Federation.BlockedHosts)
	}
	if config.Federation.DeliverConcurrency != 2 {
		t.Errorf("Expected DeliverConcurrency 2 from env, got %d", config.Federation.DeliverConcurrency)
	}
}

func TestReadConfInvalidPortEnvKeepsYaml(t *testing.T) {
	yamlContent := `
conf:
  httpPort: 9999
  sslDomain: example.com
`
	if err := os.WriteFile("config.yaml", []byte(yamlContent), 0644); err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}
	defer os.Remove("config.yaml")

	t.Setenv("STEGOFED_HTTPPORT", "not_a_number")

	config, err := ReadConf()
	if err != nil {
		t.Fatalf("ReadConf failed: %v", err)
	}
	if config.Conf.HttpPort != 9999 {
		t.Errorf("Expected HttpPort 9999 from YAML, got %d", config.Conf.HttpPort)
	}
}

func TestReadConfInvalidYaml(t *testing.T) {
	invalidYaml := `
conf:
  host: 127.0.0.1
  httpPort: not_a_number
  invalid yaml structure
`
	if err := os.WriteFile("config.yaml", []byte(invalidYaml), 0644); err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}
	defer os.Remove("config.yaml")

	if _, err := ReadConf(); err == nil {
		t.Error("Expected error when parsing invalid YAML")
	}
}

func TestNewLogger(t *testing.T) {
	config := &AppConfig{}
	config.Conf.LogLevel = "debug"

	logger := config.NewLogger("Test")
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}
	if logger.GetPrefix() != "Test" {
		t.Errorf("Expected prefix 'Test', got '%s'", logger.GetPrefix())
	}
}

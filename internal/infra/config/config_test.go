package config

import (
	"testing"
	"time"

	"github.com/gocql/gocql"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("SCYLLA_HOSTS", "scylla1,scylla2")
	t.Setenv("SCYLLA_KEYSPACE", "staysync_test")
	t.Setenv("MONGO_URI", "mongodb://localhost:27017")
	t.Setenv("KAFKA_BROKERS", "kafka1:9092, kafka2:9092")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.WSPath != "/ws" {
		t.Errorf("unexpected http defaults: %s %s", cfg.HTTPAddr, cfg.WSPath)
	}
	if len(cfg.ScyllaHosts) != 2 || cfg.ScyllaHosts[1] != "scylla2" {
		t.Errorf("hosts = %v", cfg.ScyllaHosts)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "kafka2:9092" {
		t.Errorf("brokers not trimmed: %v", cfg.KafkaBrokers)
	}
	if cfg.BookingTopic != "booking.events.v1" {
		t.Errorf("booking topic = %s", cfg.BookingTopic)
	}
	if cfg.ScyllaConsistency != gocql.Quorum {
		t.Errorf("consistency = %v, want quorum", cfg.ScyllaConsistency)
	}
	if cfg.MediaURLTTL != 15*time.Minute {
		t.Errorf("media ttl = %s", cfg.MediaURLTTL)
	}
	if cfg.S3PublicEndpoint != cfg.S3Endpoint {
		t.Errorf("public endpoint should default to endpoint, got %s", cfg.S3PublicEndpoint)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	setRequired(t)
	t.Setenv("MONGO_URI", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error without MONGO_URI")
	}
}

func TestLoad_InvalidConsistency(t *testing.T) {
	setRequired(t)
	t.Setenv("SCYLLA_CONSISTENCY", "three")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unsupported consistency")
	}
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("SCYLLA_CONSISTENCY", "local_quorum")
	t.Setenv("SCYLLA_TIMEOUT", "750ms")
	t.Setenv("S3_USE_SSL", "yes")
	t.Setenv("KAFKA_TOPIC_PREFIX", "stage.")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ScyllaConsistency != gocql.LocalQuorum {
		t.Errorf("consistency = %v", cfg.ScyllaConsistency)
	}
	if cfg.ScyllaTimeout != 750*time.Millisecond {
		t.Errorf("timeout = %s", cfg.ScyllaTimeout)
	}
	if !cfg.S3UseSSL {
		t.Error("S3_USE_SSL=yes not honored")
	}
	if cfg.KafkaTopicPrefix != "stage." {
		t.Errorf("prefix = %s", cfg.KafkaTopicPrefix)
	}
}

package config

import (
	"testing"
	"time"
)

func Test_Load_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load err: %v", err)
	}
	if cfg.Port != 8080 || cfg.OpsPort != 9090 {
		t.Fatalf("unexpected ports: %d %d", cfg.Port, cfg.OpsPort)
	}
	if cfg.DLQCheckInterval() != 5*time.Minute {
		t.Fatalf("dlq interval = %v, want 5m", cfg.DLQCheckInterval())
	}
	if cfg.DLQMaxRetries != 3 {
		t.Fatalf("dlq max retries = %d, want 3", cfg.DLQMaxRetries)
	}
	if cfg.PurgeCompletedTTLDays != 7 || cfg.PurgeFailedTTLDays != 30 {
		t.Fatalf("purge ttls = %d/%d, want 7/30", cfg.PurgeCompletedTTLDays, cfg.PurgeFailedTTLDays)
	}
	if cfg.ShardGroups != 3 || cfg.ShardsPerGroup != 100 {
		t.Fatalf("shard layout = %d x %d, want 3 x 100", cfg.ShardGroups, cfg.ShardsPerGroup)
	}
	if cfg.ClusterTransport != "auto" || cfg.ClusterHealthMode != "auto" {
		t.Fatalf("cluster modes = %s/%s, want auto/auto", cfg.ClusterTransport, cfg.ClusterHealthMode)
	}
	if cfg.MailboxCap != 100 {
		t.Fatalf("mailbox cap = %d, want 100", cfg.MailboxCap)
	}
	if !cfg.IsDev() || cfg.IsProd() || cfg.IsTest() {
		t.Fatalf("default env must be dev")
	}
}

func Test_Load_Overrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("JOB_DLQ_CHECK_INTERVAL_MS", "1000")
	t.Setenv("CLUSTER_TRANSPORT", "websocket")
	t.Setenv("KAFKA_BROKERS", "broker-1:9092,broker-2:9092")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load err: %v", err)
	}
	if !cfg.IsProd() {
		t.Fatalf("expected IsProd true")
	}
	if cfg.DLQCheckInterval() != time.Second {
		t.Fatalf("dlq interval = %v, want 1s", cfg.DLQCheckInterval())
	}
	if cfg.ClusterTransport != "websocket" {
		t.Fatalf("transport = %s", cfg.ClusterTransport)
	}
	if len(cfg.KafkaBrokers) != 2 {
		t.Fatalf("brokers not parsed: %+v", cfg.KafkaBrokers)
	}
}

func Test_Load_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad transport", "CLUSTER_TRANSPORT", "carrier-pigeon"},
		{"bad health mode", "CLUSTER_HEALTH_MODE", "mesos"},
		{"zero shards", "CLUSTER_SHARDS_PER_GROUP", "0"},
		{"zero mailbox", "ENTITY_MAILBOX_CAP", "0"},
		{"negative dlq retries", "JOB_DLQ_MAX_RETRIES", "-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected load to fail for %s=%s", tt.key, tt.value)
			}
		})
	}
}

func Test_AdminEnabled(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load err: %v", err)
	}
	if cfg.AdminEnabled() {
		t.Fatalf("admin must be off in prod without a token hash")
	}

	t.Setenv("ADMIN_TOKEN_HASH", "$argon2id$v=19$m=65536,t=1,p=4$c2FsdA$aGFzaA")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("reload err: %v", err)
	}
	if !cfg.AdminEnabled() {
		t.Fatalf("admin must be on when a token hash is set")
	}
}

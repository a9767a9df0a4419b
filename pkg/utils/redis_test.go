package utils

import (
	"context"
	"testing"
	"time"
)

func TestRedisConfigDefaults(t *testing.T) {
	got := RedisConfig{Addr: "localhost:6379"}.withDefaults()
	if got.DialTimeout <= 0 || got.ReadTimeout <= 0 || got.WriteTimeout <= 0 {
		t.Fatalf("expected timeouts defaulted: %+v", got)
	}
	if got.PoolSize <= 0 || got.PingTimeout <= 0 {
		t.Fatalf("expected pool and ping defaulted: %+v", got)
	}
}

func TestConcurrencyCapArgumentValidation(t *testing.T) {
	ctx := context.Background()

	if _, err := AcquireConcurrencyCap(ctx, nil, "k", 1, time.Minute); err == nil {
		t.Fatalf("expected error for nil client")
	}
	if err := ReleaseConcurrencyCap(ctx, nil, "k"); err == nil {
		t.Fatalf("expected error for nil client")
	}
	if _, err := CurrentConcurrency(ctx, nil, "k"); err == nil {
		t.Fatalf("expected error for nil client")
	}
}

func TestConcurrencyScriptsCompile(t *testing.T) {
	if concurrencyAcquireScript == nil || concurrencyReleaseScript == nil {
		t.Fatalf("expected scripts to be initialized")
	}
}

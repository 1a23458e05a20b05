package cmd

import (
	"context"
	"errors"
	"flag"
	"testing"
)

type testConfig struct {
	Address  string `env:"COURIER_CMD_TEST_ADDRESS" envDefault:"127.0.0.1:8080"`
	RedisURL string `env:"COURIER_CMD_TEST_REDIS_URL" envDefault:"redis://localhost:6379/0"`
}

func TestParseConfigReadsEnvAndFlags(t *testing.T) {
	t.Setenv("COURIER_CMD_TEST_ADDRESS", "env:9000")
	t.Setenv("COURIER_CMD_TEST_REDIS_URL", "redis://env:6379/1")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := testConfig{}
	if err := ParseConfig(&cfg); err != nil {
		t.Fatalf("load config defaults: %v", err)
	}
	fs.StringVar(&cfg.Address, "address", cfg.Address, "address")
	fs.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "redis url")

	if err := ParseArgs(fs, []string{"-address", "flag:9001"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if cfg.Address != "flag:9001" {
		t.Fatalf("expected flag value for address, got %q", cfg.Address)
	}
	if cfg.RedisURL != "redis://env:6379/1" {
		t.Fatalf("expected env value for redis url, got %q", cfg.RedisURL)
	}
}

func TestParseArgsRejectsNilParser(t *testing.T) {
	if err := ParseArgs(nil, nil); err == nil {
		t.Fatal("expected error for nil flag parser")
	}
}

func TestRunWithTelemetryRequiresService(t *testing.T) {
	err := RunWithTelemetry(context.Background(), "  ", func(context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected error for empty service name")
	}
}

func TestRunWithTelemetryPropagatesRunError(t *testing.T) {
	t.Setenv("COURIER_OTEL_ENDPOINT", "")

	want := errors.New("run failed")
	err := RunWithTelemetry(context.Background(), ServiceGateway, func(context.Context) error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("expected run error to propagate, got %v", err)
	}
}

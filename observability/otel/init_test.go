package otel

import (
	"context"
	"testing"
)

func envMap(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestFromEnvDisabledWithoutEndpoint(t *testing.T) {
	cfg := FromEnv("fundd", "dev", envMap(nil))
	if cfg.Traces || cfg.Metrics {
		t.Fatalf("exporters must stay off without an endpoint: %+v", cfg)
	}
	if !cfg.Insecure {
		t.Fatalf("insecure defaults to true")
	}
}

func TestFromEnvReadsExporterSettings(t *testing.T) {
	cfg := FromEnv("fundd", "prod", envMap(map[string]string{
		"OTEL_EXPORTER_OTLP_ENDPOINT": "http://collector:4318",
		"OTEL_EXPORTER_OTLP_INSECURE": "false",
		"OTEL_EXPORTER_OTLP_HEADERS":  "x-api-key=abc, tenant = fund ,broken",
	}))
	if cfg.Endpoint != "collector:4318" {
		t.Fatalf("endpoint = %q", cfg.Endpoint)
	}
	if cfg.Insecure || !cfg.Traces || !cfg.Metrics {
		t.Fatalf("unexpected flags %+v", cfg)
	}
	if len(cfg.Headers) != 2 || cfg.Headers["x-api-key"] != "abc" || cfg.Headers["tenant"] != "fund" {
		t.Fatalf("unexpected headers %v", cfg.Headers)
	}

	off := FromEnv("fundd", "", envMap(map[string]string{
		"OTEL_EXPORTER_OTLP_ENDPOINT": "collector:4318",
		"OTEL_SDK_DISABLED":           "true",
	}))
	if off.Traces || off.Metrics {
		t.Fatalf("OTEL_SDK_DISABLED must win: %+v", off)
	}
}

func TestInitRequiresServiceName(t *testing.T) {
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error without service name")
	}
	shutdown, err := Init(context.Background(), Config{ServiceName: "fundd"})
	if err != nil {
		t.Fatalf("init without exporters: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestFromEnvSamplerAndInterval(t *testing.T) {
	cfg := FromEnv("fundd", "", envMap(map[string]string{
		"OTEL_TRACES_SAMPLER_ARG":     "0.25",
		"OTEL_METRIC_EXPORT_INTERVAL": "5000",
	}))
	if cfg.SampleRatio != 0.25 {
		t.Fatalf("sample ratio = %v", cfg.SampleRatio)
	}
	if cfg.MetricInterval.Seconds() != 5 {
		t.Fatalf("metric interval = %v", cfg.MetricInterval)
	}
	bad := FromEnv("fundd", "", envMap(map[string]string{"OTEL_TRACES_SAMPLER_ARG": "7"}))
	if bad.SampleRatio != 1 {
		t.Fatalf("out of range ratio must be ignored, got %v", bad.SampleRatio)
	}
}

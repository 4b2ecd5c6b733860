// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"time"

	"github.com/AleutianAI/AutoPromptix/pkg/telemetry"
)

type AutoPromptixConfig struct {
	// Service: where the optimization service lives and how long to wait on it
	Service ServiceConfig `yaml:"service"`

	Logging LoggingConfig `yaml:"logging"`

	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Mock: settings for the local mock-server command
	Mock MockConfig `yaml:"mock"`

	UX UXConfig `yaml:"ux"`
}

type ServiceConfig struct {
	BaseURL      string        `yaml:"base_url" validate:"required,url"` // e.g. ws://localhost:8000
	ReadyTimeout time.Duration `yaml:"ready_timeout" validate:"gte=0"`   // e.g. 5s
	StopGrace    time.Duration `yaml:"stop_grace" validate:"gte=0"`      // e.g. 2s
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gte=0"`   // e.g. 10s
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Dir   string `yaml:"dir,omitempty"` // e.g. ~/.autopromptix/logs
	JSON  bool   `yaml:"json"`
}

type TelemetryConfig struct {
	// TraceExporter is otlp, stdout or none.
	TraceExporter  string `yaml:"trace_exporter" validate:"oneof=otlp stdout none"`
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=prometheus stdout none"`
	OTLPEndpoint   string `yaml:"otlp_endpoint,omitempty"`

	// MetricsAddr serves /metrics while a command runs. Empty disables it.
	MetricsAddr string `yaml:"metrics_addr,omitempty" validate:"omitempty,hostname_port"`
}

type MockConfig struct {
	Addr            string  `yaml:"addr" validate:"required,hostname_port"`
	EventsPerSecond float64 `yaml:"events_per_second" validate:"gte=0"`
}

type UXConfig struct {
	// Personality is full, standard, minimal or machine. Empty auto-detects.
	Personality string `yaml:"personality,omitempty" validate:"omitempty,oneof=full standard minimal machine"`
}

// Telemetry converts the section to a telemetry.Config, keeping the
// library defaults for fields the file does not set.
func (t TelemetryConfig) Telemetry(version string) telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	cfg.TraceExporter = t.TraceExporter
	cfg.MetricExporter = t.MetricExporter
	if t.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = t.OTLPEndpoint
	}
	return cfg
}

func DefaultConfig() AutoPromptixConfig {
	return AutoPromptixConfig{
		Service: ServiceConfig{
			BaseURL:      "ws://localhost:8000",
			ReadyTimeout: 5 * time.Second,
			StopGrace:    2 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			TraceExporter:  telemetry.ExporterNone,
			MetricExporter: telemetry.ExporterNone,
			OTLPEndpoint:   "localhost:4317",
		},
		Mock: MockConfig{
			Addr:            "localhost:8000",
			EventsPerSecond: 4,
		},
	}
}

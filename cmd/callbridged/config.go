package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/callbridge/internal/daemon"
)

type fileConfig struct {
	ID                string   `toml:"id"`
	HTTPAddr          string   `toml:"http_addr"`
	TCPAddr           string   `toml:"tcp_addr"`
	CORSOrigins       []string `toml:"cors_origins"`
	QueueDepth        int      `toml:"queue_depth"`
	MaxPayloadBytes   int64    `toml:"max_payload_bytes"`
	HeartbeatInterval string   `toml:"heartbeat_interval"`
	BuiltinModules    []string `toml:"builtin_modules"`
}

func loadServiceConfig(path string) (daemon.ServiceConfig, error) {
	cfg := daemon.DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return daemon.ServiceConfig{}, fmt.Errorf("load callbridge config: %w", err)
	}

	if meta.IsDefined("id") {
		if id := strings.TrimSpace(raw.ID); id != "" {
			cfg.NodeID = id
		}
	}
	if meta.IsDefined("http_addr") {
		cfg.HTTPAddr = strings.TrimSpace(raw.HTTPAddr)
	}
	if meta.IsDefined("tcp_addr") {
		cfg.TCPAddr = strings.TrimSpace(raw.TCPAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeList(raw.CORSOrigins)
	}
	if meta.IsDefined("queue_depth") {
		cfg.QueueDepth = raw.QueueDepth
	}
	if meta.IsDefined("max_payload_bytes") {
		cfg.MaxPayloadBytes = raw.MaxPayloadBytes
	}
	if meta.IsDefined("heartbeat_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.HeartbeatInterval))
		if err != nil {
			return daemon.ServiceConfig{}, fmt.Errorf("parse heartbeat_interval: %w", err)
		}
		cfg.HeartbeatInterval = d
	}
	if meta.IsDefined("builtin_modules") {
		cfg.BuiltinModules = normalizeList(raw.BuiltinModules)
	}

	if err := cfg.Validate(); err != nil {
		return daemon.ServiceConfig{}, fmt.Errorf("load callbridge config: %w", err)
	}
	return cfg, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

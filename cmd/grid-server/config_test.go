package main

import (
	"testing"
	"time"
)

func validConfig() *appConfig {
	return &appConfig{
		listenAddr:         ":4000",
		logFormat:          "text",
		logLevel:           "info",
		batchSizeMax:       120,
		prioBatchSizeMax:   20,
		maxDelay:           500 * time.Millisecond,
		minFlushFrames:     5,
		minRequestInterval: 50 * time.Millisecond,
		heartbeatTimeout:   60 * time.Second,
		maxBuffered:        240,
		mailboxBuffer:      16,
		serialBaud:         921600,
		demoWidth:          16,
		demoHeight:         16,
		demoFPS:            30,
	}
}

func TestConfig_ValidateOK(t *testing.T) {
	if err := validConfig().validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestConfig_ValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*appConfig)
	}{
		{"bad_log_format", func(c *appConfig) { c.logFormat = "xml" }},
		{"bad_log_level", func(c *appConfig) { c.logLevel = "trace" }},
		{"bad_demo_pattern", func(c *appConfig) { c.demoPattern = "plasma" }},
		{"zero_batch_size", func(c *appConfig) { c.batchSizeMax = 0 }},
		{"prio_above_batch", func(c *appConfig) { c.prioBatchSizeMax = 121 }},
		{"zero_max_delay", func(c *appConfig) { c.maxDelay = 0 }},
		{"zero_min_flush", func(c *appConfig) { c.minFlushFrames = 0 }},
		{"zero_request_interval", func(c *appConfig) { c.minRequestInterval = 0 }},
		{"zero_heartbeat", func(c *appConfig) { c.heartbeatTimeout = 0 }},
		{"max_buffered_below_batch", func(c *appConfig) { c.maxBuffered = 100 }},
		{"zero_mailbox", func(c *appConfig) { c.mailboxBuffer = 0 }},
		{"negative_max_controllers", func(c *appConfig) { c.maxControllers = -1 }},
		{"zero_baud", func(c *appConfig) { c.serialBaud = 0 }},
		{"demo_grid_oversize", func(c *appConfig) { c.demoPattern = "sweep"; c.demoWidth = 2048 }},
		{"demo_fps_oversize", func(c *appConfig) { c.demoPattern = "solid"; c.demoFPS = 500 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			if err := cfg.validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestConfig_NilValidate(t *testing.T) {
	var c *appConfig
	if err := c.validate(); err == nil {
		t.Fatalf("nil config must not validate")
	}
}

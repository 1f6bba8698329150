package main

import (
	"testing"
	"time"
)

func validConfig() *appConfig {
	return &appConfig{
		backend:      "loopback:cfg",
		baud:         115200,
		listenAddr:   ":20000",
		serialReadTO: 10 * time.Millisecond,
		txQueue:      16,
		logFormat:    "text",
		logLevel:     "info",
		hubBuffer:    8,
		hubPolicy:    "drop",
		maxClients:   0,
		handshakeTO:  time.Second,
		clientReadTO: time.Second,
	}
}

func TestConfigValidate_OK(t *testing.T) {
	if err := validConfig().validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
	c := validConfig()
	c.backend = "cnl:127.0.0.1:20000"
	c.filters = "123:7FF,1ABCDEF0:1FFFFFF0"
	if err := c.validate(); err != nil {
		t.Fatalf("cnl backend with filters: %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"backendNoName", func(c *appConfig) { c.backend = "loopback" }},
		{"backendEmptyName", func(c *appConfig) { c.backend = "loopback:" }},
		{"backendUnknownKind", func(c *appConfig) { c.backend = "pcan:usb0" }},
		{"badFilters", func(c *appConfig) { c.filters = "zz:1" }},
		{"badPolicy", func(c *appConfig) { c.hubPolicy = "x" }},
		{"emptyPolicy", func(c *appConfig) { c.hubPolicy = "" }},
		{"badHubBuf", func(c *appConfig) { c.hubBuffer = 0 }},
		{"badTxBuf", func(c *appConfig) { c.txQueue = 0 }},
		{"badBaud", func(c *appConfig) { c.baud = 0 }},
		{"badSerialTO", func(c *appConfig) { c.serialReadTO = 0 }},
		{"badHandshakeTO", func(c *appConfig) { c.handshakeTO = 0 }},
		{"badClientReadTO", func(c *appConfig) { c.clientReadTO = 0 }},
		{"badMaxClients", func(c *appConfig) { c.maxClients = -1 }},
		{"badMetricsEvery", func(c *appConfig) { c.logMetricsEvery = -time.Second }},
	}
	for _, tc := range tests {
		base := validConfig()
		tc.mod(base)
		if err := base.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestDefaultConfigValid(t *testing.T) {
	if err := defaultConfig().validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	testCases := []struct {
		name    string
		env     map[string]string
		wantErr bool
		wantCfg *Config
	}{
		{
			name: "defaults (no env set)",
			env:  map[string]string{},
			wantCfg: &Config{
				Host:             "127.0.0.1",
				Port:             9223,
				LogMaxSizeMB:     50,
				EventBufferDepth: 1024,
				PendingLimit:     10000,
				WriteTimeoutSec:  30,
			},
		},
		{
			name: "custom valid env",
			env: map[string]string{
				"HOST":               "0.0.0.0",
				"PORT":               "12345",
				"REMOTE":             "true",
				"AUTH_TOKEN":         "secret",
				"EXTENSION_ORIGIN":   "chrome-extension://abcdef",
				"LOG_DIR":            "/tmp/relay-logs",
				"LOG_MAX_SIZE_MB":    "10",
				"EVENT_BUFFER_DEPTH": "256",
				"PENDING_LIMIT":      "500",
				"WRITE_TIMEOUT_SEC":  "15",
			},
			wantCfg: &Config{
				Host:             "0.0.0.0",
				Port:             12345,
				Remote:           true,
				AuthToken:        "secret",
				ExtensionOrigin:  "chrome-extension://abcdef",
				LogDir:           "/tmp/relay-logs",
				LogMaxSizeMB:     10,
				EventBufferDepth: 256,
				PendingLimit:     500,
				WriteTimeoutSec:  15,
			},
		},
		{
			name: "port out of range",
			env: map[string]string{
				"PORT": "70000",
			},
			wantErr: true,
		},
		{
			name: "remote without auth token",
			env: map[string]string{
				"REMOTE": "true",
			},
			wantErr: true,
		},
		{
			name: "zero pending limit",
			env: map[string]string{
				"PENDING_LIMIT": "0",
			},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			cfg, err := Load()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.wantCfg, cfg)
		})
	}
}

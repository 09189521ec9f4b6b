package main

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("MATLENS_DB_DRIVER", "")
	t.Setenv("MATLENS_DB_DSN", "")
	t.Setenv("MATLENS_ADDR", "")
	t.Setenv("MATLENS_PORT", "")

	cfg, err := LoadConfig([]string{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DBDriver != "sqlite" {
		t.Errorf("expected sqlite driver, got %s", cfg.DBDriver)
	}
	if filepath.Base(cfg.DBDSN) != "matlens.db" || !filepath.IsAbs(cfg.DBDSN) {
		t.Errorf("expected absolute matlens.db path, got %s", cfg.DBDSN)
	}
	if cfg.Addr != defaultAddr {
		t.Errorf("expected addr %s, got %s", defaultAddr, cfg.Addr)
	}
	if cfg.ShutdownWait != 30*time.Second {
		t.Errorf("expected 30s shutdown timeout, got %v", cfg.ShutdownWait)
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		envVars     map[string]string
		expectError bool
		errorSubstr string
		check       func(t *testing.T, cfg Config)
	}{
		{
			name:    "env port",
			envVars: map[string]string{"MATLENS_PORT": "9000"},
			check: func(t *testing.T, cfg Config) {
				if cfg.Addr != "127.0.0.1:9000" {
					t.Errorf("expected 127.0.0.1:9000, got %s", cfg.Addr)
				}
			},
		},
		{
			name:    "flag overrides env",
			args:    []string{"-addr", ":7000", "-redis-addr", "localhost:6379"},
			envVars: map[string]string{"MATLENS_ADDR": ":8000", "MATLENS_REDIS_ADDR": "other:6379"},
			check: func(t *testing.T, cfg Config) {
				if cfg.Addr != ":7000" {
					t.Errorf("expected :7000, got %s", cfg.Addr)
				}
				if cfg.RedisAddr != "localhost:6379" {
					t.Errorf("expected localhost:6379, got %s", cfg.RedisAddr)
				}
			},
		},
		{
			name:    "postgres with dsn",
			envVars: map[string]string{"MATLENS_DB_DRIVER": "postgres", "MATLENS_DB_DSN": "postgres://u:p@db/catalog"},
			check: func(t *testing.T, cfg Config) {
				if cfg.DBDSN != "postgres://u:p@db/catalog" {
					t.Errorf("unexpected dsn %s", cfg.DBDSN)
				}
			},
		},
		{
			name:        "mysql without dsn",
			args:        []string{"-db-driver", "mysql"},
			expectError: true,
			errorSubstr: "db-dsn is required",
		},
		{
			name:        "unknown driver",
			args:        []string{"-db-driver", "oracle"},
			expectError: true,
			errorSubstr: "unsupported database driver",
		},
		{
			name:        "empty addr",
			args:        []string{"-addr", " "},
			expectError: true,
			errorSubstr: "addr cannot be empty",
		},
		{
			name:        "tls half configured",
			args:        []string{"-tls-cert", "cert.pem"},
			expectError: true,
			errorSubstr: "tls-cert and tls-key",
		},
		{
			name:        "zero shutdown timeout",
			args:        []string{"-shutdown-timeout", "0s"},
			expectError: true,
			errorSubstr: "shutdown timeout must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"MATLENS_DB_DRIVER", "MATLENS_DB_DSN", "MATLENS_ADDR", "MATLENS_PORT", "MATLENS_REDIS_ADDR"} {
				t.Setenv(k, "")
			}
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg, err := LoadConfig(tt.args)

			if tt.expectError {
				if err == nil {
					t.Errorf("expected error containing %q, got nil", tt.errorSubstr)
				} else if !strings.Contains(err.Error(), tt.errorSubstr) {
					t.Errorf("expected error containing %q, got %q", tt.errorSubstr, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

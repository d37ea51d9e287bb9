package agentauth

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aloks98/agentauth/rbac"
	"github.com/aloks98/agentauth/signature"
	"github.com/aloks98/agentauth/store/memory"
)

func TestNewConfig(t *testing.T) {
	cfg := NewConfig()

	if cfg.AccessTokenTTL != DefaultAccessTokenTTL {
		t.Errorf("AccessTokenTTL = %v, want %v", cfg.AccessTokenTTL, DefaultAccessTokenTTL)
	}
	if cfg.RefreshTokenTTL != DefaultRefreshTokenTTL {
		t.Errorf("RefreshTokenTTL = %v, want %v", cfg.RefreshTokenTTL, DefaultRefreshTokenTTL)
	}
	if cfg.SigningMethod != SigningMethodHS256 {
		t.Errorf("SigningMethod = %v, want %v", cfg.SigningMethod, SigningMethodHS256)
	}
	if cfg.APIKeyPrefix != DefaultAPIKeyPrefix {
		t.Errorf("APIKeyPrefix = %q, want %q", cfg.APIKeyPrefix, DefaultAPIKeyPrefix)
	}
	if cfg.APIKeyLength != DefaultAPIKeyLength {
		t.Errorf("APIKeyLength = %d, want %d", cfg.APIKeyLength, DefaultAPIKeyLength)
	}
	if cfg.HMACAlgorithm != signature.SHA256 {
		t.Errorf("HMACAlgorithm = %q, want %q", cfg.HMACAlgorithm, signature.SHA256)
	}
	if cfg.StoreTimeout != DefaultStoreTimeout {
		t.Errorf("StoreTimeout = %v, want %v", cfg.StoreTimeout, DefaultStoreTimeout)
	}
	if cfg.CleanupInterval != DefaultCleanupInterval {
		t.Errorf("CleanupInterval = %v, want %v", cfg.CleanupInterval, DefaultCleanupInterval)
	}
	if cfg.MaxFailures != 0 {
		t.Error("failure limiting should be off by default")
	}
}

func validConfig() *Config {
	cfg := NewConfig()
	cfg.Store = memory.New()
	cfg.MasterSecret = testMasterSecret
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "valid config", modify: func(c *Config) {}},
		{name: "missing store", modify: func(c *Config) { c.Store = nil }, wantErr: true},
		{name: "missing master secret", modify: func(c *Config) { c.MasterSecret = "" }, wantErr: true},
		{name: "short master secret", modify: func(c *Config) { c.MasterSecret = "short" }, wantErr: true},
		{name: "short JWT secret", modify: func(c *Config) { c.JWTSecret = "short" }, wantErr: true},
		{name: "long JWT secret", modify: func(c *Config) { c.JWTSecret = testMasterSecret }},
		{
			name:    "RS256 without private key",
			modify:  func(c *Config) { c.SigningMethod = SigningMethodRS256 },
			wantErr: true,
		},
		{
			name: "RS256 with key pair",
			modify: func(c *Config) {
				c.SigningMethod = SigningMethodRS256
				c.PrivateKey = key
			},
		},
		{name: "invalid signing method", modify: func(c *Config) { c.SigningMethod = "INVALID" }, wantErr: true},
		{name: "zero access token TTL", modify: func(c *Config) { c.AccessTokenTTL = 0 }, wantErr: true},
		{name: "zero refresh token TTL", modify: func(c *Config) { c.RefreshTokenTTL = 0 }, wantErr: true},
		{
			name: "refresh TTL less than access TTL",
			modify: func(c *Config) {
				c.AccessTokenTTL = time.Hour
				c.RefreshTokenTTL = time.Minute
			},
			wantErr: true,
		},
		{name: "zero max refresh age", modify: func(c *Config) { c.MaxRefreshAge = 0 }, wantErr: true},
		{name: "API key length too short", modify: func(c *Config) { c.APIKeyLength = 8 }, wantErr: true},
		{name: "empty API key prefix", modify: func(c *Config) { c.APIKeyPrefix = "" }, wantErr: true},
		{name: "negative bearer TTL", modify: func(c *Config) { c.BearerTokenTTL = -time.Minute }, wantErr: true},
		{name: "unknown HMAC algorithm", modify: func(c *Config) { c.HMACAlgorithm = "md5" }, wantErr: true},
		{name: "zero HMAC tolerance", modify: func(c *Config) { c.HMACTolerance = 0 }, wantErr: true},
		{name: "zero store timeout", modify: func(c *Config) { c.StoreTimeout = 0 }, wantErr: true},
		{name: "negative cleanup interval", modify: func(c *Config) { c.CleanupInterval = -time.Hour }, wantErr: true},
		{name: "negative max failures", modify: func(c *Config) { c.MaxFailures = -1 }, wantErr: true},
		{
			name: "failure limit without window",
			modify: func(c *Config) {
				c.MaxFailures = 5
				c.FailureWindow = 0
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)
			err := cfg.Validate()

			if !tt.wantErr {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, ErrConfigInvalid) {
				t.Errorf("Validate() error = %v, want %v", err, ErrConfigInvalid)
			}
		})
	}
}

func TestConfig_IsRSA(t *testing.T) {
	tests := []struct {
		method   SigningMethod
		expected bool
	}{
		{SigningMethodRS256, true},
		{SigningMethodRS384, true},
		{SigningMethodRS512, true},
		{SigningMethodHS256, false},
		{SigningMethodHS384, false},
		{SigningMethodHS512, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.method), func(t *testing.T) {
			cfg := &Config{SigningMethod: tt.method}
			if got := cfg.IsRSA(); got != tt.expected {
				t.Errorf("IsRSA() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestConfig_LoadRBAC(t *testing.T) {
	yaml := []byte(`version: 1
roles:
  - name: operator
    permissions: ["tool:execute"]
`)

	t.Run("defaults", func(t *testing.T) {
		cfg, err := NewConfig().loadRBAC()
		if err != nil || cfg != nil {
			t.Errorf("loadRBAC() = %v, %v; want nil, nil", cfg, err)
		}
	})

	t.Run("direct", func(t *testing.T) {
		want := rbac.DefaultConfig()
		c := NewConfig()
		c.RBACConfig = want
		got, err := c.loadRBAC()
		if err != nil || got != want {
			t.Errorf("loadRBAC() = %v, %v; want the configured value", got, err)
		}
	})

	t.Run("bytes", func(t *testing.T) {
		c := NewConfig()
		c.RBACConfigData = yaml
		got, err := c.loadRBAC()
		if err != nil {
			t.Fatalf("loadRBAC() error = %v", err)
		}
		if len(got.Roles) != 1 || got.Roles[0].Name != "operator" {
			t.Errorf("roles = %+v", got.Roles)
		}
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rbac.yaml")
		if err := os.WriteFile(path, yaml, 0o600); err != nil {
			t.Fatal(err)
		}
		c := NewConfig()
		c.RBACConfigPath = path
		got, err := c.loadRBAC()
		if err != nil {
			t.Fatalf("loadRBAC() error = %v", err)
		}
		if len(got.Roles) != 1 {
			t.Errorf("roles = %+v", got.Roles)
		}
	})
}

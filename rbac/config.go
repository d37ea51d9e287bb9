// Package rbac provides role-based access control: role inheritance,
// wildcard permission matching, and a permission catalog carrying risk and
// audit metadata.
package rbac

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aloks98/agentauth/permission"
	"github.com/aloks98/agentauth/store"
)

// RiskLevel classifies how dangerous a permission is.
type RiskLevel string

// Risk levels.
const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Valid reports whether r is a known risk level.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// Config defines the role-based access control configuration.
type Config struct {
	Version int `json:"version" yaml:"version"`

	// Roles are bootstrapped into the store when absent.
	Roles []store.Role `json:"roles" yaml:"roles"`

	// Permissions is the permission catalog.
	Permissions []PermissionInfo `json:"permissions" yaml:"permissions"`

	// Operations maps a named operation to the permissions it requires.
	Operations map[string][]string `json:"operations" yaml:"operations"`

	// MaxDepth bounds role inheritance traversal. Default is 16.
	MaxDepth int `json:"max_depth,omitempty" yaml:"max_depth,omitempty"`
}

// PermissionInfo describes a catalog permission.
type PermissionInfo struct {
	Name          string    `json:"name" yaml:"name"`
	Description   string    `json:"description,omitempty" yaml:"description,omitempty"`
	RiskLevel     RiskLevel `json:"risk_level" yaml:"risk_level"`
	RequiresAudit bool      `json:"requires_audit" yaml:"requires_audit"`
}

// DefaultMaxDepth is the default inheritance depth bound.
const DefaultMaxDepth = 16

// Default role names.
const (
	RoleAdmin     = "admin"
	RoleDeveloper = "developer"
	RoleUser      = "user"
	RoleGuest     = "guest"
)

// Validation errors.
var (
	ErrEmptyRoleName         = errors.New("role name cannot be empty")
	ErrDuplicateRole         = errors.New("duplicate role name")
	ErrUnknownParent         = errors.New("role references undefined parent")
	ErrDuplicatePermission   = errors.New("duplicate permission in catalog")
	ErrInvalidRiskLevel      = errors.New("invalid risk level")
	ErrInvalidOperation      = errors.New("operation references invalid permission")
	ErrInvalidConfigPath     = errors.New("invalid config file path")
	ErrInvalidPermissionName = errors.New("invalid permission name")
)

// DefaultConfig returns the built-in roles, catalog and operations.
func DefaultConfig() *Config {
	perms := func(s ...string) []permission.Permission {
		out := make([]permission.Permission, len(s))
		for i, p := range s {
			out[i] = permission.MustParse(p)
		}
		return out
	}

	return &Config{
		Version: 1,
		Roles: []store.Role{
			{
				Name:        RoleAdmin,
				Description: "Unrestricted access",
				Permissions: perms("*:*"),
			},
			{
				Name:        RoleDeveloper,
				Description: "Builds and operates agents, tools and workflows",
				Permissions: perms("agent:*", "tool:*", "workflow:*"),
				Parents:     []string{RoleUser},
			},
			{
				Name:        RoleUser,
				Description: "Runs agents and workflows",
				Permissions: perms("agent:execute", "workflow:execute", "tool:execute"),
				Parents:     []string{RoleGuest},
			},
			{
				Name:        RoleGuest,
				Description: "Read-only access",
				Permissions: perms("agent:read", "workflow:read", "tool:read"),
			},
		},
		Permissions: []PermissionInfo{
			{Name: "agent:read", RiskLevel: RiskLow},
			{Name: "agent:execute", RiskLevel: RiskMedium},
			{Name: "agent:manage", RiskLevel: RiskHigh, RequiresAudit: true},
			{Name: "tool:read", RiskLevel: RiskLow},
			{Name: "tool:execute", RiskLevel: RiskHigh, RequiresAudit: true},
			{Name: "tool:manage", RiskLevel: RiskCritical, RequiresAudit: true},
			{Name: "workflow:read", RiskLevel: RiskLow},
			{Name: "workflow:execute", RiskLevel: RiskMedium},
			{Name: "workflow:manage", RiskLevel: RiskHigh, RequiresAudit: true},
			{Name: "*:*", Description: "Superuser", RiskLevel: RiskCritical, RequiresAudit: true},
		},
		Operations: map[string][]string{
			"view_agents":  {"agent:read"},
			"run_agent":    {"agent:execute"},
			"call_tool":    {"tool:execute"},
			"manage_tools": {"tool:manage"},
			"run_workflow": {"workflow:execute", "agent:execute"},
		},
	}
}

// LoadFromFile loads RBAC configuration from a YAML or JSON file.
// The path must be an absolute path or a relative path without directory traversal.
func LoadFromFile(path string) (*Config, error) {
	if err := validateConfigPath(path); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is validated above
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return LoadFromBytes(data, filepath.Ext(path))
}

// validateConfigPath validates the config file path for security.
func validateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: path cannot be empty", ErrInvalidConfigPath)
	}

	cleanPath := filepath.Clean(path)
	if strings.Contains(cleanPath, "..") {
		return fmt.Errorf("%w: path contains directory traversal", ErrInvalidConfigPath)
	}

	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".yaml" && ext != ".yml" && ext != ".json" {
		return fmt.Errorf("%w: path must have .yaml, .yml, or .json extension", ErrInvalidConfigPath)
	}

	return nil
}

// LoadFromBytes parses RBAC configuration from raw bytes.
// The ext parameter should be ".yaml", ".yml", or ".json" to indicate the format.
// If empty, YAML is assumed.
func LoadFromBytes(data []byte, ext string) (*Config, error) {
	var cfg Config

	switch strings.ToLower(ext) {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	return &cfg, nil
}

// Validate checks the configuration for errors. Inheritance cycles are
// allowed; resolution tolerates them.
func (c *Config) Validate() error {
	roles := make(map[string]bool, len(c.Roles))
	for _, role := range c.Roles {
		if role.Name == "" {
			return ErrEmptyRoleName
		}
		if roles[role.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicateRole, role.Name)
		}
		roles[role.Name] = true
	}

	for _, role := range c.Roles {
		for _, parent := range role.Parents {
			if !roles[parent] {
				return fmt.Errorf("%w: role %q inherits %q", ErrUnknownParent, role.Name, parent)
			}
		}
	}

	catalog := make(map[string]bool, len(c.Permissions))
	for _, info := range c.Permissions {
		p, err := permission.Parse(info.Name)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidPermissionName, info.Name)
		}
		key := p.String()
		if catalog[key] {
			return fmt.Errorf("%w: %s", ErrDuplicatePermission, key)
		}
		catalog[key] = true
		if info.RiskLevel != "" && !info.RiskLevel.Valid() {
			return fmt.Errorf("%w: %s has %q", ErrInvalidRiskLevel, key, info.RiskLevel)
		}
	}

	for op, perms := range c.Operations {
		for _, perm := range perms {
			if _, err := permission.Parse(perm); err != nil {
				return fmt.Errorf("%w: %s requires %q", ErrInvalidOperation, op, perm)
			}
		}
	}

	return nil
}

// GetRole returns a configured role by name, or nil if not found.
func (c *Config) GetRole(name string) *store.Role {
	for i := range c.Roles {
		if c.Roles[i].Name == name {
			return &c.Roles[i]
		}
	}
	return nil
}

// GetPermission returns catalog metadata by name, or nil if not found.
func (c *Config) GetPermission(name string) *PermissionInfo {
	p, err := permission.Parse(name)
	if err != nil {
		return nil
	}
	key := p.String()
	for i := range c.Permissions {
		if q, err := permission.Parse(c.Permissions[i].Name); err == nil && q.String() == key {
			return &c.Permissions[i]
		}
	}
	return nil
}

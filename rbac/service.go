package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/aloks98/agentauth/identity"
	"github.com/aloks98/agentauth/permission"
	"github.com/aloks98/agentauth/store"
)

// Service errors.
var (
	ErrRoleNotFound     = errors.New("role not found")
	ErrRoleExists       = errors.New("role already exists")
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnknownOperation = errors.New("unknown operation")
	ErrUserIDRequired   = errors.New("user id is required")
)

// AuthorizationError reports a denied authorization decision.
type AuthorizationError struct {
	Username string
	Resource string
	Action   string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("user %q is not permitted to %s on %s", e.Username, e.Action, e.Resource)
}

// Is matches ErrPermissionDenied.
func (e *AuthorizationError) Is(target error) bool {
	return target == ErrPermissionDenied
}

// Service handles RBAC operations.
type Service struct {
	config *Config
	store  store.Store
	logger *slog.Logger
}

// NewService creates a new RBAC service. A nil config uses DefaultConfig.
func NewService(cfg *Config, s store.Store, logger *slog.Logger) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{config: cfg, store: s, logger: logger}, nil
}

// GetConfig returns the RBAC configuration.
func (s *Service) GetConfig() *Config {
	return s.config
}

// Bootstrap writes every configured role that is not yet in the store.
// Existing stored roles are left untouched.
func (s *Service) Bootstrap(ctx context.Context) error {
	now := time.Now()
	for i := range s.config.Roles {
		seed := s.config.Roles[i]
		err := store.UpdateJSON(ctx, s.store, store.TableRoles, seed.Name, func(cur *store.Role) (*store.Role, error) {
			if cur != nil {
				return nil, store.ErrSkipWrite
			}
			r := cloneRole(&seed)
			r.CreatedAt, r.UpdatedAt = now, now
			return r, nil
		})
		if err != nil {
			return fmt.Errorf("bootstrap role %s: %w", seed.Name, err)
		}
	}
	return nil
}

// role loads a role from the store, falling back to the configured
// definition. Returns nil, nil if neither exists.
func (s *Service) role(ctx context.Context, name string) (*store.Role, error) {
	r, err := store.GetJSON[store.Role](ctx, s.store, store.TableRoles, name)
	if err != nil || r != nil {
		return r, err
	}
	if seed := s.config.GetRole(name); seed != nil {
		return cloneRole(seed), nil
	}
	return nil, nil
}

// resolve returns the permissions of roles and all of their ancestors.
// Traversal is an iterative depth-first walk. depths records the shallowest
// depth each role has been expanded at and is shared across calls; a role
// is expanded again only when reached by a shorter path, so cycles
// terminate and a role first met near MaxDepth still contributes its
// parents when it is also held directly. Parents deeper than MaxDepth are
// not followed. Unknown role names are ignored.
func (s *Service) resolve(ctx context.Context, roles []string, depths map[string]int) ([]permission.Permission, error) {
	type frame struct {
		name  string
		depth int
	}

	stack := make([]frame, 0, len(roles))
	for i := len(roles) - 1; i >= 0; i-- {
		stack = append(stack, frame{name: roles[i]})
	}

	var perms []permission.Permission
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		seenAt, seen := depths[f.name]
		if seen && seenAt <= f.depth {
			continue
		}
		depths[f.name] = f.depth

		r, err := s.role(ctx, f.name)
		if err != nil {
			return nil, err
		}
		if r == nil {
			continue
		}
		if !seen {
			perms = append(perms, r.Permissions...)
		}

		if f.depth >= s.config.MaxDepth {
			s.logger.Debug("role inheritance depth reached", "role", f.name, "depth", f.depth)
			continue
		}
		for i := len(r.Parents) - 1; i >= 0; i-- {
			stack = append(stack, frame{name: r.Parents[i], depth: f.depth + 1})
		}
	}
	return dedupe(perms), nil
}

// ResolveRole returns the full permission set of a role including
// inherited permissions and their constraints.
func (s *Service) ResolveRole(ctx context.Context, name string) ([]permission.Permission, error) {
	r, err := s.role(ctx, name)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, name)
	}
	return s.resolve(ctx, []string{name}, map[string]int{})
}

// GetRolePermissions returns the sorted "resource:action" strings a role
// grants, including inherited ones.
func (s *Service) GetRolePermissions(ctx context.Context, name string) ([]string, error) {
	perms, err := s.ResolveRole(ctx, name)
	if err != nil {
		return nil, err
	}
	return permission.Strings(perms), nil
}

// GetUserPermissions returns the permissions granted to a user through
// their stored role assignments.
func (s *Service) GetUserPermissions(ctx context.Context, userID string) ([]string, error) {
	roles, err := s.GetUserRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	perms, err := s.resolve(ctx, roles, map[string]int{})
	if err != nil {
		return nil, err
	}
	return permission.Strings(perms), nil
}

// Authorize decides whether uc may perform action on resource. Permissions
// carried directly by uc are checked first, then uc's roles, then the
// roles assigned to uc.UserID in the store. attrs is merged over
// uc.Attributes for constraint evaluation. A denial is returned as
// *AuthorizationError.
func (s *Service) Authorize(ctx context.Context, uc *identity.UserContext, resource, action string, attrs map[string]any) error {
	ok, err := s.allowed(ctx, uc, resource, action, attrs)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	username := ""
	if uc != nil {
		username = uc.Name()
	}
	s.logger.Debug("authorization denied", "user", username, "resource", resource, "action", action)
	return &AuthorizationError{Username: username, Resource: resource, Action: action}
}

// HasPermission reports whether uc holds the "resource:action" permission
// required. Store failures are returned as errors.
func (s *Service) HasPermission(ctx context.Context, uc *identity.UserContext, required string) (bool, error) {
	p, err := permission.Parse(required)
	if err != nil {
		return false, err
	}
	return s.allowed(ctx, uc, p.Resource, p.Action, nil)
}

func (s *Service) allowed(ctx context.Context, uc *identity.UserContext, resource, action string, attrs map[string]any) (bool, error) {
	if uc == nil {
		return false, nil
	}

	merged := make(map[string]any, len(uc.Attributes)+len(attrs))
	maps.Copy(merged, uc.Attributes)
	maps.Copy(merged, attrs)

	matches := func(perms []permission.Permission) bool {
		for _, p := range perms {
			if p.Matches(resource, action, merged) {
				return true
			}
		}
		return false
	}

	// Fast path: permissions carried by the credential.
	for _, raw := range uc.Permissions {
		p, err := permission.Parse(raw)
		if err != nil {
			continue
		}
		if p.Matches(resource, action, merged) {
			return true, nil
		}
	}

	depths := map[string]int{}
	perms, err := s.resolve(ctx, uc.Roles, depths)
	if err != nil {
		return false, err
	}
	if matches(perms) {
		return true, nil
	}

	if uc.UserID == "" {
		return false, nil
	}
	assigned, err := s.GetUserRoles(ctx, uc.UserID)
	if err != nil {
		return false, err
	}
	perms, err = s.resolve(ctx, assigned, depths)
	if err != nil {
		return false, err
	}
	return matches(perms), nil
}

// AuthorizeOperation authorizes every permission a named operation requires.
func (s *Service) AuthorizeOperation(ctx context.Context, uc *identity.UserContext, operation string) error {
	required, ok := s.config.Operations[operation]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOperation, operation)
	}
	for _, raw := range required {
		p, err := permission.Parse(raw)
		if err != nil {
			return err
		}
		if err := s.Authorize(ctx, uc, p.Resource, p.Action, nil); err != nil {
			return err
		}
	}
	return nil
}

// RequiredPermissions returns the permissions an operation requires, or
// nil for an unknown operation.
func (s *Service) RequiredPermissions(operation string) []string {
	return slices.Clone(s.config.Operations[operation])
}

// PermissionInfo returns catalog metadata for a permission.
func (s *Service) PermissionInfo(name string) (PermissionInfo, bool) {
	info := s.config.GetPermission(name)
	if info == nil {
		return PermissionInfo{}, false
	}
	return *info, true
}

// RequiresAudit reports whether use of a permission must be audited.
// Permissions absent from the catalog require auditing.
func (s *Service) RequiresAudit(name string) bool {
	info, ok := s.PermissionInfo(name)
	return !ok || info.RequiresAudit
}

// RiskLevel returns the risk classification of a permission. Permissions
// absent from the catalog, or catalogued without a level, are high risk.
func (s *Service) RiskLevel(name string) RiskLevel {
	info, ok := s.PermissionInfo(name)
	if !ok || info.RiskLevel == "" {
		return RiskHigh
	}
	return info.RiskLevel
}

func cloneRole(r *store.Role) *store.Role {
	out := *r
	out.Permissions = slices.Clone(r.Permissions)
	out.Parents = slices.Clone(r.Parents)
	out.Metadata = maps.Clone(r.Metadata)
	return &out
}

// dedupe removes duplicate permissions, comparing constraints too.
func dedupe(perms []permission.Permission) []permission.Permission {
	seen := make(map[string]struct{}, len(perms))
	out := perms[:0:0]
	for _, p := range perms {
		key := p.String()
		if len(p.Constraints) > 0 {
			b, _ := json.Marshal(p.Constraints)
			key += string(b)
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}

func sortedRoles(m map[string]*store.Role) []*store.Role {
	out := make([]*store.Role, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

package rbac

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/aloks98/agentauth/permission"
	"github.com/aloks98/agentauth/store"
)

// CreateRole stores a new role. Parents must already exist.
func (s *Service) CreateRole(ctx context.Context, role *store.Role) error {
	if role == nil || role.Name == "" {
		return ErrEmptyRoleName
	}
	if err := s.checkParents(ctx, role.Name, role.Parents); err != nil {
		return err
	}

	now := time.Now()
	return store.UpdateJSON(ctx, s.store, store.TableRoles, role.Name, func(cur *store.Role) (*store.Role, error) {
		if cur != nil || s.config.GetRole(role.Name) != nil {
			return nil, fmt.Errorf("%w: %s", ErrRoleExists, role.Name)
		}
		r := cloneRole(role)
		r.CreatedAt, r.UpdatedAt = now, now
		return r, nil
	})
}

// UpdateRole replaces an existing role's description, permissions,
// parents and metadata.
func (s *Service) UpdateRole(ctx context.Context, role *store.Role) error {
	if role == nil || role.Name == "" {
		return ErrEmptyRoleName
	}
	if err := s.checkParents(ctx, role.Name, role.Parents); err != nil {
		return err
	}
	return s.mutateRole(ctx, role.Name, func(r *store.Role) error {
		next := cloneRole(role)
		r.Description = next.Description
		r.Permissions = next.Permissions
		r.Parents = next.Parents
		r.Metadata = next.Metadata
		return nil
	})
}

// GetRole returns a role by name.
func (s *Service) GetRole(ctx context.Context, name string) (*store.Role, error) {
	r, err := s.role(ctx, name)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, name)
	}
	return r, nil
}

// ListRoles returns every stored and configured role, sorted by name.
// Stored definitions take precedence over configured ones.
func (s *Service) ListRoles(ctx context.Context) ([]*store.Role, error) {
	stored, err := store.ListJSON[store.Role](ctx, s.store, store.TableRoles)
	if err != nil {
		return nil, err
	}
	for i := range s.config.Roles {
		name := s.config.Roles[i].Name
		if _, ok := stored[name]; !ok {
			stored[name] = cloneRole(&s.config.Roles[i])
		}
	}
	return sortedRoles(stored), nil
}

// AddPermission grants an additional permission to a role.
func (s *Service) AddPermission(ctx context.Context, roleName, perm string) error {
	p, err := permission.Parse(perm)
	if err != nil {
		return err
	}
	return s.mutateRole(ctx, roleName, func(r *store.Role) error {
		for _, existing := range r.Permissions {
			if existing.String() == p.String() && len(existing.Constraints) == 0 {
				return store.ErrSkipWrite
			}
		}
		r.Permissions = append(r.Permissions, p)
		return nil
	})
}

// RemovePermission removes every grant of perm from a role, constrained or
// not.
func (s *Service) RemovePermission(ctx context.Context, roleName, perm string) error {
	p, err := permission.Parse(perm)
	if err != nil {
		return err
	}
	return s.mutateRole(ctx, roleName, func(r *store.Role) error {
		before := len(r.Permissions)
		r.Permissions = slices.DeleteFunc(r.Permissions, func(q permission.Permission) bool {
			return q.String() == p.String()
		})
		if len(r.Permissions) == before {
			return store.ErrSkipWrite
		}
		return nil
	})
}

// SetParents replaces the parents of a role. Cycles are permitted.
func (s *Service) SetParents(ctx context.Context, roleName string, parents []string) error {
	if err := s.checkParents(ctx, roleName, parents); err != nil {
		return err
	}
	return s.mutateRole(ctx, roleName, func(r *store.Role) error {
		r.Parents = slices.Clone(parents)
		return nil
	})
}

// AssignRole assigns a role to a user.
func (s *Service) AssignRole(ctx context.Context, userID, roleName string) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	if _, err := s.GetRole(ctx, roleName); err != nil {
		return err
	}

	return store.UpdateJSON(ctx, s.store, store.TableRoleAssignments, userID, func(cur *store.RoleAssignment) (*store.RoleAssignment, error) {
		if cur == nil {
			cur = &store.RoleAssignment{UserID: userID}
		}
		if slices.Contains(cur.Roles, roleName) {
			return nil, store.ErrSkipWrite
		}
		cur.Roles = append(cur.Roles, roleName)
		cur.UpdatedAt = time.Now()
		return cur, nil
	})
}

// UnassignRole removes a role from a user. Removing a role the user does
// not hold is not an error.
func (s *Service) UnassignRole(ctx context.Context, userID, roleName string) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	return store.UpdateJSON(ctx, s.store, store.TableRoleAssignments, userID, func(cur *store.RoleAssignment) (*store.RoleAssignment, error) {
		if cur == nil || !slices.Contains(cur.Roles, roleName) {
			return nil, store.ErrSkipWrite
		}
		cur.Roles = slices.DeleteFunc(cur.Roles, func(r string) bool { return r == roleName })
		if len(cur.Roles) == 0 {
			return nil, nil
		}
		cur.UpdatedAt = time.Now()
		return cur, nil
	})
}

// GetUserRoles returns the roles assigned to a user.
func (s *Service) GetUserRoles(ctx context.Context, userID string) ([]string, error) {
	a, err := store.GetJSON[store.RoleAssignment](ctx, s.store, store.TableRoleAssignments, userID)
	if err != nil || a == nil {
		return nil, err
	}
	return a.Roles, nil
}

// mutateRole applies fn to a role inside an atomic update. A configured
// role that has not been stored yet is seeded from its configuration.
func (s *Service) mutateRole(ctx context.Context, name string, fn func(*store.Role) error) error {
	return store.UpdateJSON(ctx, s.store, store.TableRoles, name, func(cur *store.Role) (*store.Role, error) {
		now := time.Now()
		if cur == nil {
			seed := s.config.GetRole(name)
			if seed == nil {
				return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, name)
			}
			cur = cloneRole(seed)
			cur.CreatedAt = now
		}
		if err := fn(cur); err != nil {
			return nil, err
		}
		cur.UpdatedAt = now
		return cur, nil
	})
}

func (s *Service) checkParents(ctx context.Context, name string, parents []string) error {
	for _, parent := range parents {
		if parent == name {
			continue
		}
		r, err := s.role(ctx, parent)
		if err != nil {
			return err
		}
		if r == nil {
			return fmt.Errorf("%w: role %q inherits %q", ErrUnknownParent, name, parent)
		}
	}
	return nil
}

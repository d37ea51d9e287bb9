package app

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/aloks98/agentauth"
	"github.com/aloks98/agentauth/permission"
)

// resolvedRole is the output of roles show.
type resolvedRole struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

func (c *cli) newRolesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roles",
		Short: "Inspect roles and manage assignments",
	}
	cmd.AddCommand(
		c.newRolesListCmd(),
		c.newRolesShowCmd(),
		c.newRolesAssignCmd(),
		c.newRolesUnassignCmd(),
		c.newRolesUserCmd(),
	)
	return cmd
}

func (c *cli) newRolesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured and stored roles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withAuth(cmd, func(ctx context.Context, auth *agentauth.Auth) error {
				roles, err := auth.RBAC().ListRoles(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, roles)
			})
		},
	}
}

func (c *cli) newRolesShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <role>",
		Short: "Show the effective permissions of a role, including inherited ones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withAuth(cmd, func(ctx context.Context, auth *agentauth.Auth) error {
				perms, err := auth.RBAC().ResolveRole(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, resolvedRole{Name: args[0], Permissions: permission.Strings(perms)})
			})
		},
	}
}

func (c *cli) newRolesAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <user-id> <role>",
		Short: "Assign a role to a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withAuth(cmd, func(ctx context.Context, auth *agentauth.Auth) error {
				if err := auth.RBAC().AssignRole(ctx, args[0], args[1]); err != nil {
					return err
				}
				c.logger.Info("role assigned", "user", args[0], "role", args[1])
				return nil
			})
		},
	}
}

func (c *cli) newRolesUnassignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unassign <user-id> <role>",
		Short: "Remove a role from a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withAuth(cmd, func(ctx context.Context, auth *agentauth.Auth) error {
				if err := auth.RBAC().UnassignRole(ctx, args[0], args[1]); err != nil {
					return err
				}
				c.logger.Info("role unassigned", "user", args[0], "role", args[1])
				return nil
			})
		},
	}
}

func (c *cli) newRolesUserCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "user <user-id>",
		Short: "Show the roles assigned to a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withAuth(cmd, func(ctx context.Context, auth *agentauth.Auth) error {
				roles, err := auth.RBAC().GetUserRoles(ctx, args[0])
				if err != nil {
					return err
				}
				if roles == nil {
					roles = []string{}
				}
				return printJSON(cmd, map[string]any{"user_id": args[0], "roles": roles})
			})
		},
	}
}

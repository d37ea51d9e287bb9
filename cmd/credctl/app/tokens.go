package app

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/aloks98/agentauth"
	"github.com/aloks98/agentauth/bearer"
)

func (c *cli) newBearerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bearer",
		Short: "Issue and revoke opaque bearer tokens",
	}
	cmd.AddCommand(c.newBearerIssueCmd(), c.newBearerRevokeCmd())
	return cmd
}

func (c *cli) newBearerIssueCmd() *cobra.Command {
	var (
		perms []string
		opts  bearer.PairOptions
	)

	cmd := &cobra.Command{
		Use:   "issue <client-id>",
		Short: "Issue an access and refresh token pair for a client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withAuth(cmd, func(ctx context.Context, auth *agentauth.Auth) error {
				pair, err := auth.Bearer().GenerateTokenPair(ctx, args[0], perms, &opts)
				if err != nil {
					return err
				}
				return printJSON(cmd, pair)
			})
		},
	}

	cmd.Flags().StringSliceVar(&perms, "permission", nil, "Permission granted to the token (repeatable)")
	cmd.Flags().StringVar(&opts.Scope, "scope", "", "Space separated OAuth2 scope")
	cmd.Flags().DurationVar(&opts.AccessTTL, "access-ttl", 0, "Access token lifetime")
	cmd.Flags().DurationVar(&opts.RefreshTTL, "refresh-ttl", 0, "Refresh token lifetime")
	return cmd
}

func (c *cli) newBearerRevokeCmd() *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "revoke <token>",
		Short: "Revoke a bearer access token, or a refresh token and the tokens it minted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withAuth(cmd, func(ctx context.Context, auth *agentauth.Auth) error {
				if refresh {
					n, err := auth.Bearer().RevokeRefreshToken(ctx, args[0])
					if err != nil {
						return err
					}
					c.logger.Info("refresh token revoked", "access_tokens", n)
					return nil
				}
				existed, err := auth.Bearer().RevokeToken(ctx, args[0])
				if err != nil {
					return err
				}
				c.logger.Info("access token revoked", "existed", existed)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "Treat the token as a refresh token")
	return cmd
}

func (c *cli) newJWTCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jwt",
		Short: "Issue and revoke JWTs",
	}
	cmd.AddCommand(c.newJWTIssueCmd(), c.newJWTServiceCmd(), c.newJWTRevokeCmd())
	return cmd
}

func (c *cli) newJWTIssueCmd() *cobra.Command {
	var uc agentauth.UserContext

	cmd := &cobra.Command{
		Use:   "issue <user-id>",
		Short: "Issue an access and refresh JWT pair for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uc.UserID = args[0]
			return c.withAuth(cmd, func(ctx context.Context, auth *agentauth.Auth) error {
				pair, err := auth.JWT().CreateTokens(ctx, &uc, nil)
				if err != nil {
					return err
				}
				return printJSON(cmd, pair)
			})
		},
	}

	cmd.Flags().StringVar(&uc.Username, "username", "", "Display name")
	cmd.Flags().StringSliceVar(&uc.Roles, "role", nil, "Role claim (repeatable)")
	cmd.Flags().StringSliceVar(&uc.Permissions, "permission", nil, "Permission claim (repeatable)")
	return cmd
}

func (c *cli) newJWTServiceCmd() *cobra.Command {
	var (
		perms []string
		ttl   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "service <service-id>",
		Short: "Issue a service JWT",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withAuth(cmd, func(ctx context.Context, auth *agentauth.Auth) error {
				tok, err := auth.JWT().CreateServiceToken(ctx, args[0], perms, ttl)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]string{"token": tok})
			})
		},
	}

	cmd.Flags().StringSliceVar(&perms, "permission", nil, "Permission claim (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime; zero uses the configured service token lifetime")
	return cmd
}

func (c *cli) newJWTRevokeCmd() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "revoke [token]",
		Short: "Blacklist a JWT, or every token of a user with --user",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (user == "") == (len(args) == 0) {
				return errTokenOrUser
			}
			return c.withAuth(cmd, func(ctx context.Context, auth *agentauth.Auth) error {
				if user != "" {
					n, err := auth.JWT().RevokeAllTokens(ctx, user)
					if err != nil {
						return err
					}
					c.logger.Info("user tokens revoked", "user", user, "sessions", n)
					return nil
				}
				if err := auth.JWT().RevokeToken(ctx, args[0]); err != nil {
					return err
				}
				c.logger.Info("token revoked")
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "Revoke every token issued to this user")
	return cmd
}

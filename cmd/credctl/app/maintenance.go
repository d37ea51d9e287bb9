package app

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/aloks98/agentauth"
	"github.com/aloks98/agentauth/cleanup"
)

var (
	errTokenOrUser   = errors.New("pass either a token or --user")
	errOneCredential = errors.New("pass exactly one of --api-key, --bearer or --jwt")
)

// verifyResult is the output of verify.
type verifyResult struct {
	User    *agentauth.UserContext `json:"user"`
	Allowed *bool                  `json:"allowed,omitempty"`
}

func (c *cli) newVerifyCmd() *cobra.Command {
	var apiKey, bearerToken, jwtToken, perm string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Authenticate a credential and print the resulting principal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var cred agentauth.Credential
			n := 0
			if apiKey != "" {
				cred, n = agentauth.APIKeyCredential{Key: apiKey}, n+1
			}
			if bearerToken != "" {
				cred, n = agentauth.BearerCredential{Token: bearerToken}, n+1
			}
			if jwtToken != "" {
				cred, n = agentauth.JWTCredential{Token: jwtToken}, n+1
			}
			if n != 1 {
				return errOneCredential
			}

			return c.withAuth(cmd, func(ctx context.Context, auth *agentauth.Auth) error {
				uc, err := auth.Authenticate(ctx, cred)
				if err != nil {
					return err
				}
				out := verifyResult{User: uc}
				if perm != "" {
					ok, err := auth.RBAC().HasPermission(ctx, uc, perm)
					if err != nil {
						return err
					}
					out.Allowed = &ok
				}
				return printJSON(cmd, out)
			})
		},
	}

	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key to verify")
	cmd.Flags().StringVar(&bearerToken, "bearer", "", "Bearer token to verify")
	cmd.Flags().StringVar(&jwtToken, "jwt", "", "JWT to verify")
	cmd.Flags().StringVar(&perm, "permission", "", "Also check this permission")
	return cmd
}

func (c *cli) newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired API keys, bearer tokens and blacklist entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withAuth(cmd, func(ctx context.Context, auth *agentauth.Auth) error {
				w := cleanup.NewWorker(&cleanup.Config{Logger: c.logger}, auth.CleanupTasks()...)
				if err := w.RunNow(ctx); err != nil {
					return err
				}
				stats := w.Stats()
				return printJSON(cmd, map[string]any{"deleted": stats.Deleted, "total": stats.Total()})
			})
		},
	}
}

func (c *cli) newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the store is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withAuth(cmd, func(ctx context.Context, auth *agentauth.Auth) error {
				if err := auth.Ping(ctx); err != nil {
					return err
				}
				c.logger.Info("store reachable", "backend", c.v.GetString(keyStore))
				return nil
			})
		},
	}
}

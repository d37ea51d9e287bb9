package app

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/aloks98/agentauth"
	"github.com/aloks98/agentauth/apikey"
)

// createdKey is the output of apikey create. The raw key is shown only here.
type createdKey struct {
	ID        string     `json:"id"`
	Key       string     `json:"key"`
	Hint      string     `json:"hint"`
	ClientID  string     `json:"client_id"`
	Name      string     `json:"name,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (c *cli) newAPIKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	cmd.AddCommand(c.newAPIKeyCreateCmd(), c.newAPIKeyListCmd(), c.newAPIKeyRevokeCmd())
	return cmd
}

func (c *cli) newAPIKeyCreateCmd() *cobra.Command {
	var opts apikey.CreateKeyOptions

	cmd := &cobra.Command{
		Use:   "create <client-id>",
		Short: "Create an API key for a client",
		Long: `Create an API key for a client and print it. The key is shown only once;
the store keeps a salted hash.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withAuth(cmd, func(ctx context.Context, auth *agentauth.Auth) error {
				res, err := auth.APIKeys().CreateKey(ctx, args[0], &opts)
				if err != nil {
					return err
				}
				return printJSON(cmd, createdKey{
					ID:        res.ID,
					Key:       res.RawKey,
					Hint:      res.Hint,
					ClientID:  res.ClientID,
					Name:      res.Name,
					ExpiresAt: res.ExpiresAt,
				})
			})
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "", "Human readable key name")
	cmd.Flags().StringSliceVar(&opts.Permissions, "permission", nil, "Permission granted to the key (repeatable)")
	cmd.Flags().StringSliceVar(&opts.Roles, "role", nil, "Role granted to the key (repeatable)")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 0, "Key lifetime; zero means no expiry")
	return cmd
}

func (c *cli) newAPIKeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <client-id>",
		Short: "List the API keys of a client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withAuth(cmd, func(ctx context.Context, auth *agentauth.Auth) error {
				keys, err := auth.APIKeys().ListKeys(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, keys)
			})
		},
	}
}

func (c *cli) newAPIKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key by its ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withAuth(cmd, func(ctx context.Context, auth *agentauth.Auth) error {
				if err := auth.APIKeys().RevokeByID(ctx, args[0]); err != nil {
					return err
				}
				c.logger.Info("api key revoked", "id", args[0])
				return nil
			})
		},
	}
}

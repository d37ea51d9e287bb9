// Package app provides the commands of the credctl command-line tool.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aloks98/agentauth"
	"github.com/aloks98/agentauth/store"
	"github.com/aloks98/agentauth/store/file"
	"github.com/aloks98/agentauth/store/redis"
	"github.com/aloks98/agentauth/store/sql"
)

// EnvPrefix prefixes environment variables read by credctl, for example
// AGENTAUTH_MASTER_SECRET.
const EnvPrefix = "AGENTAUTH"

// Store backends selectable with --store.
const (
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Flag keys, also used as viper keys.
const (
	keyEnvFile       = "env-file"
	keyDebug         = "debug"
	keyStore         = "store"
	keyDataDir       = "data-dir"
	keyRedisAddr     = "redis-addr"
	keyRedisPassword = "redis-password"
	keyRedisDB       = "redis-db"
	keySQLitePath    = "sqlite-path"
	keyMasterSecret  = "master-secret"
	keyJWTSecret     = "jwt-secret"
	keyIssuer        = "issuer"
	keyAudience      = "audience"
	keyRBACFile      = "rbac-file"
)

// cli carries the configuration shared by all commands of one invocation.
type cli struct {
	v      *viper.Viper
	logger *slog.Logger
}

// NewRootCmd creates a new root command for the credctl CLI.
func NewRootCmd() *cobra.Command {
	c := &cli{v: viper.New(), logger: slog.New(slog.DiscardHandler)}

	rootCmd := &cobra.Command{
		Use:   "credctl",
		Short: "Manage agentauth credentials and roles",
		Long: `credctl administers an agentauth credential store: it issues and revokes
API keys, bearer tokens and JWTs, registers HMAC signing clients, manages
role assignments and runs expiry cleanup.

Every flag can also be set through an AGENTAUTH_ environment variable, for
example AGENTAUTH_MASTER_SECRET or AGENTAUTH_STORE. A .env file in the working
directory is loaded when present.`,
		SilenceUsage:      true,
		PersistentPreRunE: c.preRun,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String(keyEnvFile, "", "Path to a .env file to load")
	flags.Bool(keyDebug, false, "Enable debug logging")
	flags.String(keyStore, BackendFile, "Store backend: file, redis or sqlite")
	flags.String(keyDataDir, ".agentauth", "Directory of the file store")
	flags.String(keyRedisAddr, "localhost:6379", "Redis server address")
	flags.String(keyRedisPassword, "", "Redis password")
	flags.Int(keyRedisDB, 0, "Redis database number")
	flags.String(keySQLitePath, "agentauth.db", "Path of the SQLite database")
	flags.String(keyMasterSecret, "", "Master secret used to derive hashing keys (required)")
	flags.String(keyJWTSecret, "", "JWT signing secret (derived from the master secret when empty)")
	flags.String(keyIssuer, "", "JWT issuer")
	flags.String(keyAudience, "", "JWT audience")
	flags.String(keyRBACFile, "", "Path to an RBAC YAML or JSON file")

	if err := c.v.BindPFlags(flags); err != nil {
		panic(fmt.Sprintf("binding flags: %v", err))
	}
	c.v.SetEnvPrefix(EnvPrefix)
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	rootCmd.AddCommand(
		c.newAPIKeyCmd(),
		c.newBearerCmd(),
		c.newHMACCmd(),
		c.newJWTCmd(),
		c.newRolesCmd(),
		c.newVerifyCmd(),
		c.newCleanupCmd(),
		c.newPingCmd(),
	)

	return rootCmd
}

func (c *cli) preRun(cmd *cobra.Command, _ []string) error {
	if err := loadEnvFile(c.v.GetString(keyEnvFile)); err != nil {
		return err
	}

	level := slog.LevelInfo
	if c.v.GetBool(keyDebug) {
		level = slog.LevelDebug
	}
	c.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	return nil
}

// loadEnvFile loads path into the process environment. An empty path loads
// .env from the working directory if it exists.
func loadEnvFile(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("loading env file %s: %w", path, err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}
	return nil
}

// openStore opens the configured store backend.
func (c *cli) openStore(ctx context.Context) (store.Store, error) {
	switch backend := c.v.GetString(keyStore); backend {
	case BackendFile:
		return file.New(c.v.GetString(keyDataDir))
	case BackendRedis:
		return redis.New(&redis.Config{
			Addr:     c.v.GetString(keyRedisAddr),
			Password: c.v.GetString(keyRedisPassword),
			DB:       c.v.GetInt(keyRedisDB),
		})
	case BackendSQLite:
		return sql.Open(ctx, c.v.GetString(keySQLitePath))
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// open builds an Auth on the configured store. The caller must Close it.
func (c *cli) open(ctx context.Context) (*agentauth.Auth, error) {
	st, err := c.openStore(ctx)
	if err != nil {
		return nil, err
	}

	opts := []agentauth.Option{
		agentauth.WithStore(st),
		agentauth.WithMasterSecret(c.v.GetString(keyMasterSecret)),
		agentauth.WithLogger(c.logger),
		// Commands are short-lived; expiry sweeps run through "cleanup".
		agentauth.WithCleanupInterval(0),
	}
	if secret := c.v.GetString(keyJWTSecret); secret != "" {
		opts = append(opts, agentauth.WithJWTSecret(secret))
	}
	if iss, aud := c.v.GetString(keyIssuer), c.v.GetString(keyAudience); iss != "" || aud != "" {
		opts = append(opts, agentauth.WithIssuer(iss, aud))
	}
	if path := c.v.GetString(keyRBACFile); path != "" {
		opts = append(opts, agentauth.WithRBACFromFile(path))
	}

	auth, err := agentauth.New(opts...)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return auth, nil
}

// withAuth runs fn with an Auth that is closed afterwards.
func (c *cli) withAuth(cmd *cobra.Command, fn func(ctx context.Context, auth *agentauth.Auth) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	auth, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := auth.Close(); cerr != nil {
			c.logger.Warn("closing store", "error", cerr)
		}
	}()
	return fn(ctx, auth)
}

// printJSON writes v to the command's output as indented JSON.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

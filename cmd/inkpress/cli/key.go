package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/inkpress/inkpress/internal/config"
	"github.com/inkpress/inkpress/internal/model"
	"github.com/inkpress/inkpress/internal/service"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long:    "Create, list, revoke, and inspect API keys directly against the key store.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRevokeCmd())
	cmd.AddCommand(newKeyDeleteCmd())
	cmd.AddCommand(newKeyGrantCmd())
	cmd.AddCommand(newKeyUngrantCmd())
	cmd.AddCommand(newKeyCheckCmd())
	cmd.AddCommand(newKeyUsageCmd())

	return cmd
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		opts       service.CreateKeyOptions
		keyType    string
		scopes     []string
		expires    string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long:  "Generate a new API key. The secret is shown once and cannot be retrieved again.",
		Example: `  inkpress key create --type admin --scopes admin --name root
  inkpress key create --owner alice --scopes read,write --name "laptop"
  inkpress key create --type site --owner alice --site <site-id> --name "deploy hook" --expires 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			kt, err := model.ParseKeyType(keyType)
			if err != nil {
				return err
			}
			opts.KeyType = kt
			opts.Scopes = parseScopes(scopes)
			if opts.ExpiresAt, err = parseExpiry(expires); err != nil {
				return err
			}
			return runKeyCreate(cmd, opts, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "", "Human-readable key name (required)")
	cmd.Flags().StringVar(&opts.Description, "description", "", "Key description")
	cmd.Flags().StringVar(&keyType, "type", "user", "Key type: user, site, or admin")
	cmd.Flags().StringVar(&opts.OwnerUserID, "owner", "", "Owning user ID (user and site keys)")
	cmd.Flags().StringVar(&opts.SiteID, "site", "", "Site ID (site keys)")
	cmd.Flags().StringSliceVar(&scopes, "scopes", nil, "Scopes: read, write, delete, admin (default read)")
	cmd.Flags().IntVar(&opts.RateLimitPerMinute, "rate-limit-minute", 0, "Advertised requests per minute (default 60)")
	cmd.Flags().IntVar(&opts.RateLimitPerDay, "rate-limit-day", 0, "Advertised requests per day (default 10000)")
	cmd.Flags().StringVar(&expires, "expires", "", "Expiry as RFC 3339 time or duration from now")
	cmd.Flags().StringSliceVar(&opts.AllowedIPs, "allow-ip", nil, "Allowed client IPs (default any)")
	cmd.Flags().StringSliceVar(&opts.AllowedOrigins, "allow-origin", nil, "Allowed request origins (default any)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.MarkFlagRequired("name")

	return cmd
}

func runKeyCreate(cmd *cobra.Command, opts service.CreateKeyOptions, jsonOutput bool) error {
	store, cfg, err := openConfigStore()
	if err != nil {
		return err
	}
	defer store.Close()

	created, err := service.NewKeyManager(store, store, cfg.Auth.KeyEnv).Create(context.Background(), opts)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, created)
	}

	fmt.Fprintln(out, "API Key created:")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Key:    %s\n", created.Secret)
	fmt.Fprintf(out, "  ID:     %s\n", created.Key.ID)
	fmt.Fprintf(out, "  Type:   %s\n", created.Key.KeyType)
	if created.Key.OwnerUserID != "" {
		fmt.Fprintf(out, "  Owner:  %s\n", created.Key.OwnerUserID)
	}
	if created.Key.SiteID != "" {
		fmt.Fprintf(out, "  Site:   %s\n", created.Key.SiteID)
	}
	fmt.Fprintf(out, "  Scopes: %s\n", joinScopes(created.Key.Scopes))
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  Save this key now - it cannot be retrieved again.")
	return nil
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var (
		owner      string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyList(cmd, owner, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Only keys owned by this user")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runKeyList(cmd *cobra.Command, owner string, jsonOutput bool) error {
	store, _, err := openConfigStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	var keys []model.APIKey
	if owner != "" {
		keys, err = store.ListAPIKeysByOwner(ctx, owner)
	} else {
		keys, err = store.ListAPIKeys(ctx)
	}
	if err != nil {
		return fmt.Errorf("list api keys: %w", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if keys == nil {
			keys = []model.APIKey{}
		}
		return printJSON(out, keys)
	}

	if len(keys) == 0 {
		fmt.Fprintln(out, "No API keys found. Use 'inkpress key create' to create one.")
		return nil
	}

	fmt.Fprintf(out, "%-20s %-6s %-12s %-20s %-18s %-8s\n", "PREFIX", "TYPE", "OWNER", "NAME", "SCOPES", "ACTIVE")
	fmt.Fprintf(out, "%-20s %-6s %-12s %-20s %-18s %-8s\n", "------", "----", "-----", "----", "------", "------")
	for _, k := range keys {
		fmt.Fprintf(out, "%-20s %-6s %-12s %-20s %-18s %-8s\n",
			k.KeyPrefix, k.KeyType, k.OwnerUserID, k.Name, joinScopes(k.Scopes), yesNo(k.IsActive && !k.IsRevoked()))
	}
	return nil
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	var reason, by string

	cmd := &cobra.Command{
		Use:   "revoke <id|prefix>",
		Short: "Revoke an API key",
		Long:  "Deactivate an API key, preventing any further authenticated requests using that key. Revoking twice is a no-op.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRevoke(cmd, args[0], by, reason)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the revocation")
	cmd.Flags().StringVar(&by, "by", "cli", "Actor recorded with the revocation")

	return cmd
}

func runKeyRevoke(cmd *cobra.Command, ref, by, reason string) error {
	store, cfg, err := openConfigStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	key, err := resolveKey(ctx, store, ref)
	if err != nil {
		return err
	}
	revoked, err := service.NewKeyManager(store, store, cfg.Auth.KeyEnv).Revoke(ctx, key.ID, by, reason)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Revoked API key %s (%s) at %s\n",
		revoked.KeyPrefix, revoked.ID, revoked.RevokedAt.Format("2006-01-02 15:04:05 MST"))
	return nil
}

// ---------- key delete ----------

func newKeyDeleteCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:     "delete <id|prefix>",
		Aliases: []string{"rm"},
		Short:   "Permanently delete an API key",
		Long: `Remove an API key together with its site grants and usage history.
Prefer 'inkpress key revoke', which keeps the record for auditing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("deleting %s also erases its usage history; rerun with --force, or use 'inkpress key revoke'", args[0])
			}
			store, _, err := openConfigStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := context.Background()
			key, err := resolveKey(ctx, store, args[0])
			if err != nil {
				return err
			}
			if err := store.DeleteAPIKey(ctx, key.ID); err != nil {
				return fmt.Errorf("delete api key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted API key %s (%s)\n", key.KeyPrefix, key.ID)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Confirm permanent deletion")

	return cmd
}

// ---------- key grant / ungrant ----------

func newKeyGrantCmd() *cobra.Command {
	var scopes []string

	cmd := &cobra.Command{
		Use:     "grant <key id|prefix> <site id>",
		Short:   "Grant a user key scopes on a site",
		Long:    "Give a user key access to a site it neither owns nor is a member of. Granting again replaces the scopes.",
		Example: `  inkpress key grant sk_live_AbC123xY 0190c2d0-... --scopes read,write`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyGrant(cmd, args[0], args[1], parseScopes(scopes))
		},
	}

	cmd.Flags().StringSliceVar(&scopes, "scopes", []string{"read"}, "Scopes to grant: read, write, delete")

	return cmd
}

func runKeyGrant(cmd *cobra.Command, ref, siteID string, scopes model.Scopes) error {
	store, cfg, err := openConfigStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	key, err := resolveKey(ctx, store, ref)
	if err != nil {
		return err
	}
	grant, err := service.NewKeyManager(store, store, cfg.Auth.KeyEnv).GrantSiteAccess(ctx, key.ID, siteID, scopes)
	if err != nil {
		return fmt.Errorf("grant site access: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Granted %s on site %s to key %s\n", joinScopes(grant.Scopes), siteID, key.KeyPrefix)
	return nil
}

func newKeyUngrantCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ungrant <key id|prefix> <site id>",
		Short: "Remove a key's grant on a site",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg, err := openConfigStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := context.Background()
			key, err := resolveKey(ctx, store, args[0])
			if err != nil {
				return err
			}
			err = service.NewKeyManager(store, store, cfg.Auth.KeyEnv).RevokeSiteAccess(ctx, key.ID, args[1])
			if errors.Is(err, config.ErrNotFound) {
				return fmt.Errorf("key %s has no grant on site %s", key.KeyPrefix, args[1])
			}
			if err != nil {
				return fmt.Errorf("remove site access: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed grant on site %s from key %s\n", args[1], key.KeyPrefix)
			return nil
		},
	}
}

// ---------- key check ----------

func newKeyCheckCmd() *cobra.Command {
	var site, scope string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check whether a secret validates",
		Long: `Read an API key secret without echo and report whether it validates.
With --site, also report whether the key may act on that site with --scope.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := readSecret(cmd)
			if err != nil {
				return err
			}
			return runKeyCheck(cmd, secret, site, model.Scope(scope))
		},
	}

	cmd.Flags().StringVar(&site, "site", "", "Site ID to check access against")
	cmd.Flags().StringVar(&scope, "scope", "read", "Scope to check with --site")

	return cmd
}

func readSecret(cmd *cobra.Command) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(cmd.ErrOrStderr(), "API key: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("failed to read key: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read key: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func runKeyCheck(cmd *cobra.Command, secret, siteID string, scope model.Scope) error {
	store, _, err := openConfigStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	out := cmd.OutOrStdout()

	id, err := service.NewAuthService(store).ValidateAPIKey(ctx, secret)
	if errors.Is(err, service.ErrInvalidCredentials) {
		fmt.Fprintln(out, "invalid: key is unknown, inactive, revoked, or expired")
		return err
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "valid: %s key %s (%s)\n", id.KeyType, id.ID, id.Name)
	fmt.Fprintf(out, "  scopes: %s\n", joinScopes(id.Scopes))

	if siteID == "" {
		return nil
	}
	ok, err := service.NewAccessResolver(store, store).HasAccessToSite(ctx, id, siteID, scope)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "  %s on site %s: %s\n", scope, siteID, map[bool]string{true: "allowed", false: "denied"}[ok])
	return nil
}

// ---------- key usage ----------

func newKeyUsageCmd() *cobra.Command {
	var (
		since, until string
		top          int
		jsonOutput   bool
	)

	cmd := &cobra.Command{
		Use:   "usage <id|prefix>",
		Short: "Show usage statistics for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := parseTimeFlag("since", since)
			if err != nil {
				return err
			}
			end, err := parseTimeFlag("until", until)
			if err != nil {
				return err
			}
			return runKeyUsage(cmd, args[0], service.StatsRange{Start: start, End: end}, top, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&since, "since", "", "Start of the window (RFC 3339)")
	cmd.Flags().StringVar(&until, "until", "", "End of the window (RFC 3339)")
	cmd.Flags().IntVar(&top, "top", 0, "Number of top endpoints (default from usage.top_endpoints)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runKeyUsage(cmd *cobra.Command, ref string, rng service.StatsRange, top int, jsonOutput bool) error {
	store, cfg, err := openConfigStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	key, err := resolveKey(ctx, store, ref)
	if err != nil {
		return err
	}
	if top <= 0 {
		top = cfg.Usage.TopEndpoints
	}
	recorder := service.NewUsageRecorder(store, nil, service.UsageRecorderConfig{TopEndpoints: top})
	stats, err := recorder.UsageStats(ctx, key.ID, rng)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, stats)
	}
	fmt.Fprintf(out, "Usage for %s (%s)\n", key.KeyPrefix, key.Name)
	fmt.Fprintf(out, "  total:       %d\n", stats.TotalRequests)
	fmt.Fprintf(out, "  successful:  %d\n", stats.SuccessfulRequests)
	fmt.Fprintf(out, "  failed:      %d\n", stats.FailedRequests)
	fmt.Fprintf(out, "  avg latency: %.1f ms\n", stats.AvgResponseTimeMs)
	if len(stats.TopEndpoints) > 0 {
		fmt.Fprintln(out, "  top endpoints:")
		for _, e := range stats.TopEndpoints {
			fmt.Fprintf(out, "    %6d  %s\n", e.Count, e.Endpoint)
		}
	}
	return nil
}

func joinScopes(s model.Scopes) string {
	parts := make([]string, len(s))
	for i, v := range s {
		parts[i] = string(v)
	}
	return strings.Join(parts, ",")
}

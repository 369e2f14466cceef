package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inkpress/inkpress/internal/model"
)

func newSiteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "site",
		Short: "Manage sites and site membership",
		Long:  "Register sites and manage the members whose keys may act on them.",
	}

	cmd.AddCommand(newSiteCreateCmd())
	cmd.AddCommand(newSiteListCmd())
	cmd.AddCommand(newSiteDeleteCmd())
	cmd.AddCommand(newSiteMembersCmd())
	cmd.AddCommand(newSiteAddMemberCmd())
	cmd.AddCommand(newSiteRemoveMemberCmd())

	return cmd
}

func newSiteCreateCmd() *cobra.Command {
	var name, owner string

	cmd := &cobra.Command{
		Use:     "create",
		Short:   "Register a site",
		Example: `  inkpress site create --name "Alice's Blog" --owner alice`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openConfigStore()
			if err != nil {
				return err
			}
			defer store.Close()

			site := &model.Site{Name: strings.TrimSpace(name), OwnerUserID: strings.TrimSpace(owner)}
			if err := store.CreateSite(context.Background(), site); err != nil {
				return fmt.Errorf("create site: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created site %q (%s) owned by %s\n", site.Name, site.ID, site.OwnerUserID)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Site name (required)")
	cmd.Flags().StringVar(&owner, "owner", "", "Owning user ID (required)")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("owner")

	return cmd
}

func newSiteListCmd() *cobra.Command {
	var (
		owner      string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List sites owned by a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openConfigStore()
			if err != nil {
				return err
			}
			defer store.Close()

			sites, err := store.ListSitesByOwner(context.Background(), owner)
			if err != nil {
				return fmt.Errorf("list sites: %w", err)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if sites == nil {
					sites = []model.Site{}
				}
				return printJSON(out, sites)
			}
			if len(sites) == 0 {
				fmt.Fprintf(out, "No sites owned by %s.\n", owner)
				return nil
			}
			fmt.Fprintf(out, "%-38s %-24s %s\n", "ID", "NAME", "CREATED")
			for _, s := range sites {
				fmt.Fprintf(out, "%-38s %-24s %s\n", s.ID, s.Name, s.CreatedAt.Format("2006-01-02"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owning user ID (required)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.MarkFlagRequired("owner")

	return cmd
}

func newSiteDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <site id>",
		Short: "Delete a site with its memberships and grants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openConfigStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.DeleteSite(context.Background(), args[0]); err != nil {
				return fmt.Errorf("delete site: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted site %s\n", args[0])
			return nil
		},
	}
}

func newSiteMembersCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "members <site id>",
		Short: "List the members of a site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openConfigStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := context.Background()
			if _, err := store.GetSite(ctx, args[0]); err != nil {
				return fmt.Errorf("site %s: %w", args[0], err)
			}
			members, err := store.ListSiteMembers(ctx, args[0])
			if err != nil {
				return fmt.Errorf("list members: %w", err)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if members == nil {
					members = []model.SiteMember{}
				}
				return printJSON(out, members)
			}
			if len(members) == 0 {
				fmt.Fprintln(out, "No members.")
				return nil
			}
			fmt.Fprintf(out, "%-24s %-12s %s\n", "USER", "ROLE", "SINCE")
			for _, m := range members {
				fmt.Fprintf(out, "%-24s %-12s %s\n", m.UserID, m.Role, m.CreatedAt.Format("2006-01-02"))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func newSiteAddMemberCmd() *cobra.Command {
	var role string

	cmd := &cobra.Command{
		Use:   "add-member <site id> <user id>",
		Short: "Add a user to a site",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openConfigStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := context.Background()
			if _, err := store.GetSite(ctx, args[0]); err != nil {
				return fmt.Errorf("site %s: %w", args[0], err)
			}
			m := &model.SiteMember{SiteID: args[0], UserID: args[1], Role: role}
			if err := store.AddSiteMember(ctx, m); err != nil {
				return fmt.Errorf("add member: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s to site %s as %s\n", m.UserID, m.SiteID, m.Role)
			return nil
		},
	}

	cmd.Flags().StringVar(&role, "role", "member", "Member role (any role grants access)")

	return cmd
}

func newSiteRemoveMemberCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-member <site id> <user id>",
		Short: "Remove a user from a site",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openConfigStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.RemoveSiteMember(context.Background(), args[0], args[1]); err != nil {
				return fmt.Errorf("remove member: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s from site %s\n", args[1], args[0])
			return nil
		},
	}
}

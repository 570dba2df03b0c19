package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/oarkflow/access"
	"github.com/oarkflow/access/stores"
)

var (
	checkGroup     bool
	groupsDirect   bool
	usersRecursive bool
	actionsXPath   string
	rulesInherit   bool
	auditPrincipal string
	auditLimit     int
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the ACL tables",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd)
		if err != nil {
			return err
		}
		defer e.close()
		if err := stores.Migrate(e.db, e.cfg.Database.TablePrefix); err != nil {
			return err
		}
		e.log.Info("tables created", "driver", e.cfg.Database.Driver, "prefix", e.cfg.Database.TablePrefix)
		return nil
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed [file]",
	Short: "Load fixture data from the config file or from [file]",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd)
		if err != nil {
			return err
		}
		defer e.close()
		seed := e.cfg.Seed
		if len(args) == 1 {
			fixture, err := access.NewConfigLoader().LoadFile(args[0])
			if err != nil {
				return err
			}
			seed = fixture.Seed
		}
		if seed == nil {
			return fmt.Errorf("no seed data found")
		}
		if err := e.store.Seed(cmd.Context(), seed); err != nil {
			return err
		}
		e.log.Info("seed loaded",
			"assets", len(seed.Assets),
			"groups", len(seed.Groups),
			"memberships", len(seed.Memberships),
			"permissions", len(seed.Permissions),
			"view_levels", len(seed.ViewLevels))
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check <identity> <action> [asset]",
	Short: "Evaluate an action for a user (or a group with --group)",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		var asset access.AssetRef
		if len(args) == 3 {
			asset = access.ParseAssetRef(args[2])
		}
		e, err := openEnv(cmd)
		if err != nil {
			return err
		}
		defer e.close()
		allowed, err := e.engine.IsAllowed(cmd.Context(), id, args[1], asset, checkGroup)
		if err != nil {
			return err
		}
		result := "denied"
		if allowed {
			result = "allowed"
		}
		return printTable(cmd.OutOrStdout(), []string{"principal", "action", "asset", "result"}, [][]string{{
			access.PrincipalString(id, checkGroup), args[1], displayAsset(asset), result,
		}})
	},
}

var groupsCmd = &cobra.Command{
	Use:   "groups <user>",
	Short: "List the groups of a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := parseID(args[0])
		if err != nil {
			return err
		}
		e, err := openEnv(cmd)
		if err != nil {
			return err
		}
		defer e.close()
		groups, err := e.engine.GetGroupsByUser(cmd.Context(), userID, !groupsDirect)
		if err != nil {
			return err
		}
		return printGroups(cmd, e, groups)
	},
}

var pathCmd = &cobra.Command{
	Use:   "path <group>",
	Short: "Show the chain of groups from the root to <group>",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		groupID, err := parseID(args[0])
		if err != nil {
			return err
		}
		e, err := openEnv(cmd)
		if err != nil {
			return err
		}
		defer e.close()
		path, err := e.engine.GetGroupPath(cmd.Context(), groupID)
		if err != nil {
			return err
		}
		if len(path) == 0 {
			return fmt.Errorf("group %d not found", groupID)
		}
		return printGroups(cmd, e, path)
	},
}

var usersCmd = &cobra.Command{
	Use:   "users <group>",
	Short: "List the users mapped to a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		groupID, err := parseID(args[0])
		if err != nil {
			return err
		}
		e, err := openEnv(cmd)
		if err != nil {
			return err
		}
		defer e.close()
		users, err := e.engine.GetUsersByGroup(cmd.Context(), groupID, usersRecursive)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(users))
		for _, u := range users {
			rows = append(rows, []string{strconv.FormatInt(u, 10)})
		}
		return printTable(cmd.OutOrStdout(), []string{"user"}, rows)
	},
}

var viewLevelsCmd = &cobra.Command{
	Use:   "viewlevels <user>",
	Short: "List the view levels a user may see",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := parseID(args[0])
		if err != nil {
			return err
		}
		e, err := openEnv(cmd)
		if err != nil {
			return err
		}
		defer e.close()
		levels, err := e.engine.GetAuthorisedViewLevels(cmd.Context(), userID)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(levels))
		for _, l := range levels {
			rows = append(rows, []string{strconv.FormatInt(l, 10)})
		}
		return printTable(cmd.OutOrStdout(), []string{"level"}, rows)
	},
}

var actionsCmd = &cobra.Command{
	Use:   "actions <manifest>",
	Short: "List the actions declared in an access manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		actions, err := access.GetActionsFromFile(args[0], actionsXPath)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(actions))
		for _, a := range actions {
			rows = append(rows, []string{a.Name, a.Title, a.Description})
		}
		return printTable(cmd.OutOrStdout(), []string{"name", "title", "description"}, rows)
	},
}

var rulesCmd = &cobra.Command{
	Use:   "rules [asset]",
	Short: "Show the merged rules of an asset",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var asset access.AssetRef
		if len(args) == 1 {
			asset = access.ParseAssetRef(args[0])
		}
		e, err := openEnv(cmd)
		if err != nil {
			return err
		}
		defer e.close()
		rules, err := e.engine.GetAssetRules(cmd.Context(), asset, rulesInherit)
		if err != nil {
			return err
		}
		rows := make([][]string, 0)
		for _, action := range rules.Actions() {
			ids := rules.Identities(action)
			keys := make([]access.Identity, 0, len(ids))
			for id := range ids {
				keys = append(keys, id)
			}
			sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
			for _, id := range keys {
				value := "deny"
				if ids[id] {
					value = "allow"
				}
				rows = append(rows, []string{action, identityLabel(id), value})
			}
		}
		return printTable(cmd.OutOrStdout(), []string{"action", "identity", "value"}, rows)
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recorded access decisions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd)
		if err != nil {
			return err
		}
		defer e.close()
		auditStore, err := stores.NewSQLAuditStore(e.db, e.cfg.Database.TablePrefix)
		if err != nil {
			return err
		}
		entries, err := auditStore.GetAccessLog(cmd.Context(), access.AuditFilter{
			Principal: auditPrincipal,
			Limit:     auditLimit,
		})
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(entries))
		for _, en := range entries {
			rows = append(rows, []string{
				en.Timestamp.Format("2006-01-02 15:04:05"),
				en.Principal,
				en.Action,
				en.Asset,
				strconv.FormatBool(en.Allowed),
				en.Error,
			})
		}
		return printTable(cmd.OutOrStdout(), []string{"time", "principal", "action", "asset", "allowed", "error"}, rows)
	},
}

func init() {
	checkCmd.Flags().BoolVarP(&checkGroup, "group", "g", false, "Treat <identity> as a group id")
	groupsCmd.Flags().BoolVar(&groupsDirect, "direct", false, "Only list directly mapped groups")
	usersCmd.Flags().BoolVarP(&usersRecursive, "recursive", "r", false, "Include users of descendant groups")
	actionsCmd.Flags().StringVar(&actionsXPath, "xpath", access.DefaultActionsXPath, "Path of the section holding the actions")
	rulesCmd.Flags().BoolVar(&rulesInherit, "inherit", true, "Include rules inherited from ancestors")
	auditCmd.Flags().StringVar(&auditPrincipal, "principal", "", "Only show decisions for this principal, e.g. user:42")
	auditCmd.Flags().IntVarP(&auditLimit, "limit", "n", 50, "Maximum number of entries")
}

func printGroups(cmd *cobra.Command, e *env, ids []int64) error {
	rows := make([][]string, 0, len(ids))
	for _, id := range ids {
		title, err := e.engine.GetGroupTitle(cmd.Context(), id)
		if err != nil {
			return err
		}
		rows = append(rows, []string{strconv.FormatInt(id, 10), title})
	}
	return printTable(cmd.OutOrStdout(), []string{"id", "title"}, rows)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func displayAsset(a access.AssetRef) string {
	if a.IsZero() {
		return "(root)"
	}
	return a.String()
}

func identityLabel(id access.Identity) string {
	if id < 0 {
		return "user:" + strconv.FormatInt(int64(-id), 10)
	}
	return "group:" + strconv.FormatInt(int64(id), 10)
}

// Package main: tblctl, консольный доступ к копированию и проверке деревьев.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"treeleaf/internal/app"
	"treeleaf/internal/config"
	"treeleaf/internal/copier"
	"treeleaf/internal/integrity"
	"treeleaf/internal/logging"
	"treeleaf/internal/model"
	"treeleaf/internal/repeat"
	"treeleaf/internal/store"
	"treeleaf/internal/submission"
)

type globals struct {
	configPath  string
	db          string
	logLevel    string
	seedPath    string
	autoMigrate bool
}

// env: то, что открывается на время одной команды.
type env struct {
	log    zerolog.Logger
	store  store.Store
	repeat *repeat.Service
	close  func()
}

func (g *globals) open(cmd *cobra.Command) (*env, error) {
	cfg, err := config.LoadWithPath(g.configPath, nil)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("db") {
		cfg.DBURL = g.db
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = g.logLevel
	}
	if flags.Changed("auto-migrate") {
		cfg.AutoMigrate = g.autoMigrate
	}
	if flags.Changed("seed") {
		cfg.SeedPath = g.seedPath
	}

	lg, err := logging.New().FromBuffer(cmd.ErrOrStderr()).Level(cfg.LogLevel).Console(true).Make()
	if err != nil {
		return nil, err
	}
	ctx := cmd.Context()
	st, closeStore, err := app.OpenStore(ctx, cfg, lg.Logger)
	if err != nil {
		return nil, err
	}
	if cfg.SeedPath != "" {
		if _, err := app.Seed(ctx, st, cfg.SeedPath, lg.Logger); err != nil {
			_ = closeStore()
			return nil, err
		}
	}
	engine := copier.New(lg.Logger)
	return &env{
		log:    lg.Logger,
		store:  st,
		repeat: repeat.NewService(st, engine, submission.New(lg.Logger), lg.Logger),
		close:  func() { _ = closeStore(); _ = lg.Close() },
	}, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "tblctl",
		Short:         "TreeBranchLeaf copy and integrity tool",
		Long:          `tblctl plans and executes repeater instances, deep-copies nodes and reports orphaned variables and displays.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "config.json", "Path to config (JSON or YAML)")
	pf.StringVar(&g.db, "db", "", "postgres:// or sqlite path (empty = in-memory)")
	pf.StringVar(&g.logLevel, "log-level", "warn", "debug|info|warn|error")
	pf.StringVar(&g.seedPath, "seed", "", "YAML fixture file or directory to load first")
	pf.BoolVar(&g.autoMigrate, "auto-migrate", false, "Apply DDL before running")

	root.AddCommand(
		newCheckCmd(g),
		newPlanCmd(g),
		newExecuteCmd(g),
		newCopyCmd(g),
		newSeedCmd(g),
	)
	return root
}

// errIssues: check нашёл нарушения; код выхода 1.
type errIssues int

func (e errIssues) Error() string { return fmt.Sprintf("%d integrity issue(s)", int(e)) }

func newCheckCmd(g *globals) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "check <tree-id>",
		Short: "Report orphaned variables, displays and dangling references",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			var tree *model.Tree
			err = e.store.View(cmd.Context(), func(tx store.Tx) error {
				var err error
				tree, err = tx.LoadTree(cmd.Context(), args[0])
				return err
			})
			if err != nil {
				return err
			}
			issues := integrity.Check(tree)
			integrity.SortByCode(issues)
			out := cmd.OutOrStdout()
			if asJSON {
				if err := printJSON(out, issues); err != nil {
					return err
				}
			} else {
				for _, i := range issues {
					fmt.Fprintf(out, "%-26s %-9s %-30s %s\n", i.Code, i.Kind, i.ID, i.Message)
				}
				fmt.Fprintf(out, "%s: %d node(s), %d issue(s)\n", tree.ID, len(tree.Nodes), len(issues))
			}
			if len(issues) > 0 {
				return errIssues(len(issues))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func instanceFlags(cmd *cobra.Command, o *repeat.Options) {
	cmd.Flags().IntVar(&o.Suffix, "suffix", 0, "Copy suffix (0 = next free)")
	cmd.Flags().StringVar(&o.ScopeID, "scope", "", "Scope node (default: the repeater)")
	cmd.Flags().StringVar(&o.Actor, "actor", "", "Recorded in copy metadata")
}

func newPlanCmd(g *globals) *cobra.Command {
	var opts repeat.Options
	cmd := &cobra.Command{
		Use:   "plan <repeater-id>",
		Short: "Show what a new repeater instance would create",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer e.close()
			p, err := e.repeat.PlanInstances(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), p)
		},
	}
	instanceFlags(cmd, &opts)
	return cmd
}

func newExecuteCmd(g *globals) *cobra.Command {
	var opts repeat.Options
	cmd := &cobra.Command{
		Use:   "execute <repeater-id>",
		Short: "Create a new repeater instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer e.close()
			res, err := e.repeat.ExecuteInstances(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	instanceFlags(cmd, &opts)
	return cmd
}

func newCopyCmd(g *globals) *cobra.Command {
	var req copier.Request
	cmd := &cobra.Command{
		Use:   "copy <node-id>",
		Short: "Deep-copy a node with its capacities, variables and displays",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer e.close()
			req.RootID = args[0]
			res, err := e.repeat.Copy(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	f := cmd.Flags()
	f.IntVar(&req.Suffix, "suffix", 0, "Copy suffix (0 = next free)")
	f.StringVar(&req.TargetParentID, "parent", "", "New parent (default: the source parent)")
	f.StringVar(&req.ScopeID, "scope", "", "Scope node for template rewrites")
	f.BoolVar(&req.ForkSharedRefs, "fork-shared", false, "Copy shared references instead of pooling them")
	return cmd
}

func newSeedCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file-or-dir>",
		Short: "Load YAML tree fixtures",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer e.close()
			trees, err := app.Seed(cmd.Context(), e.store, args[0], e.log)
			if err != nil {
				return err
			}
			for _, t := range trees {
				fmt.Fprintln(cmd.OutOrStdout(), t)
			}
			return nil
		},
	}
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

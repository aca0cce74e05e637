package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/eventstore/sqlite"
	"github.com/Martian-dev/mailsync/internal/logging"
)

var (
	// Set via -ldflags at build time.
	version = "dev"
)

type cli struct {
	configPath string
	cfg        *config.Config
	log        zerolog.Logger
}

func main() {
	c := &cli{}
	rootCmd := &cobra.Command{
		Use:           "mailsync",
		Short:         "Bidirectional mail synchronization daemon",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			log, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			c.cfg, c.log = cfg, log
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", config.DefaultConfigPath(), "Path to the YAML config file")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the scheduler, event dispatcher and admin API",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd.Context(), c.cfg, c.log)
			},
		},
		&cobra.Command{
			Use:   "sync <account> [folder]",
			Short: "Run one sync cycle for an account and exit",
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				folder := ""
				if len(args) == 2 {
					folder = args[1]
				}
				return runSyncOnce(cmd.Context(), c.cfg, c.log, args[0], folder)
			},
		},
		c.queueCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mailsync:", err)
		os.Exit(1)
	}
}

func (c *cli) queueCommand() *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the offline operation queue",
	}

	withState := func(fn func(cmd *cobra.Command, st *sqlite.Store, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			st, err := sqlite.Open(c.cfg.Store.Driver, c.cfg.Store.StatePath())
			if err != nil {
				return err
			}
			defer st.Close()
			return fn(cmd, st, args)
		}
	}

	queueCmd.AddCommand(
		&cobra.Command{
			Use:   "status <account>",
			Short: "Count pending and dead operations",
			Args:  cobra.ExactArgs(1),
			RunE: withState(func(cmd *cobra.Command, st *sqlite.Store, args []string) error {
				qs, err := st.Status(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(qs)
			}),
		},
		&cobra.Command{
			Use:   "dead <account>",
			Short: "List dead-lettered operations",
			Args:  cobra.ExactArgs(1),
			RunE: withState(func(cmd *cobra.Command, st *sqlite.Store, args []string) error {
				ops, err := st.DeadLetters(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(ops)
			}),
		},
		&cobra.Command{
			Use:   "requeue <op-id>",
			Short: "Return a dead operation to the queue with a fresh retry budget",
			Args:  cobra.ExactArgs(1),
			RunE: withState(func(cmd *cobra.Command, st *sqlite.Store, args []string) error {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid operation id %q", args[0])
				}
				op, err := st.Requeue(cmd.Context(), id)
				if err != nil {
					return err
				}
				c.log.Info().Int64("op_id", op.ID).Str("account", op.AccountID).Msg("Operation requeued")
				return printJSON(op)
			}),
		},
	)
	return queueCmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Package cli implements the shipflow command line: a worker process and
// one-shot commands that create, resolve and inspect shipments against the
// configured store.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/petrijr/shipflow"
	"github.com/petrijr/shipflow/internal/config"
	"github.com/petrijr/shipflow/pkg/shipment"
)

type app struct {
	configPath string
	store      string
	out        io.Writer
	errOut     io.Writer
}

// NewRootCommand builds the shipflow command tree. Command output goes to
// out; logs go to errOut.
func NewRootCommand(out, errOut io.Writer) *cobra.Command {
	a := &app{out: out, errOut: errOut}

	root := &cobra.Command{
		Use:           "shipflow",
		Short:         "Durable shipment lifecycle workflows",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&a.store, "store", "", "store backend (memory, sqlite, postgres, redis, mongo)")

	root.AddCommand(
		a.workerCmd(),
		a.createCmd(),
		a.resolveCmd(),
		a.cancelCmd(),
		a.statusCmd(),
		a.listCmd(),
		a.historyCmd(),
		a.verifyCmd(),
	)
	return root
}

// open loads configuration and builds a runtime over the configured store.
// The caller must call the returned close function.
func (a *app) open(ctx context.Context) (*shipflow.Runtime, config.Config, func(), error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, cfg, nil, err
	}
	if a.store != "" {
		cfg.Store.Backend = a.store
		if err := cfg.Validate(); err != nil {
			return nil, cfg, nil, err
		}
	}
	logger, err := config.NewLogger(cfg.Log, a.errOut)
	if err != nil {
		return nil, cfg, nil, err
	}
	backend, err := config.OpenBackend(ctx, cfg)
	if err != nil {
		return nil, cfg, nil, err
	}
	rt, err := shipflow.NewRuntime(backend, cfg.RuntimeConfig(logger))
	if err != nil {
		_ = backend.Close()
		return nil, cfg, nil, err
	}
	closeFn := func() {
		if err := backend.Close(); err != nil {
			logger.Warn("close backend", "error", err)
		}
	}
	return rt, cfg, closeFn, nil
}

func (a *app) workerCmd() *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the timer service and task workers until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, cfg, closeFn, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			if concurrency <= 0 {
				concurrency = cfg.Workers.Concurrency
			}
			if err := rt.Start(ctx, concurrency); err != nil {
				return err
			}
			<-ctx.Done()
			return rt.Stop()
		},
	}
	cmd.Flags().IntVarP(&concurrency, "concurrency", "n", 0, "number of worker loops (default from config)")
	return cmd
}

func (a *app) createCmd() *cobra.Command {
	var (
		in   shipment.Input
		seed int64
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Enqueue a new shipment lifecycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, _, closeFn, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			if cmd.Flags().Changed("seed") {
				s := uint64(seed)
				in.Seed = &s
			}
			id, err := rt.Create(ctx, in)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Created shipment %s\n", id)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&in.ShipmentID, "id", "", "shipment ID (generated when empty)")
	f.StringVar(&in.Project, "project", "", "project name")
	f.StringVar(&in.Supplier, "supplier", "", "supplier name")
	f.StringVar(&in.Origin, "origin", "", "origin")
	f.StringVar(&in.Destination, "destination", "", "destination")
	f.IntVar(&in.CargoValue, "value", 0, "cargo value")
	f.StringVar(&in.Priority, "priority", "", "priority")
	f.StringVar(&in.ContainerType, "container", "", "container type")
	f.Int64Var(&seed, "seed", 0, "seed for reproducible customs and cost decisions")
	_ = cmd.MarkFlagRequired("destination")
	return cmd
}

func (a *app) resolveCmd() *cobra.Command {
	var (
		token string
		sync  bool
	)
	cmd := &cobra.Command{
		Use:   "resolve <shipment-id> <strategy>",
		Short: "Choose a resolution strategy for a shipment awaiting resolution",
		Long: "Strategies: " + strings.Join(strategyNames(), ", ") + ".\n" +
			"By default the resolve signal is queued for the workers; --sync delivers it\n" +
			"in this process and reports a shipment that is not waiting.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, _, closeFn, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			id, strategy := args[0], args[1]
			if !sync {
				taskID, err := rt.Resolve(ctx, id, strategy, token)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Queued %s for shipment %s (task %s)\n", strategy, id, taskID)
				return nil
			}
			s, err := rt.ResolveNow(ctx, id, strategy, token)
			if err != nil {
				return err
			}
			return a.printJSON(s)
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "dedup token; a repeated token is ignored")
	cmd.Flags().BoolVar(&sync, "sync", false, "deliver in this process instead of queueing")
	return cmd
}

func (a *app) cancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <shipment-id>",
		Short: "Cancel a shipment that has not finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, _, closeFn, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			s, err := rt.Cancel(ctx, args[0], reason)
			if err != nil {
				return err
			}
			return a.printJSON(s)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "cancelled from the command line", "cancellation reason")
	return cmd
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <shipment-id>",
		Short: "Show the current state of a shipment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, _, closeFn, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			s, err := rt.Query(ctx, args[0])
			if err != nil {
				return err
			}
			return a.printJSON(s)
		},
	}
}

func (a *app) listCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List shipments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, _, closeFn, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			shipments, err := rt.List(ctx, shipflow.Status(strings.ToUpper(status)))
			if err != nil {
				return err
			}
			if len(shipments) == 0 {
				fmt.Fprintln(a.out, "No shipments found.")
				return nil
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tSTAGE\tDESTINATION\tSTRATEGY\tCOST\tUPDATED")
			for _, s := range shipments {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					s.ShipmentID, s.Status, s.Stage, s.Destination, s.Strategy, s.Cost,
					s.UpdatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only shipments with this status (RUNNING, SUSPENDED, COMPLETED, FAILED)")
	return cmd
}

func (a *app) historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <shipment-id>",
		Short: "Print the event log of a shipment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, _, closeFn, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			events, err := rt.Engine.History(ctx, args[0])
			if err != nil {
				return err
			}
			for _, ev := range events {
				fmt.Fprintf(a.out, "%4d  %s  %-18s %s\n",
					ev.Seq, ev.At.Format(time.RFC3339Nano), ev.Kind, ev.Payload)
			}
			return nil
		},
	}
}

func (a *app) verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <shipment-id>",
		Short: "Replay a shipment against its definition without writing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, _, closeFn, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := rt.Engine.Verify(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Shipment %s replays cleanly\n", args[0])
			return nil
		},
	}
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func strategyNames() []string {
	var names []string
	for _, s := range shipment.Strategies() {
		names = append(names, string(s))
	}
	return names
}

package cmds

import (
	"context"

	"github.com/go-go-golems/desktopctl/pkg/scenariosync"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Show, edit or clear the server-side state of a scenario",
	}
	cmd.AddCommand(newStateShowCmd())
	cmd.AddCommand(newStateSetCmd())
	cmd.AddCommand(newStateClearCmd())
	return cmd
}

type syncHandle struct {
	sync  *scenariosync.Synchronizer
	close func()
}

func openSynchronizer(opts rootOptions, hooks scenariosync.Hooks) (*syncHandle, error) {
	c, err := newClient(opts)
	if err != nil {
		return nil, err
	}
	drafts, closeDrafts := openDrafts(opts)
	s, err := scenariosync.New(scenariosync.Options{
		API:               c,
		Staleness:         c,
		Drafts:            drafts,
		Hooks:             hooks,
		Debounce:          opts.File.Sync.Debounce,
		RetryDelay:        opts.File.Sync.RetryDelay,
		StalenessInterval: opts.File.Sync.StalenessInterval,
		StalenessRetry:    opts.File.Sync.StalenessRetry,
	})
	if err != nil {
		closeDrafts()
		return nil, err
	}
	return &syncHandle{sync: s, close: func() {
		s.Close()
		closeDrafts()
	}}, nil
}

func requestContext(cmd *cobra.Command, opts rootOptions) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), opts.File.Server.Timeout)
}

func newStateShowCmd() *cobra.Command {
	var scenario string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the saved form state of a scenario",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			h, err := openSynchronizer(opts, scenariosync.Hooks{})
			if err != nil {
				return err
			}
			defer h.close()

			ctx, cancel := requestContext(cmd, opts)
			defer cancel()
			if err := h.sync.Load(ctx, scenario); err != nil {
				return err
			}
			return printJSON(cmd, h.sync.Snapshot())
		},
	}
	cmd.Flags().StringVar(&scenario, "scenario", "", "Scenario name")
	_ = cmd.MarkFlagRequired("scenario")
	return cmd
}

func newStateSetCmd() *cobra.Command {
	var (
		scenario   string
		onConflict string
	)
	cmd := &cobra.Command{
		Use:   "set key=value...",
		Short: "Merge values into the scenario form state and save them",
		Long: "Values are parsed as JSON when possible (numbers, booleans, objects) and kept as strings otherwise.\n" +
			"Dotted keys address nested fields, e.g. services.api.port=8080.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch onConflict {
			case "fail", string(scenariosync.ResolveServer), string(scenariosync.ResolveLocal):
			default:
				return errors.Errorf("invalid --on-conflict %q (want fail|server|local)", onConflict)
			}
			partial, err := parseAssignments(args)
			if err != nil {
				return err
			}
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			h, err := openSynchronizer(opts, scenariosync.Hooks{})
			if err != nil {
				return err
			}
			defer h.close()

			ctx, cancel := requestContext(cmd, opts)
			defer cancel()
			if err := h.sync.Load(ctx, scenario); err != nil {
				return err
			}
			if err := h.sync.Update(partial); err != nil {
				return err
			}
			err = h.sync.SaveNow(ctx)
			if errors.Is(err, scenariosync.ErrConflict) && onConflict != "fail" {
				log.Warn().Str("scenario", scenario).Str("resolution", onConflict).Msg("resolving save conflict")
				err = h.sync.ResolveConflict(ctx, scenariosync.Resolution(onConflict))
			}
			if err != nil {
				return err
			}
			return printJSON(cmd, h.sync.Snapshot())
		},
	}
	cmd.Flags().StringVar(&scenario, "scenario", "", "Scenario name")
	cmd.Flags().StringVar(&onConflict, "on-conflict", "fail", "What to do when the server state changed meanwhile: fail|server|local")
	_ = cmd.MarkFlagRequired("scenario")
	return cmd
}

func newStateClearCmd() *cobra.Command {
	var scenario string
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the saved state and the local draft of a scenario",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			h, err := openSynchronizer(opts, scenariosync.Hooks{})
			if err != nil {
				return err
			}
			defer h.close()

			ctx, cancel := requestContext(cmd, opts)
			defer cancel()
			if err := h.sync.Load(ctx, scenario); err != nil {
				return err
			}
			if err := h.sync.Clear(ctx); err != nil {
				return err
			}
			log.Info().Str("scenario", scenario).Msg("scenario state cleared")
			return nil
		},
	}
	cmd.Flags().StringVar(&scenario, "scenario", "", "Scenario name")
	_ = cmd.MarkFlagRequired("scenario")
	return cmd
}

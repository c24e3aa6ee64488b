package cmds

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newDraftCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "draft",
		Short: "Inspect drafts kept locally while the server was unreachable",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List non-expired drafts, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			cache, closeDrafts := openDrafts(opts)
			defer closeDrafts()

			type row struct {
				Scenario  string `json:"scenario"`
				UpdatedAt string `json:"updated_at"`
				ExpiresAt string `json:"expires_at"`
				Keys      int    `json:"keys"`
			}
			rows := []row{}
			for _, d := range cache.List() {
				rows = append(rows, row{
					Scenario:  d.ScenarioName,
					UpdatedAt: d.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
					ExpiresAt: d.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"),
					Keys:      len(d.Payload),
				})
			}
			return printJSON(cmd, map[string]any{"drafts": rows})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show SCENARIO",
		Short: "Print one draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			cache, closeDrafts := openDrafts(opts)
			defer closeDrafts()

			d := cache.Load(args[0])
			if d == nil {
				return errors.Errorf("no draft for scenario %q", args[0])
			}
			return printJSON(cmd, d)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear SCENARIO",
		Short: "Discard one draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			cache, closeDrafts := openDrafts(opts)
			defer closeDrafts()
			cache.Clear(args[0])
			return nil
		},
	})
	return cmd
}

package cmds

import (
	"github.com/spf13/cobra"
)

func AddCommands(root *cobra.Command) error {
	root.AddCommand(newStateCmd())
	root.AddCommand(newDraftCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newWatchCmd())
	return nil
}

package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/javanstorm/isohost/internal/embedder"
	"github.com/javanstorm/isohost/internal/settings"
	"github.com/javanstorm/isohost/internal/snapshot"
)

var flagsCmd = &cobra.Command{
	Use:   "flags",
	Short: "Print the VM flags the current settings produce",
	Long: `Print the flag vector passed to the VM, one flag per line, in the order
the VM receives it. Nothing is started.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s := currentSettings()
		locator, err := newLocator(s)
		if err != nil {
			return err
		}
		printFlags(os.Stdout, s, locator)
		return nil
	},
}

func printFlags(w io.Writer, s *settings.Settings, locator snapshot.Locator) {
	for _, f := range embedder.BuildFlags(embedder.NewVMConfig(s, locator)) {
		fmt.Fprintln(w, f)
	}
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/javanstorm/isohost/internal/embedder"
	"github.com/javanstorm/isohost/internal/version"
	"github.com/javanstorm/isohost/pkg/vmapi/wazerovm"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print the version, commit hash, build date and VM engine of isohost.",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("isohost %s\n", version.Version)
		fmt.Printf("  Commit:          %s\n", version.Commit)
		fmt.Printf("  Build Date:      %s\n", version.BuildDate)
		fmt.Printf("  VM:              %s\n", wazerovm.New().Version())
		fmt.Printf("  Service Isolate: %t\n", embedder.ServiceIsolateSupported)
	},
}

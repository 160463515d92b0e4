package gwconfig

import "github.com/spf13/cobra"

// Flags holds the command-line overrides recognized by the gateway
// daemon, grounded on the teacher's ap-factory/factory.go persistent-flag
// pattern (bound directly to package-level-equivalent struct fields
// rather than read back out of cobra after Execute).
type Flags struct {
	ConfigFile string
	DevMode    bool
	LogLevel   string
}

// NewRootCommand builds the gateway daemon's root cobra command. run is
// invoked once flags are parsed, mirroring the teacher's RunE-per-
// subcommand style collapsed to a single-command daemon.
func NewRootCommand(flags *Flags, run func(*cobra.Command, []string) error) *cobra.Command {
	root := &cobra.Command{
		Use:   "gw.agentd",
		Short: "Edge gateway core daemon",
		Args:  cobra.NoArgs,
		RunE:  run,
	}
	root.PersistentFlags().StringVarP(&flags.ConfigFile, "config", "c", "gateway.yaml", "gateway configuration file")
	root.PersistentFlags().BoolVarP(&flags.DevMode, "dev", "d", false, "use development-mode logging")
	root.PersistentFlags().StringVarP(&flags.LogLevel, "log-level", "l", "", "override the configured log level")
	return root
}

// Package commands defines the Cobra commands of gatewayctl.
package commands

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

type globalFlags struct {
	server   string
	adminKey string
	timeout  time.Duration
}

// NewRootCmd constructs the root command all subcommands attach to.
func NewRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "gatewayctl",
		Short: "Manage backend servers of a running RAG gateway",
		Long: `gatewayctl talks to the gateway HTTP API.

The gateway address defaults to GATEWAY_URL and the admin key to
ADMIN_API_KEY; both can be overridden with flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.server, "server", envOr("GATEWAY_URL", "http://127.0.0.1:8080"), "Gateway base URL")
	root.PersistentFlags().StringVar(&flags.adminKey, "admin-key", os.Getenv("ADMIN_API_KEY"), "Bearer key for /admin endpoints")
	root.PersistentFlags().DurationVar(&flags.timeout, "timeout", 10*time.Second, "Request timeout")

	root.AddCommand(
		newRegisterCmd(flags),
		newUnregisterCmd(flags),
		newServersCmd(flags),
		newModelsCmd(flags),
		newInfoCmd(flags),
		newVersionCmd(),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

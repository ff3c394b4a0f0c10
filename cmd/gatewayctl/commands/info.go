package commands

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/kirillkom/rag-gateway/internal/version"
)

func newModelsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List models advertised by the chat servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := newAPIClient(flags).do(cmd.Context(), http.MethodGet, "/v1/models", nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
}

func newInfoCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show gateway version, RAG defaults and backend counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := newAPIClient(flags).do(cmd.Context(), http.MethodGet, "/v1/info", nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gatewayctl version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "gatewayctl %s\n", version.Version)
		},
	}
}

package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newRegisterCmd(flags *globalFlags) *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "register <url>",
		Short: "Register a downstream server",
		Long: `Register an OpenAI-compatible server under a role.

Examples:
  gatewayctl register --kind chat http://llm:8000
  gatewayctl register --kind embeddings http://embedder:8001`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newAPIClient(flags).do(cmd.Context(), http.MethodPost, "/admin/servers/register", map[string]string{
				"url":  args[0],
				"kind": kind,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", "chat", "Server role: chat, embeddings, image, audio or tts")
	return cmd
}

func newUnregisterCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "unregister <server-id>",
		Short: "Remove a registered server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newAPIClient(flags).do(cmd.Context(), http.MethodPost, "/admin/servers/unregister", map[string]string{
				"server_id": args[0],
			})
			if err != nil {
				return err
			}
			var resp struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(data, &resp); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	}
}

type serverRow struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	Health    string `json:"health"`
	LastProbe string `json:"last_probe"`
}

func newServersCmd(flags *globalFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "servers",
		Aliases: []string{"ls", "list"},
		Short:   "List registered servers grouped by role",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := newAPIClient(flags).do(cmd.Context(), http.MethodGet, "/admin/servers", nil)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), data)
			}

			var grouped map[string][]serverRow
			if err := json.Unmarshal(data, &grouped); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			roles := make([]string, 0, len(grouped))
			for role := range grouped {
				roles = append(roles, role)
			}
			sort.Strings(roles)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ROLE\tID\tURL\tHEALTH\tLAST PROBE")
			for _, role := range roles {
				for _, s := range grouped[role] {
					lastProbe := s.LastProbe
					if lastProbe == "" {
						lastProbe = "-"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", role, s.ID, s.URL, s.Health, lastProbe)
				}
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw JSON response")
	return cmd
}

package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/parley/internal/models"
	"github.com/zulandar/parley/internal/responder"
)

func newResponderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "responder",
		Short: "Manage AI responders",
	}
	cmd.AddCommand(newResponderAddCmd())
	cmd.AddCommand(newResponderListCmd())
	return cmd
}

func newResponderAddCmd() *cobra.Command {
	var (
		configPath  string
		name        string
		provider    string
		model       string
		personality string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a responder",
		Long:  "Creates a responder. The model must be on the provider's allow-list in the config (providers.<name>.models).",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := openStore(configPath)
			if err != nil {
				return err
			}
			p, err := parseProvider(provider)
			if err != nil {
				return err
			}
			client := responder.NewClient(responder.ClientOpts{Providers: cfg.Providers})
			if !client.AllowsModel(p, model) {
				return fmt.Errorf("model %q is not enabled for %s", model, p)
			}
			r := &models.Responder{Name: name, Provider: p, Model: model, Personality: personality}
			if err := st.CreateResponder(cmd.Context(), r); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created responder %s (%s)\n", r.Name, r.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Parley config file")
	cmd.Flags().StringVar(&name, "name", "", "display name (required)")
	cmd.Flags().StringVar(&provider, "provider", "", "openai or anthropic (required)")
	cmd.Flags().StringVar(&model, "model", "", "provider model ID (required)")
	cmd.Flags().StringVar(&personality, "personality", "", "background the responder speaks from (required)")
	for _, f := range []string{"name", "provider", "model", "personality"} {
		cmd.MarkFlagRequired(f)
	}
	return cmd
}

func newResponderListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List responders",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore(configPath)
			if err != nil {
				return err
			}
			rs, err := st.ListResponders(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(rs) == 0 {
				fmt.Fprintln(out, "No responders.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tPROVIDER\tMODEL\tPERSONALITY")
			for _, r := range rs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Name, r.Provider, r.Model, truncate(r.Personality, 40))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Parley config file")
	return cmd
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

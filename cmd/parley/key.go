package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/parley/internal/models"
	"golang.org/x/term"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage per-user provider API keys",
	}
	cmd.AddCommand(newKeySetCmd())
	return cmd
}

func newKeySetCmd() *cobra.Command {
	var (
		configPath string
		provider   string
		key        string
	)

	cmd := &cobra.Command{
		Use:   "set <user-id>",
		Short: "Store a user's API key for one provider",
		Long: `Stores the key used for responder turns that the user triggers.

Without --key the key is read from stdin; on a terminal it is prompted for
without echo. An empty key clears the stored one.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore(configPath)
			if err != nil {
				return err
			}
			p, err := parseProvider(provider)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("key") {
				key, err = readKey(cmd.InOrStdin(), cmd.ErrOrStderr(), p)
				if err != nil {
					return err
				}
			}
			key = strings.TrimSpace(key)

			cred, err := st.Credential(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			cred.UserID = args[0]
			switch p {
			case models.ProviderOpenAI:
				cred.OpenAIKey = key
			case models.ProviderAnthropic:
				cred.AnthropicKey = key
			}
			if err := st.SetCredential(cmd.Context(), cred); err != nil {
				return err
			}
			verb := "Stored"
			if key == "" {
				verb = "Cleared"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s key for %s\n", verb, p, args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Parley config file")
	cmd.Flags().StringVar(&provider, "provider", "", "openai or anthropic (required)")
	cmd.Flags().StringVar(&key, "key", "", "API key (read from stdin when omitted)")
	cmd.MarkFlagRequired("provider")
	return cmd
}

// readKey reads one line from in, prompting without echo when in is a TTY.
func readKey(in io.Reader, prompt io.Writer, p models.Provider) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprintf(prompt, "%s API key: ", p)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("read key: %w", err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read key: %w", err)
	}
	return line, nil
}

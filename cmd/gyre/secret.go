package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gyre-io/gyre/internal/secrets"
)

func secretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage workflow secrets",
		Long:  "Secrets are AES-256-GCM encrypted with the configured master key before they reach the database. Workflows reference them as $SECRET:<name> or through the $secrets expression scope.",
	}
	cmd.AddCommand(
		secretSetCmd(),
		secretListCmd(),
		secretRmCmd(),
		secretKeygenCmd(),
	)
	return cmd
}

func secretSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <name> [value]",
		Short: "Store a secret",
		Long:  "Stores a secret value under a name. When the value argument is omitted it is read from stdin, which keeps it out of the shell history.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			var value string
			if len(args) == 2 {
				value = args[1]
			} else {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return err
				}
				value = strings.TrimRight(string(data), "\r\n")
			}
			if value == "" {
				return fmt.Errorf("empty secret value")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, closeStore, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			vault, err := newVault(cfg, s)
			if err != nil {
				return err
			}
			if err := vault.Set(cmd.Context(), name, value); err != nil {
				return err
			}

			fmt.Printf("Secret %s stored\n", name)
			return nil
		},
	}
}

func secretListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Short:   "List secret names",
		Aliases: []string{"ls"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, closeStore, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			// Listing never decrypts, so no key is needed here.
			list, err := s.ListSecrets(cmd.Context())
			if err != nil {
				return err
			}

			if len(list) == 0 {
				fmt.Println("No secrets stored")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tUPDATED")
			for _, sec := range list {
				fmt.Fprintf(w, "%s\t%s\n", sec.Name, sec.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			w.Flush()
			return nil
		},
	}
}

func secretRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>",
		Short: "Delete a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, closeStore, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			if err := s.DeleteSecret(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Secret %s deleted\n", args[0])
			return nil
		},
	}
}

func secretKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a master key",
		Long:  "Prints a fresh hex-encoded AES-256 key. Write it to a file and point secrets.key_file (or GYRE_SECRETS_KEY_FILE) at it.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := secrets.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Println(key)
			return nil
		},
	}
}

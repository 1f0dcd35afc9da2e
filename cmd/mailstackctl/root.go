package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/knadh/koanf"
	ktoml "github.com/knadh/koanf/parsers/toml"
	kenv "github.com/knadh/koanf/providers/env"
	kfile "github.com/knadh/koanf/providers/file"
	kposflag "github.com/knadh/koanf/providers/posflag"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/mailstackd/mailstackd/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "mailstackctl",
	Short: "Administer a mailstackd mailstore",
	Long:  "mailstackctl manages mailboxes, folders and the outbound send queue of a mailstackd deployment.",
}

// loadDatabaseURL resolves the sqlite DSN the same way the daemon does:
// flags override environment, which overrides the config file.
func loadDatabaseURL(cmd *cobra.Command) (string, error) {
	k := koanf.New(".")

	if err := k.Load(kposflag.Provider(cmd.Flags(), ".", k), nil); err != nil {
		return "", fmt.Errorf("loading flags: %w", err)
	}

	cfgPath, _ := cmd.Flags().GetString("config")
	if cfgPath != "" {
		if err := k.Load(kfile.Provider(cfgPath), ktoml.Parser()); err != nil {
			return "", fmt.Errorf("loading config file %s: %w", cfgPath, err)
		}
	}

	replacer := strings.NewReplacer("_", ".")
	if err := k.Load(kenv.Provider("MAILSTACKCTL_", ".", func(s string) string {
		return replacer.Replace(strings.ToLower(strings.TrimPrefix(s, "MAILSTACKCTL_")))
	}), nil); err != nil {
		return "", fmt.Errorf("loading environment: %w", err)
	}

	dsn := k.String("database-url")
	if dsn == "" {
		dsn = k.String("database.url")
	}
	if dsn == "" {
		dsn = k.String("smtpd.database.url")
	}
	if dsn == "" {
		return "", fmt.Errorf("no database URL configured (pass --database-url, $MAILSTACKCTL_DATABASE_URL, or --config pointing at a mailstackd.toml)")
	}
	return dsn, nil
}

func openStore(cmd *cobra.Command) (store.Mailstore, error) {
	dsn, err := loadDatabaseURL(cmd)
	if err != nil {
		return nil, err
	}
	return store.Open(dsn)
}

var mailboxCmd = &cobra.Command{
	Use:   "mailbox",
	Short: "Manage mailbox accounts",
}

var mailboxCreateCmd = &cobra.Command{
	Use:   "create <address>",
	Short: "Create a mailbox with the password given by --password",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := cmd.Flags().GetString("password")
		if err != nil {
			return err
		}
		if password == "" {
			return fmt.Errorf("--password is required")
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hashing password: %w", err)
		}

		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.CreateMailbox(context.Background(), args[0], string(hash)); err != nil {
			return fmt.Errorf("creating mailbox: %w", err)
		}
		fmt.Printf("mailbox %s created\n", args[0])
		return nil
	},
}

var mailboxListFoldersCmd = &cobra.Command{
	Use:   "folders <address>",
	Short: "List a mailbox's folders",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		folders, err := st.ListFolders(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("listing folders: %w", err)
		}
		for _, f := range folders {
			fmt.Printf("%-20s uidvalidity=%d special-use=%s\n", f.Name, f.UIDValidity, f.SpecialUse)
		}
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the outbound send queue",
}

var queueDepthCmd = &cobra.Command{
	Use:   "depth",
	Short: "Print the number of messages pending delivery",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		depth, err := st.QueueDepth(context.Background())
		if err != nil {
			return fmt.Errorf("reading queue depth: %w", err)
		}
		fmt.Println(depth)
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", "", "mailstackd.toml config file to read the database URL from")
	pf.String("database-url", "", "sqlite DSN, overrides the config file")

	mailboxCreateCmd.Flags().String("password", "", "plaintext password to hash and store (required)")

	mailboxCmd.AddCommand(mailboxCreateCmd, mailboxListFoldersCmd)
	queueCmd.AddCommand(queueDepthCmd)
	rootCmd.AddCommand(mailboxCmd, queueCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

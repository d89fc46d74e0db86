package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/nsdrive/syncagent/backend/config"
)

// credentialsCmd wraps backend/config/credprotect.go's Argon2id+AES-GCM
// sealing around the opaque OAuth artifacts spec §6.2 leaves path-managed
// (credentials.json, token.pickle): syncctl owns the password prompt since
// the headless daemon has no interactive unlock surface of its own.
var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Encrypts or decrypts credential files at rest",
}

var credConfigPath string

func init() {
	rootCmd.AddCommand(credentialsCmd)
	credentialsCmd.PersistentFlags().StringVar(&credConfigPath, "config", "$PROJECT_DIR/agent.yaml", "path to the agent config file")
	credentialsCmd.AddCommand(credLockCmd, credUnlockCmd)
}

var credLockCmd = &cobra.Command{
	Use:   "lock <file>...",
	Short: "Encrypts one or more credential files, replacing each with a .enc sibling",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(credConfigPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		salt, err := config.NewCredentialSalt()
		if err != nil {
			return err
		}
		password, err := promptPassword("Set a credential password: ")
		if err != nil {
			return err
		}
		confirm, err := promptPassword("Confirm password: ")
		if err != nil {
			return err
		}
		if password != confirm {
			return fmt.Errorf("passwords did not match")
		}

		key := config.DeriveCredentialKey(password, salt)
		for _, path := range args {
			if err := config.EncryptCredentialFile(path, key); err != nil {
				return fmt.Errorf("encrypt %s: %w", path, err)
			}
			fmt.Printf("locked %s -> %s.enc\n", path, path)
		}

		cfg.Security.CredentialProtectionEnabled = true
		cfg.Security.CredentialSaltB64 = config.EncodeSalt(salt)
		return cfg.Save(credConfigPath)
	},
}

var credUnlockCmd = &cobra.Command{
	Use:   "unlock <file>...",
	Short: "Decrypts one or more credential files sealed by 'credentials lock'",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(credConfigPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if !cfg.Security.CredentialProtectionEnabled || cfg.Security.CredentialSaltB64 == "" {
			return fmt.Errorf("credential protection is not enabled in %s", credConfigPath)
		}
		salt, err := config.DecodeSalt(cfg.Security.CredentialSaltB64)
		if err != nil {
			return fmt.Errorf("decode stored salt: %w", err)
		}

		password, err := promptPassword("Credential password: ")
		if err != nil {
			return err
		}
		key := config.DeriveCredentialKey(password, salt)
		for _, path := range args {
			if err := config.DecryptCredentialFile(path, key); err != nil {
				return fmt.Errorf("decrypt %s: %w", path, err)
			}
			fmt.Printf("unlocked %s\n", path)
		}
		return nil
	},
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(password), nil
}

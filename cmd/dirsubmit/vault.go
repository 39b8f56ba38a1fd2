package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/foxzi/dirsubmit/internal/submission"
	"github.com/foxzi/dirsubmit/internal/vault"
)

var (
	vaultAccount   string
	vaultDirectory string
	vaultUsername  string
	vaultSecret    string
	vaultExpires   string
	vaultKeyOut    string
	vaultForce     bool
)

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Credential vault commands",
}

var vaultKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a vault encryption key",
	RunE:  runVaultKeygen,
}

var vaultPutCmd = &cobra.Command{
	Use:   "put",
	Short: "Store a directory credential for an account",
	Long: `Store a directory credential. The secret is prompted for without echo
on a terminal, or read as one line from piped standard input.`,
	RunE: runVaultPut,
}

var vaultDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a directory credential",
	RunE:  runVaultDelete,
}

var vaultListCmd = &cobra.Command{
	Use:   "list",
	Short: "List directories an account has credentials for",
	RunE:  runVaultList,
}

func init() {
	vaultKeygenCmd.Flags().StringVarP(&vaultKeyOut, "output", "o", "", "Key file path (default: vault.key_file from config)")
	vaultKeygenCmd.Flags().BoolVar(&vaultForce, "force", false, "Overwrite an existing key file")

	for _, c := range []*cobra.Command{vaultPutCmd, vaultDeleteCmd} {
		c.Flags().StringVar(&vaultAccount, "account", "", "Account ID (required)")
		c.Flags().StringVar(&vaultDirectory, "directory", "", "Directory ID (required)")
		c.MarkFlagRequired("account")
		c.MarkFlagRequired("directory")
	}
	vaultPutCmd.Flags().StringVar(&vaultUsername, "username", "", "Login name")
	vaultPutCmd.Flags().StringVar(&vaultSecret, "secret", "", "Password or token (visible in the process list, prefer the prompt)")
	vaultPutCmd.Flags().StringVar(&vaultExpires, "expires", "", "Expiry time (RFC3339) or duration from now")

	vaultListCmd.Flags().StringVar(&vaultAccount, "account", "", "Account ID (required)")
	vaultListCmd.MarkFlagRequired("account")

	vaultCmd.AddCommand(vaultKeygenCmd, vaultPutCmd, vaultDeleteCmd, vaultListCmd)
	rootCmd.AddCommand(vaultCmd)
}

func openVault() (*vault.SQLiteVault, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Vault.KeyFile == "" {
		return nil, fmt.Errorf("vault is not configured (set vault.key_file)")
	}

	key, err := vault.LoadKey(cfg.Vault.KeyFile)
	if err != nil {
		return nil, err
	}
	return vault.Open(cfg.Vault.Path, key)
}

// parseExpiry accepts an RFC3339 time or a duration relative to now
func parseExpiry(raw string, now time.Time) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return nil, fmt.Errorf("invalid expiry %q (want RFC3339 time or positive duration)", raw)
	}
	t := now.Add(d)
	return &t, nil
}

// readSecret prompts without echo on a terminal and reads one line from
// piped input otherwise
func readSecret() (string, error) {
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		return readSecretLine(os.Stdin)
	}

	fmt.Fprint(os.Stderr, "Secret: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	return string(b), nil
}

func readSecretLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func runVaultKeygen(cmd *cobra.Command, args []string) error {
	path := vaultKeyOut
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path = cfg.Vault.KeyFile
	}
	if path == "" {
		return fmt.Errorf("key file path is required (use -o or vault.key_file)")
	}

	if _, err := os.Stat(path); err == nil && !vaultForce {
		return fmt.Errorf("key file %s already exists (use --force to overwrite)", path)
	}

	if err := vault.GenerateKey(path); err != nil {
		return err
	}

	fmt.Printf("Vault key written to %s\n", path)
	fmt.Println("Credentials sealed with a previous key can no longer be read.")
	return nil
}

func runVaultPut(cmd *cobra.Command, args []string) error {
	expires, err := parseExpiry(vaultExpires, time.Now())
	if err != nil {
		return err
	}

	secret := vaultSecret
	if secret != "" {
		fmt.Fprintln(os.Stderr, "Warning: --secret is visible in the process list and shell history")
	} else {
		secret, err = readSecret()
		if err != nil {
			return err
		}
	}
	if secret == "" {
		return fmt.Errorf("secret is required")
	}

	v, err := openVault()
	if err != nil {
		return err
	}
	defer v.Close()

	if err := v.Put(context.Background(), &submission.Credential{
		AccountID:   vaultAccount,
		DirectoryID: vaultDirectory,
		Username:    vaultUsername,
		Secret:      secret,
		ExpiresAt:   expires,
	}); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}

	fmt.Printf("Credential stored for %s on %s\n", vaultAccount, vaultDirectory)
	return nil
}

func runVaultDelete(cmd *cobra.Command, args []string) error {
	v, err := openVault()
	if err != nil {
		return err
	}
	defer v.Close()

	if err := v.Delete(context.Background(), vaultAccount, vaultDirectory); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}

	fmt.Printf("Credential deleted for %s on %s\n", vaultAccount, vaultDirectory)
	return nil
}

func runVaultList(cmd *cobra.Command, args []string) error {
	v, err := openVault()
	if err != nil {
		return err
	}
	defer v.Close()

	ids, err := v.Directories(context.Background(), vaultAccount)
	if err != nil {
		return fmt.Errorf("failed to list credentials: %w", err)
	}

	if len(ids) == 0 {
		fmt.Printf("No credentials for %s\n", vaultAccount)
		return nil
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

// Command syncctl is a thin CLI client for a running agentd: every
// subcommand issues one call against the RPC facade and prints the
// result. Modeled on the teacher's obsync CLI, where each verb
// (login, sync) is its own file with a package-level *cobra.Command
// self-registering via init().
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nsdrive/syncagent/backend/discovery"
)

var (
	flagServer  string
	flagPort    int
	flagTimeout time.Duration
	flagJSON    bool
)

var rootCmd = &cobra.Command{
	Use:   "syncctl",
	Short: "Controls a running syncagent daemon",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "", "agentd address, e.g. 127.0.0.1:47990 (auto-discovered via mDNS if empty)")
	rootCmd.PersistentFlags().IntVar(&flagPort, "port", 47990, "port to assume when discovering the server, or to append to --server if it lacks one")
	rootCmd.PersistentFlags().DurationVar(&flagTimeout, "timeout", 10*time.Second, "per-request timeout")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "print raw JSON responses instead of formatted text")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "syncctl:", err)
		os.Exit(1)
	}
}

// resolveClient finds the server address (flag, or mDNS fallback) and
// builds a client, deferred to command run-time so `--server` can be
// set per-invocation without a global connection at package init.
func resolveClient(cmd *cobra.Command) (*client, error) {
	addr := flagServer
	if addr == "" {
		found, err := discovery.Discover(cmd.Context(), 3*time.Second, flagPort)
		if err != nil {
			return nil, fmt.Errorf("no --server given and mDNS discovery failed: %w", err)
		}
		addr = found
	}
	return newClient("http://"+addr, flagTimeout), nil
}

func printResult(v any) {
	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(v)
		return
	}
	fmt.Println(v)
}

func withClient(fn func(ctx context.Context, c *client, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := resolveClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), flagTimeout)
		defer cancel()
		return fn(ctx, c, cmd, args)
	}
}

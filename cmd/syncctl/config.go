package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nsdrive/syncagent/backend/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Read or update the agent's live configuration",
}

var configGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the agent's current configuration",
	RunE:  withClient(runConfigGet),
}

var configPutFile string

var configPutCmd = &cobra.Command{
	Use:   "put",
	Short: "Replace the agent's configuration from a YAML file",
	RunE:  withClient(runConfigPut),
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configGetCmd, configPutCmd)
	configPutCmd.Flags().StringVarP(&configPutFile, "file", "f", "", "path to a YAML config file (required)")
	_ = configPutCmd.MarkFlagRequired("file")
}

func runConfigGet(ctx context.Context, c *client, cmd *cobra.Command, args []string) error {
	var cfg config.Config
	if err := c.call(ctx, "get_config", nil, &cfg); err != nil {
		return err
	}
	if flagJSON {
		printResult(cfg)
		return nil
	}
	fmt.Printf("port=%d roots=%d cache_dir=%s\n", cfg.Server.Port, len(cfg.Roots), cfg.Storage.CacheDirPath)
	for _, root := range cfg.Roots {
		fmt.Printf("  - %s %s %s\n", root.TreeType, root.FriendlyName, firstNonEmpty(root.Path, root.Remote))
	}
	return nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func runConfigPut(ctx context.Context, c *client, cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(configPutFile)
	if err != nil {
		return fmt.Errorf("read %s: %w", configPutFile, err)
	}
	cfg := config.Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", configPutFile, err)
	}
	if err := c.call(ctx, "put_config", cfg, nil); err != nil {
		return err
	}
	fmt.Println("config updated")
	return nil
}

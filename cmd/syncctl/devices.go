package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

type deviceDTO struct {
	DeviceUID    uint32 `json:"device_uid"`
	LongDeviceID string `json:"long_device_id"`
	TreeType     string `json:"tree_type"`
	FriendlyName string `json:"friendly_name"`
	RootPath     string `json:"root_path"`
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List devices mounted by the agent",
	RunE:  withClient(runDevices),
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}

func runDevices(ctx context.Context, c *client, cmd *cobra.Command, args []string) error {
	var devices []deviceDTO
	if err := c.call(ctx, "get_device_list", nil, &devices); err != nil {
		return err
	}
	if flagJSON {
		printResult(devices)
		return nil
	}
	for _, d := range devices {
		fmt.Printf("%-4d %-8s %-24s %s\n", d.DeviceUID, d.TreeType, d.FriendlyName, d.RootPath)
	}
	return nil
}

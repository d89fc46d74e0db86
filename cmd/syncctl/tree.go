package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// nodeIdentifierDTO mirrors rpcproto.NodeIdentifier's wire shape.
type nodeIdentifierDTO struct {
	GUID      string   `json:"guid"`
	DeviceUID uint32   `json:"device_uid"`
	NodeUID   uint32   `json:"node_uid"`
	Paths     []string `json:"paths"`
}

// dirMetaDTO mirrors rpcproto.DirMetaDTO's wire shape.
type dirMetaDTO struct {
	FileCount    int64 `json:"file_count"`
	DirCount     int64 `json:"dir_count"`
	TrashedFiles int64 `json:"trashed_files"`
	TrashedDirs  int64 `json:"trashed_dirs"`
	SizeBytes    int64 `json:"size_bytes"`
	TrashedBytes int64 `json:"trashed_bytes"`
}

// nodeDTO mirrors rpcproto.NodeDTO's wire shape.
type nodeDTO struct {
	Identifier nodeIdentifierDTO `json:"identifier"`
	Name       string            `json:"name"`
	Kind       string            `json:"kind"`
	IsDir      bool              `json:"is_dir"`
	Trashed    string            `json:"trashed"`
	ParentUID  uint32            `json:"parent_uid,omitempty"`
	HasParent  bool              `json:"has_parent"`
	SizeBytes  int64             `json:"size_bytes,omitempty"`
	DirMeta    *dirMetaDTO       `json:"dir_meta,omitempty"`
}

var (
	flagTreeDeviceUID uint32
	flagTreeNodeUID   uint32
)

var treeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Inspect a mounted device's cache tree",
}

var treeLoadCmd = &cobra.Command{
	Use:   "load",
	Short: "Load (or reload) a device's whole tree",
	RunE:  withClient(runTreeLoad),
}

var treeRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Re-scan a device's tree",
	RunE:  withClient(runTreeRefresh),
}

var treeChildrenCmd = &cobra.Command{
	Use:   "children",
	Short: "List the children of a node",
	RunE:  withClient(runTreeChildren),
}

var flagSyncFromDiskOnLoad bool

func init() {
	rootCmd.AddCommand(treeCmd)
	treeCmd.AddCommand(treeLoadCmd, treeRefreshCmd, treeChildrenCmd)

	for _, cmd := range []*cobra.Command{treeLoadCmd, treeRefreshCmd, treeChildrenCmd} {
		cmd.Flags().Uint32Var(&flagTreeDeviceUID, "device", 0, "device_uid (required)")
		_ = cmd.MarkFlagRequired("device")
	}
	treeChildrenCmd.Flags().Uint32Var(&flagTreeNodeUID, "node", 0, "node_uid of the parent, 0 for the tree root")
	treeLoadCmd.Flags().BoolVar(&flagSyncFromDiskOnLoad, "sync-from-disk", false, "force a fresh disk scan instead of trusting the cache")
}

func runTreeLoad(ctx context.Context, c *client, cmd *cobra.Command, args []string) error {
	req := struct {
		DeviceUID          uint32 `json:"device_uid"`
		SyncFromDiskOnLoad bool   `json:"sync_from_disk_on_load"`
	}{DeviceUID: flagTreeDeviceUID, SyncFromDiskOnLoad: flagSyncFromDiskOnLoad}
	if err := c.call(ctx, "request_display_tree", req, nil); err != nil {
		return err
	}
	fmt.Println("tree loaded")
	return nil
}

func runTreeRefresh(ctx context.Context, c *client, cmd *cobra.Command, args []string) error {
	req := struct {
		DeviceUID uint32 `json:"device_uid"`
	}{DeviceUID: flagTreeDeviceUID}
	if err := c.call(ctx, "refresh_subtree", req, nil); err != nil {
		return err
	}
	fmt.Println("tree refreshed")
	return nil
}

func runTreeChildren(ctx context.Context, c *client, cmd *cobra.Command, args []string) error {
	req := struct {
		DeviceUID uint32 `json:"device_uid"`
		NodeUID   uint32 `json:"node_uid"`
	}{DeviceUID: flagTreeDeviceUID, NodeUID: flagTreeNodeUID}
	var children []nodeDTO
	if err := c.call(ctx, "get_child_list_for_spid", req, &children); err != nil {
		return err
	}
	if flagJSON {
		printResult(children)
		return nil
	}
	for _, n := range children {
		marker := "-"
		if n.IsDir {
			marker = "d"
		}
		fmt.Printf("%s %-8d %-30s %d\n", marker, n.Identifier.NodeUID, n.Name, n.SizeBytes)
	}
	return nil
}

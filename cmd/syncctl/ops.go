package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var opsCmd = &cobra.Command{
	Use:   "ops",
	Short: "Diff, merge, and mutate mounted trees",
}

var (
	flagLeftDevice, flagRightDevice uint32
	flagLeftNode, flagRightNode     uint32
)

var diffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Diff two subtrees by relative path and size",
	RunE:  withClient(runDiff),
}

func init() {
	rootCmd.AddCommand(opsCmd)
	opsCmd.AddCommand(diffCmd, deleteCmd, dropCmd, opStateCmd)

	diffCmd.Flags().Uint32Var(&flagLeftDevice, "left-device", 0, "left device_uid (required)")
	diffCmd.Flags().Uint32Var(&flagLeftNode, "left-node", 0, "left node_uid (required)")
	diffCmd.Flags().Uint32Var(&flagRightDevice, "right-device", 0, "right device_uid (required)")
	diffCmd.Flags().Uint32Var(&flagRightNode, "right-node", 0, "right node_uid (required)")
	for _, name := range []string{"left-device", "left-node", "right-device", "right-node"} {
		_ = diffCmd.MarkFlagRequired(name)
	}
}

func runDiff(ctx context.Context, c *client, cmd *cobra.Command, args []string) error {
	req := struct {
		LeftDeviceUID  uint32 `json:"left_device_uid"`
		LeftNodeUID    uint32 `json:"left_node_uid"`
		RightDeviceUID uint32 `json:"right_device_uid"`
		RightNodeUID   uint32 `json:"right_node_uid"`
	}{flagLeftDevice, flagLeftNode, flagRightDevice, flagRightNode}

	var resp struct {
		DiffID string `json:"diff_id"`
	}
	if err := c.call(ctx, "start_diff_trees", req, &resp); err != nil {
		return err
	}
	fmt.Println("diff_id:", resp.DiffID)
	return nil
}

var deleteGUIDs []string

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete one or more subtrees by GUID",
	RunE:  withClient(runDelete),
}

func runDelete(ctx context.Context, c *client, cmd *cobra.Command, args []string) error {
	req := struct {
		GUIDs []string `json:"guids"`
	}{deleteGUIDs}
	if err := c.call(ctx, "delete_subtree", req, nil); err != nil {
		return err
	}
	fmt.Printf("deleted %d subtree(s)\n", len(deleteGUIDs))
	return nil
}

var (
	dropSrcGUIDs []string
	dropDstGUID  string
	dropIsMove   bool
)

var dropCmd = &cobra.Command{
	Use:   "drop",
	Short: "Drop dragged nodes onto a destination directory (copy or move)",
	RunE:  withClient(runDrop),
}

var opStateDevice, opStateNode uint32

var opStateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the pending-op play state for a node",
	RunE:  withClient(runOpState),
}

func init() {
	deleteCmd.Flags().StringSliceVar(&deleteGUIDs, "guid", nil, "GUID to delete (repeatable)")
	_ = deleteCmd.MarkFlagRequired("guid")

	dropCmd.Flags().StringSliceVar(&dropSrcGUIDs, "src", nil, "source GUID (repeatable)")
	dropCmd.Flags().StringVar(&dropDstGUID, "dst", "", "destination directory GUID")
	dropCmd.Flags().BoolVar(&dropIsMove, "move", false, "move instead of copy")
	_ = dropCmd.MarkFlagRequired("src")
	_ = dropCmd.MarkFlagRequired("dst")

	opStateCmd.Flags().Uint32Var(&opStateDevice, "device", 0, "device_uid (required)")
	opStateCmd.Flags().Uint32Var(&opStateNode, "node", 0, "node_uid (required)")
	_ = opStateCmd.MarkFlagRequired("device")
	_ = opStateCmd.MarkFlagRequired("node")
}

func runDrop(ctx context.Context, c *client, cmd *cobra.Command, args []string) error {
	req := struct {
		SrcGUIDs []string `json:"src_guids"`
		DstGUID  string   `json:"dst_guid"`
		IsMove   bool     `json:"is_move"`
	}{dropSrcGUIDs, dropDstGUID, dropIsMove}
	if err := c.call(ctx, "drop_dragged_nodes", req, nil); err != nil {
		return err
	}
	fmt.Println("drop submitted")
	return nil
}

func runOpState(ctx context.Context, c *client, cmd *cobra.Command, args []string) error {
	req := struct {
		DeviceUID uint32 `json:"device_uid"`
		NodeUID   uint32 `json:"node_uid"`
	}{opStateDevice, opStateNode}
	var resp struct {
		State string `json:"state"`
	}
	if err := c.call(ctx, "get_op_exec_play_state", req, &resp); err != nil {
		return err
	}
	fmt.Println(resp.State)
	return nil
}

package rpcfacade

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nsdrive/syncagent/backend/node"
)

// spidGUID builds the (device_uid, node_uid) GUID form spec §3 defines
// as "the only globally unique handle exposed to clients" for contexts
// (signals, removed-node notices) that only have identity, not a
// specific path, at hand — the same two-field shape node.MPID.GUID uses,
// since path variance never affects identity (node.Equal).
func spidGUID(device node.DeviceUID, uid node.UID) string {
	return fmt.Sprintf("%d:%d", device, uid)
}

// parseGUID reverses spidGUID/node.Identifier.GUID's device:node[:path]
// form back into (device_uid, node_uid).
func parseGUID(guid string) (node.DeviceUID, node.UID, error) {
	parts := strings.Split(guid, ":")
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("rpcfacade: malformed guid %q", guid)
	}
	dev, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("rpcfacade: malformed guid %q: %w", guid, err)
	}
	uid, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("rpcfacade: malformed guid %q: %w", guid, err)
	}
	return node.DeviceUID(dev), node.UID(uid), nil
}

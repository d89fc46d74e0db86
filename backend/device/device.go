// Package device tracks the identity of each mounted root tree: its
// process-local device_uid, its stable cross-restart long_device_id, and
// which backend type it is. This is the ambient registry spec §3's
// Device type implies but doesn't itself persist.
package device

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/nsdrive/syncagent/backend/node"
)

// Device identifies one mounted subtree, per spec §3.
type Device struct {
	DeviceUID    node.DeviceUID `json:"device_uid"`
	LongDeviceID string         `json:"long_device_id"`
	TreeType     node.TreeType  `json:"tree_type"`
	FriendlyName string         `json:"friendly_name"`
	RootPath     string         `json:"root_path"`
}

// Registry assigns device_uids on first sight and persists the mapping
// under cache_dir_path so restarts recognize the same root as the same
// device, mirroring the teacher's use of google/uuid to mint stable
// identifiers for on-disk artifacts (backend/rclone/crypt_helper.go).
type Registry struct {
	mu       sync.Mutex
	path     string
	nextUID  node.DeviceUID
	byRoot   map[string]*Device
	byUID    map[node.DeviceUID]*Device
}

type registryFile struct {
	NextUID node.DeviceUID `json:"next_uid"`
	Devices []*Device      `json:"devices"`
}

// LoadRegistry reads (or initializes) the device registry file at path.
func LoadRegistry(path string) (*Registry, error) {
	r := &Registry{
		path:    path,
		nextUID: 1,
		byRoot:  make(map[string]*Device),
		byUID:   make(map[node.DeviceUID]*Device),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("device: read registry: %w", err)
	}

	var rf registryFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("device: parse registry: %w", err)
	}
	r.nextUID = rf.NextUID
	if r.nextUID == 0 {
		r.nextUID = 1
	}
	for _, d := range rf.Devices {
		r.byRoot[registryKey(d.TreeType, d.RootPath)] = d
		r.byUID[d.DeviceUID] = d
	}
	return r, nil
}

func registryKey(t node.TreeType, root string) string {
	return fmt.Sprintf("%d:%s", t, root)
}

// GetOrCreate returns the Device for (treeType, rootPath), minting a new
// device_uid and long_device_id (a fresh UUID, per the teacher's
// google/uuid usage) if this root has never been seen before.
func (r *Registry) GetOrCreate(treeType node.TreeType, rootPath, friendlyName string) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := registryKey(treeType, rootPath)
	if d, ok := r.byRoot[key]; ok {
		return d, nil
	}

	d := &Device{
		DeviceUID:    r.nextUID,
		LongDeviceID: uuid.NewString(),
		TreeType:     treeType,
		FriendlyName: friendlyName,
		RootPath:     rootPath,
	}
	r.nextUID++
	r.byRoot[key] = d
	r.byUID[d.DeviceUID] = d

	if err := r.persistLocked(); err != nil {
		return nil, err
	}
	return d, nil
}

// Get looks up a device by its device_uid.
func (r *Registry) Get(uid node.DeviceUID) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byUID[uid]
	return d, ok
}

// List returns every known device.
func (r *Registry) List() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Device, 0, len(r.byUID))
	for _, d := range r.byUID {
		out = append(out, d)
	}
	return out
}

func (r *Registry) persistLocked() error {
	rf := registryFile{NextUID: r.nextUID}
	for _, d := range r.byUID {
		rf.Devices = append(rf.Devices, d)
	}
	data, err := json.MarshalIndent(rf, "", "  ")
	if err != nil {
		return fmt.Errorf("device: marshal registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0700); err != nil {
		return fmt.Errorf("device: create cache dir: %w", err)
	}
	return os.WriteFile(r.path, data, 0600)
}

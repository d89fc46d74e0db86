// Package clouddrive implements component F: a driver over
// github.com/rclone/rclone/fs.Fs for snapshot listing and normalization
// into the node model, plus a poller adapted from the teacher's
// backend/delta package. Grounded directly on backend/rclone/sync.go
// (fs.NewFs construction) and backend/delta/{service,watcher}.go
// (change tracking, retargeted from "one sync operation" to "one mounted
// cloud device's poller").
package clouddrive

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/rclone/rclone/fs"
	"github.com/rclone/rclone/fs/hash"
	"github.com/rclone/rclone/fs/operations"
	"github.com/rclone/rclone/fs/walk"

	// Registers the backends a RootConfig's remote string may name with
	// fs.NewFs, the same set backend/rclone/sync.go registered for its
	// own profile-driven Sync calls.
	_ "github.com/rclone/rclone/backend/cache"
	_ "github.com/rclone/rclone/backend/drive"
	_ "github.com/rclone/rclone/backend/dropbox"
	_ "github.com/rclone/rclone/backend/googlephotos"
	_ "github.com/rclone/rclone/backend/iclouddrive"
	_ "github.com/rclone/rclone/backend/local"
	_ "github.com/rclone/rclone/backend/onedrive"
	_ "github.com/rclone/rclone/backend/yandex"

	"github.com/nsdrive/syncagent/backend/node"
)

// Driver wraps one rclone remote as a mounted cloud device, per spec
// §4.F/§9's "RemoteFS driver" black box, concretely resolved by
// fs.NewFs the same way the teacher's rclone.Sync does.
type Driver struct {
	Device node.DeviceUID
	Remote string // rclone remote string, e.g. "gdrive:" or "gdrive:sub/path"
	backing fs.Fs

	cryptCleanup func()
}

// Open resolves remote into a live fs.Fs backing. When crypt is non-nil,
// remote is first wrapped in a temporary crypt remote via WrapWithCrypt
// and the Driver's Remote/backing refer to the wrapped name instead —
// callers (the poller, the executor's cloud paths) never see the
// underlying plaintext remote.
func Open(ctx context.Context, device node.DeviceUID, remote string, crypt *CryptOptions) (*Driver, error) {
	cleanup := func() {}
	if crypt != nil {
		wrapped, cryptCleanup, err := WrapWithCrypt(ctx, remote, *crypt)
		if err != nil {
			return nil, err
		}
		remote = wrapped
		cleanup = cryptCleanup
	}

	backing, err := fs.NewFs(ctx, remote)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("clouddrive: open remote %q: %w", remote, err)
	}
	return &Driver{Device: device, Remote: remote, backing: backing, cryptCleanup: cleanup}, nil
}

// Close releases any temporary crypt remote Open created. Safe to call on
// a Driver opened without encryption.
func (d *Driver) Close() {
	if d.cryptCleanup != nil {
		d.cryptCleanup()
	}
}

// SupportsChangeNotify reports whether the backing remote can push live
// change notifications (spec §4.F's polling vs live-monitor distinction).
func (d *Driver) SupportsChangeNotify() bool {
	return d.backing.Features().ChangeNotify != nil
}

// Entry is one normalized directory listing row, prior to UID assignment
// — the cache manager resolves goog_id -> UID (allocating on first sight)
// and constructs the final node.Node.
type Entry struct {
	Path        string // relative to Remote's root
	Name        string
	IsDir       bool
	SizeBytes   int64
	ModifyTs    int64 // unix seconds; rclone's fs.Object.ModTime resolution
	MD5         string
	SHA256      string
	GoogID      string
	MimeTypeUID uint32
	ParentPaths []string // >1 only for multi-parented objects the backend reports as such
}

// SnapshotList performs a full recursive listing of the remote, per spec
// §4.F's "initial load: paginated full listing." rclone's fs/walk package
// handles pagination internally per-backend.
func (d *Driver) SnapshotList(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := walk.Walk(ctx, d.backing, "", false, -1, func(dirPath string, dirEntries fs.DirEntries, err error) error {
		if err != nil {
			return err
		}
		for _, de := range dirEntries {
			entries = append(entries, normalize(de))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("clouddrive: list %s: %w", d.Remote, err)
	}
	return entries, nil
}

// NewObject resolves a single relative path, used to refresh one entry
// after a ChangeNotify callback names it without payload.
func (d *Driver) NewObject(ctx context.Context, relPath string) (Entry, bool, error) {
	obj, err := d.backing.NewObject(ctx, relPath)
	if err == fs.ErrorObjectNotFound || err == fs.ErrorDirNotFound {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return normalize(obj), true, nil
}

// RawFs exposes the backing fs.Fs for callers (component I's executor)
// that need to hand it to rclone's fs/operations package directly.
func (d *Driver) RawFs() fs.Fs { return d.backing }

// RawObject resolves a relative path to an fs.Object, for executor CP/MV
// drivers operating on a single object at a time.
func (d *Driver) RawObject(ctx context.Context, relPath string) (fs.Object, error) {
	return d.backing.NewObject(ctx, relPath)
}

// MkdirAll ensures relPath exists as a directory. Most cloud backends
// treat this as a no-op if the directory is already present, giving the
// idempotency spec §4.I requires of MKDIR without any extra existence
// check on this side.
func (d *Driver) MkdirAll(ctx context.Context, relPath string) error {
	return operations.Mkdir(ctx, d.backing, relPath)
}

func normalize(de fs.DirEntry) Entry {
	e := Entry{
		Path:  de.Remote(),
		Name:  path.Base(de.Remote()),
		IsDir: false,
	}
	if _, ok := de.(fs.Directory); ok {
		e.IsDir = true
		return e
	}
	obj, ok := de.(fs.Object)
	if !ok {
		return e
	}
	e.SizeBytes = obj.Size()
	e.ModifyTs = obj.ModTime(context.Background()).Unix()
	if md5sum, err := obj.Hash(context.Background(), hash.MD5); err == nil {
		e.MD5 = md5sum
	}
	if sha, err := obj.Hash(context.Background(), hash.SHA256); err == nil {
		e.SHA256 = sha
	}
	if ider, ok := obj.(fs.IDer); ok {
		e.GoogID = ider.ID()
	}
	return e
}

// remoteKey uniquely names a mounted remote for delta-state bookkeeping,
// mirroring the teacher's own remoteKey helper in backend/rclone/sync.go.
func remoteKey(remote string) string {
	return strings.TrimSuffix(remote, ":")
}

package executor

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rclone/rclone/fs"
	"github.com/rclone/rclone/fs/operations"

	// registers the "local" backend with fs.NewFs, needed by
	// downloadToLocal/uploadFromLocal below to root a transient fs.Fs at
	// a plain filesystem directory for cross-domain transfers.
	_ "github.com/rclone/rclone/backend/local"

	"github.com/nsdrive/syncagent/backend/apperrors"
	"github.com/nsdrive/syncagent/backend/clouddrive"
)

// cloudMkdir is idempotent via rclone's own Mkdir semantics (a no-op if
// the directory already exists).
func cloudMkdir(ctx context.Context, drv *clouddrive.Driver, relPath string) error {
	if err := drv.MkdirAll(ctx, relPath); err != nil {
		return wrapCloudErr("E_MKDIR_FAILED", "could not create cloud directory", err)
	}
	return nil
}

// cloudCopy performs a single-object copy via rclone's operations
// package — the same package family backend/rclone/sync.go's fssync.Sync
// wraps for whole-tree transfers, used here at per-object grain since the
// executor dispatches one UserOp at a time.
func cloudCopy(ctx context.Context, srcDrv, dstDrv *clouddrive.Driver, srcRel, dstRel string) error {
	srcObj, err := srcDrv.RawObject(ctx, srcRel)
	if err != nil {
		return wrapCloudErr("E_SRC_VANISHED", "source object is gone", err)
	}
	if _, err := operations.Copy(ctx, dstDrv.RawFs(), nil, dstRel, srcObj); err != nil {
		return wrapCloudErr("E_COPY_FAILED", "cloud copy failed", err)
	}
	return nil
}

func cloudMove(ctx context.Context, srcDrv, dstDrv *clouddrive.Driver, srcRel, dstRel string) error {
	srcObj, err := srcDrv.RawObject(ctx, srcRel)
	if err != nil {
		return wrapCloudErr("E_SRC_VANISHED", "source object is gone", err)
	}
	if _, err := operations.Move(ctx, dstDrv.RawFs(), nil, dstRel, srcObj); err != nil {
		return wrapCloudErr("E_MOVE_FAILED", "cloud move failed", err)
	}
	return nil
}

func cloudRemove(ctx context.Context, drv *clouddrive.Driver, relPath string, isDir bool) error {
	if isDir {
		if err := operations.Purge(ctx, drv.RawFs(), relPath); err != nil && err != fs.ErrorDirNotFound {
			return wrapCloudErr("E_RM_FAILED", "cloud directory removal failed", err)
		}
		return nil
	}
	obj, err := drv.RawObject(ctx, relPath)
	if err == fs.ErrorObjectNotFound {
		return nil
	}
	if err != nil {
		return wrapCloudErr("E_STAT_FAILED", "could not resolve object for removal", err)
	}
	if err := operations.DeleteFile(ctx, obj); err != nil {
		return wrapCloudErr("E_RM_FAILED", "cloud removal failed", err)
	}
	return nil
}

// downloadToLocal copies a cloud object down to a plain local path via
// rclone's operations.Copy, rooting a transient local fs.Fs at dst's
// parent directory (rclone operates in terms of a destination fs.Fs plus
// a remote name, not raw paths).
func downloadToLocal(ctx context.Context, srcDrv *clouddrive.Driver, srcRel, dst string) error {
	srcObj, err := srcDrv.RawObject(ctx, srcRel)
	if err != nil {
		return wrapCloudErr("E_SRC_VANISHED", "source object is gone", err)
	}
	localFs, err := fs.NewFs(ctx, filepath.Dir(dst))
	if err != nil {
		return wrapCloudErr("E_LOCAL_FS_FAILED", "could not open destination directory", err)
	}
	if _, err := operations.Copy(ctx, localFs, nil, filepath.Base(dst), srcObj); err != nil {
		return wrapCloudErr("E_COPY_FAILED", "download failed", err)
	}
	return nil
}

// uploadFromLocal is downloadToLocal's mirror for local -> cloud CP.
func uploadFromLocal(ctx context.Context, src string, dstDrv *clouddrive.Driver, dstRel string) error {
	localFs, err := fs.NewFs(ctx, filepath.Dir(src))
	if err != nil {
		return wrapCloudErr("E_LOCAL_FS_FAILED", "could not open source directory", err)
	}
	srcObj, err := localFs.NewObject(ctx, filepath.Base(src))
	if err != nil {
		return wrapCloudErr("E_SRC_VANISHED", "source file is gone", err)
	}
	if _, err := operations.Copy(ctx, dstDrv.RawFs(), nil, dstRel, srcObj); err != nil {
		return wrapCloudErr("E_COPY_FAILED", "upload failed", err)
	}
	return nil
}

func wrapCloudErr(code, message string, cause error) error {
	if cause == nil {
		return nil
	}
	kind := apperrors.KindTransient
	if clouddrive.IsRateLimited(cause) {
		kind = apperrors.KindTransient
	}
	return apperrors.New(kind, code, fmt.Sprintf("%s: %s", message, drvErrShort(cause)), cause)
}

func drvErrShort(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

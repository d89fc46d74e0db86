package executor

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nsdrive/syncagent/backend/apperrors"
)

// mkdir is idempotent: MkdirAll succeeds silently if the directory
// already exists (spec §4.I: "MKDIR is idempotent (exists -> success)").
func localMkdir(path string) error {
	if fi, err := os.Stat(path); err == nil {
		if fi.IsDir() {
			return nil
		}
		return apperrors.New(apperrors.KindPrecondition, "E_NOT_A_DIR", "destination exists and is not a directory", nil)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return wrapIOErr("E_MKDIR_FAILED", "could not create directory", err)
	}
	return nil
}

// localCopy stages the copy into a temp file beside dst, fsyncs it, then
// renames it into place — the stage -> fsync -> rename discipline spec
// §4.I names, grounded on the durability care the teacher's own transfer
// engine (rclone's fs/operations, invoked from backend/rclone/sync.go)
// takes internally for its own local-to-local copies.
func localCopy(ctx context.Context, src, dst string, opts Options) error {
	in, err := os.Open(src)
	if err != nil {
		return wrapIOErr("E_SRC_VANISHED", "source file is gone", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return wrapIOErr("E_MKDIR_FAILED", "could not create destination directory", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".stage-*")
	if err != nil {
		return wrapIOErr("E_STAGE_FAILED", "could not create staging file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed into place

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return wrapIOErr("E_COPY_FAILED", "copy interrupted", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return wrapIOErr("E_FSYNC_FAILED", "could not flush staged file", err)
	}
	if err := tmp.Close(); err != nil {
		return wrapIOErr("E_FSYNC_FAILED", "could not close staged file", err)
	}

	if opts.UpdateMetaForDstNodes {
		if fi, err := in.Stat(); err == nil {
			modTime := fi.ModTime()
			if opts.IsSecondsPrecisionEnough {
				modTime = modTime.Truncate(time.Second)
			}
			os.Chtimes(tmpPath, modTime, modTime)
		}
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		return wrapIOErr("E_RENAME_FAILED", "could not finalize staged file", err)
	}
	return nil
}

// localMove renames within a filesystem, falling back to copy+delete
// across filesystem boundaries (spec §4.I).
func localMove(ctx context.Context, src, dst string, opts Options) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return wrapIOErr("E_MKDIR_FAILED", "could not create destination directory", err)
	}
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !isCrossDevice(err) {
		return wrapIOErr("E_MOVE_FAILED", "move failed", err)
	}
	if fi, statErr := os.Stat(src); statErr == nil && fi.IsDir() {
		return moveDirAcrossDevices(ctx, src, dst, opts)
	}
	if err := localCopy(ctx, src, dst, opts); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		return wrapIOErr("E_RM_STALE_SRC_FAILED", "copied but could not remove source", err)
	}
	return nil
}

func moveDirAcrossDevices(ctx context.Context, src, dst string, opts Options) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return wrapIOErr("E_MKDIR_FAILED", "could not create destination directory", err)
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return wrapIOErr("E_SRC_VANISHED", "source directory is gone", err)
	}
	for _, entry := range entries {
		childSrc := filepath.Join(src, entry.Name())
		childDst := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			if err := moveDirAcrossDevices(ctx, childSrc, childDst, opts); err != nil {
				return err
			}
			continue
		}
		if err := localCopy(ctx, childSrc, childDst, opts); err != nil {
			return err
		}
		if err := os.Remove(childSrc); err != nil {
			return wrapIOErr("E_RM_STALE_SRC_FAILED", "copied but could not remove source", err)
		}
	}
	return os.Remove(src)
}

// localRemove unlinks a file or recursively removes a directory (spec:
// "future: move to trash" — not implemented here, out of scope).
func localRemove(path string) error {
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil // already gone; RM is effectively idempotent
	}
	if err != nil {
		return wrapIOErr("E_STAT_FAILED", "could not stat path for removal", err)
	}
	if fi.IsDir() {
		err = os.RemoveAll(path)
	} else {
		err = os.Remove(path)
	}
	if err != nil {
		return wrapIOErr("E_RM_FAILED", "removal failed", err)
	}
	return nil
}

func isCrossDevice(err error) bool {
	var linkErr *os.LinkError
	if errors.As(err, &linkErr) {
		return errors.Is(linkErr.Err, syscall.EXDEV)
	}
	return errors.Is(err, syscall.EXDEV)
}

func classifyIOErr(err error) apperrors.Kind {
	if os.IsPermission(err) {
		return apperrors.KindPermissionDenied
	}
	if errors.Is(err, syscall.ENOSPC) {
		return apperrors.KindInsufficientSpace
	}
	if os.IsNotExist(err) {
		return apperrors.KindPrecondition
	}
	return apperrors.KindTransient
}

package clouddrive

import (
	"context"
	"fmt"
	"strings"

	_ "github.com/rclone/rclone/backend/crypt"
	"github.com/rclone/rclone/fs/config"
	"github.com/rclone/rclone/fs/config/obscure"
	"github.com/rclone/rclone/fs/rc"

	"github.com/google/uuid"
)

const tempCryptPrefix = "_syncagent_crypt_"

// CryptOptions configures an encrypted mount, per spec §6's opaque
// credential handling extended to at-rest encryption for a mounted
// remote's contents.
type CryptOptions struct {
	Password         string
	Password2        string
	FilenameEncrypt  string // "standard" | "obfuscate" | "off"
	DirNameEncrypt   bool
}

// WrapWithCrypt creates a temporary crypt remote wrapping remote and
// returns its name (suitable for a subsequent Open call) plus a cleanup
// function the caller must defer. Adapted from the teacher's
// backend/rclone/crypt_helper.go ApplyCryptWrapping, generalized from a
// sync profile's From/To pair to a single mounted device.
func WrapWithCrypt(ctx context.Context, remote string, opts CryptOptions) (wrapped string, cleanup func(), err error) {
	if opts.Password == "" {
		return "", func() {}, fmt.Errorf("clouddrive: encryption password is required")
	}
	filenameEncrypt := opts.FilenameEncrypt
	if filenameEncrypt == "" {
		filenameEncrypt = "standard"
	}

	name := tempCryptPrefix + uuid.New().String()[:8]
	if err := createTempCryptRemote(ctx, name, remote, opts.Password, opts.Password2, filenameEncrypt, opts.DirNameEncrypt); err != nil {
		return "", func() {}, fmt.Errorf("clouddrive: create crypt remote: %w", err)
	}
	return name + ":", func() { deleteTempCryptRemote(name) }, nil
}

func createTempCryptRemote(ctx context.Context, name, wrappedPath, password, password2, filenameEncrypt string, dirEncrypt bool) error {
	obscured, err := obscure.Obscure(password)
	if err != nil {
		return fmt.Errorf("obscure password: %w", err)
	}

	dirNameEncrypt := "false"
	if dirEncrypt {
		dirNameEncrypt = "true"
	}

	params := rc.Params{
		"remote":                    wrappedPath,
		"password":                  obscured,
		"filename_encryption":       filenameEncrypt,
		"directory_name_encryption": dirNameEncrypt,
	}
	if password2 != "" {
		obscured2, err := obscure.Obscure(password2)
		if err != nil {
			return fmt.Errorf("obscure password2: %w", err)
		}
		params["password2"] = obscured2
	}

	_, err = config.CreateRemote(ctx, name, "crypt", params, config.UpdateRemoteOpt{NonInteractive: true, Obscure: false})
	return err
}

func deleteTempCryptRemote(name string) {
	config.DeleteRemote(name)
}

// CleanupOrphanedTempCryptRemotes removes leftover temp crypt remotes
// from a prior crash, called once at agent startup.
func CleanupOrphanedTempCryptRemotes(log interface{ Infof(string, ...any) }) {
	for _, r := range config.FileSections() {
		if strings.HasPrefix(r, tempCryptPrefix) {
			config.DeleteRemote(r)
			log.Infof("clouddrive: cleaned up orphaned temp crypt remote %s", r)
		}
	}
}

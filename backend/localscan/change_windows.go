//go:build windows

package localscan

import (
	"os"
	"time"
)

// Windows exposes no metadata-change timestamp analogous to unix ctime;
// spec's is_seconds_precision_enough policy already anticipates coarser
// timestamp fidelity on some platforms, so falling back to ModTime here
// degrades the same way that policy does.
func changeTimeOf(fi os.FileInfo) time.Time {
	return fi.ModTime()
}

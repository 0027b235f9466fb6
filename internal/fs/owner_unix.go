//go:build unix

package fs

import (
	"io/fs"
	"os"
	"syscall"
)

// preserveOwner copies uid/gid from info onto path. Only root can do this;
// failures are ignored so unprivileged runs still work.
func preserveOwner(info fs.FileInfo, path string) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok || os.Geteuid() != 0 {
		return
	}
	_ = os.Lchown(path, int(st.Uid), int(st.Gid))
}

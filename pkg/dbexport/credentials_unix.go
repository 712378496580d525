//go:build !windows

package dbexport

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// sourceOwner resolves the identity owning the source tree. An identity
// switch only makes sense when running privileged: an unprivileged process
// cannot change credentials, and a root-owned tree needs none.
func sourceOwner(path string) (*Identity, error) {
	if os.Geteuid() != 0 {
		return nil, nil
	}

	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if st.Uid == 0 {
		return nil, nil
	}
	return &Identity{UID: st.Uid, GID: st.Gid}, nil
}

// applyIdentity configures the command to run under the given identity in
// its own process group.
func applyIdentity(cmd *exec.Cmd, id *Identity) {
	attr := &unix.SysProcAttr{Setpgid: true}
	if id != nil {
		attr.Credential = &syscall.Credential{Uid: id.UID, Gid: id.GID}
	}
	cmd.SysProcAttr = attr
}

//go:build windows

package dbexport

import "os/exec"

// sourceOwner has no Unix ownership model to inspect on Windows; the export
// always runs as the invoking identity.
func sourceOwner(path string) (*Identity, error) {
	return nil, nil
}

func applyIdentity(cmd *exec.Cmd, id *Identity) {}

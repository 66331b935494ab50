//go:build windows

package process

import (
	"os/exec"
)

func configureCmd(_ *exec.Cmd) {}

func killGroup(_ int) error {
	return nil
}

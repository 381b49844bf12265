//go:build !windows
// +build !windows

package launcher

import (
	"fmt"
	"os"
	"os/exec"
)

// setOSCmdOptions hands the extra files to the child. They appear as file
// descriptors 3, 4, ... in the child.
func setOSCmdOptions(files []*os.File, cmd *exec.Cmd) {
	cmd.ExtraFiles = files
}

// pipeFdArg returns the descriptor number the child sees for the i-th extra
// file.
func pipeFdArg(files []*os.File, i int) string {
	return fmt.Sprintf("%d", 3+i)
}

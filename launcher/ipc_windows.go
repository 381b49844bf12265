//go:build windows
// +build windows

package launcher

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// setOSCmdOptions marks the extra file handles as inheritable by the child.
func setOSCmdOptions(files []*os.File, cmd *exec.Cmd) {
	handles := make([]syscall.Handle, 0, len(files))
	for _, f := range files {
		handles = append(handles, syscall.Handle(f.Fd()))
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		AdditionalInheritedHandles: handles,
	}
}

// pipeFdArg returns the handle value the child sees for the i-th extra
// file.
func pipeFdArg(files []*os.File, i int) string {
	return fmt.Sprintf("%d", files[i].Fd())
}

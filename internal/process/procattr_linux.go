package process

import "syscall"

// helperProcAttr puts the helper in its own process group so stop signals
// reach its children, and has the kernel send SIGINT when the host dies
// without running its shutdown hook.
func helperProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true, Pdeathsig: syscall.SIGINT}
}

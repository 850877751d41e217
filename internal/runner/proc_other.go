//go:build !unix

package runner

import (
	"os"
	"os/exec"
	"syscall"
)

func setProcessGroup(*exec.Cmd) {}

func killProcessGroup(p *os.Process, _ syscall.Signal) error { return p.Kill() }

func closeOnExec(int) {}

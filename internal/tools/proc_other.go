//go:build !unix

package tools

import "os/exec"

func killProcessGroup(cmd *exec.Cmd) {}

//go:build !unix

package subprocess

import "os/exec"

func setProcessGroup(*exec.Cmd) {}

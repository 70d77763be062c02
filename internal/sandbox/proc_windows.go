//go:build windows

package sandbox

import "os/exec"

func shellCommand(command string) *exec.Cmd {
	return exec.Command("cmd.exe", "/C", command)
}

func setProcAttr(cmd *exec.Cmd) {}

func signalGroup(cmd *exec.Cmd, force bool) {
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
}

package tunnel

import (
	"fmt"
	"os/exec"

	"github.com/agentwire/portal/internal/config"
)

// execCmd is the thin os/exec wrapper realProcess drives. Kept separate
// from realProcess so tests can swap in a fake process without touching
// os/exec at all.
type execCmd struct {
	cmd *exec.Cmd
}

func (c *execCmd) Start() error { return c.cmd.Start() }
func (c *execCmd) Pid() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}
func (c *execCmd) Kill() error {
	if c.cmd.Process == nil {
		return nil
	}
	return c.cmd.Process.Kill()
}

// newSSHForward builds the argv for `ssh -N -L <port>:<remoteHost>:<port>
// <sshTarget>`, one subprocess per forward. Built entirely from argv
// elements, never a shell string, so a service or host name containing
// shell metacharacters cannot escape into the command line.
func (m *Manager) newSSHForward(svc config.Service, hostCfg config.Host) process {
	forward := fmt.Sprintf("127.0.0.1:%d:127.0.0.1:%d", svc.Port, svc.Port)
	argv := []string{
		"ssh",
		"-N", // no remote command, forward only
		"-o", "ExitOnForwardFailure=yes",
		"-o", "ServerAliveInterval=10",
		"-o", "ServerAliveCountMax=3",
		"-L", forward,
		hostCfg.SSHTarget,
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	return &realProcess{cmd: &execCmd{cmd: cmd}}
}

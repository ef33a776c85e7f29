package pstremote

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Process is a spawned worker process.
type Process interface {
	// Wait blocks until the process terminates. A process killed by a
	// signal reports exit status -1.
	Wait() (exitStatus int, err error)
}

// Commander starts the worker for remoteHost, telling it to connect back
// to coordinatorHost.
type Commander interface {
	Start(remoteHost, coordinatorHost string) (Process, error)
}

// ProcessSpawnError is returned when the local system cannot start the
// worker command.
type ProcessSpawnError struct {
	Host    string
	Command string
	Err     error
}

func (e *ProcessSpawnError) Error() string {
	return fmt.Sprintf("could not spawn worker for %s (%s): %s", e.Host, e.Command, e.Err)
}

func (e *ProcessSpawnError) Unwrap() error {
	return e.Err
}

// ShellCommander logs into the remote host with a remote shell such as ssh
// and runs the worker binary there:
//
//	<Shell> <ShellArgs...> <remoteHost> <WorkerBinary> connect <coordinatorHost>
type ShellCommander struct {
	Shell        string
	ShellArgs    []string
	WorkerBinary string
}

func (c *ShellCommander) Start(remoteHost, coordinatorHost string) (Process, error) {
	args := append([]string{}, c.ShellArgs...)
	args = append(args, remoteHost, c.WorkerBinary, "connect", coordinatorHost)
	return startCommand(remoteHost, c.Shell, args...)
}

// LocalCommander runs the worker binary on this machine, ignoring the
// remote host. It is meant for single-machine runs.
type LocalCommander struct {
	WorkerBinary string
}

func (c *LocalCommander) Start(remoteHost, coordinatorHost string) (Process, error) {
	return startCommand(remoteHost, c.WorkerBinary, "connect", coordinatorHost)
}

func startCommand(host, name string, args ...string) (Process, error) {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	commandLine := strings.Join(append([]string{name}, args...), " ")
	log.Debugf("Starting worker for %s: %s", host, commandLine)
	if err := cmd.Start(); err != nil {
		return nil, &ProcessSpawnError{Host: host, Command: commandLine, Err: err}
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return -1, err
	}
	// ExitCode reports -1 for a process killed by a signal.
	return p.cmd.ProcessState.ExitCode(), nil
}

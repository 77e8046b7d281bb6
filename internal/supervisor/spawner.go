package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/basket/groupclaw/internal/shared"
)

// SpawnRequest describes one worker process invocation.
type SpawnRequest struct {
	Dir   string   // working directory (the group's workspace folder)
	Stdin []byte   // the full payload, delivered once and then closed
	Env   []string // already scrubbed of credential values
}

// Process is a handle to a spawned worker.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() error
	Kill() error
	Pid() int
}

// Spawner starts worker processes. The default implementation shells out;
// tests substitute a scripted one.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (Process, error)
}

// execSpawner spawns a configured command as a plain OS process.
type execSpawner struct {
	command string
	args    []string
}

// NewExecSpawner returns a Spawner that runs command with args per dispatch.
func NewExecSpawner(command string, args []string) Spawner {
	return &execSpawner{command: command, args: args}
}

func (e *execSpawner) Spawn(ctx context.Context, req SpawnRequest) (Process, error) {
	cmd := exec.CommandContext(ctx, e.command, e.args...)
	cmd.Dir = req.Dir
	cmd.Env = req.Env
	cmd.Stdin = bytes.NewReader(req.Stdin)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", e.command, err)
	}
	return &execProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }
func (p *execProcess) Wait() error       { return p.cmd.Wait() }
func (p *execProcess) Pid() int          { return p.cmd.Process.Pid }

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// ScrubbedEnv returns the current environment minus credential-bearing
// variables. Credentials reach the worker through its stdin payload only, so
// subprocesses the worker itself spawns never inherit them.
func ScrubbedEnv() []string {
	env := os.Environ()
	out := make([]string, 0, len(env))
	for _, kv := range env {
		key, _, ok := strings.Cut(kv, "=")
		if ok && shared.SensitiveEnvKey(key) {
			continue
		}
		out = append(out, kv)
	}
	return out
}

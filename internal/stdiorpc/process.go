package stdiorpc

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/gaspardpetit/stdiobridge/core/logx"
)

// ProcessConfig describes how to launch the bridged subprocess.
type ProcessConfig struct {
	Command string
	Args    []string
	// Env entries are either KEY=VALUE pairs or bare names forwarded from
	// the bridge's own environment.
	Env []string
	// AllowRelative permits a non-absolute Command path.
	AllowRelative bool
}

// Process couples a running subprocess with the channel bridging its streams.
type Process struct {
	*Channel
	cmd *exec.Cmd
}

// StartProcess launches the subprocess and wires its stdin/stdout/stderr into
// a new Channel. Process exit, with any code, is terminal for the channel.
func StartProcess(cfg ProcessConfig, opts Options) (*Process, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("subprocess command not configured")
	}
	if !filepath.IsAbs(cfg.Command) {
		if !cfg.AllowRelative {
			return nil, fmt.Errorf("subprocess command must be absolute: %s", cfg.Command)
		}
		logx.Log.Warn().Str("command", cfg.Command).Msg("allowing relative subprocess command path")
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = append(os.Environ(), buildEnv(cfg.Env)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start subprocess: %w", err)
	}
	logx.Log.Info().Str("command", cfg.Command).Int("pid", cmd.Process.Pid).Msg("subprocess started")

	ch := NewChannel(stdin, stdout, stderr, opts)
	p := &Process{Channel: ch, cmd: cmd}
	go func() {
		err := cmd.Wait()
		if err != nil {
			ch.shutdown(fmt.Errorf("subprocess exited: %w", err))
		} else {
			ch.shutdown(fmt.Errorf("subprocess exited: %w", ErrChannelClosed))
		}
	}()
	return p, nil
}

// PID returns the subprocess pid.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Running reports whether the subprocess is still alive.
func (p *Process) Running() bool {
	select {
	case <-p.Done():
		return false
	default:
		return true
	}
}

// Stop terminates the subprocess.
func (p *Process) Stop() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// buildEnv expands env entries: KEY=VALUE pairs pass through, bare names are
// resolved against the current environment and skipped when unset.
func buildEnv(vars []string) []string {
	var out []string
	for _, v := range vars {
		if strings.Contains(v, "=") {
			out = append(out, v)
			continue
		}
		if val, ok := os.LookupEnv(v); ok {
			out = append(out, fmt.Sprintf("%s=%s", v, val))
		}
	}
	return out
}

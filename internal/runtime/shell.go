package runtime

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"time"
)

// Shell runs scripts with `sh -c` directly on the host, inside the
// workspace. Image and Mount are ignored; CI_WORKSPACE tells scripts where
// they are.
type Shell struct {
	// Shell is the interpreter, "sh" by default.
	Shell string
	// InheritEnv passes the host environment through before Request.Env.
	InheritEnv bool
}

// NewShell returns a Shell runtime inheriting the host environment.
func NewShell() *Shell {
	return &Shell{Shell: "sh", InheritEnv: true}
}

func (s *Shell) Execute(ctx context.Context, req Request) (Result, error) {
	sh := s.Shell
	if sh == "" {
		sh = "sh"
	}
	cmd := exec.CommandContext(ctx, sh, "-c", req.Script)
	cmd.Dir = req.Workspace
	if s.InheritEnv {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, envList(req.Env)...)
	killProcessGroup(cmd)
	cmd.WaitDelay = 5 * time.Second

	out := &outputBuffer{tee: req.Output}
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	err := cmd.Run()
	return finish(ctx, out, start, err)
}

// finish turns the error from exec.Cmd.Run into a Result or an error.
func finish(ctx context.Context, out *outputBuffer, start time.Time, err error) (Result, error) {
	res := Result{Output: out.String(), Duration: time.Since(start)}
	if ctx.Err() != nil {
		res.ExitCode = -1
		return res, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if err != nil {
		res.ExitCode = -1
		return res, err
	}
	return res, nil
}

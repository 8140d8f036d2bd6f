package runtime

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Docker runs each script in a fresh container through the docker CLI:
//
//	docker run --rm --name <name> -v <workspace>:<mount> -w <mount> -e K=V <image> sh -c <script>
//
// Canceling the context kills the container, not just the CLI process.
type Docker struct {
	Binary string // "docker" by default
	// ExtraArgs are inserted after `run`, e.g. --network=host.
	ExtraArgs []string
}

// NewDocker returns a Docker runtime using the docker binary on PATH.
func NewDocker(binary string) *Docker {
	if binary == "" {
		binary = "docker"
	}
	return &Docker{Binary: binary}
}

// Args returns the docker CLI arguments for req, using name for the container.
func (d *Docker) Args(req Request, name string) []string {
	mount := req.mount()
	args := []string{"run", "--rm", "--name", name}
	args = append(args, d.ExtraArgs...)
	args = append(args, "-v", req.Workspace+":"+mount, "-w", mount)
	for _, kv := range envList(req.Env) {
		args = append(args, "-e", kv)
	}
	return append(args, req.Image, "sh", "-c", req.Script)
}

func (d *Docker) Execute(ctx context.Context, req Request) (Result, error) {
	if req.Image == "" {
		return Result{ExitCode: -1}, fmt.Errorf("container %q has no image", req.Name)
	}
	name := containerName(req.Name)

	cmd := exec.CommandContext(ctx, d.binary(), d.Args(req, name)...)
	cmd.Cancel = func() error {
		kill := exec.Command(d.binary(), "kill", name)
		_ = kill.Run()
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = 10 * time.Second

	out := &outputBuffer{tee: req.Output}
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	err := cmd.Run()
	return finish(ctx, out, start, err)
}

func (d *Docker) binary() string {
	if d.Binary == "" {
		return "docker"
	}
	return d.Binary
}

// containerName builds a unique docker container name from a display name.
func containerName(display string) string {
	var b strings.Builder
	b.WriteString("blockci-")
	for _, r := range strings.ToLower(display) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	b.WriteString("-")
	b.WriteString(uuid.NewString()[:8])
	return b.String()
}

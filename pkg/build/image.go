package build

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync"

	"github.com/zane-ops/zane/pkg/logsink"
	"github.com/zane-ops/zane/pkg/types"
)

var (
	successfullyBuiltRe = regexp.MustCompile(`^Successfully built ([0-9a-f]{12,})`)
	sha256Re            = regexp.MustCompile(`sha256:([0-9a-f]{64})`)
)

// ImageRequest describes one buildx invocation.
type ImageRequest struct {
	ServiceID      string
	DeploymentID   string
	EnvironmentID  string
	BuilderName    string
	Plan           *Plan
	Tag            string
	BuildArgs      map[string]string
	SecretEnvNames []string
	NoCache        bool
	Labels         map[string]string
}

// BuildImage runs `docker buildx build`, streaming every output line to the
// sink with ANSI preserved and returning the built image id. A non-zero
// exit or missing image id is a build failure.
func BuildImage(ctx context.Context, sink logsink.Sink, req ImageRequest) (string, error) {
	args := []string{
		"buildx", "build",
		"--builder", req.BuilderName,
		"--file", req.Plan.DockerfilePath,
		"--tag", req.Tag,
		"--load",
	}
	if req.Plan.BuildStage != "" {
		args = append(args, "--target", req.Plan.BuildStage)
	}
	if req.NoCache {
		args = append(args, "--no-cache")
	}
	for k, v := range req.Labels {
		args = append(args, "--label", k+"="+v)
	}
	for k, v := range req.BuildArgs {
		args = append(args, "--build-arg", k+"="+v)
	}
	for _, name := range req.SecretEnvNames {
		args = append(args, "--secret", "id="+name+",env="+name)
	}
	args = append(args, req.Plan.ContextDir)

	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Dir = req.Plan.ContextDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("%w: %s", types.ErrBuildFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("%w: %s", types.ErrBuildFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("%w: %s", types.ErrBuildFailed, err)
	}

	var (
		mu      sync.Mutex
		imageID string
	)
	record := func(line string, isErr bool) {
		mu.Lock()
		if imageID == "" {
			if m := successfullyBuiltRe.FindStringSubmatch(line); m != nil {
				imageID = m[1]
			} else if m := sha256Re.FindStringSubmatch(line); m != nil {
				imageID = m[1]
			}
		}
		mu.Unlock()
		logsink.Best(ctx, sink,
			logsink.NewBuildRecord(req.ServiceID, req.DeploymentID, line, isErr))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			record(scanner.Text(), false)
		}
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			record(scanner.Text(), true)
		}
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			// Cancellation killed the subprocess; surface the cancellation,
			// not a build failure.
			return "", fmt.Errorf("%w: image build interrupted", types.ErrCancelled)
		}
		return "", fmt.Errorf("%w: %s", types.ErrBuildFailed, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if imageID == "" {
		return "", fmt.Errorf("%w: no image id in build output", types.ErrBuildFailed)
	}
	return imageID, nil
}

// EnsureBuilder creates the environment's buildkit builder if it does not
// exist, attached to the environment's overlay network.
func EnsureBuilder(ctx context.Context, env *types.Environment) error {
	name := env.BuilderName()

	inspect := exec.CommandContext(ctx, "docker", "buildx", "inspect", name)
	if err := inspect.Run(); err == nil {
		return nil
	}

	create := exec.CommandContext(ctx, "docker", "buildx", "create",
		"--name", name,
		"--driver", "docker-container",
		"--driver-opt", "network="+env.NetworkName(),
	)
	if out, err := create.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to create builder %s: %s: %s",
			name, err, truncate(strings.TrimSpace(string(out)), 300))
	}
	return nil
}

// RemoveBuilder deletes the environment's buildkit builder.
func RemoveBuilder(ctx context.Context, env *types.Environment) error {
	cmd := exec.CommandContext(ctx, "docker", "buildx", "rm", "--force", env.BuilderName())
	if out, err := cmd.CombinedOutput(); err != nil {
		if strings.Contains(string(out), "no builder") {
			return nil
		}
		return fmt.Errorf("failed to remove builder %s: %s", env.BuilderName(), err)
	}
	return nil
}

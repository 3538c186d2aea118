// Package container creates, runs and tears down one container per
// generation.
package container

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"
)

// CommandExecutor abstracts exec.CommandContext for testing.
type CommandExecutor func(ctx context.Context, name string, args ...string) *exec.Cmd

func defaultExec(ctx context.Context, name string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, name, args...)
}

// Spec describes a container to create.
type Spec struct {
	Name    string
	Image   string
	Network string
	Env     map[string]string
	Labels  map[string]string
}

// Runtime is the container engine.
type Runtime interface {
	Create(ctx context.Context, spec Spec) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, grace time.Duration) error
	Remove(ctx context.Context, id string) error
	CopyFrom(ctx context.Context, id, src, dst string) error
	Logs(ctx context.Context, id string, follow bool) (io.ReadCloser, error)
	ListByLabel(ctx context.Context, key, value string) ([]string, error)
}

// Docker drives the local engine through the docker CLI.
type Docker struct {
	binary string
	exec   CommandExecutor
}

// NewDocker creates a runtime using the docker binary on PATH.
func NewDocker() *Docker {
	return &Docker{binary: "docker", exec: defaultExec}
}

// NewDockerWithExecutor creates a runtime with a custom executor (for testing).
func NewDockerWithExecutor(executor CommandExecutor) *Docker {
	return &Docker{binary: "docker", exec: executor}
}

// Create creates the container without starting it and returns its id.
// Environment values are handed to the CLI through its own environment so
// that credentials never appear in the process arguments.
func (d *Docker) Create(ctx context.Context, spec Spec) (string, error) {
	args := []string{"create", "--name", spec.Name}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	for _, k := range sortedKeys(spec.Labels) {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}
	envKeys := sortedKeys(spec.Env)
	for _, k := range envKeys {
		args = append(args, "-e", k)
	}
	args = append(args, spec.Image)

	cmd := d.exec(ctx, d.binary, args...)
	cmd.Env = os.Environ()
	for _, k := range envKeys {
		cmd.Env = append(cmd.Env, k+"="+spec.Env[k])
	}
	out, err := d.output(cmd)
	if err != nil {
		return "", fmt.Errorf("docker create %s: %w", spec.Name, err)
	}
	id := strings.TrimSpace(out)
	if id == "" {
		return "", fmt.Errorf("docker create %s: empty container id", spec.Name)
	}
	return id, nil
}

// Start starts a created container.
func (d *Docker) Start(ctx context.Context, id string) error {
	return d.run(ctx, "start", id)
}

// Stop asks the container to stop and kills it after grace.
func (d *Docker) Stop(ctx context.Context, id string, grace time.Duration) error {
	secs := int(grace.Round(time.Second) / time.Second)
	return d.run(ctx, "stop", "--time", strconv.Itoa(secs), id)
}

// Remove force-removes the container.
func (d *Docker) Remove(ctx context.Context, id string) error {
	return d.run(ctx, "rm", "-f", id)
}

// CopyFrom copies src inside the container to dst on the host.
func (d *Docker) CopyFrom(ctx context.Context, id, src, dst string) error {
	return d.run(ctx, "cp", id+":"+src, dst)
}

// Logs returns the container's combined stdout and stderr. Closing the
// reader stops the underlying docker logs process.
func (d *Docker) Logs(ctx context.Context, id string, follow bool) (io.ReadCloser, error) {
	args := []string{"logs", "--timestamps"}
	if follow {
		args = append(args, "--follow")
	}
	args = append(args, id)

	ctx, cancel := context.WithCancel(ctx)
	cmd := d.exec(ctx, d.binary, args...)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("docker logs %s: %w", id, err)
	}
	go func() {
		pw.CloseWithError(cmd.Wait())
	}()
	return &logStream{PipeReader: pr, cancel: cancel}, nil
}

type logStream struct {
	*io.PipeReader
	cancel context.CancelFunc
}

func (s *logStream) Close() error {
	s.cancel()
	return s.PipeReader.Close()
}

// ListByLabel returns the ids of all containers, running or not, carrying
// the label. An empty value matches any value.
func (d *Docker) ListByLabel(ctx context.Context, key, value string) ([]string, error) {
	filter := "label=" + key
	if value != "" {
		filter += "=" + value
	}
	cmd := d.exec(ctx, d.binary, "ps", "-aq", "--filter", filter)
	out, err := d.output(cmd)
	if err != nil {
		return nil, fmt.Errorf("docker ps: %w", err)
	}
	var ids []string
	for _, line := range strings.Split(out, "\n") {
		if id := strings.TrimSpace(line); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (d *Docker) run(ctx context.Context, args ...string) error {
	if _, err := d.output(d.exec(ctx, d.binary, args...)); err != nil {
		return fmt.Errorf("docker %s: %w", args[0], err)
	}
	return nil
}

// output runs cmd and folds stderr into the error.
func (d *Docker) output(cmd *exec.Cmd) (string, error) {
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%w: %s", err, msg)
		}
		return "", err
	}
	return string(out), nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

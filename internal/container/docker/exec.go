// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package docker

import (
	"bytes"
	"context"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/juju/errors"

	"github.com/iotistic/agent/internal/container"
)

// Exec runs a command inside a running container and waits for it to
// finish, capturing both output streams.
func (e *Engine) Exec(ctx context.Context, id string, cmd []string) (container.ExecResult, error) {
	if len(cmd) == 0 {
		return container.ExecResult{}, errors.NotValidf("empty exec command")
	}

	created, err := e.client.ContainerExecCreate(ctx, id, types.ExecConfig{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return container.ExecResult{}, normalize(err, "creating exec")
	}

	attach, err := e.client.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return container.ExecResult{}, normalize(err, "attaching exec")
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil && !streamClosed(err) {
			return container.ExecResult{}, normalize(err, "reading exec output")
		}
	case <-ctx.Done():
		return container.ExecResult{}, errors.Trace(ctx.Err())
	}

	inspect, err := e.client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return container.ExecResult{}, normalize(err, "inspecting exec")
	}
	return container.ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package docker

import (
	"context"
	"strings"

	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/juju/errors"

	"github.com/iotistic/agent/internal/container"
)

// semanticMessages are daemon error fragments that no amount of
// retrying will fix; the condition only clears when the target state
// or the host changes.
var semanticMessages = []string{
	"port is already allocated",
	"address already in use",
	"no space left on device",
	"invalid reference format",
	"manifest unknown",
	"pull access denied",
	"repository does not exist",
	"executable file not found",
}

// transientMessages are error fragments indicating the daemon or the
// network hiccupped and the same call is worth repeating.
var transientMessages = []string{
	"connection refused",
	"connection reset",
	"i/o timeout",
	"timeout exceeded",
	"temporary failure",
	"no such host",
	"tls handshake timeout",
	"unexpected eof",
}

func isNotFound(err error) bool {
	return errdefs.IsNotFound(err) || errors.IsNotFound(err)
}

// normalize maps a docker SDK error into the engine's error taxonomy:
// not-found errors keep their identity, daemon rejections that cannot
// heal on their own become semantic, everything else is treated as a
// transient fault worth retrying.
func normalize(err error, op string) error {
	if err == nil {
		return nil
	}
	annotated := errors.Annotate(err, op)

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return annotated
	case isNotFound(err):
		return errors.NewNotFound(annotated, "")
	case client.IsErrConnectionFailed(err):
		return container.NewTransient(annotated)
	case errdefs.IsDeadline(err):
		return container.NewTransient(annotated)
	case errdefs.IsConflict(err),
		errdefs.IsInvalidParameter(err),
		errdefs.IsUnauthorized(err),
		errdefs.IsForbidden(err),
		errdefs.IsNotImplemented(err):
		return container.NewSemantic(annotated)
	}

	message := strings.ToLower(err.Error())
	for _, fragment := range semanticMessages {
		if strings.Contains(message, fragment) {
			return container.NewSemantic(annotated)
		}
	}
	for _, fragment := range transientMessages {
		if strings.Contains(message, fragment) {
			return container.NewTransient(annotated)
		}
	}
	return container.NewTransient(annotated)
}

//go:build !linux

package main

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"
)

func runApply(context.Context, string, []string) error {
	return fmt.Errorf("apply: %w", errdefs.ErrNotImplemented)
}

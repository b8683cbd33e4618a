// Package artifact uploads run artifacts (logs, tree snapshots) to where the
// platform collects them.
package artifact

import (
	"context"
)

// Store receives artifact files.
type Store interface {
	Put(ctx context.Context, path string) error
	Name() string
}

// None discards artifacts.
type None struct{}

// Put does nothing.
func (None) Put(context.Context, string) error { return nil }

// Name returns "none".
func (None) Name() string { return "none" }

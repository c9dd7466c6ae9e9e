package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// staleAfter is how long an orphaned container or workspace may linger
// before the janitor reaps it.
const staleAfter = time.Hour

// CleanupContainer force-removes the container and deletes its workspace
// directory. Safe to call repeatedly and for ids that no longer exist.
func (e *Executor) CleanupContainer(containerID string) error {
	var errs error
	err := e.cli.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		errs = multierr.Append(errs, fmt.Errorf("sandbox: remove container %s: %w", containerID, err))
	}
	if err := os.RemoveAll(e.workdirFor(containerID)); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("sandbox: remove workspace for %s: %w", containerID, err))
	}
	return errs
}

// RunJanitor reaps leaked containers and stale workspace directories on a
// fixed interval until the context is cancelled. Normal execution cleans up
// after itself; this catches what a crashed or killed process left behind.
func (e *Executor) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reapStale(ctx)
		}
	}
}

func (e *Executor) reapStale(ctx context.Context) {
	listCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-staleAfter)

	containers, err := e.cli.ContainerList(listCtx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", sandboxLabel+"=true")),
	})
	if err != nil {
		e.log.Warn("janitor container list failed", zap.Error(err))
	}
	for _, c := range containers {
		if time.Unix(c.Created, 0).After(cutoff) {
			continue
		}
		name := c.ID
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		if err := e.CleanupContainer(name); err != nil {
			e.met.CleanupFailures.Inc()
			e.log.Warn("janitor cleanup failed", zap.String("container", name), zap.Error(err))
			continue
		}
		e.log.Info("reaped stale container", zap.String("container", name))
	}

	entries, err := os.ReadDir(e.cfg.WorkspacePath)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), containerPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(e.cfg.WorkspacePath, entry.Name())); err != nil {
			e.log.Warn("janitor workspace removal failed", zap.String("dir", entry.Name()), zap.Error(err))
		}
	}
}

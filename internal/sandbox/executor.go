package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"crucible/internal/logging"
	"crucible/internal/metrics"
)

const (
	containerPrefix = "crucible-exec-"
	workspaceMount  = "/workspace"
	maxOutputBytes  = 1 << 20
	truncationMark  = "\n[output truncated]"

	// sandboxLabel marks containers owned by this process so the janitor
	// can reap leaks without touching unrelated containers.
	sandboxLabel = "crucible.sandbox"
)

func defaultWorkspaceRoot() string {
	return filepath.Join(os.TempDir(), "crucible-workspaces")
}

// Executor runs execution requests in disposable containers. All invocations
// share one semaphore sized by MaxConcurrentExecutions.
type Executor struct {
	cli *client.Client
	cfg Config
	sem *semaphore.Weighted
	log *zap.Logger
	met *metrics.Metrics

	active    int64
	total     int64
	succeeded int64
	failed    int64
	timedOut  int64
}

// NewExecutor connects to the container runtime and prepares the workspace
// root. The daemon must be reachable at construction time.
func NewExecutor(cfg Config) (*Executor, error) {
	def := DefaultConfig()
	if cfg.WorkspacePath == "" {
		cfg.WorkspacePath = def.WorkspacePath
	}
	if cfg.MaxConcurrentExecutions <= 0 {
		cfg.MaxConcurrentExecutions = def.MaxConcurrentExecutions
	}
	if cfg.MemoryLimitMB <= 0 {
		cfg.MemoryLimitMB = def.MemoryLimitMB
	}
	if cfg.CPULimit <= 0 {
		cfg.CPULimit = def.CPULimit
	}
	if cfg.PidsLimit <= 0 {
		cfg.PidsLimit = def.PidsLimit
	}
	if cfg.DefaultTimeoutSeconds <= 0 {
		cfg.DefaultTimeoutSeconds = def.DefaultTimeoutSeconds
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox: connect to docker: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("sandbox: docker daemon unreachable: %w", err)
	}
	if err := os.MkdirAll(cfg.WorkspacePath, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: create workspace root: %w", err)
	}

	return &Executor{
		cli: cli,
		cfg: cfg,
		sem: semaphore.NewWeighted(int64(cfg.MaxConcurrentExecutions)),
		log: logging.Named("sandbox"),
		met: metrics.Get(),
	}, nil
}

// Close releases the connection to the container runtime.
func (e *Executor) Close() error {
	return e.cli.Close()
}

// Execute runs one request to completion. The context bounds both the wait
// for an execution slot and the container run; cancellation or deadline
// expiry surfaces as a Timeout result with exit code -1, never as an error.
func (e *Executor) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("sandbox: acquire execution slot: %w", err)
	}
	defer e.sem.Release(1)

	atomic.AddInt64(&e.active, 1)
	e.met.ExecutionsInFlight.Inc()
	defer func() {
		atomic.AddInt64(&e.active, -1)
		e.met.ExecutionsInFlight.Dec()
	}()

	spec := resolveLanguage(req.Language, e.cfg)
	containerID := containerPrefix + uuid.NewString()
	workdir := e.workdirFor(containerID)
	timeout := effectiveTimeout(req, spec)

	log := e.log.With(
		zap.String("container", containerID),
		zap.String("project_id", req.ProjectID),
		zap.String("language", spec.Name),
		zap.String("phase", string(req.Phase)),
	)

	res := &ExecutionResult{
		ContainerID: containerID,
		Language:    spec.Name,
		Phase:       req.Phase,
	}
	start := time.Now()

	if err := e.materializeWorkspace(workdir, req); err != nil {
		_ = os.RemoveAll(workdir)
		return nil, err
	}
	defer func() {
		if err := e.CleanupContainer(containerID); err != nil {
			e.met.CleanupFailures.Inc()
			log.Warn("cleanup failed", zap.Error(err))
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := e.ensureImage(runCtx, spec.Image); err != nil {
		return nil, err
	}

	_, err := e.cli.ContainerCreate(runCtx,
		e.containerConfig(spec, req),
		e.hostConfig(spec, req, workdir),
		&network.NetworkingConfig{}, nil, containerID)
	if err != nil {
		return nil, fmt.Errorf("sandbox: create container: %w", err)
	}

	if err := e.cli.ContainerStart(runCtx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("sandbox: start container: %w", err)
	}

	waitCh, errCh := e.cli.ContainerWait(runCtx, containerID, container.WaitConditionNotRunning)

	interrupted := false
	select {
	case <-runCtx.Done():
		interrupted = true
		_ = e.cli.ContainerKill(context.Background(), containerID, "SIGKILL")
	case resp := <-waitCh:
		res.ExitCode = int(resp.StatusCode)
	case err := <-errCh:
		return nil, fmt.Errorf("sandbox: wait for container: %w", err)
	}

	logCtx, logCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer logCancel()
	stdout, stderr, logErr := e.collectOutput(logCtx, containerID)
	if logErr != nil {
		log.Warn("log collection failed", zap.Error(logErr))
	}
	res.Stdout = stdout
	res.Stderr = stderr
	res.ExecutionTimeMs = time.Since(start).Milliseconds()

	status := "success"
	switch {
	case interrupted:
		msg := "execution cancelled"
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			msg = fmt.Sprintf("execution exceeded timeout of %s", timeout)
		}
		res.ExitCode = -1
		res.Success = false
		res.Errors = []ExecutionError{{Type: ErrTimeout, Message: msg}}
		atomic.AddInt64(&e.timedOut, 1)
		atomic.AddInt64(&e.failed, 1)
		status = "timeout"
	case res.ExitCode == 0:
		res.Success = true
		// Linters report findings on a clean exit, so still parse them.
		if req.Phase == PhaseStaticAnalysis {
			res.Errors = parseStructured(req.Language, req.Phase, stdout, stderr)
		}
		atomic.AddInt64(&e.succeeded, 1)
	default:
		res.Success = false
		res.Errors = ParseDiagnostics(req.Language, req.Phase, stdout, stderr)
		res.StackTrace = ExtractStackTrace(stdout, stderr)
		atomic.AddInt64(&e.failed, 1)
		status = "failed"
	}
	atomic.AddInt64(&e.total, 1)

	e.met.RecordExecution(spec.Name, string(req.Phase), status, time.Since(start))
	log.Info("execution finished",
		zap.Int("exit_code", res.ExitCode),
		zap.Bool("success", res.Success),
		zap.Int64("duration_ms", res.ExecutionTimeMs),
	)

	return res, nil
}

// Stats returns a snapshot of the executor counters.
func (e *Executor) Stats() Stats {
	return Stats{
		Active:    atomic.LoadInt64(&e.active),
		Total:     atomic.LoadInt64(&e.total),
		Succeeded: atomic.LoadInt64(&e.succeeded),
		Failed:    atomic.LoadInt64(&e.failed),
		TimedOut:  atomic.LoadInt64(&e.timedOut),
	}
}

func (e *Executor) workdirFor(containerID string) string {
	return filepath.Join(e.cfg.WorkspacePath, containerID)
}

// materializeWorkspace writes the request files and the generated entrypoint
// under workdir, creating intermediate directories as needed.
func (e *Executor) materializeWorkspace(workdir string, req ExecutionRequest) error {
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return fmt.Errorf("sandbox: create workspace: %w", err)
	}
	for _, f := range req.Files {
		rel, err := safeRelPath(f.Path)
		if err != nil {
			return err
		}
		dst := filepath.Join(workdir, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("sandbox: create directory for %s: %w", f.Path, err)
		}
		if err := os.WriteFile(dst, []byte(f.Content), 0o644); err != nil {
			return fmt.Errorf("sandbox: write %s: %w", f.Path, err)
		}
	}
	script := BuildEntrypoint(req.Language, req.Phase, req.EntryPoint)
	if err := os.WriteFile(filepath.Join(workdir, entrypointName), []byte(script), 0o755); err != nil {
		return fmt.Errorf("sandbox: write entrypoint: %w", err)
	}
	return nil
}

// safeRelPath rejects absolute paths and parent-escaping segments.
func safeRelPath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("sandbox: empty file path")
	}
	slashed := filepath.ToSlash(p)
	if filepath.IsAbs(p) || strings.HasPrefix(slashed, "/") {
		return "", fmt.Errorf("sandbox: absolute file path %q not allowed", p)
	}
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return "", fmt.Errorf("sandbox: file path %q escapes the workspace", p)
		}
	}
	return filepath.FromSlash(slashed), nil
}

func (e *Executor) containerConfig(spec languageSpec, req ExecutionRequest) *container.Config {
	return &container.Config{
		Image:           spec.Image,
		WorkingDir:      workspaceMount,
		Cmd:             []string{"/bin/sh", workspaceMount + "/" + entrypointName},
		Env:             buildEnv(spec.Name, req.Env),
		Tty:             false,
		NetworkDisabled: !req.AllowNetwork,
		Labels:          map[string]string{sandboxLabel: "true"},
	}
}

func (e *Executor) hostConfig(spec languageSpec, req ExecutionRequest, workdir string) *container.HostConfig {
	pidsLimit := int64(spec.Pids)
	memoryBytes := int64(spec.MemoryMB) * 1024 * 1024
	nanoCPUs := int64(spec.CPU * 1_000_000_000)
	if nanoCPUs <= 0 {
		nanoCPUs = 500_000_000
	}

	hostCfg := &container.HostConfig{
		AutoRemove:     false,
		ReadonlyRootfs: true,
		SecurityOpt:    []string{"no-new-privileges:true"},
		CapDrop:        []string{"ALL"},
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: workdir,
			Target: workspaceMount,
		}},
		NetworkMode: "none",
		Tmpfs:       map[string]string{"/tmp": "rw,noexec,nosuid,size=100m"},
		Resources: container.Resources{
			Memory:     memoryBytes,
			MemorySwap: memoryBytes,
			NanoCPUs:   nanoCPUs,
			PidsLimit:  &pidsLimit,
		},
	}
	if req.AllowNetwork {
		hostCfg.NetworkMode = "bridge"
	}
	return hostCfg
}

func buildEnv(language string, extra map[string]string) []string {
	env := []string{"SANDBOX=true", "LANGUAGE=" + language}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func (e *Executor) ensureImage(ctx context.Context, ref string) error {
	_, _, err := e.cli.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	rc, pullErr := e.cli.ImagePull(ctx, ref, image.PullOptions{})
	if pullErr != nil {
		return fmt.Errorf("sandbox: pull image %s: %w (inspect: %v)", ref, pullErr, err)
	}
	defer rc.Close()
	_, _ = io.Copy(io.Discard, rc)
	return nil
}

func (e *Executor) collectOutput(ctx context.Context, containerID string) (string, string, error) {
	rc, err := e.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", err
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	outW := &limitedWriter{w: &stdout, limit: maxOutputBytes}
	errW := &limitedWriter{w: &stderr, limit: maxOutputBytes}
	_, copyErr := stdcopy.StdCopy(outW, errW, rc)
	return outW.finish(&stdout), errW.finish(&stderr), copyErr
}

// limitedWriter caps how much output a container may hand back; the remainder
// is discarded rather than failing the copy.
type limitedWriter struct {
	w         io.Writer
	limit     int64
	written   int64
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.limit <= 0 {
		return lw.w.Write(p)
	}
	if lw.written >= lw.limit {
		lw.truncated = true
		return n, nil
	}
	remaining := lw.limit - lw.written
	if int64(len(p)) > remaining {
		p = p[:remaining]
		lw.truncated = true
	}
	m, err := lw.w.Write(p)
	lw.written += int64(m)
	if err != nil {
		return m, err
	}
	return n, nil
}

func (lw *limitedWriter) finish(buf *bytes.Buffer) string {
	if lw.truncated {
		return buf.String() + truncationMark
	}
	return buf.String()
}

// Package orchestrator runs one agent container per generation task and
// supervises it until the session's event stream carries a finish event.
// It never interprets agent output; it only observes container liveness
// and store state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/config"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/models"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/store"
)

// ContainerAPI is the slice of the docker engine client the orchestrator
// uses. *client.Client satisfies it.
type ContainerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

var _ ContainerAPI = (*client.Client)(nil)

// Orchestrator supervises agent containers.
type Orchestrator struct {
	Docker ContainerAPI
	Store  store.Store
	Config config.OrchestratorConfig
	// ExtraEnv is passed into every agent container (store connection,
	// LLM credentials).
	ExtraEnv []string
}

// ContainerName derives the deterministic per-session container name.
func ContainerName(sessionID string) string {
	return "mgx-agent-" + sessionID
}

// RunTask starts the agent container for the session and blocks until
// the run reaches a terminal state. The returned status is the finish
// status observed or synthesised.
func (o *Orchestrator) RunTask(ctx context.Context, sess *models.Session) (string, error) {
	name := ContainerName(sess.SessionID)

	// Finish events older than this belong to a prior run of the same
	// session and must not terminate this one.
	startedAt := models.Now()

	// A leftover container from a crashed prior run blocks the name.
	o.removeContainer(ctx, name)

	env := append([]string{
		"SESSION_ID=" + sess.SessionID,
		"WORKSPACE_ID=" + sess.WorkspaceID,
		"FRAMEWORK=" + string(sess.Framework),
		"RUN_MODE=database",
		"MGX_AGENT_API_KEY=" + sess.SessionID,
	}, o.ExtraEnv...)

	hostPath := o.Config.HostWorkspacesRoot + "/" + sess.WorkspaceID

	created, err := o.Docker.ContainerCreate(ctx,
		&container.Config{
			Image: o.Config.AgentImage,
			Env:   env,
			Labels: map[string]string{
				"mgx.session_id":   sess.SessionID,
				"mgx.workspace_id": sess.WorkspaceID,
			},
		},
		&container.HostConfig{
			Binds:       []string{hostPath + ":" + o.Config.ContainerWorkspaceRoot},
			NetworkMode: container.NetworkMode(o.Config.NetworkMode),
			Resources: container.Resources{
				Memory:   o.Config.MemoryLimitBytes,
				NanoCPUs: o.Config.NanoCPUs,
			},
		},
		nil, nil, name)
	if err != nil {
		return models.FinishStatusFailed, fmt.Errorf("create container %s: %w", name, err)
	}
	defer o.removeContainer(context.WithoutCancel(ctx), created.ID)

	if err := o.Docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return models.FinishStatusFailed, fmt.Errorf("start container %s: %w", name, err)
	}
	slog.Info("agent container started",
		"session_id", sess.SessionID, "container_id", created.ID, "image", o.Config.AgentImage)

	return o.monitor(ctx, sess.SessionID, created.ID, startedAt)
}

// monitor polls the store and the container until the run terminates.
// startedAt scopes finish lookups to this run.
func (o *Orchestrator) monitor(ctx context.Context, sessionID, containerID string, startedAt float64) (string, error) {
	deadline := time.Now().Add(o.Config.TaskTimeout)
	ticker := time.NewTicker(o.Config.MonitorInterval)
	defer ticker.Stop()

	var stopSeenAt time.Time

	for {
		select {
		case <-ctx.Done():
			o.stopContainer(context.WithoutCancel(ctx), containerID)
			o.synthesizeFinish(context.WithoutCancel(ctx), sessionID, startedAt, models.FinishStatusStopped, "orchestrator shutdown", nil)
			return models.FinishStatusStopped, ctx.Err()
		case <-ticker.C:
		}

		if status, ok := o.finishStatus(ctx, sessionID, startedAt); ok {
			return status, nil
		}

		info, err := o.Docker.ContainerInspect(ctx, containerID)
		if err != nil {
			slog.Warn("container inspect failed", "container_id", containerID, "error", err)
		} else if info.State != nil && !info.State.Running {
			exitCode := info.State.ExitCode
			if status, ok := o.finishStatus(ctx, sessionID, startedAt); ok {
				return status, nil
			}
			o.synthesizeFinish(ctx, sessionID, startedAt, models.FinishStatusFailed, "container-exited",
				map[string]any{"exit_code": exitCode})
			return models.FinishStatusFailed, nil
		}

		if time.Now().After(deadline) {
			o.stopContainer(ctx, containerID)
			if status, ok := o.finishStatus(ctx, sessionID, startedAt); ok {
				return status, nil
			}
			o.synthesizeFinish(ctx, sessionID, startedAt, models.FinishStatusTimeout, "task timeout", nil)
			return models.FinishStatusTimeout, nil
		}

		// The runtime observes the stop marker itself and emits
		// finish{stopped}; the orchestrator only escalates when the
		// container fails to wind down within the grace period.
		stopRequested, err := o.Store.IsStopRequested(ctx, sessionID)
		if err == nil && stopRequested {
			if stopSeenAt.IsZero() {
				stopSeenAt = time.Now()
			} else if time.Since(stopSeenAt) > o.Config.StopGrace {
				o.stopContainer(ctx, containerID)
				if status, ok := o.finishStatus(ctx, sessionID, startedAt); ok {
					return status, nil
				}
				o.synthesizeFinish(ctx, sessionID, startedAt, models.FinishStatusStopped, "stop requested", nil)
				return models.FinishStatusStopped, nil
			}
		}
	}
}

// finishStatus looks up the run's finish event.
func (o *Orchestrator) finishStatus(ctx context.Context, sessionID string, startedAt float64) (string, bool) {
	ev, err := o.Store.FinishEvent(ctx, sessionID, startedAt)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("finish event lookup failed", "session_id", sessionID, "error", err)
		}
		return "", false
	}
	if s, ok := ev.Data["status"].(string); ok {
		return s, true
	}
	return models.FinishStatusSuccess, true
}

// synthesizeFinish appends a finish event unless the run already has a
// real one.
func (o *Orchestrator) synthesizeFinish(ctx context.Context, sessionID string, startedAt float64, status, reason string, extra map[string]any) {
	if has, err := o.Store.HasFinishEvent(ctx, sessionID, startedAt); err == nil && has {
		return
	}
	data := map[string]any{"status": status}
	if reason != "" {
		data["reason"] = reason
	}
	for k, v := range extra {
		data[k] = v
	}
	if err := o.Store.AppendEvent(ctx, models.NewEvent(sessionID, models.EventFinish, data)); err != nil {
		slog.Error("failed to synthesize finish event", "session_id", sessionID, "error", err)
	}
}

func (o *Orchestrator) stopContainer(ctx context.Context, containerID string) {
	grace := int(o.Config.StopGrace / time.Second)
	if err := o.Docker.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &grace}); err != nil && !cerrdefs.IsNotFound(err) {
		slog.Warn("container stop failed", "container_id", containerID, "error", err)
	}
}

// removeContainer force-removes, tolerating repeated and missing-target
// calls.
func (o *Orchestrator) removeContainer(ctx context.Context, nameOrID string) {
	err := o.Docker.ContainerRemove(ctx, nameOrID, container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		slog.Warn("container remove failed", "container", nameOrID, "error", err)
	}
}

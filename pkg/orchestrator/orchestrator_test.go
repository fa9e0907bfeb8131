package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/config"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/models"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/store"
)

type fakeDocker struct {
	mu       sync.Mutex
	running  bool
	exitCode int
	exists   bool

	createdNames []string
	createdEnv   []string
	createdBinds []string
	started      []string
	stopped      []string
	removed      []string
}

func (f *fakeDocker) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig,
	_ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createdNames = append(f.createdNames, name)
	f.createdEnv = cfg.Env
	f.createdBinds = host.Binds
	f.exists = true
	return container.CreateResponse{ID: "cid-" + name}, nil
}

func (f *fakeDocker) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	f.running = true
	return nil
}

func (f *fakeDocker) ContainerInspect(_ context.Context, id string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.exists {
		return container.InspectResponse{}, cerrdefs.ErrNotFound
	}
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:    id,
			State: &container.State{Running: f.running, ExitCode: f.exitCode},
		},
	}, nil
}

func (f *fakeDocker) ContainerStop(_ context.Context, id string, _ container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	f.running = false
	return nil
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	if !f.exists {
		return cerrdefs.ErrNotFound
	}
	f.exists = false
	return nil
}

func (f *fakeDocker) setExited(code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.exitCode = code
}

func testOrchestrator(docker ContainerAPI, st store.Store) *Orchestrator {
	return &Orchestrator{
		Docker: docker,
		Store:  st,
		Config: config.OrchestratorConfig{
			AgentImage:             "mgx-agent:test",
			HostWorkspacesRoot:     "/var/lib/mgx/workspaces",
			ContainerWorkspaceRoot: "/workspace",
			NetworkMode:            "bridge",
			TaskTimeout:            500 * time.Millisecond,
			MonitorInterval:        10 * time.Millisecond,
			StopGrace:              20 * time.Millisecond,
			MemoryLimitBytes:       2 << 30,
			NanoCPUs:               1_000_000_000,
		},
	}
}

func testSession() *models.Session {
	return &models.Session{
		SessionID:   "sess-1",
		WorkspaceID: "ws-1",
		Framework:   models.FrameworkNextJS,
	}
}

func TestRunTaskFinishFromStore(t *testing.T) {
	st := store.NewMemoryStore()
	docker := &fakeDocker{}
	o := testOrchestrator(docker, st)

	// The "agent" finishes shortly after start.
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = st.AppendEvent(context.Background(), models.NewEvent("sess-1", models.EventFinish,
			map[string]any{"status": models.FinishStatusSuccess}))
	}()

	status, err := o.RunTask(context.Background(), testSession())
	require.NoError(t, err)
	assert.Equal(t, models.FinishStatusSuccess, status)

	// Container named after the session, env and mount wired.
	require.NotEmpty(t, docker.createdNames)
	assert.Equal(t, "mgx-agent-sess-1", docker.createdNames[len(docker.createdNames)-1])
	assert.Contains(t, docker.createdEnv, "SESSION_ID=sess-1")
	assert.Contains(t, docker.createdEnv, "WORKSPACE_ID=ws-1")
	assert.Contains(t, docker.createdEnv, "FRAMEWORK=nextjs")
	assert.Contains(t, docker.createdEnv, "MGX_AGENT_API_KEY=sess-1")
	assert.Contains(t, docker.createdBinds, "/var/lib/mgx/workspaces/ws-1:/workspace")

	// Cleanup removed the container.
	assert.NotEmpty(t, docker.removed)
}

func TestRunTaskContainerExitWithoutFinish(t *testing.T) {
	st := store.NewMemoryStore()
	docker := &fakeDocker{}
	o := testOrchestrator(docker, st)

	go func() {
		time.Sleep(30 * time.Millisecond)
		docker.setExited(2)
	}()

	status, err := o.RunTask(context.Background(), testSession())
	require.NoError(t, err)
	assert.Equal(t, models.FinishStatusFailed, status)

	events, err := st.EventsSince(context.Background(), "sess-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventFinish, events[0].EventType)
	assert.Equal(t, models.FinishStatusFailed, events[0].Data["status"])
	assert.Equal(t, "container-exited", events[0].Data["reason"])
	assert.Equal(t, 2, events[0].Data["exit_code"])
}

func TestRunTaskTimeout(t *testing.T) {
	st := store.NewMemoryStore()
	docker := &fakeDocker{}
	o := testOrchestrator(docker, st)
	o.Config.TaskTimeout = 50 * time.Millisecond

	status, err := o.RunTask(context.Background(), testSession())
	require.NoError(t, err)
	assert.Equal(t, models.FinishStatusTimeout, status)

	assert.NotEmpty(t, docker.stopped)

	events, err := st.EventsSince(context.Background(), "sess-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.FinishStatusTimeout, events[0].Data["status"])
}

func TestRunTaskStopEscalation(t *testing.T) {
	st := store.NewMemoryStore()
	docker := &fakeDocker{}
	o := testOrchestrator(docker, st)

	require.NoError(t, st.RequestStop(context.Background(), "sess-1"))

	status, err := o.RunTask(context.Background(), testSession())
	require.NoError(t, err)
	assert.Equal(t, models.FinishStatusStopped, status)
	assert.NotEmpty(t, docker.stopped)
}

func TestRunTaskIgnoresPriorRunFinish(t *testing.T) {
	st := store.NewMemoryStore()
	docker := &fakeDocker{}
	o := testOrchestrator(docker, st)

	// Finish left over from an earlier run of the same session must not
	// terminate this one.
	old := models.NewEvent("sess-1", models.EventFinish,
		map[string]any{"status": models.FinishStatusStopped})
	old.Timestamp -= 60
	require.NoError(t, st.AppendEvent(context.Background(), old))

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = st.AppendEvent(context.Background(), models.NewEvent("sess-1", models.EventFinish,
			map[string]any{"status": models.FinishStatusSuccess}))
	}()

	status, err := o.RunTask(context.Background(), testSession())
	require.NoError(t, err)
	assert.Equal(t, models.FinishStatusSuccess, status)
}

func TestRunTaskTimeoutWithPriorRunFinish(t *testing.T) {
	st := store.NewMemoryStore()
	docker := &fakeDocker{}
	o := testOrchestrator(docker, st)
	o.Config.TaskTimeout = 50 * time.Millisecond

	old := models.NewEvent("sess-1", models.EventFinish,
		map[string]any{"status": models.FinishStatusSuccess})
	old.Timestamp -= 60
	require.NoError(t, st.AppendEvent(context.Background(), old))

	status, err := o.RunTask(context.Background(), testSession())
	require.NoError(t, err)
	assert.Equal(t, models.FinishStatusTimeout, status)

	// The old finish does not suppress this run's synthetic one.
	events, err := st.EventsSince(context.Background(), "sess-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.FinishStatusTimeout, events[1].Data["status"])
}

func TestSynthesizeFinishSuppressedByRealFinish(t *testing.T) {
	st := store.NewMemoryStore()
	o := testOrchestrator(&fakeDocker{}, st)

	real := models.NewEvent("sess-1", models.EventFinish,
		map[string]any{"status": models.FinishStatusStopped})
	require.NoError(t, st.AppendEvent(context.Background(), real))

	o.synthesizeFinish(context.Background(), "sess-1", 0, models.FinishStatusFailed, "container-exited", nil)

	events, err := st.EventsSince(context.Background(), "sess-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.FinishStatusStopped, events[0].Data["status"])
}

func TestFinishStatusLookup(t *testing.T) {
	st := store.NewMemoryStore()
	o := testOrchestrator(&fakeDocker{}, st)

	_, ok := o.finishStatus(context.Background(), "sess-1", 0)
	assert.False(t, ok)

	require.NoError(t, st.AppendEvent(context.Background(),
		models.NewEvent("sess-1", models.EventNodeStart, map[string]any{"node_name": "boss"})))
	finish := models.NewEvent("sess-1", models.EventFinish, map[string]any{"status": models.FinishStatusStopped})
	require.NoError(t, st.AppendEvent(context.Background(), finish))

	status, ok := o.finishStatus(context.Background(), "sess-1", 0)
	assert.True(t, ok)
	assert.Equal(t, models.FinishStatusStopped, status)

	// A watermark past the finish hides it.
	_, ok = o.finishStatus(context.Background(), "sess-1", finish.Timestamp)
	assert.False(t, ok)
}

func TestContainerName(t *testing.T) {
	assert.Equal(t, "mgx-agent-abc", ContainerName("abc"))
}

package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/config"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/models"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/store"
)

func TestRunOnceAppliesRetention(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	require.NoError(t, st.AppendEvent(ctx,
		models.NewEvent("sess-1", models.EventNodeStart, map[string]any{"node_name": "boss"})))
	require.NoError(t, st.AppendMessage(ctx,
		models.NewMessage("sess-1", models.RoleUser, "hi")))

	// Events expire before messages: with a zero event TTL and a long
	// message TTL, one pass removes the event and keeps the history.
	svc := NewService(config.RetentionConfig{
		EventTTL:        -time.Second,
		MessageTTL:      30 * 24 * time.Hour,
		CleanupInterval: time.Hour,
	}, st, st)

	svc.RunOnce(ctx)

	events, err := st.EventsSince(ctx, "sess-1", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, events)

	msgs, err := st.RecentMessages(ctx, "sess-1", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestStartStop(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	require.NoError(t, st.AppendEvent(ctx,
		models.NewEvent("sess-1", models.EventNodeStart, map[string]any{"node_name": "boss"})))

	svc := NewService(config.RetentionConfig{
		EventTTL:        -time.Second,
		MessageTTL:      -time.Second,
		CleanupInterval: time.Hour,
	}, st, st)

	// Start runs one pass immediately.
	svc.Start(ctx)
	require.Eventually(t, func() bool {
		events, err := st.EventsSince(ctx, "sess-1", 0, 10)
		return err == nil && len(events) == 0
	}, 2*time.Second, 5*time.Millisecond)

	svc.Stop()

	// Stop is idempotent.
	svc.Stop()
}

func TestStartTwiceIsNoop(t *testing.T) {
	svc := NewService(config.RetentionConfig{
		EventTTL:        time.Hour,
		MessageTTL:      time.Hour,
		CleanupInterval: time.Hour,
	}, store.NewMemoryStore(), store.NewMemoryStore())

	svc.Start(context.Background())
	svc.Start(context.Background())
	svc.Stop()
}

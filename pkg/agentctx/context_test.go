package agentctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromContext(t *testing.T) {
	t.Cleanup(ClearProcessDefault)

	t.Run("errors with no scope anywhere", func(t *testing.T) {
		ClearProcessDefault()
		_, err := FromContext(context.Background())
		assert.ErrorIs(t, err, ErrNoScope)
	})

	t.Run("scoped lookup", func(t *testing.T) {
		scoped := &Scope{SessionID: "s1"}
		ctx := WithScope(context.Background(), scoped)

		got, err := FromContext(ctx)
		require.NoError(t, err)
		assert.Same(t, scoped, got)
	})

	t.Run("falls back to process default", func(t *testing.T) {
		fallback := &Scope{SessionID: "default"}
		SetProcessDefault(fallback)

		got, err := FromContext(context.Background())
		require.NoError(t, err)
		assert.Same(t, fallback, got)
	})

	t.Run("scoped wins over process default", func(t *testing.T) {
		SetProcessDefault(&Scope{SessionID: "default"})
		scoped := &Scope{SessionID: "s2"}

		got, err := FromContext(WithScope(context.Background(), scoped))
		require.NoError(t, err)
		assert.Equal(t, "s2", got.SessionID)
	})
}

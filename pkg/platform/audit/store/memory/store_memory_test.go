package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audit "gatekeeper/pkg/platform/audit"
)

func TestInMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	for _, e := range []audit.Event{
		{Registry: "products.creators", Action: "a"},
		{Registry: "accessnft.managers", Action: "b"},
		{Registry: "products.creators", Action: "c"},
	} {
		require.NoError(t, s.Append(ctx, e))
	}

	t.Run("list by registry keeps order", func(t *testing.T) {
		events, err := s.ListByRegistry(ctx, "products.creators")
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "a", events[0].Action)
		assert.Equal(t, "c", events[1].Action)
	})

	t.Run("list recent", func(t *testing.T) {
		events, err := s.ListRecent(ctx, 2)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "b", events[0].Action)

		all, err := s.ListRecent(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("clear", func(t *testing.T) {
		s.Clear()
		events, err := s.ListRecent(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}

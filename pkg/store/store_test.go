package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tandem/pkg/config"
)

// backends runs the same contract against every Store implementation.
func backends(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"memory": func(_ *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "data", "tandem.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func mustItem(t *testing.T, title string, prio Priority) *WorkItem {
	t.Helper()
	item, err := NewWorkItem(title, "desc for "+title, TaskFeature, prio)
	require.NoError(t, err)
	return item
}

func TestStoreContract(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			require.NoError(t, s.Ping(ctx))

			t.Run("save and load", func(t *testing.T) {
				item := mustItem(t, "Add retries", PriorityHigh)
				item.Metadata = map[string]any{"source": "backlog"}
				item.ParentID = "deadbeef"
				require.NoError(t, s.Save(ctx, item))

				loaded, err := s.Load(ctx, item.ID)
				require.NoError(t, err)
				assert.Equal(t, item.Title, loaded.Title)
				assert.Equal(t, item.Description, loaded.Description)
				assert.Equal(t, TaskFeature, loaded.Type)
				assert.Equal(t, PriorityHigh, loaded.Priority)
				assert.Equal(t, StatusPending, loaded.Status)
				assert.Equal(t, "deadbeef", loaded.ParentID)
				assert.Equal(t, "backlog", loaded.Metadata["source"])
				assert.True(t, item.CreatedAt.Equal(loaded.CreatedAt))
				assert.Nil(t, loaded.StartedAt)
			})

			t.Run("load missing", func(t *testing.T) {
				_, err := s.Load(ctx, "00000000")
				assert.True(t, errors.Is(err, ErrNotFound))
			})

			t.Run("update and transitions", func(t *testing.T) {
				item := mustItem(t, "Refactor queue", PriorityMedium)
				require.NoError(t, s.Save(ctx, item))

				item.Transition(StatusInProgress)
				item.AssignedTo = "executor"
				require.NoError(t, s.Save(ctx, item))

				item.Transition(StatusCompleted)
				item.ReviewNotes = "approved"
				require.NoError(t, s.Save(ctx, item))

				loaded, err := s.Load(ctx, item.ID)
				require.NoError(t, err)
				assert.Equal(t, StatusCompleted, loaded.Status)
				assert.Equal(t, "executor", loaded.AssignedTo)
				assert.Equal(t, "approved", loaded.ReviewNotes)
				require.NotNil(t, loaded.StartedAt)
				require.NotNil(t, loaded.CompletedAt)
				assert.False(t, loaded.CompletedAt.Before(*loaded.StartedAt))
			})

			t.Run("list and count by status", func(t *testing.T) {
				low := mustItem(t, "Docs", PriorityLow)
				crit := mustItem(t, "Outage", PriorityCritical)
				failed := mustItem(t, "Flaky", PriorityHigh)
				failed.Transition(StatusFailed)
				for _, it := range []*WorkItem{low, crit, failed} {
					require.NoError(t, s.Save(ctx, it))
				}

				pending, err := s.ListByStatus(ctx, StatusPending)
				require.NoError(t, err)
				require.GreaterOrEqual(t, len(pending), 2)
				assert.Equal(t, PriorityCritical, pending[0].Priority, "most urgent first")
				for _, p := range pending {
					assert.Equal(t, StatusPending, p.Status)
				}

				counts, err := s.CountByStatus(ctx)
				require.NoError(t, err)
				assert.Equal(t, len(pending), counts[StatusPending])
				assert.Equal(t, 1, counts[StatusFailed])
				assert.Equal(t, 1, counts[StatusCompleted])
			})

			t.Run("rejects empty id", func(t *testing.T) {
				assert.Error(t, s.Save(ctx, &WorkItem{Title: "no id"}))
			})
		})
	}
}

func TestMemoryStoreCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	item := mustItem(t, "Copy check", PriorityLow)
	item.Metadata = map[string]any{"k": "v"}
	require.NoError(t, s.Save(ctx, item))

	item.Title = "mutated"
	item.Metadata["k"] = "changed"

	loaded, err := s.Load(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "Copy check", loaded.Title)
	assert.Equal(t, "v", loaded.Metadata["k"])
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tandem.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	item := mustItem(t, "Persist me", PriorityHigh)
	require.NoError(t, s.Save(ctx, item))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	loaded, err := s.Load(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "Persist me", loaded.Title)
}

func TestOpenSelectsDriver(t *testing.T) {
	s, err := Open(config.StoreConfig{Driver: config.StoreDriverMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(config.StoreConfig{Driver: config.StoreDriverSQLite, Path: filepath.Join(t.TempDir(), "x.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(config.StoreConfig{Driver: "postgres"})
	assert.True(t, errors.Is(err, config.ErrUnknownStoreDriver))
}

func TestGenerateID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := GenerateID()
		require.NoError(t, err)
		assert.Len(t, id, 8)
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestTransitionStampsOnce(t *testing.T) {
	item := mustItem(t, "Stamp", PriorityLow)
	item.Transition(StatusInProgress)
	first := *item.StartedAt

	time.Sleep(2 * time.Millisecond)
	item.Transition(StatusInProgress)
	assert.True(t, first.Equal(*item.StartedAt))
	assert.Nil(t, item.CompletedAt)

	item.Transition(StatusCancelled)
	assert.NotNil(t, item.CompletedAt)
	assert.True(t, StatusCancelled.IsTerminal())
	assert.False(t, StatusInReview.IsTerminal())
}

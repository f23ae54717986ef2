package taskstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/v-shaal/arbitageX/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func crawlTask(parentID, groupID string) *model.Task {
	return model.NewTask(model.KindCrawl, parentID, groupID, "entity-1",
		model.MustMarshal(model.CrawlInput{URL: "https://acme.example/about"}))
}

func masterTask() *model.Task {
	return model.NewTask(model.KindMaster, "", "", "entity-1",
		model.MustMarshal(model.MasterInput{Company: "Acme"}))
}

// --- Create / Get ---

func TestSQLite_CreateAndGetTask(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	task := masterTask()
	require.NoError(t, st.CreateTask(ctx, task))

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, model.KindMaster, got.Kind)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.JSONEq(t, `{"company":"Acme"}`, string(got.Input))
	assert.Nil(t, got.Output)
	assert.Nil(t, got.Error)
	assert.Nil(t, got.StartedAt)
}

func TestSQLite_GetTask_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetTask(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_CreateTask_RejectsInvalidInput(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	bad := model.NewTask(model.KindCrawl, "", "", "entity-1", []byte(`{}`))
	err := st.CreateTask(ctx, bad)
	var ve *model.ValidationError
	require.True(t, errors.As(err, &ve))

	_, err = st.GetTask(ctx, bad.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_CreateTask_RejectsMissingParent(t *testing.T) {
	st := newTestSQLiteStore(t)

	orphan := crawlTask("no-such-parent", "g1")
	err := st.CreateTask(context.Background(), orphan)
	var ve *model.ValidationError
	require.True(t, errors.As(err, &ve))
}

// --- Status transitions ---

func TestSQLite_UpdateStatus_Lifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	task := masterTask()
	require.NoError(t, st.CreateTask(ctx, task))

	running, err := st.UpdateStatus(ctx, task.ID, model.StatusRunning, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, running.Status)
	assert.Equal(t, 1, running.AttemptCount)
	require.NotNil(t, running.StartedAt)

	done, err := st.UpdateStatus(ctx, task.ID, model.StatusCompleted, []byte(`{"summary":"ok"}`), nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, done.Status)
	assert.JSONEq(t, `{"summary":"ok"}`, string(done.Output))
	require.NotNil(t, done.FinishedAt)
}

func TestSQLite_UpdateStatus_FailedRecordsError(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	task := masterTask()
	require.NoError(t, st.CreateTask(ctx, task))
	_, err := st.UpdateStatus(ctx, task.ID, model.StatusRunning, nil, nil)
	require.NoError(t, err)

	failed, err := st.UpdateStatus(ctx, task.ID, model.StatusFailed, nil, &model.TaskError{
		Code:    model.ErrCodeTransient,
		Stage:   model.KindCrawl,
		Message: "upstream 503",
	})
	require.NoError(t, err)
	require.NotNil(t, failed.Error)
	assert.Equal(t, model.ErrCodeTransient, failed.Error.Code)
	assert.Equal(t, "upstream 503", failed.Error.Message)
}

func TestSQLite_UpdateStatus_TerminalStatesAreImmutable(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	terminalize := map[model.TaskStatus]func(id string) error{
		model.StatusCompleted: func(id string) error {
			if _, err := st.UpdateStatus(ctx, id, model.StatusRunning, nil, nil); err != nil {
				return err
			}
			_, err := st.UpdateStatus(ctx, id, model.StatusCompleted, []byte(`{}`), nil)
			return err
		},
		model.StatusFailed: func(id string) error {
			if _, err := st.UpdateStatus(ctx, id, model.StatusRunning, nil, nil); err != nil {
				return err
			}
			_, err := st.UpdateStatus(ctx, id, model.StatusFailed, nil, &model.TaskError{Code: model.ErrCodePermanent, Message: "x"})
			return err
		},
		model.StatusCancelled: func(id string) error {
			_, err := st.UpdateStatus(ctx, id, model.StatusCancelled, nil, nil)
			return err
		},
	}

	attempts := []struct {
		to     model.TaskStatus
		output []byte
		terr   *model.TaskError
	}{
		{model.StatusRunning, nil, nil},
		{model.StatusCompleted, []byte(`{}`), nil},
		{model.StatusFailed, nil, &model.TaskError{Code: model.ErrCodePermanent, Message: "x"}},
		{model.StatusCancelled, nil, nil},
	}

	for terminal, setup := range terminalize {
		task := masterTask()
		require.NoError(t, st.CreateTask(ctx, task))
		require.NoError(t, setup(task.ID))

		for _, att := range attempts {
			_, err := st.UpdateStatus(ctx, task.ID, att.to, att.output, att.terr)
			require.Error(t, err, "%s -> %s", terminal, att.to)
			var ite *InvalidTransitionError
			require.True(t, errors.As(err, &ite), "%s -> %s: %v", terminal, att.to, err)
			assert.Equal(t, terminal, ite.From)
		}

		got, err := st.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, terminal, got.Status)
	}
}

func TestSQLite_UpdateStatus_CompletedRequiresRunning(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	task := masterTask()
	require.NoError(t, st.CreateTask(ctx, task))

	// pending -> completed skips running and must be rejected.
	_, err := st.UpdateStatus(ctx, task.ID, model.StatusCompleted, []byte(`{}`), nil)
	var ite *InvalidTransitionError
	require.True(t, errors.As(err, &ite))
	assert.Equal(t, model.StatusPending, ite.From)
}

func TestSQLite_UpdateStatus_CancelFromPendingAndRunning(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	pending := masterTask()
	require.NoError(t, st.CreateTask(ctx, pending))
	got, err := st.UpdateStatus(ctx, pending.ID, model.StatusCancelled, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)

	running := masterTask()
	require.NoError(t, st.CreateTask(ctx, running))
	_, err = st.UpdateStatus(ctx, running.ID, model.StatusRunning, nil, nil)
	require.NoError(t, err)
	got, err = st.UpdateStatus(ctx, running.ID, model.StatusCancelled, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
}

func TestSQLite_UpdateStatus_ConcurrentClaim(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	task := masterTask()
	require.NoError(t, st.CreateTask(ctx, task))

	// Many workers race pending -> running; exactly one may win.
	const workers = 8
	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := st.UpdateStatus(ctx, task.ID, model.StatusRunning, nil, nil); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestSQLite_IncrementAttempt(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	task := masterTask()
	require.NoError(t, st.CreateTask(ctx, task))

	n, err := st.IncrementAttempt(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = st.IncrementAttempt(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = st.IncrementAttempt(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// --- Listing ---

func TestSQLite_ListByGroup_InsertionOrder(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	parent := masterTask()
	require.NoError(t, st.CreateTask(ctx, parent))

	var created []string
	for i := 0; i < 5; i++ {
		c := crawlTask(parent.ID, "group-A")
		require.NoError(t, st.CreateTask(ctx, c))
		created = append(created, c.ID)
	}
	// A task in another group must not leak in.
	require.NoError(t, st.CreateTask(ctx, crawlTask(parent.ID, "group-B")))

	got, err := st.ListByGroup(ctx, "group-A")
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i, task := range got {
		assert.Equal(t, created[i], task.ID)
	}
}

func TestSQLite_ListByParent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	parent := masterTask()
	require.NoError(t, st.CreateTask(ctx, parent))
	child := crawlTask(parent.ID, "g1")
	require.NoError(t, st.CreateTask(ctx, child))
	grandchild := model.NewTask(model.KindExtract, child.ID, "g1", "entity-1",
		model.MustMarshal(model.ExtractInput{URL: "https://acme.example", Content: "x"}))
	require.NoError(t, st.CreateTask(ctx, grandchild))

	got, err := st.ListByParent(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, child.ID, got[0].ID)

	got, err = st.ListByParent(ctx, child.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, grandchild.ID, got[0].ID)
}

func TestSQLite_ListTasks_Filters(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	parent := masterTask()
	require.NoError(t, st.CreateTask(ctx, parent))
	for i := 0; i < 3; i++ {
		require.NoError(t, st.CreateTask(ctx, crawlTask(parent.ID, "g1")))
	}

	crawls, err := st.ListTasks(ctx, TaskFilter{Kind: model.KindCrawl})
	require.NoError(t, err)
	assert.Len(t, crawls, 3)

	pending, err := st.ListTasks(ctx, TaskFilter{Status: model.StatusPending, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	page2, err := st.ListTasks(ctx, TaskFilter{Status: model.StatusPending, Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, page2, 2)
}

func TestSQLite_ListRunningSince(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	task := masterTask()
	require.NoError(t, st.CreateTask(ctx, task))
	_, err := st.UpdateStatus(ctx, task.ID, model.StatusRunning, nil, nil)
	require.NoError(t, err)

	stuck, err := st.ListRunningSince(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, task.ID, stuck[0].ID)

	fresh, err := st.ListRunningSince(ctx, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, fresh)
}

// --- Group claims ---

func TestSQLite_ClaimGroup_ExactlyOnce(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	claimed, err := st.ClaimGroup(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = st.ClaimGroup(ctx, "g1")
	require.NoError(t, err)
	assert.False(t, claimed)

	claimed, err = st.ClaimGroup(ctx, "g2")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestSQLite_ClaimGroup_ConcurrentSingleWinner(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	const callers = 10
	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.ClaimGroup(ctx, "contested")
			require.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

// --- Research records ---

func TestSQLite_SaveAndListRecords(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	records := []model.StructuredData{
		{Summary: "first", SourceURL: "https://acme.example/a", Confidence: 0.9},
		{Summary: "second", SourceURL: "https://acme.example/b", Offerings: []string{"widgets"}},
	}
	ids, err := st.SaveRecords(ctx, "entity-1", records)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	got, err := st.ListRecords(ctx, "entity-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ids[0], got[0].ID)
	assert.Equal(t, "first", got[0].Data.Summary)
	assert.Equal(t, "https://acme.example/b", got[1].SourceURL)
	assert.Equal(t, []string{"widgets"}, got[1].Data.Offerings)

	other, err := st.ListRecords(ctx, "entity-2")
	require.NoError(t, err)
	assert.Empty(t, other)

	all, err := st.ListRecords(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

package orchestrator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/v-shaal/arbitageX/internal/model"
	"github.com/v-shaal/arbitageX/internal/taskstore"
)

type faninFixture struct {
	store  *taskstore.SQLiteStore
	fanin  *FanIn
	master *model.Task
}

func newFaninFixture(t *testing.T) *faninFixture {
	t.Helper()
	st, err := taskstore.NewSQLite(filepath.Join(t.TempDir(), "fanin.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	master := model.NewTask(model.KindMaster, "", "", "e1",
		model.MustMarshal(model.MasterInput{Company: "Acme"}))
	require.NoError(t, st.CreateTask(context.Background(), master))

	return &faninFixture{store: st, fanin: NewFanIn(st), master: master}
}

func (f *faninFixture) addCrawl(t *testing.T, group, url string) *model.Task {
	t.Helper()
	c := model.NewTask(model.KindCrawl, f.master.ID, group, "e1",
		model.MustMarshal(model.CrawlInput{URL: url}))
	require.NoError(t, f.store.CreateTask(context.Background(), c))
	return c
}

func (f *faninFixture) completeCrawl(t *testing.T, c *model.Task) {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.UpdateStatus(ctx, c.ID, model.StatusRunning, nil, nil)
	require.NoError(t, err)
	var in model.CrawlInput
	require.NoError(t, json.Unmarshal(c.Input, &in))
	_, err = f.store.UpdateStatus(ctx, c.ID, model.StatusCompleted,
		model.MustMarshal(model.CrawlOutput{URL: in.URL, Content: "x"}), nil)
	require.NoError(t, err)
}

func (f *faninFixture) failCrawl(t *testing.T, c *model.Task) {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.UpdateStatus(ctx, c.ID, model.StatusRunning, nil, nil)
	require.NoError(t, err)
	_, err = f.store.UpdateStatus(ctx, c.ID, model.StatusFailed, nil,
		&model.TaskError{Code: model.ErrCodePermanent, Message: "blocked"})
	require.NoError(t, err)
}

func (f *faninFixture) addCompletedExtract(t *testing.T, crawl *model.Task, summary string) {
	t.Helper()
	ctx := context.Background()
	var in model.CrawlInput
	require.NoError(t, json.Unmarshal(crawl.Input, &in))
	e := model.NewTask(model.KindExtract, crawl.ID, crawl.GroupID, "e1",
		model.MustMarshal(model.ExtractInput{URL: in.URL, Content: "x"}))
	require.NoError(t, f.store.CreateTask(ctx, e))
	_, err := f.store.UpdateStatus(ctx, e.ID, model.StatusRunning, nil, nil)
	require.NoError(t, err)
	_, err = f.store.UpdateStatus(ctx, e.ID, model.StatusCompleted,
		model.MustMarshal(model.ExtractOutput{Data: model.StructuredData{Summary: summary, SourceURL: in.URL}}), nil)
	require.NoError(t, err)
}

func TestFanIn_PendingWhileCrawlsRun(t *testing.T) {
	f := newFaninFixture(t)
	f.addCrawl(t, "g1", "https://a.example")
	f.addCrawl(t, "g1", "https://b.example")

	status, err := f.fanin.CheckGroup(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, 2, status.Total)
	assert.Equal(t, 2, status.Pending)
	assert.False(t, status.AllTerminal)
}

func TestFanIn_CompletedCrawlWithoutExtractStaysPending(t *testing.T) {
	f := newFaninFixture(t)
	c := f.addCrawl(t, "g1", "https://a.example")
	f.completeCrawl(t, c)

	// The extract task has not been created yet; the branch is still open.
	status, err := f.fanin.CheckGroup(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, 1, status.Pending)
	assert.False(t, status.AllTerminal)

	f.addCompletedExtract(t, c, "done")
	status, err = f.fanin.CheckGroup(context.Background(), "g1")
	require.NoError(t, err)
	assert.True(t, status.AllTerminal)
	assert.Equal(t, 1, status.Succeeded)
}

func TestFanIn_MixedOutcome(t *testing.T) {
	f := newFaninFixture(t)
	a := f.addCrawl(t, "g1", "https://a.example")
	b := f.addCrawl(t, "g1", "https://b.example")
	c := f.addCrawl(t, "g1", "https://c.example")

	f.completeCrawl(t, a)
	f.addCompletedExtract(t, a, "summary a")
	f.failCrawl(t, b)
	f.completeCrawl(t, c)
	f.addCompletedExtract(t, c, "summary c")

	status, err := f.fanin.CheckGroup(context.Background(), "g1")
	require.NoError(t, err)
	assert.True(t, status.AllTerminal)
	assert.Equal(t, 3, status.Total)
	assert.Equal(t, 2, status.Succeeded)
	assert.Equal(t, 1, status.Failed)
	require.Len(t, status.Outputs, 2)
	assert.Equal(t, "summary a", status.Outputs[0].Summary)
	assert.Equal(t, "summary c", status.Outputs[1].Summary)
}

// CheckGroup is a pure read: repeated and interleaved calls agree, and a
// group observed terminal stays terminal.
func TestFanIn_Idempotent(t *testing.T) {
	f := newFaninFixture(t)
	a := f.addCrawl(t, "g1", "https://a.example")
	f.failCrawl(t, a)

	first, err := f.fanin.CheckGroup(context.Background(), "g1")
	require.NoError(t, err)
	second, err := f.fanin.CheckGroup(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.True(t, first.AllTerminal)
	assert.Equal(t, 1, first.Failed)
}

func TestFanIn_EmptyGroup(t *testing.T) {
	f := newFaninFixture(t)

	status, err := f.fanin.CheckGroup(context.Background(), "no-such-group")
	require.NoError(t, err)
	assert.Zero(t, status.Total)
	assert.True(t, status.AllTerminal)
}

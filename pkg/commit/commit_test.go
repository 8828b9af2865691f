package commit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coldlake/lakecap/pkg/changeset"
)

// recordingCommitter captures acknowledged watermarks in order.
type recordingCommitter struct {
	mu    sync.Mutex
	acked []changeset.Watermark
}

func (r *recordingCommitter) Commit(wm changeset.Watermark) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acked = append(r.acked, wm)
}

func (r *recordingCommitter) positions(channel string) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int64
	for _, wm := range r.acked {
		if wm.Channel == channel {
			out = append(out, wm.Position)
		}
	}
	return out
}

func wm(channel string, pos int64) changeset.Watermark {
	return changeset.Watermark{Channel: channel, Position: pos, ServerTime: time.Now()}
}

func marks(wms ...changeset.Watermark) map[string]changeset.Watermark {
	m := map[string]changeset.Watermark{}
	for _, w := range wms {
		m[w.Channel] = w
	}
	return m
}

func TestCompleteAdvancesAndAcknowledges(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := &recordingCommitter{}
	store := NewMemoryStore()
	c := NewCoordinator(rec, store)

	ticket := c.Begin(marks(wm("accounts", 10)))
	require.NoError(t, ticket.Complete(ctx))

	require.Equal(t, []int64{10}, rec.positions("accounts"))
	last, ok := c.LastAcked("accounts")
	require.True(t, ok)
	require.EqualValues(t, 10, last.Position)

	// Persisted on every advance.
	saved, err := store.Load(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 10, saved["accounts"].Position)
}

func TestOutOfOrderCompletionNeverOvershoots(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := &recordingCommitter{}
	c := NewCoordinator(rec, NewMemoryStore())

	low := c.Begin(marks(wm("accounts", 100)))
	high := c.Begin(marks(wm("accounts", 150)))

	// The later batch completes first: nothing may be acknowledged while the
	// lower candidate is outstanding.
	require.NoError(t, high.Complete(ctx))
	require.Empty(t, rec.positions("accounts"))
	_, ok := c.LastAcked("accounts")
	require.False(t, ok)

	// Once the lower candidate completes, the whole prefix acknowledges.
	require.NoError(t, low.Complete(ctx))
	require.Equal(t, []int64{150}, rec.positions("accounts"))
}

func TestFailedBatchBlocksLaterPositions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := &recordingCommitter{}
	c := NewCoordinator(rec, NewMemoryStore())

	held := c.Begin(marks(wm("accounts", 100)))
	later := c.Begin(marks(wm("accounts", 200)))

	held.Fail()
	require.NoError(t, later.Complete(ctx))

	// The held candidate stays outstanding; position 200 must never be
	// falsely acknowledged past it.
	require.Empty(t, rec.positions("accounts"))
	require.Equal(t, 2, c.Outstanding("accounts"))
}

func TestMultiChannelTicket(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := &recordingCommitter{}
	c := NewCoordinator(rec, NewMemoryStore())

	ticket := c.Begin(marks(wm("accounts", 3), wm("transactions", 7)))
	require.NoError(t, ticket.Complete(ctx))

	require.Equal(t, []int64{3}, rec.positions("accounts"))
	require.Equal(t, []int64{7}, rec.positions("transactions"))
}

func TestMonotonicUnderConcurrency(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := &recordingCommitter{}
	c := NewCoordinator(rec, NewMemoryStore())

	var wg sync.WaitGroup
	tickets := make([]*Ticket, 100)
	for i := range tickets {
		tickets[i] = c.Begin(marks(wm("accounts", int64(i+1))))
	}
	for _, ticket := range tickets {
		ticket := ticket
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, ticket.Complete(ctx))
		}()
	}
	wg.Wait()

	positions := rec.positions("accounts")
	require.NotEmpty(t, positions)
	for i := 1; i < len(positions); i++ {
		require.Greater(t, positions[i], positions[i-1], "acknowledged positions are strictly increasing")
	}
	require.EqualValues(t, 100, positions[len(positions)-1])
	require.Equal(t, 0, c.Outstanding("accounts"))
}

func TestRestore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Save(ctx, wm("accounts", 42)))

	c := NewCoordinator(&recordingCommitter{}, store)
	loaded, err := c.Restore(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 42, loaded["accounts"].Position)

	last, ok := c.LastAcked("accounts")
	require.True(t, ok)
	require.EqualValues(t, 42, last.Position)
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()

	path := t.TempDir() + "/watermarks.json"
	ctx := context.Background()

	s := NewFileStore(path)
	_, err := s.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, wm("accounts", 10)))
	require.NoError(t, s.Save(ctx, wm("transactions", 20)))

	// A fresh store instance sees the persisted state, as after a restart.
	s2 := NewFileStore(path)
	loaded, err := s2.Load(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 10, loaded["accounts"].Position)
	require.EqualValues(t, 20, loaded["transactions"].Position)
}

// gatedStore blocks its first Save until released, so a later completion can
// race past an in-flight persistence.
type gatedStore struct {
	inner   *MemoryStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once

	mu    sync.Mutex
	order []int64
}

func (s *gatedStore) Load(ctx context.Context) (map[string]changeset.Watermark, error) {
	return s.inner.Load(ctx)
}

func (s *gatedStore) Save(ctx context.Context, wm changeset.Watermark) error {
	var first bool
	s.once.Do(func() { first = true })
	if first {
		close(s.entered)
		<-s.release
	}
	s.mu.Lock()
	s.order = append(s.order, wm.Position)
	s.mu.Unlock()
	return s.inner.Save(ctx, wm)
}

func (s *gatedStore) saveOrder() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.order...)
}

func TestSlowPersistenceNeverRegressesDurableState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := &recordingCommitter{}
	store := &gatedStore{
		inner:   NewMemoryStore(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	c := NewCoordinator(rec, store)

	low := c.Begin(marks(wm("accounts", 10)))
	high := c.Begin(marks(wm("accounts", 20)))

	done := make(chan error, 2)
	go func() { done <- low.Complete(ctx) }()
	<-store.entered

	// The later batch completes while the lower position's save is still in
	// flight; its persistence must wait behind it rather than be overtaken.
	go func() { done <- high.Complete(ctx) }()
	time.Sleep(50 * time.Millisecond)
	close(store.release)

	require.NoError(t, <-done)
	require.NoError(t, <-done)

	require.Equal(t, []int64{10, 20}, store.saveOrder())
	require.Equal(t, []int64{10, 20}, rec.positions("accounts"))
	saved, err := store.inner.Load(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 20, saved["accounts"].Position)
}

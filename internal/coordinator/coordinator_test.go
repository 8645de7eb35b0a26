package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/keypairs/internal/kernel"
	"github.com/dreamware/keypairs/internal/pool"
	"github.com/dreamware/keypairs/internal/protocol"
	"github.com/dreamware/keypairs/internal/stream"
	"github.com/dreamware/keypairs/internal/worker"
)

var errNothingInFlight = errors.New("receive with nothing in flight would block forever")

type sent struct {
	worker int
	req    protocol.WorkRequest
}

// fifoDispatcher answers requests synchronously in global send order, as a
// pool with a single FIFO worker would. It also records every send and flags
// a second outstanding request for the same owner while exclusive is set.
type fifoDispatcher struct {
	t           *testing.T
	outstanding map[int64]int
	queue       []sent
	sends       []sent
	kernel      kernel.Kernel
	workers     int
	terminated  int
	exclusive   bool
}

func newFIFO(t *testing.T, workers int, size int64) *fifoDispatcher {
	return &fifoDispatcher{
		t:           t,
		kernel:      kernel.New(size),
		workers:     workers,
		outstanding: make(map[int64]int),
		exclusive:   true,
	}
}

func (f *fifoDispatcher) Workers() int { return f.workers }

func (f *fifoDispatcher) Send(w int, req protocol.WorkRequest) error {
	if f.terminated > 0 {
		return pool.ErrClosed
	}
	if f.exclusive && f.outstanding[req.KeyOwner] > 0 {
		f.t.Errorf("second outstanding request for key %d", req.KeyOwner)
	}
	f.outstanding[req.KeyOwner]++
	s := sent{worker: w, req: req}
	f.queue = append(f.queue, s)
	f.sends = append(f.sends, s)
	return nil
}

func (f *fifoDispatcher) answer(i int) protocol.WorkResult {
	s := f.queue[i]
	f.queue = append(f.queue[:i], f.queue[i+1:]...)
	f.outstanding[s.req.KeyOwner]--
	v := f.kernel.Compute(s.req.CountOwner, s.req.CountOther, s.req.KeyOwner, s.req.KeyOther)
	return protocol.WorkResult{Key: s.req.KeyOwner, Value: v}
}

func (f *fifoDispatcher) Receive(context.Context) (int, protocol.WorkResult, error) {
	if len(f.queue) == 0 {
		return -1, protocol.WorkResult{}, errNothingInFlight
	}
	w := f.queue[0].worker
	return w, f.answer(0), nil
}

func (f *fifoDispatcher) ReceiveFrom(_ context.Context, w int) (protocol.WorkResult, error) {
	for i, s := range f.queue {
		if s.worker == w {
			return f.answer(i), nil
		}
	}
	return protocol.WorkResult{}, errNothingInFlight
}

func (f *fifoDispatcher) Terminate(context.Context) error {
	f.terminated++
	return nil
}

// recorder wraps a real dispatcher and sums every value it hands out.
type recorder struct {
	Dispatcher
	total    float64
	received int
}

func (r *recorder) Receive(ctx context.Context) (int, protocol.WorkResult, error) {
	w, res, err := r.Dispatcher.Receive(ctx)
	if err == nil {
		r.total += res.Value
		r.received++
	}
	return w, res, err
}

func (r *recorder) ReceiveFrom(ctx context.Context, w int) (protocol.WorkResult, error) {
	res, err := r.Dispatcher.ReceiveFrom(ctx, w)
	if err == nil {
		r.total += res.Value
		r.received++
	}
	return res, err
}

func localPool(t *testing.T, workers int, size int64) *pool.Pool {
	t.Helper()
	eps := make([]pool.Endpoint, workers)
	for i := range eps {
		eps[i] = worker.New(fmt.Sprintf("w-%d", i+1), kernel.New(size))
	}
	p, err := pool.New(eps...)
	require.NoError(t, err)
	p.Start(context.Background())
	return p
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// reference is a sequential rendition of a run with one FIFO worker:
// requests are computed in send order whenever the coordinator would wait.
func reference(pairs [][2]int64, nkeys, size int64) []float64 {
	k := kernel.New(size)
	counts := make([]int64, nkeys)
	pending := make([]bool, nkeys)
	values := make([]float64, nkeys)
	var queue []protocol.WorkRequest

	fold := func() {
		req := queue[0]
		queue = queue[1:]
		v := k.Compute(req.CountOwner, req.CountOther, req.KeyOwner, req.KeyOther)
		values[req.KeyOwner] += v
		pending[req.KeyOwner] = false
		counts[req.KeyOwner] = Feedback(v, size)
	}

	for _, p := range pairs {
		a, b := p[0], p[1]
		for pending[a] || pending[b] {
			fold()
		}
		counts[a]++
		counts[b]++
		if counts[a] == size && counts[b] > 0 {
			queue = append(queue, protocol.WorkRequest{CountOwner: counts[a], CountOther: counts[b], KeyOwner: a, KeyOther: b})
			pending[a] = true
		}
		if counts[b] == size && counts[a] > 0 {
			queue = append(queue, protocol.WorkRequest{CountOwner: counts[b], CountOther: counts[a], KeyOwner: b, KeyOther: a})
			pending[b] = true
		}
	}
	for len(queue) > 0 {
		fold()
	}

	snapshot := append([]int64(nil), counts...)
	for i := int64(0); i < nkeys; i++ {
		for j := int64(0); j < nkeys; j++ {
			if i != j && snapshot[i] > 0 && snapshot[j] > 0 {
				queue = append(queue, protocol.WorkRequest{CountOwner: snapshot[i], CountOther: snapshot[j], KeyOwner: i, KeyOther: j})
			}
		}
	}
	for len(queue) > 0 {
		fold()
	}
	return values
}

func collect(src PairSource) [][2]int64 {
	var pairs [][2]int64
	for {
		a, b, ok := src.Next()
		if !ok {
			return pairs
		}
		pairs = append(pairs, [2]int64{a, b})
	}
}

// TestNewCoordinator covers construction errors and defaults.
func TestNewCoordinator(t *testing.T) {
	_, err := New(Config{NKeys: 0, Size: 4}, newFIFO(t, 1, 4))
	assert.Error(t, err)

	_, err = New(Config{NKeys: 4, Size: 4}, nil)
	assert.ErrorIs(t, err, ErrNoWorkers)

	_, err = New(Config{NKeys: 4, Size: 4}, newFIFO(t, 0, 4))
	assert.ErrorIs(t, err, ErrNoWorkers)

	c, err := New(Config{NKeys: 4}, newFIFO(t, 2, 4))
	require.NoError(t, err)
	assert.Equal(t, kernel.DefaultSize, c.size)
	assert.NotEmpty(t, c.RunID())
	assert.Len(t, c.Values(), 4)
	assert.Empty(t, c.ActiveKeys())
}

// TestFeedRejectsInvalidPairs verifies the precondition on keys.
func TestFeedRejectsInvalidPairs(t *testing.T) {
	c, err := New(Config{NKeys: 4, Size: 4}, newFIFO(t, 1, 4))
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, c.Feed(ctx, 2, 2), ErrInvalidPair)
	assert.ErrorIs(t, c.Feed(ctx, -1, 2), ErrInvalidPair)
	assert.ErrorIs(t, c.Feed(ctx, 0, 4), ErrInvalidPair)
	assert.Zero(t, c.Stats().Pairs)
}

// TestFeedThresholdSingleDispatch: with SIZE=2, key 0 reaches the threshold on
// its second pair while its partner has count 1, giving exactly one request.
func TestFeedThresholdSingleDispatch(t *testing.T) {
	f := newFIFO(t, 2, 2)
	c, err := New(Config{NKeys: 4, Size: 2}, f)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Feed(ctx, 0, 1))
	assert.Empty(t, f.sends)

	require.NoError(t, c.Feed(ctx, 0, 2))
	require.Len(t, f.sends, 1)
	assert.Equal(t, protocol.WorkRequest{CountOwner: 2, CountOther: 1, KeyOwner: 0, KeyOther: 2}, f.sends[0].req)
	assert.True(t, c.Pending(0))
	assert.False(t, c.Pending(2))
	assert.Equal(t, 1, c.PendingCount())
}

// TestFeedThresholdBothKeys: repeating the same pair brings both keys to the
// threshold at once, so each is dispatched as owner with the current counts.
func TestFeedThresholdBothKeys(t *testing.T) {
	f := newFIFO(t, 2, 2)
	c, err := New(Config{NKeys: 2, Size: 2}, f)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Feed(ctx, 0, 1))
	require.NoError(t, c.Feed(ctx, 0, 1))

	require.Len(t, f.sends, 2)
	assert.Equal(t, protocol.WorkRequest{CountOwner: 2, CountOther: 2, KeyOwner: 0, KeyOther: 1}, f.sends[0].req)
	assert.Equal(t, protocol.WorkRequest{CountOwner: 2, CountOther: 2, KeyOwner: 1, KeyOther: 0}, f.sends[1].req)
	assert.Equal(t, 1, f.sends[0].worker, "cursor is incremented before use")
	assert.Equal(t, 0, f.sends[1].worker)
}

// TestFeedStallsOnPending verifies a pending key blocks the feed until its
// result is folded, and the feedback rule reseeds the counter.
func TestFeedStallsOnPending(t *testing.T) {
	f := newFIFO(t, 1, 2)
	c, err := New(Config{NKeys: 4, Size: 2}, f)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Feed(ctx, 0, 1))
	require.NoError(t, c.Feed(ctx, 0, 2))
	require.True(t, c.Pending(0))

	// compute(2, 1, 0, 2) with SIZE=2 is -0.75; floor is -1, which is 1 mod 2.
	want := kernel.New(2).Compute(2, 1, 0, 2)
	require.InDelta(t, -0.75, want, 1e-12)

	require.NoError(t, c.Feed(ctx, 0, 3))
	assert.Equal(t, uint64(1), c.Stats().Stalls)
	assert.Equal(t, want, c.Value(0))
	assert.Equal(t, int64(2), c.Count(0), "reseeded to 1, then incremented")
	assert.True(t, c.Pending(0), "back at the threshold, dispatched again")
	assert.Equal(t, uint64(2), c.Stats().StreamDispatches)
	assert.Equal(t, protocol.WorkRequest{CountOwner: 2, CountOther: 1, KeyOwner: 0, KeyOther: 3}, f.sends[1].req)
}

// TestFeedStallPropagatesErrors verifies a failed receive surfaces from Feed.
func TestFeedStallPropagatesErrors(t *testing.T) {
	f := newFIFO(t, 1, 2)
	c, err := New(Config{NKeys: 4, Size: 2}, f)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Feed(ctx, 0, 1))
	require.NoError(t, c.Feed(ctx, 0, 2))
	f.queue = nil // lose the in-flight request

	err = c.Feed(ctx, 0, 3)
	assert.ErrorIs(t, err, errNothingInFlight)
}

// TestReduce verifies accumulation, pending release and counter reset.
func TestReduce(t *testing.T) {
	c, err := New(Config{NKeys: 3, Size: 64}, newFIFO(t, 1, 64))
	require.NoError(t, err)
	c.pending[1] = true
	c.counts[1] = 64

	require.NoError(t, c.Reduce(protocol.WorkResult{Key: 1, Value: 10.5}))
	assert.Equal(t, 10.5, c.Value(1))
	assert.False(t, c.Pending(1))
	assert.Equal(t, int64(10), c.Count(1))

	require.NoError(t, c.Reduce(protocol.WorkResult{Key: 1, Value: 40}))
	assert.Equal(t, 50.5, c.Value(1))
	assert.Equal(t, int64(0), c.Count(1), "40 mod 64 exceeds 32")

	assert.ErrorIs(t, c.Reduce(protocol.WorkResult{Key: 3}), ErrInvalidKey)
	assert.ErrorIs(t, c.Reduce(protocol.WorkResult{Key: -1}), ErrInvalidKey)
	assert.Equal(t, uint64(2), c.Stats().Folded)
}

// TestActiveKeys lists keys with a positive counter in ascending order.
func TestActiveKeys(t *testing.T) {
	c, err := New(Config{NKeys: 6, Size: 64}, newFIFO(t, 1, 64))
	require.NoError(t, err)
	c.counts[4] = 3
	c.counts[1] = 1
	c.counts[2] = 0
	c.counts[5] = 7

	assert.Equal(t, []int64{1, 4, 5}, c.ActiveKeys())
	assert.Equal(t, int64(3), c.Count(4), "listing leaves counters alone")
}

// TestFeedback pins the counter reset rule.
func TestFeedback(t *testing.T) {
	tests := []struct {
		name  string
		value float64
		size  int64
		want  int64
	}{
		{name: "zero", value: 0, size: 64, want: 0},
		{name: "below half", value: 10.7, size: 64, want: 10},
		{name: "exactly half", value: 32.9, size: 64, want: 32},
		{name: "above half", value: 33, size: 64, want: 0},
		{name: "wraps", value: 69.5, size: 64, want: 5},
		{name: "small size", value: 25, size: 10, want: 5},
		{name: "small size above half", value: 26, size: 10, want: 0},
		{name: "negative above half", value: -1, size: 64, want: 0},
		{name: "negative multiple", value: -64, size: 64, want: 0},
		{name: "negative below half", value: -60.5, size: 64, want: 3},
		{name: "nan", value: math.NaN(), size: 64, want: 0},
		{name: "inf", value: math.Inf(1), size: 64, want: 0},
		{name: "huge", value: 1e300, size: 64, want: 0},
		{name: "bad size", value: 5, size: 0, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Feedback(tt.value, tt.size))
		})
	}
}

// TestFinalizeCompleteness: three active keys give exactly six requests, one
// per ordered pair, and six folded results. Pending flags are never set.
func TestFinalizeCompleteness(t *testing.T) {
	f := newFIFO(t, 2, 8)
	f.exclusive = false
	c, err := New(Config{NKeys: 6, Size: 8}, f)
	require.NoError(t, err)
	c.counts[1], c.counts[3], c.counts[5] = 4, 2, 7

	require.NoError(t, c.Finalize(context.Background()))

	require.Len(t, f.sends, 6)
	seen := make(map[[2]int64]bool)
	for _, s := range f.sends {
		r := s.req
		seen[[2]int64{r.KeyOwner, r.KeyOther}] = true
		assert.NotEqual(t, r.KeyOwner, r.KeyOther)
	}
	for _, p := range [][2]int64{{1, 3}, {1, 5}, {3, 1}, {3, 5}, {5, 1}, {5, 3}} {
		assert.True(t, seen[p], "missing pair %v", p)
	}
	assert.Equal(t, protocol.WorkRequest{CountOwner: 4, CountOther: 7, KeyOwner: 1, KeyOther: 5}, f.sends[1].req)

	assert.Equal(t, uint64(6), c.Stats().FinalDispatches)
	assert.Equal(t, uint64(6), c.Stats().Folded)
	assert.Empty(t, f.queue)
	assert.Zero(t, c.PendingCount())

	k := kernel.New(8)
	want1 := k.Compute(4, 2, 1, 3) + k.Compute(4, 7, 1, 5)
	assert.InDelta(t, want1, c.Value(1), 1e-9)
	assert.Zero(t, c.Value(0))
}

// TestFinalizeNoActiveKeys: one or zero active keys dispatch nothing.
func TestFinalizeNoActiveKeys(t *testing.T) {
	f := newFIFO(t, 2, 8)
	c, err := New(Config{NKeys: 3, Size: 8}, f)
	require.NoError(t, err)
	c.counts[2] = 5

	require.NoError(t, c.Finalize(context.Background()))
	assert.Empty(t, f.sends)
}

// TestShutdown verifies TERMINATE is broadcast once.
func TestShutdown(t *testing.T) {
	f := newFIFO(t, 3, 8)
	c, err := New(Config{NKeys: 3, Size: 8}, f)
	require.NoError(t, err)

	require.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, 1, f.terminated)
}

// TestPendingExclusivity runs a long hot stream against the recording
// dispatcher, which fails the test on any duplicate outstanding owner.
func TestPendingExclusivity(t *testing.T) {
	f := newFIFO(t, 3, 4)
	c, err := New(Config{NKeys: 5, Size: 4}, f)
	require.NoError(t, err)
	ctx := context.Background()

	g := stream.New(5, 5000, 7)
	for {
		a, b, ok := g.Next()
		if !ok {
			break
		}
		require.NoError(t, c.Feed(ctx, a, b))
		for k := int64(0); k < 5; k++ {
			require.GreaterOrEqual(t, c.Count(k), int64(0))
			require.LessOrEqual(t, c.Count(k), int64(4))
			require.Equal(t, c.Pending(k), f.outstanding[k] == 1)
		}
	}
	require.NoError(t, c.DrainAll(ctx))
	assert.Zero(t, c.PendingCount())
	assert.Empty(t, f.queue)
	assert.Greater(t, c.Stats().StreamDispatches, uint64(0))
	assert.Greater(t, c.Stats().Stalls, uint64(0))
}

// TestRoundRobinFairness checks the spread of dispatches over workers.
func TestRoundRobinFairness(t *testing.T) {
	for _, workers := range []int{1, 2, 3, 7} {
		t.Run(fmt.Sprintf("%d workers", workers), func(t *testing.T) {
			f := newFIFO(t, workers, 4)
			f.exclusive = false
			c, err := New(Config{NKeys: 8, Size: 4}, f)
			require.NoError(t, err)
			for k := int64(0); k < 8; k++ {
				c.counts[k] = 1
			}

			// 8 active keys give 56 requests.
			require.NoError(t, c.Finalize(context.Background()))
			per := make([]int, workers)
			for _, s := range f.sends {
				per[s.worker]++
			}
			lo, hi := per[0], per[0]
			for _, n := range per {
				lo, hi = min(lo, n), max(hi, n)
			}
			assert.LessOrEqual(t, hi-lo, 1)
			if 56%workers == 0 {
				assert.Equal(t, lo, hi)
				assert.Equal(t, 56/workers, lo)
			}
		})
	}
}

// TestConservationSingleWorker compares a full run with one pooled worker
// against the sequential reference: every result is folded exactly once and
// in the same order, so the accumulators match.
func TestConservationSingleWorker(t *testing.T) {
	const nkeys, length, size = 6, 3000, 8
	pairs := collect(stream.New(nkeys, length, 99))
	want := reference(pairs, nkeys, size)

	c, err := New(Config{NKeys: nkeys, Size: size}, localPool(t, 1, size))
	require.NoError(t, err)

	report, err := c.Run(testContext(t), stream.FromPairs(pairs...))
	require.NoError(t, err)

	require.Len(t, report.Values, nkeys)
	for k := range want {
		assert.InDelta(t, want[k], report.Values[k], 1e-9*math.Max(1, math.Abs(want[k])), "key %d", k)
	}
	assert.Equal(t, uint64(length), report.Stats.Pairs)
	assert.Equal(t, report.Stats.StreamDispatches+report.Stats.FinalDispatches, report.Stats.Folded)
}

// TestConservationManyWorkers runs over a real pool: the accumulator total
// equals the total of every value the workers returned, and every dispatched
// request yields exactly one folded result.
func TestConservationManyWorkers(t *testing.T) {
	const nkeys, length, size = 10, 4000, 8
	rec := &recorder{Dispatcher: localPool(t, 4, size)}

	c, err := New(Config{NKeys: nkeys, Size: size}, rec)
	require.NoError(t, err)

	report, err := c.Run(testContext(t), stream.New(nkeys, length, stream.DefaultSeed))
	require.NoError(t, err)

	sum := 0.0
	for _, v := range report.Values {
		sum += v
	}
	assert.InDelta(t, rec.total, sum, 1e-6*math.Max(1, math.Abs(sum)))
	assert.Equal(t, uint64(rec.received), report.Stats.Folded)
	assert.Equal(t, report.Stats.StreamDispatches+report.Stats.FinalDispatches, report.Stats.Folded)
	assert.Zero(t, c.PendingCount())
	assert.Greater(t, report.Elapsed, time.Duration(0))
}

// TestRunAfterShutdownRefusesSends verifies no sends are possible after the
// terminate broadcast.
func TestRunAfterShutdownRefusesSends(t *testing.T) {
	p := localPool(t, 2, 2)
	c, err := New(Config{NKeys: 3, Size: 2}, p)
	require.NoError(t, err)

	_, err = c.Run(testContext(t), stream.FromPairs([2]int64{0, 1}, [2]int64{0, 1}))
	require.NoError(t, err)

	assert.ErrorIs(t, p.Send(0, protocol.WorkRequest{}), pool.ErrClosed)
}

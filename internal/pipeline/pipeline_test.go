package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPipeline() *Pipeline {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRunRespectsDependencies(t *testing.T) {
	p := testPipeline()

	var mu sync.Mutex
	order := []string{}

	record := func(name string) func(context.Context) error {
		return func(_ context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}

	require.NoError(t, p.Add(&Step{Name: "fetch-a", Run: record("fetch-a")}))
	require.NoError(t, p.Add(&Step{Name: "fetch-b", Run: record("fetch-b")}))
	require.NoError(t, p.Add(&Step{Name: "merge", Needs: []string{"fetch-a", "fetch-b"}, Run: record("merge")}))
	require.NoError(t, p.Add(&Step{Name: "pack", Needs: []string{"merge"}, Run: record("pack")}))

	require.NoError(t, p.Run(context.Background(), 4))

	require.Len(t, order, 4)
	assert.Equal(t, "merge", order[2])
	assert.Equal(t, "pack", order[3])
	assert.ElementsMatch(t, []string{"fetch-a", "fetch-b"}, order[:2])
}

func TestRunSerialParallelism(t *testing.T) {
	p := testPipeline()

	running := 0
	peak := 0
	var mu sync.Mutex

	step := func(_ context.Context) error {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()

		mu.Lock()
		running--
		mu.Unlock()
		return nil
	}

	for _, name := range []string{"one", "two", "three"} {
		require.NoError(t, p.Add(&Step{Name: name, Run: step}))
	}

	require.NoError(t, p.Run(context.Background(), 1))
	assert.Equal(t, 1, peak)
}

func TestRunPropagatesStepFailure(t *testing.T) {
	p := testPipeline()

	boom := errors.New("boom")
	downstreamRan := false

	require.NoError(t, p.Add(&Step{Name: "fails", Run: func(_ context.Context) error {
		return boom
	}}))
	require.NoError(t, p.Add(&Step{Name: "after", Needs: []string{"fails"}, Run: func(_ context.Context) error {
		downstreamRan = true
		return nil
	}}))

	err := p.Run(context.Background(), 2)
	assert.ErrorIs(t, err, boom)
	assert.False(t, downstreamRan)
}

func TestRunRejectsUnknownDependency(t *testing.T) {
	p := testPipeline()

	require.NoError(t, p.Add(&Step{Name: "lonely", Needs: []string{"ghost"}, Run: func(_ context.Context) error {
		return nil
	}}))

	err := p.Run(context.Background(), 1)
	assert.ErrorIs(t, err, errUnknownDependency)
}

func TestRunRejectsCycle(t *testing.T) {
	p := testPipeline()

	noop := func(_ context.Context) error { return nil }

	require.NoError(t, p.Add(&Step{Name: "a", Needs: []string{"b"}, Run: noop}))
	require.NoError(t, p.Add(&Step{Name: "b", Needs: []string{"a"}, Run: noop}))

	err := p.Run(context.Background(), 1)
	assert.Error(t, err)
}

func TestAddRejectsDuplicate(t *testing.T) {
	p := testPipeline()

	noop := func(_ context.Context) error { return nil }

	require.NoError(t, p.Add(&Step{Name: "dup", Run: noop}))
	assert.ErrorIs(t, p.Add(&Step{Name: "dup", Run: noop}), errDuplicateStep)
}

func TestRunCancelledContext(t *testing.T) {
	p := testPipeline()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	require.NoError(t, p.Add(&Step{Name: "step", Run: func(ctx context.Context) error {
		ran = true
		return ctx.Err()
	}}))

	err := p.Run(ctx, 1)
	assert.Error(t, err)
	_ = ran
}

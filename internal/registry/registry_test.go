package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	disposed int
	err      error
	panics   bool
}

func (f *fakeHandle) Dispose() error {
	f.disposed++
	if f.panics {
		panic("dispose exploded")
	}
	return f.err
}

type notification struct {
	isRunning bool
	count     int
	label     string
}

func listen(r *Registry) *[]notification {
	var got []notification
	r.AddListener(func(isRunning bool, count int, label string) {
		got = append(got, notification{isRunning, count, label})
	})
	return &got
}

func TestRegisterUnregisterRoundTrip(t *testing.T) {
	r := New()
	got := listen(r)

	r.Register("t1", "claude", &fakeHandle{})
	require.True(t, r.IsRunning())
	assert.Equal(t, []string{"t1"}, r.RunningTaskIDs())

	r.Unregister("t1")
	assert.False(t, r.IsRunning())
	assert.Empty(t, r.RunningTaskIDs())

	require.Len(t, *got, 2)
	assert.Equal(t, notification{true, 1, ""}, (*got)[0])
	assert.Equal(t, notification{false, 0, ""}, (*got)[1])
}

func TestRegisterSameIDOverwritesInPlace(t *testing.T) {
	r := New()
	r.Register("t1", "claude", &fakeHandle{})
	r.Register("t2", "codex", &fakeHandle{})
	r.Register("t1", "claude-again", &fakeHandle{})

	assert.Equal(t, []string{"t1", "t2"}, r.RunningTaskIDs())
}

func TestUnregisterUnknownIDDoesNotNotify(t *testing.T) {
	r := New()
	got := listen(r)

	r.Unregister("missing")
	assert.Empty(t, *got)
}

func TestCancelExisting(t *testing.T) {
	r := New()
	handle := &fakeHandle{}
	r.Register("t1", "claude", handle)

	require.True(t, r.Cancel("t1"))
	assert.Equal(t, 1, handle.disposed)
	assert.False(t, r.IsRunning())
}

func TestCancelMissingReturnsFalseWithoutNotify(t *testing.T) {
	r := New()
	got := listen(r)

	assert.False(t, r.Cancel("missing"))
	assert.Empty(t, *got)
}

func TestCancelSwallowsDisposeFailures(t *testing.T) {
	tests := []struct {
		name   string
		handle *fakeHandle
	}{
		{name: "dispose error", handle: &fakeHandle{err: errors.New("kill failed")}},
		{name: "dispose panic", handle: &fakeHandle{panics: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			r.Register("t1", "claude", tt.handle)

			require.True(t, r.Cancel("t1"))
			assert.Equal(t, 1, tt.handle.disposed)
			assert.False(t, r.IsRunning(), "removal proceeds despite dispose failure")
		})
	}
}

func TestCancelAll(t *testing.T) {
	r := New()
	h1 := &fakeHandle{}
	h2 := &fakeHandle{panics: true}
	r.Register("t1", "claude", h1)
	r.Register("t2", "codex", h2)

	assert.Equal(t, 2, r.CancelAll())
	assert.Equal(t, 1, h1.disposed)
	assert.Equal(t, 1, h2.disposed)
	assert.False(t, r.IsRunning())
	assert.Equal(t, 0, r.CancelAll())
}

func TestUpdatePhaseUnknownIDIsSilent(t *testing.T) {
	r := New()
	got := listen(r)

	r.UpdatePhase("missing", "generating", "Generating tests")
	assert.Empty(t, *got)
}

func TestCurrentPhaseLabelFirstTruthyWins(t *testing.T) {
	r := New()
	r.Register("a", "claude", &fakeHandle{})
	r.Register("b", "codex", &fakeHandle{})
	r.UpdatePhase("a", "preparing", "")
	r.UpdatePhase("b", "generating", "generating")

	label, ok := r.CurrentPhaseLabel()
	require.True(t, ok)
	assert.Equal(t, "generating", label, "empty label on a is skipped")
}

func TestCurrentPhaseLabelKeepsWhitespace(t *testing.T) {
	r := New()
	r.Register("a", "claude", &fakeHandle{})
	r.UpdatePhase("a", "preparing", "  ")

	label, ok := r.CurrentPhaseLabel()
	require.True(t, ok)
	assert.Equal(t, "  ", label)
}

func TestCurrentPhaseLabelNoneSet(t *testing.T) {
	r := New()
	r.Register("a", "claude", &fakeHandle{})

	_, ok := r.CurrentPhaseLabel()
	assert.False(t, ok)
}

func TestPhaseUpdateNotifiesWithLabel(t *testing.T) {
	r := New()
	r.Register("a", "claude", &fakeHandle{})
	got := listen(r)

	r.UpdatePhase("a", "running-tests", "Running tests")
	require.Len(t, *got, 1)
	assert.Equal(t, notification{true, 1, "Running tests"}, (*got)[0])
}

func TestPanickingListenerDoesNotStopOthers(t *testing.T) {
	r := New()
	r.AddListener(func(bool, int, string) { panic("bad listener") })
	calls := 0
	r.AddListener(func(bool, int, string) { calls++ })

	r.Register("t1", "claude", &fakeHandle{})
	assert.Equal(t, 1, calls)
	assert.True(t, r.IsRunning(), "registry state unaffected by listener panic")
}

func TestRemoveListener(t *testing.T) {
	r := New()
	calls := 0
	token := r.AddListener(func(bool, int, string) { calls++ })
	r.RemoveListener(token)

	r.Register("t1", "claude", &fakeHandle{})
	assert.Equal(t, 0, calls)
}

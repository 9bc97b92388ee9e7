package hub

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kandev/relay/internal/journal"
)

func newRegistryTestJournal() *fakeJournal {
	return &fakeJournal{events: map[string][]journal.Event{}, seq: map[string]int64{}}
}

func TestRegistryGetOrCreateReturnsSameHub(t *testing.T) {
	reg := NewRegistry(&fakeAttacher{}, newRegistryTestJournal(), &fakeActivity{}, testLog(t))

	h1 := reg.GetOrCreate("s1")
	h2 := reg.GetOrCreate("s1")
	require.Same(t, h1, h2)

	_, ok := reg.Get("s2")
	require.False(t, ok)
}

func TestRegistryForgetShutsDownAndRemoves(t *testing.T) {
	reg := NewRegistry(&fakeAttacher{}, newRegistryTestJournal(), &fakeActivity{}, testLog(t))

	h := reg.GetOrCreate("s1")
	reg.Forget("s1")

	_, ok := reg.Get("s1")
	require.False(t, ok)
	require.Equal(t, StatusArchived, h.Status())
}

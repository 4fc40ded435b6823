package timer

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchedule(t *testing.T) {
	s, err := ParseSchedule("0 */6 * * *")
	require.NoError(t, err)

	from := time.Date(2025, 11, 1, 7, 30, 0, 0, time.Local)
	assert.Equal(t, time.Date(2025, 11, 1, 12, 0, 0, 0, time.Local), s.Next(from))

	_, err = ParseSchedule("@every 2h")
	assert.NoError(t, err)

	for _, bad := range []string{"", "every six hours", "61 * * * *"} {
		_, err := ParseSchedule(bad)
		assert.True(t, errors.Is(err, ErrInvalidSchedule), "expected invalid schedule for %q", bad)
	}
}

func TestEvery_RecursAndCancels(t *testing.T) {
	m := startedManager(t)

	var fired atomic.Int32
	require.NoError(t, m.Every("tick", Interval(time.Second), func() { fired.Add(1) }))

	next, ok := m.Next("tick")
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Second), next, 1100*time.Millisecond)

	require.Eventually(t, func() bool { return fired.Load() >= 2 }, 4*time.Second, 50*time.Millisecond)

	assert.True(t, m.Cancel("tick"))
	_, ok = m.Next("tick")
	assert.False(t, ok)

	n := fired.Load()
	time.Sleep(1500 * time.Millisecond)
	assert.LessOrEqual(t, fired.Load(), n+1)
}

func TestEvery_ReplacedByOneShot(t *testing.T) {
	m := startedManager(t)
	require.NoError(t, m.Every("job", Interval(time.Hour), func() {}))
	require.NoError(t, m.Schedule("job", time.Now().Add(time.Hour), func() {}))
	assert.Zero(t, m.Stats().RecurringTasks)
}

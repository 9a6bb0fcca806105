package job

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-scraper/internal/record"
)

func clock() func() time.Time {
	t := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestJobLifecycle(t *testing.T) {
	t.Parallel()

	j := New("6f1c2a9e-4b7d-4e53-9a57-2f8e1d3c4b5a", "https://example.com/homes/", 10, WithClock(clock()))
	require.Equal(t, StatusPending, j.Status())
	require.Nil(t, j.Snapshot().StartedAt)

	require.NoError(t, j.Start())
	require.Equal(t, StatusRunning, j.Status())

	r := record.New()
	r.SetString("price", "$1")
	j.Schema().AddRow(r)

	require.NoError(t, j.Complete())
	select {
	case <-j.Done():
	default:
		t.Fatal("done channel not closed")
	}

	snap := j.Snapshot()
	require.Equal(t, StatusCompleted, snap.Status)
	require.Equal(t, 1, snap.Scraped)
	require.Equal(t, []string{"price"}, snap.Columns)
	require.NotNil(t, snap.StartedAt)
	require.NotNil(t, snap.FinishedAt)
	require.True(t, snap.FinishedAt.After(*snap.StartedAt))
	require.True(t, j.Progress().Closed())
}

func TestJobTerminalIsFinal(t *testing.T) {
	t.Parallel()

	j := New("id", "https://example.com/", 1)
	require.NoError(t, j.Start())
	require.NoError(t, j.Fail(errors.New("no session")))

	require.ErrorIs(t, j.Complete(), ErrInvalidTransition)
	require.ErrorIs(t, j.Start(), ErrInvalidTransition)
	require.ErrorIs(t, j.Fail(errors.New("again")), ErrInvalidTransition)
	require.Equal(t, StatusError, j.Status())
	require.Equal(t, "no session", j.Snapshot().Error)
}

func TestJobCannotCompleteFromPending(t *testing.T) {
	t.Parallel()

	j := New("id", "https://example.com/", 1)
	require.ErrorIs(t, j.Complete(), ErrInvalidTransition)
	require.NoError(t, j.Fail(nil))
	require.Equal(t, "unknown error", j.Snapshot().Error)
}

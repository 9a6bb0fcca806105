package memory

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-scraper/internal/job"
)

func TestJobStoreCreateGet(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	j := job.New("job-1", "https://example.com/homes/", 5)
	require.NoError(t, store.Create(j))
	require.ErrorIs(t, store.Create(j), ErrDuplicateJob)

	got, err := store.Get("job-1")
	require.NoError(t, err)
	require.Same(t, j, got)

	_, err = store.Get("missing")
	require.ErrorIs(t, err, job.ErrNotFound)
}

func TestJobStoreListAndCounts(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Create(job.New(fmt.Sprintf("job-%d", i), "https://example.com/", 1)))
	}
	running, err := store.Get("job-1")
	require.NoError(t, err)
	require.NoError(t, running.Start())

	all := store.List()
	require.Len(t, all, 3)
	require.Equal(t, "job-0", all[0].ID())
	require.Equal(t, "job-2", all[2].ID())

	onlyRunning := store.List(job.StatusRunning)
	require.Len(t, onlyRunning, 1)
	require.Equal(t, "job-1", onlyRunning[0].ID())
	require.Equal(t, map[job.Status]int{job.StatusPending: 2, job.StatusRunning: 1}, store.Counts())
}

func TestJobStoreConcurrentCreate(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = store.Create(job.New(fmt.Sprintf("job-%d", i), "https://example.com/", 1))
			_, _ = store.Get(fmt.Sprintf("job-%d", i/2))
		}(i)
	}
	wg.Wait()
	require.Len(t, store.List(), 50)
}

package shard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOwnsPartitionsJobs(t *testing.T) {
	for _, total := range []int{1, 2, 3, 7} {
		for i := range 50 {
			owners := 0
			for w := range total {
				if Owns(i, w, total) {
					owners++
					assert.Equal(t, i%total, w)
				}
			}
			assert.Equal(t, 1, owners, "job %d with %d workers", i, total)
		}
	}
}

func TestJobsMatchesOwns(t *testing.T) {
	got, err := Jobs(10, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 7}, got)
	for _, i := range got {
		assert.True(t, Owns(i, 1, 3))
	}

	none, err := Jobs(2, 2, 3)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestJobsRejectsBadWorker(t *testing.T) {
	_, err := Jobs(10, 3, 3)
	require.ErrorIs(t, err, ErrWorker)
	_, err = Jobs(10, 0, 0)
	require.ErrorIs(t, err, ErrWorker)
	assert.False(t, Owns(0, 0, 0))
}

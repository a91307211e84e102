package cnmf

import (
	"errors"
	"fmt"
	"testing"

	"github.com/setanarut/cnmf/artifact"
	"github.com/setanarut/cnmf/cluster"
	"github.com/setanarut/cnmf/matrix"
	"github.com/setanarut/cnmf/nnls"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		leaf error
		want error
	}{
		{nnls.ErrDeviceUnavailable, ErrConfiguration},
		{nnls.ErrUnknownLoss, ErrConfiguration},
		{matrix.ErrDimensionMismatch, ErrDataShape},
		{artifact.ErrMissing, ErrResourceMissing},
		{cluster.ErrEmptyCluster, ErrDegenerateClustering},
	}
	for _, tc := range cases {
		err := classify(fmt.Errorf("stage: %w", tc.leaf))
		require.ErrorIs(t, err, tc.want)
		require.ErrorIs(t, err, tc.leaf)
	}

	plain := errors.New("boom")
	assert.Same(t, plain, classify(plain))
	assert.NoError(t, classify(nil))

	tagged := fmt.Errorf("%w: twice", ErrConfiguration)
	assert.Same(t, tagged, classify(tagged))
}

package batch

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchLaw(t *testing.T) {
	for _, g := range []int{1, 3, 7, 10} {
		for _, l := range []int{0, 1, 9, 10, 11, 30} {
			t.Run(fmt.Sprintf("g=%d,L=%d", g, l), func(t *testing.T) {
				var batches [][]int
				c := NewCollect(g, func(b []int) error {
					batches = append(batches, b)
					return nil
				})
				for i := 0; i < l; i++ {
					require.NoError(t, c.Call(i))
				}
				r, err := c.Finish()
				require.NoError(t, err)

				assert.Len(t, batches, (l+g-1)/g)
				var all []int
				for i, b := range batches {
					if i < len(batches)-1 {
						assert.Len(t, b, g)
					}
					all = append(all, b...)
				}
				for i, v := range all {
					assert.Equal(t, i, v)
				}
				assert.Len(t, all, l)
				assert.Equal(t, int64(l), r.Count(CountKey))
			})
		}
	}
}

func TestBatchesAreIndependent(t *testing.T) {
	var batches [][]string
	c := NewCollect(2, func(b []string) error {
		batches = append(batches, b)
		return nil
	})
	for _, s := range []string{"a", "b", "c", "d"} {
		require.NoError(t, c.Call(s))
	}
	_, err := c.Finish()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}}, batches)
}

func TestEmitError(t *testing.T) {
	boom := errors.New("boom")
	c := NewCollect(2, func([]int) error { return boom })
	require.NoError(t, c.Call(1))
	assert.ErrorIs(t, c.Call(2), boom)

	c = NewCollect(5, func([]int) error { return boom })
	require.NoError(t, c.Call(1))
	_, err := c.Finish()
	assert.ErrorIs(t, err, boom)
}

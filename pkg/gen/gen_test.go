package gen

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClamp(t *testing.T) {
	require.Equal(t, 5, Clamp(7, 0, 5))
	require.Equal(t, 0, Clamp(-1, 0, 5))
	require.Equal(t, 3, Clamp(3, 0, 5))
	require.Equal(t, 1.5, Clamp(1.5, 1.0, 2.0))
}

func TestDeleteFromSliceUnordered(t *testing.T) {
	a := []int{1, 2, 3, 4}
	a = DeleteFromSliceUnordered(a, 1)
	require.ElementsMatch(t, []int{1, 3, 4}, a)

	a = []int{9}
	a = DeleteFromSliceUnordered(a, 0)
	require.Empty(t, a)
}

package utils_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/omni/relay-server/utils"
)

func TestMulFactor(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		Name     string
		Value    int64
		Factor   float64
		Expected int64
	}{
		{Name: "Retry factor", Value: 100, Factor: 1.2, Expected: 120},
		{Name: "Retry factor twice", Value: 120, Factor: 1.2, Expected: 144},
		{Name: "Identity", Value: 12345, Factor: 1, Expected: 12345},
		{Name: "Fraction rounds down", Value: 3, Factor: 0.5, Expected: 1},
		{Name: "Zero", Value: 0, Factor: 1.5, Expected: 0},
	} {
		t.Run(test.Name, func(t *testing.T) {
			require.Equal(t, big.NewInt(test.Expected), utils.MulFactor(big.NewInt(test.Value), test.Factor))
		})
	}
}

func TestMinMaxBig(t *testing.T) {
	t.Parallel()

	a, b := big.NewInt(1), big.NewInt(2)
	require.Equal(t, a, utils.MinBig(a, b))
	require.Equal(t, b, utils.MaxBig(a, b))
}

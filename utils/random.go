package utils

import (
	"math/rand"
	"time"
)

// RandomDuration picks a duration uniformly from [min, max].
func RandomDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	//nolint:gosec
	return min + time.Duration(rand.Int63n(int64(max-min)+1))
}

package ingest

import (
	"math/rand"
	"time"
)

const (
	backoffInitial = time.Second
	backoffCap     = 60 * time.Second
)

// nextBackoff returns the reconnect delay for the given attempt number
// (0-based): exponential from 1s to a 60s cap, with the upper half of
// each delay randomized.
func nextBackoff(attempt int) time.Duration {
	base := backoffInitial
	for i := 0; i < attempt && base < backoffCap; i++ {
		base *= 2
	}
	if base > backoffCap {
		base = backoffCap
	}
	half := base / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// Package weights implements the per-tile weights aggregator: it
// accumulates autocorrelation weight samples across blocks and reports
// a mean-per-tile snapshot to the health publisher, resetting on each
// read.
package weights

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// NTilesMax bounds the fixed-size per-tile arrays carried in the health
// datagram, matching the wire format's array length regardless of how
// many tiles an observation actually uses.
const NTilesMax = 256

// Aggregator accumulates autocorrelation weight samples per tile, under
// a single mutex, and reports mean-since-last-snapshot values. Samples
// are buffered per tile between health ticks (at most a few dozen
// integrations), not summed in place, so the mean can be computed with
// gonum/stat.Mean rather than a running division.
type Aggregator struct {
	mu   sync.Mutex
	sumX [NTilesMax][]float64
	sumY [NTilesMax][]float64
}

// New returns an empty Aggregator.
func New() *Aggregator {
	return &Aggregator{}
}

// baselineOrdinal returns the upper-triangular enumeration index for
// baseline (i, j) with 0 <= j <= i < ntiles, i == j being an
// autocorrelation.
func baselineOrdinal(i, j int) int {
	return i*(i+1)/2 + j
}

// Add feeds one block's weights region into the aggregator. ninputs is
// the number of correlator inputs (<= NTilesMax); buf holds npol^2
// float32 values per baseline, with the xx slot at offset 0 and the yy
// slot at offset 3 within each baseline's 4-pol group, matching the
// wire layout. Only autocorrelations (i == j) contribute.
func (a *Aggregator) Add(buf []float32, ninputs int) {
	if ninputs > NTilesMax {
		ninputs = NTilesMax
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < ninputs; i++ {
		ord := baselineOrdinal(i, i)
		base := ord * 4
		if base+3 >= len(buf) {
			break
		}
		xx := buf[base]
		yy := buf[base+3]
		a.sumX[i] = append(a.sumX[i], float64(xx))
		a.sumY[i] = append(a.sumY[i], float64(yy))
	}
}

// Snapshot computes the mean-per-tile X and Y weight averages since the
// last snapshot, using gonum/stat.Mean over the accumulated samples,
// and resets the accumulators. A tile with zero samples reports NaN.
func (a *Aggregator) Snapshot() (x, y [NTilesMax]float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < NTilesMax; i++ {
		x[i] = meanOrNaN(a.sumX[i])
		y[i] = meanOrNaN(a.sumY[i])
		a.sumX[i] = nil
		a.sumY[i] = nil
	}
	return x, y
}

func meanOrNaN(samples []float64) float32 {
	if len(samples) == 0 {
		return float32(math.NaN())
	}
	return float32(stat.Mean(samples, nil))
}

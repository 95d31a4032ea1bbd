package weights

import (
	"math"
	"testing"
)

func TestAddAndSnapshotMean(t *testing.T) {
	a := New()
	// 2 tiles => baseline ordinals for autocorrelations i==j: 0 (i=0) and 2 (i=1).
	buf1 := make([]float32, 16)
	buf1[0] = 100 // tile 0 xx
	buf1[3] = 103 // tile 0 yy
	buf1[8] = 110 // tile 1 xx (ordinal 2 * 4 = 8)
	buf1[11] = 113

	a.Add(buf1, 2)

	buf2 := make([]float32, 16)
	buf2[0] = 120
	buf2[3] = 123
	buf2[8] = 130
	buf2[11] = 133
	a.Add(buf2, 2)

	x, y := a.Snapshot()
	if got, want := x[0], float32(110); got != want {
		t.Errorf("x[0] = %v, want %v", got, want)
	}
	if got, want := y[0], float32(113); got != want {
		t.Errorf("y[0] = %v, want %v", got, want)
	}
	if got, want := x[1], float32(120); got != want {
		t.Errorf("x[1] = %v, want %v", got, want)
	}
	if got, want := y[1], float32(123); got != want {
		t.Errorf("y[1] = %v, want %v", got, want)
	}
}

func TestSnapshotNaNWhenNoData(t *testing.T) {
	a := New()
	x, y := a.Snapshot()
	if !math.IsNaN(float64(x[0])) {
		t.Errorf("x[0] = %v, want NaN", x[0])
	}
	if !math.IsNaN(float64(y[0])) {
		t.Errorf("y[0] = %v, want NaN", y[0])
	}
}

func TestSnapshotResetsAccumulators(t *testing.T) {
	a := New()
	buf := make([]float32, 4)
	buf[0] = 5
	buf[3] = 7
	a.Add(buf, 1)
	a.Snapshot()
	x, y := a.Snapshot()
	if !math.IsNaN(float64(x[0])) || !math.IsNaN(float64(y[0])) {
		t.Fatal("expected accumulators reset to empty after snapshot")
	}
}

func TestBaselineOrdinalUpperTriangular(t *testing.T) {
	cases := []struct {
		i, j, want int
	}{
		{0, 0, 0},
		{1, 0, 1},
		{1, 1, 2},
		{2, 0, 3},
		{2, 2, 5},
	}
	for _, c := range cases {
		if got := baselineOrdinal(c.i, c.j); got != c.want {
			t.Errorf("baselineOrdinal(%d,%d) = %d, want %d", c.i, c.j, got, c.want)
		}
	}
}

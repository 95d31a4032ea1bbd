package health

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/mwatelescope/mwax-fitswriter/internal/weights"
)

type collectorSender struct {
	sent [][]byte
}

func (c *collectorSender) Send(p []byte) error {
	cp := make([]byte, len(p))
	copy(cp, p)
	c.sent = append(c.sent, cp)
	return nil
}

func TestRecordSizeIsFixed(t *testing.T) {
	rec := &Record{}
	data, err := rec.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	want := 4*3 + hostnameFieldLen + 8 + 8 + 8 + 4 + 8 + 8 + 4*weights.NTilesMax*2
	if len(data) != want {
		t.Fatalf("record size = %d, want %d", len(data), want)
	}
}

func TestTickSendsRecordWithExpectedFields(t *testing.T) {
	sender := &collectorSender{}
	state := NewSharedState()
	state.Set(StatusRunning, 1000000000, 1000000008)
	agg := weights.New()

	start := time.Unix(1000, 0)
	pub := NewPublisher(sender, state, agg, Versions{Major: 1, Minor: 2, Patch: 3}, "writer-host", start)

	now := start.Add(5 * time.Second)
	if err := pub.Tick(now); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 datagram sent, got %d", len(sender.sent))
	}

	data := sender.sent[0]
	if got := int32(binary.LittleEndian.Uint32(data[0:4])); got != 1 {
		t.Errorf("VersionMajor = %d, want 1", got)
	}
	statusOffset := 4*3 + hostnameFieldLen + 8 + 8 + 8
	if got := int32(binary.LittleEndian.Uint32(data[statusOffset : statusOffset+4])); got != int32(StatusRunning) {
		t.Errorf("Status = %d, want %d", got, StatusRunning)
	}
}

func TestTickReportsNaNWhenNoWeights(t *testing.T) {
	sender := &collectorSender{}
	state := NewSharedState()
	agg := weights.New()
	pub := NewPublisher(sender, state, agg, Versions{}, "h", time.Unix(0, 0))
	if err := pub.Tick(time.Unix(1, 0)); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	data := sender.sent[0]
	weightsOffset := 4*3 + hostnameFieldLen + 8 + 8 + 8 + 4 + 8 + 8
	bits := binary.LittleEndian.Uint32(data[weightsOffset : weightsOffset+4])
	v := math.Float32frombits(bits)
	if !math.IsNaN(float64(v)) {
		t.Fatalf("weights_x[0] = %v, want NaN", v)
	}
}

func TestOnTickCalledAfterSend(t *testing.T) {
	sender := &collectorSender{}
	state := NewSharedState()
	state.Set(StatusRunning, 42, 43)
	agg := weights.New()
	pub := NewPublisher(sender, state, agg, Versions{}, "h", time.Unix(0, 0))

	var gotStatus Status
	var gotObs, gotSub uint64
	pub.OnTick = func(status Status, obsID, subObsID uint64, uptime time.Duration) {
		gotStatus, gotObs, gotSub = status, obsID, subObsID
	}
	if err := pub.Tick(time.Unix(1, 0)); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if gotStatus != StatusRunning || gotObs != 42 || gotSub != 43 {
		t.Fatalf("OnTick got (%v, %d, %d)", gotStatus, gotObs, gotSub)
	}
}

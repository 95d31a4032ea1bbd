package dispatch

import (
	"context"
	"strings"
	"testing"

	"github.com/mwatelescope/mwax-fitswriter/internal/fsutil"
	"github.com/mwatelescope/mwax-fitswriter/internal/obsstate"
	"github.com/mwatelescope/mwax-fitswriter/internal/ringbuffer"
	"github.com/mwatelescope/mwax-fitswriter/internal/weights"
	"github.com/mwatelescope/mwax-fitswriter/internal/writer"
)

func sampleHeaderBytes(overrides map[string]string) []byte {
	fields := map[string]string{
		"POPULATED":           "1",
		"OBS_ID":              "1000000000",
		"SUBOBS_ID":           "1000000000",
		"MODE":                "CORRELATOR",
		"UTC_START":           "2023-01-02-03:04:05",
		"OBS_OFFSET":          "0",
		"NBIT":                "32",
		"NPOL":                "2",
		"NINPUTS":             "4",
		"INT_TIME_MSEC":       "8000",
		"TRANSFER_SIZE":       "999999999",
		"PROJ_ID":             "T0001",
		"EXPOSURE_SECS":       "8",
		"COARSE_CHANNEL":      "1",
		"CORR_COARSE_CHANNEL": "1",
		"SECS_PER_SUBOBS":     "8",
		"UNIXTIME":            "1",
		"UNIXTIME_MSEC":       "0",
		"FINE_CHAN_WIDTH_HZ":  "1",
		"NFINE_CHAN":          "2",
		"BANDWIDTH_HZ":        "2",
		"FSCRUNCH_FACTOR":     "1",
		"MC_IP":               "239.0.0.1",
		"MC_PORT":             "1234",
	}
	for k, v := range overrides {
		if v == "" {
			delete(fields, k)
			continue
		}
		fields[k] = v
	}
	var sb strings.Builder
	for k, v := range fields {
		sb.WriteString(k)
		sb.WriteByte(' ')
		sb.WriteString(v)
		sb.WriteByte('\n')
	}
	return []byte(sb.String())
}

func newDispatcher() *Dispatcher {
	fs := fsutil.NewMemoryFileSystem()
	m := obsstate.New(fs, "/out", writer.Versions{CorrVer: 2}, 0)
	agg := weights.New()
	return New(m, agg)
}

func TestSingleBlockRoundTrip(t *testing.T) {
	d := newDispatcher()
	acc, err := d.Open(sampleHeaderBytes(nil))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if acc != ringbuffer.Accept {
		t.Fatalf("Acceptance = %v, want Accept", acc)
	}

	// NINPUTS=4 -> nbaselines = 4*6/8 = 3; NPOL=2, NFINE_CHAN=2.
	visBytes := 3 * 2 * 2 * 2 * 2 * 4
	wtsBytes := 3 * 2 * 2 * 4
	block := make([]byte, visBytes+wtsBytes)

	n, err := d.IO(block, 0)
	if err != nil {
		t.Fatalf("IO: %v", err)
	}
	if n != visBytes+wtsBytes {
		t.Fatalf("IO returned %d, want %d", n, visBytes+wtsBytes)
	}

	if err := d.Close(int64(n)); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestVCSModeSkipsBlocks(t *testing.T) {
	d := newDispatcher()
	acc, err := d.Open(sampleHeaderBytes(map[string]string{"MODE": "VCS"}))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if acc != ringbuffer.SkipBlockDuringVCS {
		t.Fatalf("Acceptance = %v, want SkipBlockDuringVCS", acc)
	}
}

func TestNoCaptureModeSkipsBlocks(t *testing.T) {
	d := newDispatcher()
	acc, err := d.Open(sampleHeaderBytes(map[string]string{"MODE": "NO_CAPTURE"}))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if acc != ringbuffer.SkipBlockDuringNoCapture {
		t.Fatalf("Acceptance = %v, want SkipBlockDuringNoCapture", acc)
	}
}

func TestQuitModeReturnsQuitAcceptance(t *testing.T) {
	d := newDispatcher()
	if _, err := d.Open(sampleHeaderBytes(nil)); err != nil {
		t.Fatalf("first Open: %v", err)
	}
	acc, err := d.Open(sampleHeaderBytes(map[string]string{"MODE": "QUIT"}))
	if err != nil {
		t.Fatalf("quit Open: %v", err)
	}
	if acc != ringbuffer.Quit {
		t.Fatalf("Acceptance = %v, want Quit", acc)
	}
	if !d.Quit() {
		t.Fatal("expected Quit() to be true")
	}
}

func TestSkippingSubObsDiscardsBlockButReportsLength(t *testing.T) {
	d := newDispatcher()
	acc, err := d.Open(sampleHeaderBytes(map[string]string{"SUBOBS_ID": "1000000008"}))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if acc != ringbuffer.Accept {
		t.Fatalf("Acceptance = %v, want Accept (skip handled at IO level)", acc)
	}
	block := make([]byte, 128)
	n, err := d.IO(block, 0)
	if err != nil {
		t.Fatalf("IO: %v", err)
	}
	if n != len(block) {
		t.Fatalf("IO returned %d, want %d (block consumed but discarded)", n, len(block))
	}
}

func TestMockDriverEndToEnd(t *testing.T) {
	d := newDispatcher()
	visBytes := 3 * 2 * 2 * 2 * 2 * 4
	wtsBytes := 3 * 2 * 2 * 4
	block := make([]byte, visBytes+wtsBytes)

	drv := &ringbuffer.MockDriver{
		SubObs: []ringbuffer.SubObservation{
			{Header: sampleHeaderBytes(nil), Blocks: [][]byte{block}},
		},
	}
	if err := drv.Run(context.Background(), d); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

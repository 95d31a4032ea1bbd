// Package dispatch implements the Block Dispatcher: it adapts the
// ring-buffer driver's header/block callbacks onto the observation
// state machine, the domain FITS writer, and the weights aggregator.
package dispatch

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/mwatelescope/mwax-fitswriter/internal/header"
	"github.com/mwatelescope/mwax-fitswriter/internal/obsstate"
	"github.com/mwatelescope/mwax-fitswriter/internal/ringbuffer"
	"github.com/mwatelescope/mwax-fitswriter/internal/weights"
)

// SubobsNotMultipleError reports that a sub-observation's close-time
// marker count did not land on a secs_per_subobs boundary.
type SubobsNotMultipleError struct {
	Marker      int64
	IntTimeMsec int32
	SecsPerSub  int32
}

func (e *SubobsNotMultipleError) Error() string {
	return fmt.Sprintf("dispatch: marker*int_time_msec/1000 = %d not a multiple of secs_per_subobs=%d",
		e.Marker*int64(e.IntTimeMsec)/1000, e.SecsPerSub)
}

// Dispatcher implements ringbuffer.Session on top of an
// obsstate.Machine and a weights.Aggregator.
type Dispatcher struct {
	machine *obsstate.Machine
	agg     *weights.Aggregator

	current *header.Header
	quit    bool

	// OnHeaderAccepted, if set, is called after Open has passed a
	// CORRELATOR or QUIT header to the machine, with the machine's
	// resulting state, letting callers (e.g. the health publisher's
	// shared state) mirror obs_id/subobs_id changes. It is not called for
	// headers that fail to parse or for VCS/NO_CAPTURE headers.
	OnHeaderAccepted func(state obsstate.State, h *header.Header)
}

// New constructs a Dispatcher over machine and agg.
func New(machine *obsstate.Machine, agg *weights.Aggregator) *Dispatcher {
	return &Dispatcher{machine: machine, agg: agg}
}

// Open parses the sub-observation header and drives the state machine,
// returning the ring-buffer Acceptance for this sub-observation.
func (d *Dispatcher) Open(headerBytes []byte) (ringbuffer.Acceptance, error) {
	h, err := header.Parse(headerBytes)
	if err != nil {
		return ringbuffer.Quit, err
	}

	switch h.Mode {
	case header.ModeVCS:
		if _, err := d.machine.OnHeader(h); err != nil {
			return ringbuffer.Quit, err
		}
		return ringbuffer.SkipBlockDuringVCS, nil
	case header.ModeNoCapture:
		if _, err := d.machine.OnHeader(h); err != nil {
			return ringbuffer.Quit, err
		}
		return ringbuffer.SkipBlockDuringNoCapture, nil
	}

	state, err := d.machine.OnHeader(h)
	if d.OnHeaderAccepted != nil {
		d.OnHeaderAccepted(state, h)
	}
	if err != nil {
		d.quit = true
		return ringbuffer.Quit, err
	}
	if state == obsstate.Shutting {
		d.quit = true
		return ringbuffer.Quit, nil
	}

	d.current = h
	return ringbuffer.Accept, nil
}

// IO handles one integration's worth of data: split visibilities and
// weights, append both HDUs, advance the running clock, and feed
// weights to the aggregator. If no file is open (the Skipping
// sub-state), the block is discarded but its length is still reported
// as consumed.
func (d *Dispatcher) IO(blockBytes []byte, blockID uint64) (int, error) {
	h := d.current
	out := d.machine.CurrentFile()
	if h == nil || out == nil {
		return len(blockBytes), nil
	}

	visBytes := h.VisibilityBytes()
	wtsBytes := h.WeightsBytes()
	if len(blockBytes) < visBytes+wtsBytes {
		return 0, fmt.Errorf("dispatch: block length %d shorter than %d (vis) + %d (wts)", len(blockBytes), visBytes, wtsBytes)
	}
	pVis := blockBytes[:visBytes]
	pWts := blockBytes[visBytes : visBytes+wtsBytes]

	marker := d.machine.Marker()
	unixTime, unixTimeMsec := d.machine.UnixTime()

	if err := out.AppendVisibilities(h, marker, unixTime, unixTimeMsec, pVis); err != nil {
		return 0, err
	}
	if err := out.AppendWeights(h, marker, unixTime, unixTimeMsec, pWts); err != nil {
		return 0, err
	}

	d.machine.AddBytes(int64(visBytes + wtsBytes))
	d.machine.IncrementMarker()
	d.machine.AdvanceTime(h.IntTimeMsec)

	floatWts := bytesToFloat32LE(pWts)
	d.agg.Add(floatWts, int(h.NInputs))

	return visBytes + wtsBytes, nil
}

// Close validates the sub-observation's integration count and closes
// the current FITS file if the observation's total duration has now
// reached its exposure.
func (d *Dispatcher) Close(totalBytes int64) error {
	h := d.current
	if h == nil {
		return nil
	}
	marker := d.machine.Marker()
	if (marker*int64(h.IntTimeMsec))%1000 == 0 {
		secs := marker * int64(h.IntTimeMsec) / 1000
		if secs%int64(h.SecsPerSubobs) != 0 {
			return &SubobsNotMultipleError{Marker: marker, IntTimeMsec: h.IntTimeMsec, SecsPerSub: h.SecsPerSubobs}
		}
	}
	_, err := d.machine.CloseIfDurationComplete()
	return err
}

// Quit reports whether Open has seen MODE=QUIT or had the state machine
// reject a CORRELATOR header, in which case the caller should stop
// feeding it further sub-observations. Header parse errors and errors
// from IO or Close are returned to the caller but do not set it.
func (d *Dispatcher) Quit() bool { return d.quit }

func bytesToFloat32LE(b []byte) []float32 {
	n := len(b) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(b[i*4:])
		out[i] = math.Float32frombits(bits)
	}
	return out
}

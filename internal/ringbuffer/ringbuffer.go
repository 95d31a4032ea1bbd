// Package ringbuffer defines the contract between the shared-memory
// ring-buffer driver and the FITS-writer core, and provides an
// in-process mock implementation of the driver side for tests.
//
// The real ring-buffer attach/lock/read mechanics (PSRDADA ipcbuf) live
// outside this module's scope; this package only fixes the callback
// shapes the core must implement, matching the narrow boundary named in
// the specification's external interfaces.
package ringbuffer

import "context"

// Acceptance is the result of a Session's Open call.
type Acceptance int

const (
	Accept Acceptance = iota
	SkipBlockDuringVCS
	SkipBlockDuringNoCapture
	Quit
)

func (a Acceptance) String() string {
	switch a {
	case Accept:
		return "Accept"
	case SkipBlockDuringVCS:
		return "SkipBlockDuringVCS"
	case SkipBlockDuringNoCapture:
		return "SkipBlockDuringNoCapture"
	case Quit:
		return "Quit"
	default:
		return "Unknown"
	}
}

// Session is the set of callbacks the ring-buffer driver invokes on the
// core as it walks sub-observation headers and blocks.
type Session interface {
	// Open is called once per sub-observation header.
	Open(headerBytes []byte) (Acceptance, error)
	// IO is called once per data block within an accepted sub-observation.
	IO(blockBytes []byte, blockID uint64) (int, error)
	// Close is called once the sub-observation's blocks are exhausted.
	Close(totalBytes int64) error
}

// Driver repeatedly pumps (header, blocks) pairs into a Session until
// ctx is cancelled or the Session returns Quit. It stands in for the
// PSRDADA reader loop; the mock below exists for tests and local runs
// without a real shared-memory segment.
type Driver interface {
	Run(ctx context.Context, session Session) error
}

// SubObservation is one header plus its ordered data blocks, as fed to
// a MockDriver.
type SubObservation struct {
	Header []byte
	Blocks [][]byte
}

// MockDriver replays a fixed sequence of sub-observations through a
// Session, synchronously and in order. It is the test double for the
// real shared-memory ring buffer.
type MockDriver struct {
	SubObs []SubObservation
}

// Run feeds each sub-observation's header and blocks to session in
// order, stopping early if Open returns Quit, if Open, IO or Close
// returns an error, or if ctx is cancelled between sub-observations.
func (d *MockDriver) Run(ctx context.Context, session Session) error {
	var blockID uint64
	for _, so := range d.SubObs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		acc, err := session.Open(so.Header)
		if err != nil {
			return err
		}
		if acc == Quit {
			return nil
		}
		if acc != Accept {
			continue
		}

		var total int64
		for _, block := range so.Blocks {
			n, err := session.IO(block, blockID)
			blockID++
			total += int64(n)
			if err != nil {
				_ = session.Close(total)
				return err
			}
		}
		if err := session.Close(total); err != nil {
			return err
		}
	}
	return nil
}

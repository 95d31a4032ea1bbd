// Package obsstate implements the observation state machine: it tracks
// which observation and sub-observation are currently being written,
// decides when to open, roll, or close FITS files, and validates
// sub-observation continuity within an observation.
package obsstate

import (
	"fmt"

	"github.com/mwatelescope/mwax-fitswriter/internal/fsutil"
	"github.com/mwatelescope/mwax-fitswriter/internal/header"
	"github.com/mwatelescope/mwax-fitswriter/internal/monitoring"
	"github.com/mwatelescope/mwax-fitswriter/internal/writer"
)

// State is one of the four observation lifecycle states.
type State int

const (
	Idle State = iota
	Skipping
	InObs
	Shutting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Skipping:
		return "Skipping"
	case InObs:
		return "InObs"
	case Shutting:
		return "Shutting"
	default:
		return "Unknown"
	}
}

// OffsetNotContiguousError reports that the observation offset did not
// advance by exactly secs_per_subobs between consecutive headers of the
// same observation.
type OffsetNotContiguousError struct {
	Previous, Current int32
	SecsPerSubobs      int32
}

func (e *OffsetNotContiguousError) Error() string {
	return fmt.Sprintf("obsstate: obs_offset not contiguous: previous=%d current=%d secs_per_subobs=%d",
		e.Previous, e.Current, e.SecsPerSubobs)
}

// Machine is the observation state machine. It is not safe for
// concurrent use; it is the writer goroutine's private state.
type Machine struct {
	fs       fsutil.FileSystem
	destDir  string
	versions writer.Versions
	// FileSizeLimit is the file-size trigger for rolling to a new FITS
	// file. Zero means unlimited.
	FileSizeLimit int64

	state State

	currentObsID        uint64
	currentSubObsID     uint64
	currentExposureSec   int32
	currentObsOffset     int32
	currentSecsPerSubobs int32

	fitsFileSize   int64
	fitsFileNumber int
	obsMarker      int64

	unixTime     uint64
	unixTimeMsec int32

	file *header.Header // header that opened the current observation, for key reuse
	out  *writer.File

	// OnFileOpened, if set, is called after a new FITS file is created
	// (including rolls). coarseChannel and fileNumber identify the file
	// alongside obsID.
	OnFileOpened func(obsID uint64, path string, fileNumber, coarseChannel int)
	// OnFileClosed, if set, is called after a file is closed, reporting
	// whether the rename to its final name succeeded.
	OnFileClosed func(path string, bytesWritten int64, hduCount int, renamed bool)
}

// New constructs a Machine in the Idle state.
func New(fs fsutil.FileSystem, destDir string, versions writer.Versions, fileSizeLimit int64) *Machine {
	return &Machine{fs: fs, destDir: destDir, versions: versions, FileSizeLimit: fileSizeLimit, state: Idle}
}

// State returns the machine's current lifecycle state.
func (m *Machine) State() State { return m.state }

// CurrentFile returns the currently open FITS file, or nil if none.
func (m *Machine) CurrentFile() *writer.File { return m.out }

// CurrentHeader returns the header that opened the current observation.
// It is not replaced by later sub-observation headers or by file rolls.
func (m *Machine) CurrentHeader() *header.Header { return m.file }

// Marker returns the current obs_marker_number, the monotonically
// increasing integration counter within the open file.
func (m *Machine) Marker() int64 { return m.obsMarker }

// UnixTime returns the running (unix_time, unix_time_msec) pair.
func (m *Machine) UnixTime() (uint64, int32) { return m.unixTime, m.unixTimeMsec }

// AdvanceTime adds int_time_msec to the running clock, carrying at 1000ms.
func (m *Machine) AdvanceTime(intTimeMsec int32) {
	m.unixTimeMsec += intTimeMsec
	for m.unixTimeMsec >= 1000 {
		m.unixTimeMsec -= 1000
		m.unixTime++
	}
}

// IncrementMarker bumps the integration marker after an accepted block.
func (m *Machine) IncrementMarker() { m.obsMarker++ }

// AddBytes accounts newly-written image bytes against the roll threshold.
func (m *Machine) AddBytes(n int64) { m.fitsFileSize += n }

// ShouldRoll reports whether the current file has reached the
// configured size limit and should be rolled. OnHeader checks it once per
// sub-observation header, so a roll happens at a sub-observation boundary.
func (m *Machine) ShouldRoll() bool {
	return m.FileSizeLimit > 0 && m.fitsFileSize >= m.FileSizeLimit
}

// OnHeader processes a new sub-observation header and returns the
// updated state. It is responsible for opening, rolling, and closing
// files; it does not write integration data (that is the Block
// Dispatcher's job, driven off the open *writer.File this returns via
// CurrentFile).
func (m *Machine) OnHeader(h *header.Header) (State, error) {
	switch h.Mode {
	case header.ModeVCS, header.ModeNoCapture:
		return m.state, nil
	case header.ModeQuit:
		if err := m.closeCurrent(); err != nil {
			m.state = Shutting
			return m.state, err
		}
		m.state = Shutting
		return m.state, nil
	}

	if err := h.Validate(); err != nil {
		_ = m.closeCurrent()
		m.state = Shutting
		return m.state, err
	}

	switch m.state {
	case Idle, Skipping:
		if h.ObsID == h.SubObsID {
			if err := m.openNewObs(h); err != nil {
				m.state = Shutting
				return m.state, err
			}
			m.state = InObs
			return m.state, nil
		}
		if m.state == Skipping && h.ObsID == m.currentObsID {
			return m.state, nil
		}
		m.state = Skipping
		m.currentObsID = h.ObsID
		return m.state, nil

	case InObs:
		if h.ObsID != m.currentObsID {
			if err := m.closeCurrent(); err != nil {
				m.state = Shutting
				return m.state, err
			}
			m.state = Idle
			return m.OnHeader(h)
		}

		if err := m.checkContiguity(h); err != nil {
			_ = m.closeCurrent()
			m.state = Shutting
			return m.state, err
		}
		m.currentObsOffset = h.ObsOffset
		m.currentExposureSec = h.ExposureSec

		if m.ShouldRoll() {
			if err := m.rollFile(h); err != nil {
				m.state = Shutting
				return m.state, err
			}
		}
		return m.state, nil

	default:
		return m.state, nil
	}
}

// CloseIfDurationComplete closes the current file if the observation's
// accumulated duration has reached its exposure, per the >= resolution
// of the close-path Open Question. Called by the dispatcher after each
// sub-observation's integrations have all been appended.
func (m *Machine) CloseIfDurationComplete() (State, error) {
	if m.state != InObs {
		return m.state, nil
	}
	duration := m.currentObsOffset + m.currentSecsPerSubobs
	if duration >= m.currentExposureSec {
		if err := m.closeCurrent(); err != nil {
			m.state = Shutting
			return m.state, err
		}
		m.state = Idle
	}
	return m.state, nil
}

func (m *Machine) checkContiguity(h *header.Header) error {
	if h.ObsOffset <= m.currentObsOffset {
		return &OffsetNotContiguousError{Previous: m.currentObsOffset, Current: h.ObsOffset, SecsPerSubobs: m.currentSecsPerSubobs}
	}
	if h.ObsOffset-m.currentObsOffset != h.SecsPerSubobs {
		return &OffsetNotContiguousError{Previous: m.currentObsOffset, Current: h.ObsOffset, SecsPerSubobs: h.SecsPerSubobs}
	}
	return nil
}

func (m *Machine) openNewObs(h *header.Header) error {
	m.currentObsID = h.ObsID
	m.currentSubObsID = h.SubObsID
	m.currentExposureSec = h.ExposureSec
	m.currentObsOffset = h.ObsOffset
	m.currentSecsPerSubobs = h.SecsPerSubobs
	m.fitsFileSize = 0
	m.fitsFileNumber = 0
	m.obsMarker = 0
	m.unixTime = h.UnixTime
	m.unixTimeMsec = h.UnixTimeMsec
	m.file = h

	out, err := writer.Create(m.fs, m.destDir, h, m.fitsFileNumber, m.versions)
	if err != nil {
		return err
	}
	m.out = out
	if m.OnFileOpened != nil {
		m.OnFileOpened(h.ObsID, out.FinalPath(), m.fitsFileNumber, int(h.CoarseChannel))
	}
	return nil
}

func (m *Machine) rollFile(h *header.Header) error {
	if err := m.closeCurrentFileOnly(); err != nil {
		return err
	}
	m.fitsFileNumber++
	m.fitsFileSize = 0
	m.obsMarker = 0
	out, err := writer.Create(m.fs, m.destDir, h, m.fitsFileNumber, m.versions)
	if err != nil {
		return err
	}
	m.out = out
	if m.OnFileOpened != nil {
		m.OnFileOpened(h.ObsID, out.FinalPath(), m.fitsFileNumber, int(h.CoarseChannel))
	}
	return nil
}

func (m *Machine) closeCurrentFileOnly() error {
	if m.out == nil {
		return nil
	}
	path := m.out.FinalPath()
	bytesWritten := m.out.BytesWritten()
	hduCount := 1 + 2*int(m.obsMarker)
	err := m.out.Close()
	m.out = nil

	renamed := err == nil
	if rfe, ok := err.(*writer.RenameFailedError); ok {
		monitoring.Logf("obsstate: %v", rfe)
		err = nil
		renamed = false
	}
	if m.OnFileClosed != nil {
		m.OnFileClosed(path, bytesWritten, hduCount, renamed)
	}
	return err
}

func (m *Machine) closeCurrent() error {
	return m.closeCurrentFileOnly()
}

// Package writer implements the domain FITS writer: the key set,
// filename pattern, and byte-count invariants for MWAX correlator
// output files. It is built on the narrow fitsio.Writer primitive and
// owns only the domain semantics of which keys go where.
package writer

import (
	"fmt"
	"io"
	"time"

	"github.com/mwatelescope/mwax-fitswriter/internal/fitsio"
	"github.com/mwatelescope/mwax-fitswriter/internal/fsutil"
	"github.com/mwatelescope/mwax-fitswriter/internal/header"
)

// HduSizeMismatchError reports that an HDU's data did not match its
// declared dimensions.
type HduSizeMismatchError struct {
	HDU      string
	Expected int
	Got      int
}

func (e *HduSizeMismatchError) Error() string {
	return fmt.Sprintf("fits writer: %s HDU size mismatch: expected %d bytes, got %d", e.HDU, e.Expected, e.Got)
}

// RenameFailedError reports that the final .tmp -> .fits rename did not
// succeed. Callers should log and continue; this does not indicate the
// file's data is invalid.
type RenameFailedError struct {
	Path string
	Err  error
}

func (e *RenameFailedError) Error() string {
	return fmt.Sprintf("fits writer: renaming %s: %v", e.Path, e.Err)
}

func (e *RenameFailedError) Unwrap() error { return e.Err }

// Versions carries the values written verbatim into the primary HDU's
// CORR_VER, U2S_VER, CBF_VER and DB2F_VER keys. The version fields of the
// sub-observation header are not written to the file.
type Versions struct {
	CorrVer int
	U2SVer  string
	CBFVer  string
	DB2FVer string
}

// File represents one open FITS output file plus the bookkeeping the
// observation state machine needs to decide when to roll or close it.
type File struct {
	fs   fsutil.FileSystem
	versions Versions

	tmpPath   string
	finalPath string
	wc        io.WriteCloser

	marker    int64
	bytesDone int64
}

// Create opens a new temporary FITS file for the given header and
// coarse-channel/file-number pair, writing the primary HDU.
func Create(fs fsutil.FileSystem, destDir string, h *header.Header, fileNumber int, versions Versions) (*File, error) {
	utc, err := parseUTCStart(h.UTCStart)
	if err != nil {
		return nil, fmt.Errorf("fits writer: parsing UTC_START %q: %w", h.UTCStart, err)
	}

	name := Filename(h.ObsID, utc, int(h.CoarseChannel), fileNumber)
	tmpPath := destDir + "/" + name + ".tmp"
	finalPath := destDir + "/" + name

	wc, err := fs.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("fits writer: creating %s: %w", tmpPath, err)
	}

	f := &File{fs: fs, versions: versions, tmpPath: tmpPath, finalPath: finalPath, wc: wc}

	if err := f.writePrimaryHDU(h); err != nil {
		_ = wc.Close()
		return nil, err
	}
	return f, nil
}

// Filename builds the temporary/final filename stem for an observation,
// coarse channel, and file sequence number.
func Filename(obsID uint64, utc time.Time, coarseChannel, fileNumber int) string {
	return fmt.Sprintf("%d_%s_ch%03d_%03d.fits", obsID, utc.UTC().Format("20060102150405"), coarseChannel, fileNumber)
}

func parseUTCStart(s string) (time.Time, error) {
	return time.Parse("2006-01-02-15:04:05", s)
}

func (f *File) writePrimaryHDU(h *header.Header) error {
	fw := fitsio.New(f.wc)
	if err := fw.StartPrimary(8, nil); err != nil {
		return err
	}
	keys := []struct {
		name    string
		value   any
		comment string
	}{
		{"CORR_VER", f.versions.CorrVer, ""},
		{"U2S_VER", f.versions.U2SVer, "mwax_u2s version"},
		{"CBF_VER", f.versions.CBFVer, "CBF firmware version"},
		{"DB2F_VER", f.versions.DB2FVer, "mwax-fitswriter version"},
		{"MARKER", int64(0), "integration marker, incremented per HDU pair"},
		{"TIME", int64(h.UnixTime), "unix time, seconds"},
		{"MILLITIM", int(h.UnixTimeMsec), "milliseconds component of TIME"},
		{"PROJID", h.ProjID, ""},
		{"OBSID", int64(h.ObsID), ""},
		{"FINECHAN", float64(h.FineChanWidthHz) / 1000.0, "kHz"},
		{"NFINECHS", int(h.NFineChan), ""},
		{"INTTIME", float64(h.IntTimeMsec) / 1000.0, "seconds"},
		{"NINPUTS", int(h.NInputs), ""},
		{"CORRHOST", "", ""},
		{"CORRCHAN", int(h.CorrCoarseChannel) - 1, ""},
		{"MC_IP", h.MCIP, ""},
		{"MC_PORT", int(h.MCPort), ""},
	}
	for _, k := range keys {
		if err := fw.Key(k.name, k.value, k.comment); err != nil {
			return err
		}
	}
	return fw.EndHeader(0)
}

// AppendVisibilities writes one integration's visibilities HDU.
func (f *File) AppendVisibilities(h *header.Header, marker int64, unixTime uint64, unixTimeMsec int32, data []byte) error {
	want := h.VisibilityBytes()
	if len(data) != want {
		return &HduSizeMismatchError{HDU: "visibilities", Expected: want, Got: len(data)}
	}
	naxis1 := int(h.NFineChan) * int(h.NPol) * int(h.NPol) * 2
	naxis2 := h.NBaselines
	if err := f.writeImageHDU(naxis1, naxis2, marker, unixTime, unixTimeMsec, data); err != nil {
		return err
	}
	f.bytesDone += int64(len(data))
	return nil
}

// AppendWeights writes one integration's weights HDU.
func (f *File) AppendWeights(h *header.Header, marker int64, unixTime uint64, unixTimeMsec int32, data []byte) error {
	want := h.WeightsBytes()
	if len(data) != want {
		return &HduSizeMismatchError{HDU: "weights", Expected: want, Got: len(data)}
	}
	naxis1 := int(h.NPol) * int(h.NPol)
	naxis2 := h.NBaselines
	if err := f.writeImageHDU(naxis1, naxis2, marker, unixTime, unixTimeMsec, data); err != nil {
		return err
	}
	f.bytesDone += int64(len(data))
	return nil
}

func (f *File) writeImageHDU(naxis1, naxis2 int, marker int64, unixTime uint64, unixTimeMsec int32, data []byte) error {
	// Each HDU gets its own fitsio.Writer over the same underlying file
	// handle: a Writer is single-use (one header, one data section), and
	// a FITS file holds many successive HDUs one after another.
	fw := fitsio.New(f.wc)
	if err := fw.StartExtension("IMAGE", -32, []int{naxis1, naxis2}); err != nil {
		return err
	}
	keys := []struct {
		name    string
		value   any
		comment string
	}{
		{"TIME", int64(unixTime), ""},
		{"MILLITIM", int(unixTimeMsec), ""},
		{"MARKER", marker, ""},
	}
	for _, k := range keys {
		if err := fw.Key(k.name, k.value, k.comment); err != nil {
			return err
		}
	}
	if err := fw.EndHeader(int64(len(data))); err != nil {
		return err
	}
	if err := fw.WriteData(data); err != nil {
		return err
	}
	return fw.Close()
}

// BytesWritten returns the total image-data bytes written so far,
// excluding headers and block padding. The observation state machine
// reports this value to its OnFileClosed hook.
func (f *File) BytesWritten() int64 {
	return f.bytesDone
}

// FinalPath returns the filename the file will have once renamed.
func (f *File) FinalPath() string {
	return f.finalPath
}

// Close closes the underlying file handle and renames it from its
// ".tmp" suffix to its final name. Rename failure is logged by the
// caller and does not poison subsequent writes.
func (f *File) Close() error {
	if err := f.wc.Close(); err != nil {
		return fmt.Errorf("fits writer: closing %s: %w", f.tmpPath, err)
	}
	if err := f.fs.Rename(f.tmpPath, f.finalPath); err != nil {
		return &RenameFailedError{Path: f.tmpPath, Err: err}
	}
	return nil
}

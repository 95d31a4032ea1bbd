// Package header decodes and validates the ASCII sub-observation header
// that accompanies every block read from the ring buffer.
//
// The wire format follows the PSRDADA ASCII-header convention: one
// "KEY value" pair per line, whitespace separated, blank lines and
// lines starting with '#' ignored. Unknown keys are ignored.
package header

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Mode identifies what the correlator intends for a sub-observation.
type Mode string

const (
	ModeCorrelator Mode = "CORRELATOR"
	ModeVCS        Mode = "VCS"
	ModeNoCapture  Mode = "NO_CAPTURE"
	ModeQuit       Mode = "QUIT"
)

// MissingHeaderKeyError reports a required key absent from the header.
type MissingHeaderKeyError struct {
	Key string
}

func (e *MissingHeaderKeyError) Error() string {
	return fmt.Sprintf("missing header key %q", e.Key)
}

// InvalidHeaderValueError reports a key whose value failed to parse or
// is semantically invalid (e.g. an unrecognised MODE).
type InvalidHeaderValueError struct {
	Key   string
	Value string
	Err   error
}

func (e *InvalidHeaderValueError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid value %q for header key %q: %v", e.Value, e.Key, e.Err)
	}
	return fmt.Sprintf("invalid value %q for header key %q", e.Value, e.Key)
}

func (e *InvalidHeaderValueError) Unwrap() error { return e.Err }

// InvariantViolatedError reports a header that parsed cleanly but fails
// one of the cross-field invariants in §3 of the specification.
type InvariantViolatedError struct {
	Name  string
	Value any
}

func (e *InvariantViolatedError) Error() string {
	return fmt.Sprintf("invariant violated: %s (value=%v)", e.Name, e.Value)
}

// Header is the strongly-typed, validated decode of one sub-observation
// header block.
type Header struct {
	Populated bool
	ObsID     uint64
	SubObsID  uint64
	Mode      Mode
	UTCStart  string
	ObsOffset int32

	NBit        int32
	NPol        int32
	NInputs     int32
	IntTimeMsec int32

	TransferSize uint64
	ProjID       string
	ExposureSec  int32

	CoarseChannel     int32
	CorrCoarseChannel int32
	SecsPerSubobs     int32

	UnixTime     uint64
	UnixTimeMsec int32

	FineChanWidthHz int32
	NFineChan       int32
	BandwidthHz     int32
	FscrunchFactor  int32

	MCIP   string
	MCPort int32

	// Optional, informational only.
	U2SVersion        string
	DB2CorrelateVersn string

	// Derived, computed during Validate.
	NBaselines int
}

const maxModeLen = 32
const maxProjIDLen = 255

var requiredKeys = []string{
	"POPULATED", "OBS_ID", "SUBOBS_ID", "MODE", "UTC_START", "OBS_OFFSET",
	"NBIT", "NPOL", "NINPUTS", "INT_TIME_MSEC", "TRANSFER_SIZE", "PROJ_ID",
	"EXPOSURE_SECS", "COARSE_CHANNEL", "CORR_COARSE_CHANNEL", "SECS_PER_SUBOBS",
	"UNIXTIME", "UNIXTIME_MSEC", "FINE_CHAN_WIDTH_HZ", "NFINE_CHAN",
	"BANDWIDTH_HZ", "FSCRUNCH_FACTOR", "MC_IP", "MC_PORT",
}

// decode splits the ASCII header buffer into a key -> raw value map.
func decode(buf []byte) map[string]string {
	fields := make(map[string]string, len(requiredKeys)+2)
	scanner := bufio.NewScanner(bytes.NewReader(buf))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		fields[parts[0]] = parts[1]
	}
	return fields
}

// Parse decodes buf into a Header, failing on any missing required key,
// unparseable numeric value, or unrecognised MODE.
func Parse(buf []byte) (*Header, error) {
	fields := decode(buf)

	for _, k := range requiredKeys {
		if _, ok := fields[k]; !ok {
			return nil, &MissingHeaderKeyError{Key: k}
		}
	}

	h := &Header{
		ProjID:            truncate(fields["PROJ_ID"], maxProjIDLen),
		UTCStart:          fields["UTC_START"],
		MCIP:              fields["MC_IP"],
		U2SVersion:        fields["MWAX_U2S_VERSION"],
		DB2CorrelateVersn: fields["MWAX_DB2CORRELATE2DB_VERSION"],
	}

	var err error
	if h.Populated, err = parseBool(fields, "POPULATED"); err != nil {
		return nil, err
	}
	if h.ObsID, err = parseU64(fields, "OBS_ID"); err != nil {
		return nil, err
	}
	if h.SubObsID, err = parseU64(fields, "SUBOBS_ID"); err != nil {
		return nil, err
	}

	rawMode := strings.TrimSpace(fields["MODE"])
	if len(rawMode) > maxModeLen {
		return nil, &InvalidHeaderValueError{Key: "MODE", Value: rawMode, Err: fmt.Errorf("exceeds %d characters", maxModeLen)}
	}
	switch Mode(rawMode) {
	case ModeCorrelator, ModeVCS, ModeNoCapture, ModeQuit:
		h.Mode = Mode(rawMode)
	default:
		return nil, &InvalidHeaderValueError{Key: "MODE", Value: rawMode, Err: fmt.Errorf("unrecognised mode")}
	}

	if h.ObsOffset, err = parseI32(fields, "OBS_OFFSET"); err != nil {
		return nil, err
	}
	if h.NBit, err = parseI32(fields, "NBIT"); err != nil {
		return nil, err
	}
	if h.NPol, err = parseI32(fields, "NPOL"); err != nil {
		return nil, err
	}
	if h.NInputs, err = parseI32(fields, "NINPUTS"); err != nil {
		return nil, err
	}
	if h.IntTimeMsec, err = parseI32(fields, "INT_TIME_MSEC"); err != nil {
		return nil, err
	}
	if h.TransferSize, err = parseU64(fields, "TRANSFER_SIZE"); err != nil {
		return nil, err
	}
	if h.ExposureSec, err = parseI32(fields, "EXPOSURE_SECS"); err != nil {
		return nil, err
	}
	if h.CoarseChannel, err = parseI32(fields, "COARSE_CHANNEL"); err != nil {
		return nil, err
	}
	if h.CorrCoarseChannel, err = parseI32(fields, "CORR_COARSE_CHANNEL"); err != nil {
		return nil, err
	}
	if h.SecsPerSubobs, err = parseI32(fields, "SECS_PER_SUBOBS"); err != nil {
		return nil, err
	}
	if h.UnixTime, err = parseU64(fields, "UNIXTIME"); err != nil {
		return nil, err
	}
	if h.UnixTimeMsec, err = parseI32(fields, "UNIXTIME_MSEC"); err != nil {
		return nil, err
	}
	if h.FineChanWidthHz, err = parseI32(fields, "FINE_CHAN_WIDTH_HZ"); err != nil {
		return nil, err
	}
	if h.NFineChan, err = parseI32(fields, "NFINE_CHAN"); err != nil {
		return nil, err
	}
	if h.BandwidthHz, err = parseI32(fields, "BANDWIDTH_HZ"); err != nil {
		return nil, err
	}
	if h.FscrunchFactor, err = parseI32(fields, "FSCRUNCH_FACTOR"); err != nil {
		return nil, err
	}
	if h.MCPort, err = parseI32(fields, "MC_PORT"); err != nil {
		return nil, err
	}

	return h, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func parseBool(fields map[string]string, key string) (bool, error) {
	raw := fields[key]
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, &InvalidHeaderValueError{Key: key, Value: raw, Err: err}
	}
	return v, nil
}

func parseU64(fields map[string]string, key string) (uint64, error) {
	raw := fields[key]
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, &InvalidHeaderValueError{Key: key, Value: raw, Err: err}
	}
	return v, nil
}

func parseI32(fields map[string]string, key string) (int32, error) {
	raw := fields[key]
	v, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return 0, &InvalidHeaderValueError{Key: key, Value: raw, Err: err}
	}
	return int32(v), nil
}

// Validate enforces the cross-field invariants from specification §3
// (invariants 1-8; invariant 9, the per-block size, is checked by the
// Block Dispatcher as each block arrives, and invariant 10, offset
// contiguity across sub-observations, is the observation state machine's
// responsibility since it needs the previous header). It also populates
// the derived NBaselines field.
//
// Validate is only meaningful for CORRELATOR-mode headers; callers should
// not invoke it for VCS/NO_CAPTURE/QUIT blocks, which are discarded before
// any of these fields are relied upon.
func (h *Header) Validate() error {
	if h.NInputs <= 0 || h.NInputs%2 != 0 {
		return &InvariantViolatedError{Name: "NINPUTS", Value: h.NInputs}
	}
	h.NBaselines = int(h.NInputs) * (int(h.NInputs) + 2) / 8

	if h.CoarseChannel < 0 || h.CoarseChannel > 255 {
		return &InvariantViolatedError{Name: "COARSE_CHANNEL", Value: h.CoarseChannel}
	}
	if h.CorrCoarseChannel < 1 {
		return &InvariantViolatedError{Name: "CORR_COARSE_CHANNEL", Value: h.CorrCoarseChannel}
	}

	if h.BandwidthHz <= 0 {
		return &InvariantViolatedError{Name: "BANDWIDTH_HZ", Value: h.BandwidthHz}
	}
	if h.FineChanWidthHz < 1 || h.FineChanWidthHz > h.BandwidthHz {
		return &InvariantViolatedError{Name: "FINE_CHAN_WIDTH_HZ", Value: h.FineChanWidthHz}
	}
	if h.NFineChan <= 0 || h.BandwidthHz/h.NFineChan != h.FineChanWidthHz {
		return &InvariantViolatedError{Name: "NFINE_CHAN", Value: h.NFineChan}
	}

	if h.NPol <= 0 {
		return &InvariantViolatedError{Name: "NPOL", Value: h.NPol}
	}
	if h.NBit < 8 || h.NBit%8 != 0 {
		return &InvariantViolatedError{Name: "NBIT", Value: h.NBit}
	}

	if h.IntTimeMsec < 200 || int64(h.IntTimeMsec) > int64(h.SecsPerSubobs)*1000 {
		return &InvariantViolatedError{Name: "INT_TIME_MSEC", Value: h.IntTimeMsec}
	}

	if h.SecsPerSubobs <= 0 {
		return &InvariantViolatedError{Name: "SECS_PER_SUBOBS", Value: h.SecsPerSubobs}
	}
	if h.ExposureSec < h.SecsPerSubobs || h.ExposureSec%h.SecsPerSubobs != 0 {
		return &InvariantViolatedError{Name: "EXPOSURE_SECS", Value: h.ExposureSec}
	}

	if h.UnixTimeMsec < 0 || h.UnixTimeMsec >= 1000 {
		return &InvariantViolatedError{Name: "UNIXTIME_MSEC", Value: h.UnixTimeMsec}
	}

	npolsq := int(h.NPol) * int(h.NPol)
	visBytes := h.NBaselines * int(h.NFineChan) * npolsq * 2 * 4
	wtsBytes := h.NBaselines * npolsq * 4
	integrationsPerSubobs := IntegrationsPerSubobs(h)
	expected := uint64(integrationsPerSubobs) * uint64(visBytes+wtsBytes)
	if h.TransferSize < expected {
		return &InvariantViolatedError{Name: "TRANSFER_SIZE", Value: h.TransferSize}
	}

	return nil
}

// IntegrationsPerSubobs returns N, the number of integrations delivered
// per sub-observation header: secs_per_subobs * 1000 / int_time_msec.
func IntegrationsPerSubobs(h *Header) int {
	if h.IntTimeMsec <= 0 {
		return 0
	}
	return int(int64(h.SecsPerSubobs) * 1000 / int64(h.IntTimeMsec))
}

// VisibilityBytes returns the byte length of one integration's
// visibilities region.
func (h *Header) VisibilityBytes() int {
	return h.NBaselines * int(h.NFineChan) * int(h.NPol) * int(h.NPol) * 2 * 4
}

// WeightsBytes returns the byte length of one integration's weights region.
func (h *Header) WeightsBytes() int {
	return h.NBaselines * int(h.NPol) * int(h.NPol) * 4
}

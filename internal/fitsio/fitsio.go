// Package fitsio implements the FITS card and block mechanics needed to
// produce a correlator output file: 80-byte cards, 2880-byte block
// padding, and a simple create/append-HDU/write-key/close surface. It
// owns byte-level encoding only; callers decide which keys to write and
// in what order.
package fitsio

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	cardSize  = 80
	blockSize = 2880
	cardsPer  = blockSize / cardSize
)

// Writer accumulates FITS cards for one HDU and tracks how many data
// bytes have been written against the HDU's declared size.
type Writer struct {
	w          io.Writer
	cards      []string
	dataNeeded int64
	dataDone   int64
	headerDone bool
}

// New returns a Writer that emits FITS blocks to w.
func New(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Key appends a header card. value may be int, int64, float64, bool,
// or string; comment is optional and may be empty.
func (fw *Writer) Key(name string, value any, comment string) error {
	if fw.headerDone {
		return fmt.Errorf("fitsio: cannot add key %q after EndHeader", name)
	}
	card, err := formatCard(name, value, comment)
	if err != nil {
		return err
	}
	fw.cards = append(fw.cards, card)
	return nil
}

// StartPrimary begins a primary HDU, writing the mandatory
// SIMPLE/BITPIX/NAXIS[n] cards. It must be the first call made against
// a freshly-created Writer.
func (fw *Writer) StartPrimary(bitpix int, naxis []int) error {
	if len(fw.cards) != 0 || fw.headerDone {
		return fmt.Errorf("fitsio: StartPrimary must be the first call on a Writer")
	}
	if err := fw.Key("SIMPLE", true, ""); err != nil {
		return err
	}
	return fw.writeAxisCards(bitpix, naxis)
}

// StartExtension begins an extension HDU of the given XTENSION type
// (e.g. "IMAGE"), writing the mandatory
// XTENSION/BITPIX/NAXIS[n]/PCOUNT/GCOUNT cards. It must be the first
// call made against a freshly-created Writer; every HDU after the
// first in a FITS file is an extension, never a second SIMPLE HDU.
func (fw *Writer) StartExtension(xtension string, bitpix int, naxis []int) error {
	if len(fw.cards) != 0 || fw.headerDone {
		return fmt.Errorf("fitsio: StartExtension must be the first call on a Writer")
	}
	if err := fw.Key("XTENSION", xtension, ""); err != nil {
		return err
	}
	if err := fw.writeAxisCards(bitpix, naxis); err != nil {
		return err
	}
	if err := fw.Key("PCOUNT", 0, ""); err != nil {
		return err
	}
	return fw.Key("GCOUNT", 1, "")
}

func (fw *Writer) writeAxisCards(bitpix int, naxis []int) error {
	if err := fw.Key("BITPIX", bitpix, ""); err != nil {
		return err
	}
	if err := fw.Key("NAXIS", len(naxis), ""); err != nil {
		return err
	}
	for i, n := range naxis {
		if err := fw.Key(fmt.Sprintf("NAXIS%d", i+1), n, ""); err != nil {
			return err
		}
	}
	return nil
}

// formatCard renders one 80-byte FITS card.
func formatCard(name string, value any, comment string) (string, error) {
	if len(name) > 8 {
		return "", fmt.Errorf("fitsio: key name %q exceeds 8 characters", name)
	}
	key := fmt.Sprintf("%-8s", strings.ToUpper(name))

	var valStr string
	switch v := value.(type) {
	case bool:
		if v {
			valStr = fmt.Sprintf("%20s", "T")
		} else {
			valStr = fmt.Sprintf("%20s", "F")
		}
	case int:
		valStr = fmt.Sprintf("%20d", v)
	case int32:
		valStr = fmt.Sprintf("%20d", v)
	case int64:
		valStr = fmt.Sprintf("%20d", v)
	case uint64:
		valStr = fmt.Sprintf("%20d", v)
	case float64:
		valStr = fmt.Sprintf("%20s", strconv.FormatFloat(v, 'E', 6, 64))
	case float32:
		valStr = fmt.Sprintf("%20s", strconv.FormatFloat(float64(v), 'E', 6, 32))
	case string:
		quoted := "'" + strings.ReplaceAll(v, "'", "''") + "'"
		valStr = fmt.Sprintf("%-20s", quoted)
	default:
		return "", fmt.Errorf("fitsio: unsupported value type %T for key %q", value, name)
	}

	card := key + "= " + valStr
	if comment != "" {
		card += " / " + comment
	}
	if len(card) > cardSize {
		card = card[:cardSize]
	}
	return fmt.Sprintf("%-80s", card), nil
}

// EndHeader writes the accumulated cards plus the END card, padded out
// to a 2880-byte boundary, and declares the data section size that
// WriteData must exactly fill (0 for the primary HDU with no image).
func (fw *Writer) EndHeader(dataBytes int64) error {
	if fw.headerDone {
		return fmt.Errorf("fitsio: EndHeader called twice")
	}
	fw.headerDone = true
	fw.dataNeeded = dataBytes

	cards := append(append([]string{}, fw.cards...), fmt.Sprintf("%-80s", "END"))
	nBlocks := (len(cards) + cardsPer - 1) / cardsPer
	if nBlocks == 0 {
		nBlocks = 1
	}
	padded := make([]byte, 0, nBlocks*blockSize)
	for _, c := range cards {
		padded = append(padded, []byte(c)...)
	}
	for len(padded) < nBlocks*blockSize {
		padded = append(padded, ' ')
	}
	_, err := fw.w.Write(padded)
	return err
}

// WriteData writes one contiguous chunk of image data. The caller may
// call WriteData multiple times; the Writer tracks the running total
// against the size declared to EndHeader and pads the final 2880-byte
// block on Close.
func (fw *Writer) WriteData(p []byte) error {
	if !fw.headerDone {
		return fmt.Errorf("fitsio: WriteData called before EndHeader")
	}
	if _, err := fw.w.Write(p); err != nil {
		return err
	}
	fw.dataDone += int64(len(p))
	return nil
}

// Close pads the data section to a 2880-byte boundary and validates
// that exactly the declared number of data bytes were written.
func (fw *Writer) Close() error {
	if !fw.headerDone {
		return fmt.Errorf("fitsio: Close called before EndHeader")
	}
	if fw.dataDone != fw.dataNeeded {
		return fmt.Errorf("fitsio: wrote %d data bytes, declared %d", fw.dataDone, fw.dataNeeded)
	}
	rem := fw.dataDone % blockSize
	if rem == 0 {
		return nil
	}
	pad := make([]byte, blockSize-rem)
	_, err := fw.w.Write(pad)
	return err
}

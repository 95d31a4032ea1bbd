package fitsio

import (
	"bytes"
	"strings"
	"testing"
)

func TestPrimaryHDUSize(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)
	if err := w.Key("SIMPLE", true, ""); err != nil {
		t.Fatalf("Key: %v", err)
	}
	if err := w.Key("BITPIX", 8, ""); err != nil {
		t.Fatalf("Key: %v", err)
	}
	if err := w.Key("NAXIS", 0, ""); err != nil {
		t.Fatalf("Key: %v", err)
	}
	if err := w.EndHeader(0); err != nil {
		t.Fatalf("EndHeader: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if buf.Len()%blockSize != 0 {
		t.Fatalf("header length %d not a multiple of %d", buf.Len(), blockSize)
	}
	if buf.Len() != blockSize {
		t.Fatalf("expected single block, got %d bytes", buf.Len())
	}
}

func TestEndCardPresent(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)
	_ = w.Key("SIMPLE", true, "")
	_ = w.EndHeader(0)
	_ = w.Close()
	if !strings.Contains(buf.String(), "END") {
		t.Fatal("expected END card in header block")
	}
}

func TestDataSizeMismatchFails(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)
	_ = w.Key("SIMPLE", true, "")
	if err := w.EndHeader(8); err != nil {
		t.Fatalf("EndHeader: %v", err)
	}
	if err := w.WriteData([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	if err := w.Close(); err == nil {
		t.Fatal("expected size mismatch error")
	}
}

func TestDataPaddedToBlockBoundary(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)
	_ = w.Key("SIMPLE", true, "")
	if err := w.EndHeader(10); err != nil {
		t.Fatalf("EndHeader: %v", err)
	}
	if err := w.WriteData(make([]byte, 10)); err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if buf.Len()%blockSize != 0 {
		t.Fatalf("total length %d not block-aligned", buf.Len())
	}
}

func TestKeyNameTooLong(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)
	if err := w.Key("WAYTOOLONGNAME", 1, ""); err == nil {
		t.Fatal("expected error for over-length key name")
	}
}

func TestStringValueQuoted(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)
	_ = w.Key("PROJID", "G0060", "")
	_ = w.EndHeader(0)
	_ = w.Close()
	if !strings.Contains(buf.String(), "'G0060'") {
		t.Fatal("expected quoted string value in card")
	}
}

func TestStartExtensionWritesXtensionNotSimple(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)
	if err := w.StartExtension("IMAGE", -32, []int{4, 10}); err != nil {
		t.Fatalf("StartExtension: %v", err)
	}
	if err := w.EndHeader(0); err != nil {
		t.Fatalf("EndHeader: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	header := buf.String()
	if strings.Contains(header, "SIMPLE") {
		t.Fatal("extension HDU must not contain a SIMPLE card")
	}
	for _, want := range []string{"XTENSION", "'IMAGE", "BITPIX", "-32", "NAXIS1", "NAXIS2", "PCOUNT", "GCOUNT"} {
		if !strings.Contains(header, want) {
			t.Fatalf("expected card containing %q in extension header", want)
		}
	}
}

func TestStartPrimaryWritesSimple(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)
	if err := w.StartPrimary(8, nil); err != nil {
		t.Fatalf("StartPrimary: %v", err)
	}
	_ = w.EndHeader(0)
	_ = w.Close()
	header := buf.String()
	if !strings.Contains(header, "SIMPLE") {
		t.Fatal("expected SIMPLE card in primary header")
	}
	if strings.Contains(header, "XTENSION") {
		t.Fatal("primary HDU must not contain an XTENSION card")
	}
}

func TestStartAfterKeyFails(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)
	_ = w.Key("FOO", 1, "")
	if err := w.StartExtension("IMAGE", -32, []int{1, 1}); err == nil {
		t.Fatal("expected error starting an extension after a card was already written")
	}
}

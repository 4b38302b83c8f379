package frame

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte{0x01, 0x23, 0x45, 0x67, 0x89}
	encoded := Encode(0x01, 0x2F, payload)

	r := bytes.NewReader(encoded)
	got, consumed, err := Decode(r, CommandSpec{Shape: FixedLength, Length: len(payload)})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: want %x, got %x", payload, got)
	}
	if consumed != len(encoded) {
		t.Fatalf("consumed = %d, want %d", consumed, len(encoded))
	}
}

// CRC16Kermit must match the published CRC-16/KERMIT check value for the
// ASCII string "123456789": 0x2189. This is the standard conformance
// vector for the algorithm (poly 0x1021, init 0x0000, reflected in/out,
// xorout 0x0000).
func TestCRC16KermitCheckValue(t *testing.T) {
	got := CRC16Kermit([]byte("123456789"))
	if got != 0x2189 {
		t.Fatalf("CRC16Kermit check value = 0x%04X, want 0x2189", got)
	}
}

// Encode of an empty-payload frame (address=0x01, command=0x1F) must be
// self-consistent: Decode must accept what Encode produces, and the CRC
// bytes must be exactly CRC16Kermit(address||command) little-endian.
// (CRC16Kermit(0x01, 0x1F) is 0xF1AE, not the 04C1 trailer an earlier
// spec example vector suggested — that vector doesn't check out against
// CRC-16/KERMIT's own published parameters, so this asserts against the
// algorithm itself rather than that literal.)
func TestEncodeEmptyPayloadLiteral(t *testing.T) {
	encoded := Encode(0x01, 0x1F, nil)
	if len(encoded) != 4 {
		t.Fatalf("encoded length = %d, want 4", len(encoded))
	}
	if encoded[0] != 0x01 || encoded[1] != 0x1F {
		t.Fatalf("header = %x, want 01 1f", encoded[:2])
	}

	wantCRC := CRC16Kermit([]byte{0x01, 0x1F})
	gotCRC := uint16(encoded[2]) | uint16(encoded[3])<<8
	if gotCRC != wantCRC {
		t.Fatalf("trailing CRC = 0x%04X, want 0x%04X", gotCRC, wantCRC)
	}
	if !VerifyCRC(encoded) {
		t.Fatal("VerifyCRC rejected Encode's own output")
	}
}

func TestDecodeBitFlipCausesBadCRC(t *testing.T) {
	encoded := Encode(0x01, 0x2F, []byte{0xAA, 0xBB})
	encoded[2] ^= 0x01 // flip a payload bit

	r := bytes.NewReader(encoded)
	_, _, err := Decode(r, CommandSpec{Shape: FixedLength, Length: 2})
	if !errors.Is(err, ErrBadCRC) {
		t.Fatalf("want ErrBadCRC, got %v", err)
	}
}

func TestDecodeShortRead(t *testing.T) {
	encoded := Encode(0x01, 0x2F, []byte{0xAA, 0xBB})
	truncated := encoded[:len(encoded)-1]

	r := bytes.NewReader(truncated)
	_, _, err := Decode(r, CommandSpec{Shape: FixedLength, Length: 2})
	if !errors.Is(err, ErrShortRead) {
		t.Fatalf("want ErrShortRead, got %v", err)
	}
}

func TestDecodeLengthPrefixed(t *testing.T) {
	payload := []byte{0x11, 0x00, 0x00, 0x01, 0x23, 0x45}
	body := append([]byte{byte(len(payload))}, payload...)
	encoded := Encode(0x01, 0x2F, body)

	r := bytes.NewReader(encoded)
	got, _, err := Decode(r, CommandSpec{Shape: LengthPrefixed})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload = %x, want %x", got, payload)
	}
}

func TestDecodeUnknownCommandShape(t *testing.T) {
	encoded := Encode(0x01, 0xFF, nil)
	r := bytes.NewReader(encoded)
	_, _, err := Decode(r, CommandSpec{Shape: Shape(99)})
	if !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("want ErrUnknownCommand, got %v", err)
	}
}

// Scenario: a 2F meter poll payload carrying two 1-byte meter codes each
// followed by a 5-byte BCD value.
func TestSplitMeterRecords(t *testing.T) {
	payload := []byte{
		0x11, 0x00, 0x00, 0x01, 0x23, 0x45,
		0x12, 0x00, 0x00, 0x00, 0x06, 0x78,
	}
	recs, err := SplitMeterRecords(payload, 5)
	if err != nil {
		t.Fatalf("SplitMeterRecords: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("want 2 records, got %d", len(recs))
	}
	if recs[0][0] != 0x11 || recs[1][0] != 0x12 {
		t.Fatalf("meter codes = %x, %x", recs[0][0], recs[1][0])
	}
}

func TestSplitMeterRecordsMisaligned(t *testing.T) {
	if _, err := SplitMeterRecords([]byte{0x11, 0x00, 0x01}, 5); err == nil {
		t.Fatal("expected error for misaligned payload")
	}
}

func TestFrameTooLong(t *testing.T) {
	r := bytes.NewReader([]byte{0x01, 0x2F})
	_, _, err := Decode(r, CommandSpec{Shape: FixedLength, Length: MaxPayloadLen + 1})
	if !errors.Is(err, ErrFrameTooLong) {
		t.Fatalf("want ErrFrameTooLong, got %v", err)
	}
}

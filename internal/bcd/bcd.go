// Package bcd packs and unpacks unsigned integers as big-endian binary-coded
// decimal, the encoding SAS uses for every monetary and date field on the
// wire.
package bcd

import "fmt"

// Encode packs v into width bytes of big-endian BCD, two decimal digits per
// byte. It returns an error if v does not fit in width bytes (10^(2*width)-1
// is the largest representable value).
func Encode(v uint64, width int) ([]byte, error) {
	max := uint64(1)
	for i := 0; i < 2*width; i++ {
		max *= 10
	}
	if v > max-1 {
		return nil, fmt.Errorf("bcd: value %d does not fit in %d BCD bytes", v, width)
	}

	out := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		lo := v % 10
		v /= 10
		hi := v % 10
		v /= 10
		out[i] = byte(hi<<4 | lo)
	}
	return out, nil
}

// Decode unpacks width bytes of big-endian BCD into an unsigned integer. It
// returns an error if any nibble is not a valid decimal digit (0-9).
func Decode(b []byte) (uint64, error) {
	var v uint64
	for _, by := range b {
		hi := by >> 4
		lo := by & 0x0F
		if hi > 9 || lo > 9 {
			return 0, fmt.Errorf("bcd: invalid nibble in byte 0x%02X", by)
		}
		v = v*100 + uint64(hi)*10 + uint64(lo)
	}
	return v, nil
}

// EncodeDate packs an MMDDYYYY date as 4 bytes of BCD, or returns 4 zero
// bytes for the literal "no expiration" value when month, day and year are
// all zero.
func EncodeDate(month, day, year int) ([]byte, error) {
	if month == 0 && day == 0 && year == 0 {
		return []byte{0, 0, 0, 0}, nil
	}
	if month < 1 || month > 12 {
		return nil, fmt.Errorf("bcd: invalid month %d", month)
	}
	if day < 1 || day > 31 {
		return nil, fmt.Errorf("bcd: invalid day %d", day)
	}
	v := uint64(month)*1000000 + uint64(day)*10000 + uint64(year%10000)
	return Encode(v, 4)
}

// DecodeDate unpacks a 4-byte BCD MMDDYYYY date. It returns zeros for the
// literal "no expiration" encoding (all zero bytes).
func DecodeDate(b []byte) (month, day, year int, err error) {
	v, err := Decode(b)
	if err != nil {
		return 0, 0, 0, err
	}
	if v == 0 {
		return 0, 0, 0, nil
	}
	year = int(v % 10000)
	v /= 10000
	day = int(v % 100)
	v /= 100
	month = int(v)
	return month, day, year, nil
}

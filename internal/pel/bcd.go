package pel

import "time"

// ToBCD converts a decimal value 0-99 into its BCD-nibble-encoded byte:
// toBCD(n) = ((n/10)*16) + (n%10). For n > 99 callers must chain higher
// digits into further bytes themselves; every field this codec encodes as
// BCD is bounded to two decimal digits except the year, which spans two
// BCD bytes (century, year-of-century) per §3.
func ToBCD(n int) byte {
	return byte(((n / 10) * 16) + (n % 10))
}

// FromBCD is the inverse of ToBCD.
func FromBCD(b byte) int {
	return int(b>>4)*10 + int(b&0x0F)
}

// BCDTime is the 8-byte BCD timestamp used by the Private Header's create
// and commit fields: year (2 bytes, century + year-of-century), month, day,
// hour, minute, second, hundredths. Resolution is 10ms.
type BCDTime [8]byte

// EncodeBCDTime converts a time.Time to its BCD wire representation.
func EncodeBCDTime(t time.Time) BCDTime {
	year := t.Year()
	century := year / 100
	yearOfCentury := year % 100
	var bt BCDTime
	bt[0] = ToBCD(century)
	bt[1] = ToBCD(yearOfCentury)
	bt[2] = ToBCD(int(t.Month()))
	bt[3] = ToBCD(t.Day())
	bt[4] = ToBCD(t.Hour())
	bt[5] = ToBCD(t.Minute())
	bt[6] = ToBCD(t.Second())
	bt[7] = ToBCD(t.Nanosecond() / 10_000_000) // hundredths of a second
	return bt
}

// DecodeBCDTime converts a BCD wire timestamp back to a time.Time in UTC.
func DecodeBCDTime(bt BCDTime) time.Time {
	century := FromBCD(bt[0])
	yearOfCentury := FromBCD(bt[1])
	year := century*100 + yearOfCentury
	month := FromBCD(bt[2])
	day := FromBCD(bt[3])
	hour := FromBCD(bt[4])
	minute := FromBCD(bt[5])
	second := FromBCD(bt[6])
	hundredths := FromBCD(bt[7])
	if month < 1 {
		month = 1
	}
	if day < 1 {
		day = 1
	}
	return time.Date(year, time.Month(month), day, hour, minute, second,
		hundredths*10_000_000, time.UTC)
}

// ReadBCDTime reads 8 raw bytes from the stream as a BCDTime.
func ReadBCDTime(s *Stream) (BCDTime, error) {
	b, err := s.ReadBytes(8)
	if err != nil {
		return BCDTime{}, err
	}
	var bt BCDTime
	copy(bt[:], b)
	return bt, nil
}

// WriteBCDTime appends a BCDTime's 8 raw bytes to the stream.
func WriteBCDTime(s *Stream, bt BCDTime) {
	s.WriteBytes(bt[:])
}

package pel

import "testing"

func TestStreamReadWriteRoundTrip(t *testing.T) {
	w := NewWriter()
	w.WriteU8(0x42)
	w.WriteU16(0x1234)
	w.WriteU32(0xDEADBEEF)
	w.WriteU64(0x0102030405060708)
	w.WriteBytes([]byte("hello"))

	r := NewReader(w.Bytes())
	if v, err := r.ReadU8(); err != nil || v != 0x42 {
		t.Fatalf("ReadU8 = %#x, %v", v, err)
	}
	if v, err := r.ReadU16(); err != nil || v != 0x1234 {
		t.Fatalf("ReadU16 = %#x, %v", v, err)
	}
	if v, err := r.ReadU32(); err != nil || v != 0xDEADBEEF {
		t.Fatalf("ReadU32 = %#x, %v", v, err)
	}
	if v, err := r.ReadU64(); err != nil || v != 0x0102030405060708 {
		t.Fatalf("ReadU64 = %#x, %v", v, err)
	}
	b, err := r.ReadBytes(5)
	if err != nil || string(b) != "hello" {
		t.Fatalf("ReadBytes = %q, %v", b, err)
	}
}

func TestStreamTruncated(t *testing.T) {
	r := NewReader([]byte{0x01})
	if _, err := r.ReadU32(); err == nil {
		t.Fatal("expected truncation error")
	}
}

func TestStreamPatchBytes(t *testing.T) {
	w := NewWriter()
	w.WriteU16(0)
	w.WriteBytes([]byte("abcd"))
	if err := w.PatchBytes(0, []byte{0xAB, 0xCD}); err != nil {
		t.Fatalf("PatchBytes: %v", err)
	}
	r := NewReader(w.Bytes())
	v, _ := r.ReadU16()
	if v != 0xABCD {
		t.Fatalf("patched value = %#x, want 0xABCD", v)
	}
}

func TestStreamPeekDoesNotAdvance(t *testing.T) {
	r := NewReader([]byte{0xAA, 0xBB})
	peeked, err := r.PeekBytes(1)
	if err != nil || peeked[0] != 0xAA {
		t.Fatalf("PeekBytes = %v, %v", peeked, err)
	}
	if r.Offset() != 0 {
		t.Fatalf("Offset after peek = %d, want 0", r.Offset())
	}
}

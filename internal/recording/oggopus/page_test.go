package oggopus

import "testing"

func TestLacingEntriesShortPacket(t *testing.T) {
	got := lacingEntries(10)
	want := []byte{10}
	if !bytesEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestLacingEntriesExactMultipleGetsTrailingZero(t *testing.T) {
	got := lacingEntries(255)
	want := []byte{255, 0}
	if !bytesEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestLacingEntriesMultiSegment(t *testing.T) {
	got := lacingEntries(300)
	want := []byte{255, 45}
	if !bytesEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestLacingEntriesZeroLength(t *testing.T) {
	got := lacingEntries(0)
	want := []byte{0}
	if !bytesEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestBuildPageHeaderLayout(t *testing.T) {
	payload := []byte("hello")
	page := buildPage(flagBOS, 12345, 0xAABBCCDD, 7, lacingEntries(len(payload)), payload)

	if string(page[0:4]) != "OggS" {
		t.Fatalf("bad capture pattern: %q", page[0:4])
	}
	if page[5] != flagBOS {
		t.Fatalf("flags = %d want %d", page[5], flagBOS)
	}
	if page[26] != 1 {
		t.Fatalf("segment count = %d want 1", page[26])
	}
	if page[27] != byte(len(payload)) {
		t.Fatalf("lacing entry = %d want %d", page[27], len(payload))
	}
	gotPayload := page[28:]
	if string(gotPayload) != "hello" {
		t.Fatalf("payload = %q want hello", gotPayload)
	}
}

func TestBuildPageChecksumVerifiable(t *testing.T) {
	payload := []byte("payload-bytes")
	page := buildPage(0, 1, 1, 0, lacingEntries(len(payload)), payload)

	cpy := make([]byte, len(page))
	copy(cpy, page)
	cpy[22], cpy[23], cpy[24], cpy[25] = 0, 0, 0, 0
	if got := checksum(cpy); got == 0 {
		t.Fatal("recomputed checksum should not be zero for non-trivial page")
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

package oggopus

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func readPages(t *testing.T, data []byte) [][]byte {
	t.Helper()
	var pages [][]byte
	for len(data) > 0 {
		if len(data) < pageHeaderSize || string(data[0:4]) != "OggS" {
			t.Fatalf("malformed stream, remaining %d bytes", len(data))
		}
		segCount := int(data[26])
		lacing := data[27 : 27+segCount]
		payloadLen := 0
		for _, l := range lacing {
			payloadLen += int(l)
		}
		total := pageHeaderSize + segCount + payloadLen
		pages = append(pages, data[:total])
		data = data[total:]
	}
	return pages
}

func TestMuxerWriteHeadersProducesTwoPages(t *testing.T) {
	var buf bytes.Buffer
	m := NewMuxer(&buf, 42, 960)
	if err := m.WriteHeaders(48000, 1, 312); err != nil {
		t.Fatal(err)
	}
	pages := readPages(t, buf.Bytes())
	if len(pages) != 2 {
		t.Fatalf("got %d pages want 2", len(pages))
	}
	if pages[0][5]&flagBOS == 0 {
		t.Fatal("first page missing BOS flag")
	}
	headPayload := pages[0][27+int(pages[0][26]):]
	if string(headPayload[0:8]) != "OpusHead" {
		t.Fatalf("first page payload = %q", headPayload[0:8])
	}
	tagsPayload := pages[1][27+int(pages[1][26]):]
	if string(tagsPayload[0:8]) != "OpusTags" {
		t.Fatalf("second page payload = %q", tagsPayload[0:8])
	}
}

func TestMuxerWritePacketAccumulatesIntoOnePage(t *testing.T) {
	var buf bytes.Buffer
	m := NewMuxer(&buf, 1, 960)
	if err := m.WriteHeaders(48000, 1, 312); err != nil {
		t.Fatal(err)
	}

	toc := tocByte(18, 0) // 1 frame, 480 samples
	for i := 0; i < 3; i++ {
		if err := m.WritePacket([]byte{toc, 0xAB, 0xCD}); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	pages := readPages(t, buf.Bytes())
	if len(pages) != 3 { // head, tags, one data+EOS page
		t.Fatalf("got %d pages want 3", len(pages))
	}
	dataPage := pages[2]
	if dataPage[5]&flagEOS == 0 {
		t.Fatal("final page missing EOS flag")
	}
	if int(dataPage[26]) != 3 {
		t.Fatalf("segment count = %d want 3", dataPage[26])
	}
	granule := binary.LittleEndian.Uint64(dataPage[6:14])
	if granule != 1440 { // 3 packets * 480 samples
		t.Fatalf("granule = %d want 1440", granule)
	}
}

func TestMuxerFlushIsNoopWithNothingPending(t *testing.T) {
	var buf bytes.Buffer
	m := NewMuxer(&buf, 1, 960)
	if err := m.Flush(); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 0 {
		t.Fatalf("flush with nothing pending wrote %d bytes", buf.Len())
	}
}

func TestMuxerProactiveFlushAt255Segments(t *testing.T) {
	var buf bytes.Buffer
	m := NewMuxer(&buf, 1, 960)
	toc := tocByte(18, 0)
	// each packet is 1 byte of payload -> lacing entry [1], so 255 packets
	// exactly fill one page's lacing table and trigger a proactive flush.
	for i := 0; i < 255; i++ {
		if err := m.WritePacket([]byte{toc}); err != nil {
			t.Fatal(err)
		}
	}
	if buf.Len() == 0 {
		t.Fatal("expected a proactive flush once 255 segments accumulated")
	}
	pages := readPages(t, buf.Bytes())
	if len(pages) != 1 {
		t.Fatalf("got %d pages want 1", len(pages))
	}
	if int(pages[0][26]) != 255 {
		t.Fatalf("segment count = %d want 255", pages[0][26])
	}
}

func TestMuxerPacketTooLargeRejected(t *testing.T) {
	var buf bytes.Buffer
	m := NewMuxer(&buf, 1, 960)
	huge := make([]byte, 256*255+1)
	huge[0] = tocByte(18, 0)
	if err := m.WritePacket(huge); err != ErrPacketTooLarge {
		t.Fatalf("err = %v want ErrPacketTooLarge", err)
	}
}

func TestMuxerCloseIsIdempotent(t *testing.T) {
	var buf bytes.Buffer
	m := NewMuxer(&buf, 1, 960)
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	lenAfterFirst := buf.Len()
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != lenAfterFirst {
		t.Fatal("second Close wrote additional bytes")
	}
}

func TestMuxerWriteAfterCloseErrors(t *testing.T) {
	var buf bytes.Buffer
	m := NewMuxer(&buf, 1, 960)
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	toc := tocByte(18, 0)
	if err := m.WritePacket([]byte{toc}); err == nil {
		t.Fatal("expected error writing after close")
	}
}

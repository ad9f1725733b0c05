package exploit

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/ccusbwpan/ccflash/pkg/layout"
)

// recordingWriter captures every payload handed to it, optionally failing
// from a given call number on.
type recordingWriter struct {
	writes   [][]byte
	failFrom int // 1-based call number to start failing at, 0 for never
}

func (w *recordingWriter) RawWrite(payload []byte) error {
	w.writes = append(w.writes, bytes.Clone(payload))
	if w.failFrom != 0 && len(w.writes) >= w.failFrom {
		return fmt.Errorf("device rejected transfer")
	}
	return nil
}

func testLayout(t *testing.T) *layout.Layout {
	t.Helper()
	l, err := layout.Resolve(0x8391)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return l
}

// fieldBytes extracts the encoded bytes of a named field from a payload.
func fieldBytes(t *testing.T, l *layout.Layout, payload []byte, name string, n int) []byte {
	t.Helper()
	for _, f := range l.Fields {
		if f.Name == name {
			off := int(f.Addr) - int(l.TransferBufStart)
			if off+n > len(payload) {
				t.Fatalf("payload too short for field %q", name)
			}
			return payload[off : off+n]
		}
	}
	t.Fatalf("no field %q", name)
	return nil
}

func TestWriteBytesPayload(t *testing.T) {
	l := testLayout(t)
	w := &recordingWriter{}
	s := New(l, w)

	if err := s.WriteBytes([]byte{0xde, 0xad}, 0x1000, XData); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(w.writes) != 1 {
		t.Fatalf("expected exactly one raw write, got %d", len(w.writes))
	}
	p := w.writes[0]

	if got := fieldBytes(t, l, p, "usb_state", 1)[0]; got != 2 {
		t.Errorf("usb_state is %d, wanted 2", got)
	}
	if got := fieldBytes(t, l, p, "req_state", 1)[0]; got != 2 {
		t.Errorf("req_state is %d, wanted 2", got)
	}
	// 0x1000 - 32 == 0x0fe0, little endian.
	if got := fieldBytes(t, l, p, "wptr", 2); !bytes.Equal(got, []byte{0xe0, 0x0f}) {
		t.Errorf("wptr bytes are % x, wanted e0 0f", got)
	}
	if got := fieldBytes(t, l, p, "addrspace", 1)[0]; got != 0 {
		t.Errorf("addrspace is %d, wanted 0", got)
	}
	// 2 + 32 == 34.
	if got := fieldBytes(t, l, p, "wlen", 2); !bytes.Equal(got, []byte{34, 0}) {
		t.Errorf("wlen bytes are % x, wanted 22 00", got)
	}
	if got := fieldBytes(t, l, p, "data", 2); !bytes.Equal(got, []byte{0xde, 0xad}) {
		t.Errorf("data bytes are % x", got)
	}
}

func TestRunSequence(t *testing.T) {
	l := testLayout(t)
	w := &recordingWriter{}
	s := New(l, w)

	code := []byte{0x02, 0x80, 0x00} // ljmp 0x8000
	entry, err := s.Run(code)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if want := l.FreeSpace.Start + XmapBase; entry != want {
		t.Errorf("entry is %#06x, wanted %#06x", entry, want)
	}
	if len(w.writes) != 3 {
		t.Fatalf("expected 3 raw writes, got %d", len(w.writes))
	}

	// First write uploads the code to the start of free space.
	if got := fieldBytes(t, l, w.writes[0], "wptr", 2); !bytes.Equal(got, []byte{0x80, 0x03}) {
		t.Errorf("upload wptr bytes are % x, wanted 80 03", got)
	}
	if got := fieldBytes(t, l, w.writes[0], "data", len(code)); !bytes.Equal(got, code) {
		t.Errorf("upload data bytes are % x", got)
	}

	// Second write sets the XMAP bit in MEMCTR (0x70c7 - 32 == 0x70a7).
	if got := fieldBytes(t, l, w.writes[1], "wptr", 2); !bytes.Equal(got, []byte{0xa7, 0x70}) {
		t.Errorf("xmap wptr bytes are % x, wanted a7 70", got)
	}
	if got := fieldBytes(t, l, w.writes[1], "data", 1)[0]; got != 1<<3 {
		t.Errorf("xmap control byte is %#02x, wanted %#02x", got, 1<<3)
	}

	// Third write lands in idata at the stack return slot, pointing at the
	// code space alias of the upload address (0x3a0 + 0x8000 == 0x83a0).
	if got := fieldBytes(t, l, w.writes[2], "addrspace", 1)[0]; got != 1 {
		t.Errorf("hijack addrspace is %d, wanted 1", got)
	}
	if got := fieldBytes(t, l, w.writes[2], "wptr", 2); !bytes.Equal(got, []byte{0xa2, 0x00}) {
		t.Errorf("hijack wptr bytes are % x, wanted a2 00", got)
	}
	if got := fieldBytes(t, l, w.writes[2], "data", 2); !bytes.Equal(got, []byte{0xa0, 0x83}) {
		t.Errorf("hijack target bytes are % x, wanted a0 83", got)
	}
}

func TestStepsRejectedOutOfOrder(t *testing.T) {
	l := testLayout(t)

	w := &recordingWriter{}
	s := New(l, w)
	if err := s.HijackReturn(0x83a0); err == nil {
		t.Errorf("hijack succeeded before upload")
	}
	if err := s.EnableXmap(); err == nil {
		t.Errorf("xmap enable succeeded before upload")
	}
	if len(w.writes) != 0 {
		t.Errorf("out of order steps still issued %d writes", len(w.writes))
	}

	w = &recordingWriter{}
	s = New(l, w)
	if err := s.Upload([]byte{0x00}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := s.HijackReturn(0x83a0); err == nil {
		t.Errorf("hijack succeeded before enabling execution from RAM")
	}
	if err := s.Upload([]byte{0x00}); err == nil {
		t.Errorf("second upload succeeded")
	}
	if len(w.writes) != 1 {
		t.Errorf("expected only the upload write, got %d", len(w.writes))
	}
}

func TestRunAbortsOnWriteFailure(t *testing.T) {
	l := testLayout(t)
	w := &recordingWriter{failFrom: 2}
	s := New(l, w)

	if _, err := s.Run([]byte{0x00}); err == nil {
		t.Fatalf("run succeeded despite failing write")
	}
	if len(w.writes) != 2 {
		t.Errorf("run continued after a failed write, issued %d writes", len(w.writes))
	}
}

func TestUploadRejectsOversizedCode(t *testing.T) {
	l := testLayout(t)
	w := &recordingWriter{}
	s := New(l, w)

	code := make([]byte, l.FreeSpace.Len()+1)
	if err := s.Upload(code); err == nil {
		t.Fatalf("upload accepted code larger than free RAM")
	}
	if len(w.writes) != 0 {
		t.Errorf("oversized upload still issued %d writes", len(w.writes))
	}
}

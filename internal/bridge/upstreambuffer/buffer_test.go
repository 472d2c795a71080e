package upstreambuffer

import (
	"bytes"
	"testing"

	"github.com/callbridge/voicebridge/internal/bridge/audioformat"
)

func frame(b byte) []byte {
	f := make([]byte, frameBytes)
	for i := range f {
		f[i] = b
	}
	return f
}

func TestBuffer_ReadyAtPacketSize(t *testing.T) {
	buf := New(3)
	if buf.Ready() {
		t.Fatal("empty buffer should not be ready")
	}
	buf.Write(frame(1))
	buf.Write(frame(2))
	if buf.Ready() {
		t.Fatal("buffer with 2/3 frames should not be ready")
	}
	buf.Write(frame(3))
	if !buf.Ready() {
		t.Fatal("buffer with 3/3 frames should be ready")
	}
}

func TestBuffer_FlushEmptyIsNoOp(t *testing.T) {
	buf := New(10)
	if got := buf.Flush(); got != nil {
		t.Fatalf("Flush() on empty buffer = %v, want nil", got)
	}
}

func TestBuffer_FlushReturnsArrivalOrderAndResets(t *testing.T) {
	buf := New(10)
	buf.Write(frame(1))
	buf.Write(frame(2))

	got := buf.Flush()
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[0][0] != 1 || got[1][0] != 2 {
		t.Fatalf("flush order wrong: %v, %v", got[0][0], got[1][0])
	}
	if buf.Ready() {
		t.Fatal("buffer should be empty after flush")
	}
	if got2 := buf.Flush(); got2 != nil {
		t.Fatal("second flush should be a no-op")
	}
}

func TestRechunk_ULawPassesThroughUnchanged(t *testing.T) {
	frames := [][]byte{frame(0xAA), frame(0xBB)}
	out, err := Rechunk(frames, audioformat.ULaw8000)
	if err != nil {
		t.Fatalf("Rechunk() error = %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	if !bytes.Equal(out[0], frames[0]) || !bytes.Equal(out[1], frames[1]) {
		t.Fatal("ulaw rechunk should be byte-identical")
	}
}

func TestRechunk_TotalBytesMatchRegardlessOfFormat(t *testing.T) {
	frames := [][]byte{frame(0x00), frame(0xFF)}
	totalUlawBytes := frameBytes * len(frames)

	for _, target := range []audioformat.Format{
		audioformat.ULaw8000, audioformat.PCM16_8000, audioformat.PCM16_16000,
	} {
		out, err := Rechunk(frames, target)
		if err != nil {
			t.Fatalf("Rechunk(%s) error = %v", target, err)
		}
		var total int
		for _, s := range out {
			total += len(s)
		}
		var want int
		switch target {
		case audioformat.ULaw8000:
			want = totalUlawBytes
		case audioformat.PCM16_8000:
			want = totalUlawBytes * 2
		case audioformat.PCM16_16000:
			want = totalUlawBytes * 2 * 2
		}
		if total != want {
			t.Fatalf("format %s: total bytes = %d, want %d", target, total, want)
		}
	}
}

func TestRechunk_EmptyIsNoOp(t *testing.T) {
	out, err := Rechunk(nil, audioformat.ULaw8000)
	if err != nil {
		t.Fatalf("Rechunk() error = %v", err)
	}
	if out != nil {
		t.Fatalf("Rechunk(nil) = %v, want nil", out)
	}
}

func TestRechunk_UnsupportedFormatErrors(t *testing.T) {
	frames := [][]byte{frame(1)}
	if _, err := Rechunk(frames, audioformat.Format("bogus")); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

package audio

import (
	"encoding/binary"
	"math"
	"testing"
	"time"
)

func TestDurationAndBytesFor(t *testing.T) {
	if got := Duration(32000, 16000); got != time.Second {
		t.Fatalf("Duration = %v, want 1s", got)
	}
	if got := Duration(0, 16000); got != 0 {
		t.Fatalf("Duration(0) = %v", got)
	}
	if got := BytesFor(300*time.Millisecond, 16000); got != 9600 {
		t.Fatalf("BytesFor(300ms) = %d, want 9600", got)
	}
	if got := BytesFor(time.Second, 0); got != 0 {
		t.Fatalf("BytesFor with zero rate = %d", got)
	}
}

func TestFloatRoundTrip(t *testing.T) {
	pcm := make([]byte, 6)
	minSample := int16(-32768)
	binary.LittleEndian.PutUint16(pcm[0:], uint16(minSample))
	binary.LittleEndian.PutUint16(pcm[2:], 0)
	binary.LittleEndian.PutUint16(pcm[4:], uint16(int16(16384)))

	f := ToFloat32(pcm)
	if len(f) != 3 || f[0] != -1 || f[1] != 0 || f[2] != 0.5 {
		t.Fatalf("ToFloat32 = %v", f)
	}
	back := FromFloat32(f)
	for i := range pcm {
		if back[i] != pcm[i] {
			t.Fatalf("round trip mismatch at %d: %v vs %v", i, back, pcm)
		}
	}
	if got := FromFloat32([]float32{2}); int16(binary.LittleEndian.Uint16(got)) != math.MaxInt16 {
		t.Fatalf("expected clamp to MaxInt16")
	}
}

func TestRMS(t *testing.T) {
	if RMS(nil) != 0 {
		t.Fatal("RMS(nil) should be 0")
	}
	got := RMS([]float32{0.5, -0.5, 0.5, -0.5})
	if math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("RMS = %v, want 0.5", got)
	}
	pcm := FromFloat32([]float32{0.5, -0.5})
	if math.Abs(RMSBytes(pcm)-0.5) > 1e-3 {
		t.Fatalf("RMSBytes = %v", RMSBytes(pcm))
	}
}

func TestNormalize(t *testing.T) {
	in := []float32{0.1, -0.2}
	out := Normalize(in, 0.8)
	if math.Abs(float64(out[1])+0.8) > 1e-6 || math.Abs(float64(out[0])-0.4) > 1e-6 {
		t.Fatalf("Normalize = %v", out)
	}
	if in[1] != -0.2 {
		t.Fatal("input modified")
	}
	silent := Normalize([]float32{0, 0}, 0.8)
	if silent[0] != 0 || silent[1] != 0 {
		t.Fatalf("silent input changed: %v", silent)
	}
}

func TestFingerprint(t *testing.T) {
	if Fingerprint(nil) != "" {
		t.Fatal("empty fingerprint should be empty string")
	}
	a := Fingerprint([]byte{1, 2, 3, 4})
	b := Fingerprint([]byte{1, 2, 3, 4})
	c := Fingerprint([]byte{1, 2, 3, 5})
	if a != b || a == c || len(a) != 64 {
		t.Fatalf("unexpected fingerprints %q %q %q", a, b, c)
	}
}

func TestBuildWAVHeader(t *testing.T) {
	pcm := make([]byte, 100)
	wav := MonoWAV(pcm, 16000)
	if len(wav) != 144 {
		t.Fatalf("len = %d, want 144", len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[36:40]) != "data" {
		t.Fatalf("bad header %q", wav[:44])
	}
	if rate := binary.LittleEndian.Uint32(wav[24:28]); rate != 16000 {
		t.Fatalf("rate = %d", rate)
	}
	if n := binary.LittleEndian.Uint32(wav[40:44]); n != 100 {
		t.Fatalf("data len = %d", n)
	}
}

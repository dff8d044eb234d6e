package chunker

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return b
}

func TestChunkerCoversInputExactlyOnceInOrder(t *testing.T) {
	data := randomBytes(t, 1<<20)
	cfg := DefaultConfig(0x3DA3358B4DC173, 64*1024)

	chunks, err := All(bytes.NewReader(data), cfg)
	if err != nil {
		t.Fatalf("All: %v", err)
	}

	var reassembled []byte
	for _, c := range chunks {
		reassembled = append(reassembled, c...)
	}
	if !bytes.Equal(reassembled, data) {
		t.Fatalf("reassembled data does not match input")
	}
}

func TestChunkerRespectsMinAndMax(t *testing.T) {
	data := randomBytes(t, 1<<20)
	cfg := DefaultConfig(0x3DA3358B4DC173, 32*1024)

	chunks, err := All(bytes.NewReader(data), cfg)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	for i, c := range chunks {
		last := i == len(chunks)-1
		if len(c) > cfg.Max {
			t.Fatalf("chunk %d exceeds max: %d > %d", i, len(c), cfg.Max)
		}
		if len(c) < cfg.Min && !last {
			t.Fatalf("non-final chunk %d below min: %d < %d", i, len(c), cfg.Min)
		}
	}
}

func TestChunkerDeterministicUnderSamePolynomial(t *testing.T) {
	data := randomBytes(t, 4<<20)
	cfg := DefaultConfig(0x3DA3358B4DC173, 256*1024)

	a, err := All(bytes.NewReader(data), cfg)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	b, err := All(bytes.NewReader(data), cfg)
	if err != nil {
		t.Fatalf("All: %v", err)
	}

	if len(a) != len(b) {
		t.Fatalf("chunk counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			t.Fatalf("chunk %d differs between runs", i)
		}
	}
}

func TestChunkerDivergesUnderDifferentPolynomial(t *testing.T) {
	data := randomBytes(t, 4<<20)
	a, err := All(bytes.NewReader(data), DefaultConfig(0x3DA3358B4DC173, 256*1024))
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	b, err := All(bytes.NewReader(data), DefaultConfig(0x1234567890ABCD, 256*1024))
	if err != nil {
		t.Fatalf("All: %v", err)
	}

	same := len(a) == len(b)
	if same {
		for i := range a {
			if !bytes.Equal(a[i], b[i]) {
				same = false
				break
			}
		}
	}
	if same {
		t.Fatalf("expected different polynomials to produce different cut points")
	}
}

func TestChunkerEmptyInput(t *testing.T) {
	chunks, err := All(bytes.NewReader(nil), DefaultConfig(1, 1024))
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("expected no chunks for empty input, got %d", len(chunks))
	}
}

func TestChunkerSmallInputIsSingleShortChunk(t *testing.T) {
	data := []byte("hello\n")
	chunks, err := All(bytes.NewReader(data), DefaultConfig(1, 4<<20))
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(chunks) != 1 || !bytes.Equal(chunks[0], data) {
		t.Fatalf("expected a single chunk equal to the input, got %v", chunks)
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"defaults", DefaultConfig(1, 4<<20), true},
		{"zero avg", Config{Min: 1, Avg: 0, Max: 4}, false},
		{"out of order", Config{Min: 10, Avg: 5, Max: 20}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok && err != nil {
				t.Fatalf("expected valid config, got %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected invalid config to be rejected")
			}
		})
	}
}

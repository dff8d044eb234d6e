// Package chunker implements content-defined splitting of a byte stream
// into variable-size chunks.
//
// The cut-point algorithm is a generalization of mmp/bk's bup-derived
// rolling checksum (storage/split.go): the same two-accumulator rolling
// sum over a 64-byte window, but keyed by a stored polynomial so that
// repositories created with different polynomials split identically-
// shaped input differently, and extended with an explicit minimum-size
// floor, which the reference splitter lacks.
package chunker

import (
	"bufio"
	"io"

	"github.com/juju/errors"
)

const (
	windowBits = 6
	windowSize = 1 << windowBits
)

// DefaultPolynomial is the splitting seed a freshly initialized
// repository records in its config, chosen once and never changed for
// the life of that repository.
const DefaultPolynomial uint64 = 0x3DA3358B4DC173

// DefaultAvg is the target average chunk size, 4MiB, used unless a
// caller overrides it at init time.
const DefaultAvg = 4 * 1024 * 1024

// Config carries the chunker's size bounds and its splitting
// polynomial/seed. The polynomial is stored in the repository's config
// object so that every process operating on the repository derives
// identical cut points.
type Config struct {
	Polynomial uint64
	Min        int
	Avg        int
	Max        int
}

// DefaultConfig returns a Config with default bounds (minimum = avg/4,
// maximum = 4×avg) around the given average chunk size, using
// polynomial as the splitting seed.
func DefaultConfig(polynomial uint64, avg int) Config {
	return Config{
		Polynomial: polynomial,
		Min:        avg / 4,
		Avg:        avg,
		Max:        avg * 4,
	}
}

// Validate checks that the configured bounds are usable.
func (c Config) Validate() error {
	if c.Min <= 0 || c.Avg <= 0 || c.Max <= 0 {
		return errors.NotValidf("chunker config: non-positive bound (min=%d avg=%d max=%d)", c.Min, c.Avg, c.Max)
	}
	if !(c.Min <= c.Avg && c.Avg <= c.Max) {
		return errors.NotValidf("chunker config: bounds out of order (min=%d avg=%d max=%d)", c.Min, c.Avg, c.Max)
	}
	return nil
}

// splitMask derives, from the configured average size, the bitmask
// tested against the rolling digest on every byte: a cut point occurs
// wherever the low bits of the digest are all set. This is the same
// technique as storage/split.go's SplitNow, generalized from a fixed
// splitBits parameter to the smallest power of two not below Avg.
func (c Config) splitMask() uint32 {
	target := uint32(c.Avg)
	if target < 2 {
		target = 2
	}
	mask := uint32(1)
	for mask < target {
		mask <<= 1
	}
	return mask - 1
}

// Chunker produces a finite, non-restartable sequence of byte slices
// covering its input reader exactly once, in order.
type Chunker struct {
	r      *bufio.Reader
	cfg    Config
	mask   uint32
	offset uint32
	s1, s2 uint32
	window [windowSize]byte
	wofs   int
	count  int
	done   bool
}

// New returns a Chunker reading from r according to cfg.
func New(r io.Reader, cfg Config) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, 256*1024)
	}
	c := &Chunker{r: br, cfg: cfg, mask: cfg.splitMask()}
	c.reset()
	return c, nil
}

// charOffset seeds the rolling checksum from the configured polynomial,
// so that two chunkers constructed with different polynomials diverge,
// while any two constructed with the same polynomial agree byte-for-byte.
func (c *Chunker) charOffset() uint32 {
	off := uint32(c.cfg.Polynomial%251) + 1 // avoid zero, keep it small like the reference constant 31
	return off
}

func (c *Chunker) reset() {
	off := c.charOffset()
	c.s1 = windowSize * off
	c.s2 = windowSize * (windowSize - 1) * off
	c.wofs = 0
	c.count = 0
	for i := range c.window {
		c.window[i] = 0
	}
}

func (c *Chunker) addByte(b byte) {
	off := c.charOffset()
	drop := c.window[c.wofs]
	c.s1 += uint32(b) - uint32(drop)
	c.s2 += c.s1 - (windowSize * (uint32(drop) + off))
	c.window[c.wofs] = b
	c.wofs = (c.wofs + 1) % windowSize
	c.count++
}

func (c *Chunker) atCutPoint() bool {
	if c.count < 8*windowSize {
		return false
	}
	digest := (c.s1 << 16) | (c.s2 & 0xffff)
	return digest&c.mask == c.mask
}

// Next returns the next chunk of plaintext. It returns io.EOF (with a
// nil slice) once the input is exhausted. Every returned slice but
// possibly the last satisfies Min <= len(slice) <= Max; the chunker
// forces a cut at Max regardless of the rolling checksum, and never cuts
// before Min except at end of input.
func (c *Chunker) Next() ([]byte, error) {
	if c.done {
		return nil, io.EOF
	}

	buf := make([]byte, 0, c.cfg.Avg)
	for {
		b, err := c.r.ReadByte()
		if err == io.EOF {
			c.done = true
			if len(buf) == 0 {
				return nil, io.EOF
			}
			return buf, nil
		}
		if err != nil {
			return nil, errors.Annotate(err, "chunker: read")
		}

		buf = append(buf, b)
		c.addByte(b)

		if len(buf) >= c.cfg.Max {
			c.reset()
			return buf, nil
		}
		if len(buf) >= c.cfg.Min && c.atCutPoint() {
			c.reset()
			return buf, nil
		}
	}
}

// All drains the chunker, returning every chunk in order. Intended for
// tests and small inputs; production callers should use Next directly
// to avoid buffering the whole stream.
func All(r io.Reader, cfg Config) ([][]byte, error) {
	c, err := New(r, cfg)
	if err != nil {
		return nil, err
	}
	var chunks [][]byte
	for {
		chunk, err := c.Next()
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
}

package audio

// Chunker re-slices a PCM feed of arbitrary frame sizes into fixed-size
// chunks. It is not safe for concurrent use.
type Chunker struct {
	size int
	buf  []byte
}

// NewChunker returns a Chunker that emits chunks of exactly size bytes.
func NewChunker(size int) *Chunker {
	return &Chunker{size: size}
}

// Write appends pcm and returns every complete chunk now available, in order.
// Each returned chunk is a fresh allocation owned by the caller.
func (c *Chunker) Write(pcm []byte) [][]byte {
	c.buf = append(c.buf, pcm...)
	var out [][]byte
	for len(c.buf) >= c.size {
		chunk := make([]byte, c.size)
		copy(chunk, c.buf[:c.size])
		out = append(out, chunk)
		c.buf = c.buf[c.size:]
	}
	return out
}

// Flush returns the buffered remainder (possibly nil) and resets the Chunker.
func (c *Chunker) Flush() []byte {
	if len(c.buf) == 0 {
		return nil
	}
	rest := make([]byte, len(c.buf))
	copy(rest, c.buf)
	c.buf = nil
	return rest
}

// Buffered reports how many bytes are waiting for a complete chunk.
func (c *Chunker) Buffered() int { return len(c.buf) }

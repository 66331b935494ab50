package process

import (
	"sync"
)

const defaultOutputTailBytes = 256 * 1024

// outputBuffer keeps the last maxBytes written to it while counting the
// total volume of output.
type outputBuffer struct {
	maxBytes int

	mu       sync.Mutex
	total    int64
	contents []byte
}

func newOutputBuffer(maxBytes int) *outputBuffer {
	if maxBytes <= 0 {
		maxBytes = defaultOutputTailBytes
	}

	return &outputBuffer{maxBytes: maxBytes}
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total += int64(len(p))
	b.contents = append(b.contents, p...)

	if len(b.contents) > b.maxBytes {
		b.contents = append(b.contents[:0:0], b.contents[len(b.contents)-b.maxBytes:]...)
	}

	return len(p), nil
}

func (b *outputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return string(b.contents)
}

func (b *outputBuffer) Total() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.total
}

func (b *outputBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return int64(len(b.contents)) < b.total
}

// Package drainbuf provides a mutex-guarded byte accumulator with an atomic
// drain operation. One writer appends, any number of readers drain; bytes are
// only ever removed by a drain, and a drain returns everything appended
// before it acquired the lock.
package drainbuf

import "sync"

type Buffer struct {
	mu   sync.Mutex
	data []byte
}

// Append copies p onto the end of the buffer.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
}

// Drain removes and returns all accumulated bytes. It never blocks waiting
// for data; if nothing has accumulated it returns nil.
func (b *Buffer) Drain() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	data := b.data
	b.data = nil
	return data
}

// Len reports the number of resident bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

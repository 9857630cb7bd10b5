package drainbuf

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendDrain(t *testing.T) {
	var b Buffer
	assert.Nil(t, b.Drain())

	b.Append([]byte("foo"))
	b.Append([]byte("bar"))
	assert.Equal(t, 6, b.Len())
	assert.Equal(t, "foobar", string(b.Drain()))

	// idempotent exhaustion
	assert.Nil(t, b.Drain())
	assert.Equal(t, 0, b.Len())
}

func TestAppendCopies(t *testing.T) {
	var b Buffer
	p := []byte("abc")
	b.Append(p)
	p[0] = 'x'
	assert.Equal(t, "abc", string(b.Drain()))
}

func TestConcurrentConservation(t *testing.T) {
	// every byte appended is returned by exactly one drain
	var b Buffer
	const writes = 1000
	chunk := []byte("0123456789")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < writes; i++ {
			b.Append(chunk)
		}
	}()

	var got bytes.Buffer
	done := make(chan struct{})
	go func() {
		defer close(done)
		for got.Len() < writes*len(chunk) {
			got.Write(b.Drain())
		}
	}()

	wg.Wait()
	<-done
	require.Equal(t, writes*len(chunk), got.Len())
	assert.Equal(t, bytes.Repeat(chunk, writes), got.Bytes())
}

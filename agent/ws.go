package agent

const readLimit = 32768

// chunked splits b so that each piece stays under the WebSocket read limit
// once JSON-encoded. The limit is over-conservative, we are estimating the
// final encoded size.
func chunked(b []byte) [][]byte {
	writeLimit := readLimit / 3
	var chunks [][]byte
	for len(b) > writeLimit {
		chunks = append(chunks, b[:writeLimit])
		b = b[writeLimit:]
	}
	if len(b) > 0 {
		chunks = append(chunks, b)
	}
	return chunks
}

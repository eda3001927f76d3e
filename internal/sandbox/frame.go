package sandbox

// frameHeaderLen is the size of the multiplexed log stream header: one byte
// stream id (0 stdin, 1 stdout, 2 stderr), three zero bytes, then a
// big-endian payload length.
const frameHeaderLen = 8

// StripFrame removes a leading stream-multiplexing header from a log chunk.
// Chunks without one are returned unchanged. The payload length is ignored
// because a frame's payload may be split across reads.
//
// The check only looks at the first four bytes, so plain output that starts
// with {0|1|2, 0, 0, 0} would lose eight bytes. Only call it for runtimes
// that report MultiplexedLogs.
func StripFrame(chunk []byte) []byte {
	if len(chunk) < frameHeaderLen {
		return chunk
	}
	if chunk[0] > 2 || chunk[1] != 0 || chunk[2] != 0 || chunk[3] != 0 {
		return chunk
	}
	return chunk[frameHeaderLen:]
}

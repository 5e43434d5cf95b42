package transport

// Transport is the connected byte-stream handle sessions send through.
type Transport interface {
	// Send writes the whole frame to the outbound path of the connection.
	// It is safe to call it concurrently.
	Send(frame []byte) error

	// Close closes the connection.
	Close() error

	// String describes the peer.
	String() string
}

// Receiver is notified about bytes received by transport.
type Receiver interface {
	// Receive consumes bytes from the beginning of buf and returns the number of bytes consumed.
	// Zero means more data is required. It must not block.
	Receive(t Transport, buf []byte) int

	// Disconnected is called once when the transport stops receiving.
	Disconnected(t Transport)
}

// Staging keeps the bytes received but not consumed yet.
// Consumed bytes are dropped when new data is appended.
type Staging struct {
	buf []byte
	off int
}

// Append appends received bytes.
func (s *Staging) Append(data []byte) {
	if s.off > 0 {
		n := copy(s.buf, s.buf[s.off:])
		s.buf = s.buf[:n]
		s.off = 0
	}
	s.buf = append(s.buf, data...)
}

// Bytes returns unconsumed bytes.
func (s *Staging) Bytes() []byte {
	return s.buf[s.off:]
}

// Len returns the number of unconsumed bytes.
func (s *Staging) Len() int {
	return len(s.buf) - s.off
}

// Consume drops n bytes from the front.
func (s *Staging) Consume(n int) {
	s.off += n
	if s.off >= len(s.buf) {
		s.buf = s.buf[:0]
		s.off = 0
	}
}

// Drain passes staged bytes to receiver until it stops consuming them.
func (s *Staging) Drain(t Transport, r Receiver) {
	for s.Len() > 0 {
		n := r.Receive(t, s.Bytes())
		if n <= 0 {
			return
		}
		s.Consume(n)
	}
}

package session

import (
	"context"
	"errors"
	"io"
)

// DefaultReadChunkSize is how much of the source a Reader pulls per Update.
const DefaultReadChunkSize = 64 * 1024

// Reader streams a source through a session. Reads return processed bytes;
// the session is ended once the source is drained, so the final block and
// key wrapping happen before Read reports io.EOF.
type Reader struct {
	ctx     context.Context
	session *Session
	source  io.Reader
	buffer  []byte
	pending []byte
	done    bool
	err     error
}

// NewReader returns a Reader feeding source through s.
func NewReader(ctx context.Context, s *Session, source io.Reader) *Reader {
	return &Reader{
		ctx:     ctx,
		session: s,
		source:  source,
		buffer:  make([]byte, DefaultReadChunkSize),
	}
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		if len(r.pending) > 0 {
			n := copy(p[total:], r.pending)
			r.pending = r.pending[n:]
			total += n
			continue
		}
		if r.err != nil {
			return total, r.err
		}
		if r.done {
			if total > 0 {
				return total, nil
			}
			return 0, io.EOF
		}
		r.fill()
	}
	return total, nil
}

func (r *Reader) fill() {
	n, err := io.ReadFull(r.source, r.buffer)
	if n > 0 {
		out, uerr := r.session.Update(r.buffer[:n])
		if uerr != nil {
			r.err = uerr
			return
		}
		r.pending = out
	}

	switch {
	case err == nil:
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		final, _, eerr := r.session.End(r.ctx)
		if eerr != nil {
			r.err = eerr
			return
		}
		r.pending = append(r.pending, final...)
		r.done = true
	default:
		r.session.Abort()
		r.err = err
	}
}

// Close aborts the session unless the source was fully consumed.
func (r *Reader) Close() error {
	if !r.done {
		r.session.Abort()
	}
	return nil
}

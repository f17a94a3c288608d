package stream

import (
	"bytes"
	"io"
	"sync"
)

// pipe is an in-memory pipe holding at most limit unread bytes. Write blocks
// while the buffer is full; Read blocks while it is empty.
type pipe struct {
	mu    sync.Mutex
	cond  *sync.Cond
	buf   bytes.Buffer
	limit int

	// werr is returned by Read once the buffer is drained.
	werr error
	// rerr is returned by both ends after the reader gave up.
	rerr error
}

func newPipe(limit int) *pipe {
	p := &pipe{limit: limit}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for len(b) > 0 {
		for p.rerr == nil && p.werr == nil && p.buf.Len() >= p.limit {
			p.cond.Wait()
		}
		if p.rerr != nil {
			return n, p.rerr
		}
		if p.werr != nil {
			return n, io.ErrClosedPipe
		}
		k := min(len(b), p.limit-p.buf.Len())
		p.buf.Write(b[:k])
		b = b[k:]
		n += k
		p.cond.Broadcast()
	}
	return n, nil
}

func (p *pipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.rerr == nil && p.werr == nil && p.buf.Len() == 0 {
		p.cond.Wait()
	}
	if p.rerr != nil {
		return 0, p.rerr
	}
	if p.buf.Len() == 0 {
		return 0, p.werr
	}
	n, _ := p.buf.Read(b)
	p.cond.Broadcast()
	return n, nil
}

// CloseWithError ends the writing side. Read returns err, or io.EOF when
// err is nil, after the buffered bytes.
func (p *pipe) CloseWithError(err error) {
	if err == nil {
		err = io.EOF
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.werr == nil {
		p.werr = err
	}
	p.cond.Broadcast()
}

// CloseRead discards the buffered bytes. Both ends return err from then on.
func (p *pipe) CloseRead(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rerr == nil {
		p.rerr = err
	}
	p.buf.Reset()
	p.cond.Broadcast()
}

// Buffered returns the number of unread bytes.
func (p *pipe) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Len()
}

package transport

import (
	"context"
	"sync"
)

const defaultBufferSize = 100

// pipeLink is the shared state of two connected in-process ports.
type pipeLink struct {
	done      chan struct{}
	closeOnce sync.Once
}

func (l *pipeLink) close() {
	l.closeOnce.Do(func() { close(l.done) })
}

type pipePort struct {
	link     *pipeLink
	inbound  chan []byte
	outbound chan []byte
}

// Pipe returns two connected in-process ports. Closing either end closes both.
func Pipe() (Port, Port) {
	link := &pipeLink{done: make(chan struct{})}
	ab := make(chan []byte, defaultBufferSize)
	ba := make(chan []byte, defaultBufferSize)

	return &pipePort{link: link, inbound: ba, outbound: ab},
		&pipePort{link: link, inbound: ab, outbound: ba}
}

func (p *pipePort) Post(ctx context.Context, data []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.link.done:
		return ErrClosed
	default:
	}

	msg := make([]byte, len(data))
	copy(msg, data)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.link.done:
		return ErrClosed
	case p.outbound <- msg:
		return nil
	}
}

func (p *pipePort) Receive(ctx context.Context) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.link.done:
		return nil, ErrClosed
	case msg := <-p.inbound:
		return msg, nil
	}
}

func (p *pipePort) Close() error {
	p.link.close()
	return nil
}

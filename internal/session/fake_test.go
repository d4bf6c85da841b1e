package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ent0n29/agentbridge/internal/media"
	"github.com/ent0n29/agentbridge/internal/transport"
)

type fakeTransport struct {
	calls   atomic.Int32
	entered chan struct{}
	gate    chan struct{}
	err     error
	roster  []transport.Participant
	micErr  error

	mu    sync.Mutex
	conns []*fakeConn
}

func (f *fakeTransport) Connect(ctx context.Context, serverURL, token string) (transport.Conn, error) {
	f.calls.Add(1)
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeConn{
		id:     "sess-1",
		roster: f.roster,
		events: make(chan transport.Event, 64),
		micErr: f.micErr,
	}
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	return c, nil
}

func (f *fakeTransport) lastConn() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

type fakeConn struct {
	id     string
	roster []transport.Participant
	events chan transport.Event
	micErr error

	mu        sync.Mutex
	closed    bool
	published []media.Track
	micCalls  int
	sent      [][]byte
}

func (c *fakeConn) SessionID() string                     { return c.id }
func (c *fakeConn) Participants() []transport.Participant { return c.roster }
func (c *fakeConn) Events() <-chan transport.Event         { return c.events }

func (c *fakeConn) PublishTrack(ctx context.Context, track media.Track, source string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	c.published = append(c.published, track)
	return nil
}

func (c *fakeConn) EnableMicrophone(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.micCalls++
	return c.micErr
}

func (c *fakeConn) SendData(ctx context.Context, payload []byte, reliable bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	if !reliable {
		return errors.New("control messages must use the reliable channel")
	}
	c.sent = append(c.sent, append([]byte(nil), payload...))
	return nil
}

// emit delivers an event unless the conn has been closed.
func (c *fakeConn) emit(ev transport.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- ev
}

func (c *fakeConn) data(payload string) {
	c.emit(transport.Event{Kind: transport.EventDataReceived, Data: []byte(payload)})
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) snapshot() (published int, micCalls int, sent [][]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published), c.micCalls, append([][]byte(nil), c.sent...)
}

type failingDevices struct{ err error }

func (d failingDevices) GetUserMedia(context.Context, media.Constraints) (*media.CaptureStream, error) {
	return nil, d.err
}

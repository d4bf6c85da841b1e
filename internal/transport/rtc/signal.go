package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/agentbridge/internal/reliability"
	"github.com/ent0n29/agentbridge/internal/transport"
)

const (
	signalWriteTimeout = 4 * time.Second
	signalJoinTimeout  = 8 * time.Second
)

// Signal frame types exchanged with the room server.
const (
	signalJoin              = "join"
	signalOffer             = "offer"
	signalAnswer            = "answer"
	signalParticipantJoined = "participant_joined"
	signalParticipantLeft   = "participant_left"
	signalLeave             = "leave"
	signalError             = "error"
)

type signalFrame struct {
	Type         string                  `json:"type"`
	SessionID    string                  `json:"session_id,omitempty"`
	Identity     string                  `json:"identity,omitempty"`
	SDP          string                  `json:"sdp,omitempty"`
	Participant  *transport.Participant  `json:"participant,omitempty"`
	Participants []transport.Participant `json:"participants,omitempty"`
	ICEServers   []string                `json:"ice_servers,omitempty"`
	Reason       string                  `json:"reason,omitempty"`
}

// normalizeSignalURL maps http(s) to ws(s) and keeps ws(s) as given.
func normalizeSignalURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("server url host is required")
	}
	return u.String(), nil
}

type signalClient struct {
	conn *websocket.Conn
	msgs chan []byte
	errs chan error

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newSignalClient(conn *websocket.Conn) *signalClient {
	sc := &signalClient{
		conn: conn,
		msgs: make(chan []byte, 64),
		errs: make(chan error, 1),
	}
	go func() {
		defer close(sc.msgs)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				sc.errs <- err
				return
			}
			sc.msgs <- data
		}
	}()
	return sc
}

// dialSignal connects to the room server, retrying transient failures with
// exponential backoff. Authentication failures are not retried.
func dialSignal(ctx context.Context, dialer *websocket.Dialer, wsURL, token string, attempts int) (*signalClient, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, 250*time.Millisecond, 2*time.Second)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
		conn, resp, err := dialer.DialContext(ctx, wsURL, header)
		if err == nil {
			return newSignalClient(conn), nil
		}
		if resp != nil {
			switch {
			case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
				return nil, fmt.Errorf("signal dial failed (%s): %w", resp.Status, transport.ErrUnauthorized)
			case !reliability.IsRetryableHTTPStatus(resp.StatusCode):
				return nil, fmt.Errorf("signal dial failed (%s): %w", resp.Status, err)
			}
			lastErr = fmt.Errorf("signal dial failed (%s): %w", resp.Status, err)
		} else {
			lastErr = fmt.Errorf("signal dial failed: %w", err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (sc *signalClient) next(ctx context.Context) (signalFrame, error) {
	select {
	case <-ctx.Done():
		return signalFrame{}, ctx.Err()
	case data, ok := <-sc.msgs:
		if !ok {
			select {
			case err := <-sc.errs:
				if err != nil {
					return signalFrame{}, err
				}
			default:
			}
			return signalFrame{}, transport.ErrClosed
		}
		var frame signalFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return signalFrame{}, fmt.Errorf("signal frame parse: %w", err)
		}
		return frame, nil
	}
}

// await reads frames until one of the wanted type arrives. Frames of other
// types are handed to other, which may be nil.
func (sc *signalClient) await(ctx context.Context, want string, timeout time.Duration, other func(signalFrame)) (signalFrame, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		frame, err := sc.next(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return signalFrame{}, fmt.Errorf("signal %s timeout: %w", want, err)
			}
			return signalFrame{}, err
		}
		switch frame.Type {
		case want:
			return frame, nil
		case signalError:
			return signalFrame{}, fmt.Errorf("signal error: %s", frame.Reason)
		case signalLeave:
			return signalFrame{}, fmt.Errorf("server closed session: %s", frame.Reason)
		}
		if other != nil {
			other(frame)
		}
	}
}

func (sc *signalClient) send(frame signalFrame) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	_ = sc.conn.SetWriteDeadline(time.Now().Add(signalWriteTimeout))
	defer sc.conn.SetWriteDeadline(time.Time{})
	return sc.conn.WriteJSON(frame)
}

func (sc *signalClient) close() error {
	var err error
	sc.closeOnce.Do(func() {
		_ = sc.send(signalFrame{Type: signalLeave})
		err = sc.conn.Close()
	})
	return err
}

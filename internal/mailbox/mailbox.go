// Package mailbox is the Controller's local single-reader coalescing
// trigger queue: a Unix datagram socket, mode 0o700, that the Broker and
// callback handlers write one-shot JSON triggers to, per spec.md §4.6/§6.
// No library in the corpus wraps Unix-domain datagram sockets — this is one
// of the few places this module falls back to the standard library, since
// net.ListenUnixgram/net.DialUnix already is the idiomatic, minimal way to
// speak this protocol and no third-party IPC library in the pack does
// anything this mechanism would benefit from wrapping.
package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
)

// Trigger is a one-shot schedule-pass request.
type Trigger struct {
	Destination string `json:"destination"`
}

// Mailbox is the Controller-side receiving end.
type Mailbox struct {
	conn *net.UnixConn
	path string

	mu      sync.Mutex
	pending map[string]struct{}
	notify  chan struct{}
}

// Listen binds socketPath with mode 0o700 and starts the background reader.
// Any pre-existing socket file at the path is removed first, since a
// previous Controller's unclean shutdown can leave one behind.
func Listen(socketPath string) (*Mailbox, error) {
	_ = os.Remove(socketPath)

	addr := &net.UnixAddr{Name: socketPath, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on mailbox socket %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o700); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("setting mailbox socket permissions: %w", err)
	}

	m := &Mailbox{
		conn:    conn,
		path:    socketPath,
		pending: make(map[string]struct{}),
		notify:  make(chan struct{}, 1),
	}
	go m.readLoop()
	return m, nil
}

func (m *Mailbox) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := m.conn.Read(buf)
		if err != nil {
			return
		}
		var t Trigger
		if err := json.Unmarshal(buf[:n], &t); err != nil || t.Destination == "" {
			continue
		}

		m.mu.Lock()
		m.pending[t.Destination] = struct{}{}
		m.mu.Unlock()

		select {
		case m.notify <- struct{}{}:
		default:
		}
	}
}

// Receive blocks until at least one trigger is pending, then returns every
// distinct destination that coalesced since the last Receive, in
// unspecified order. The Controller's schedule loop calls Receive once,
// runs a full pass, then calls Receive again — triggers arriving mid-pass
// accumulate and are returned together on the next call.
func (m *Mailbox) Receive(ctx context.Context) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.notify:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	destinations := make([]string, 0, len(m.pending))
	for d := range m.pending {
		destinations = append(destinations, d)
	}
	m.pending = make(map[string]struct{})
	return destinations, nil
}

func (m *Mailbox) Close() error {
	err := m.conn.Close()
	_ = os.Remove(m.path)
	return err
}

// Send delivers a one-shot trigger to the mailbox at socketPath, used by the
// Broker and callback handlers to wake the Controller.
func Send(socketPath string, t Trigger) error {
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshalling trigger: %w", err)
	}

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: socketPath, Net: "unixgram"})
	if err != nil {
		return fmt.Errorf("dialing mailbox socket %s: %w", socketPath, err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.Write(b); err != nil {
		return fmt.Errorf("writing trigger: %w", err)
	}
	return nil
}

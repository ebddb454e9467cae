// Package session wraps one player's TCP connection for the lifetime of a
// match: line I/O with read timeouts, the score accumulator and the
// one-shot completion signal the connection handler blocks on.
package session

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

type Player struct {
	username string
	roomCode string

	conn   net.Conn
	reader *bufio.Reader

	mu    sync.Mutex
	score int

	done     chan struct{}
	doneOnce sync.Once

	closeOnce sync.Once
	closed    chan struct{}
}

// New takes ownership of conn; the session closes it on Close.
// An empty roomCode places the player in the public matchmaking pool.
func New(username, roomCode string, conn net.Conn) *Player {
	return NewWithReader(username, roomCode, conn, bufio.NewReader(conn))
}

// NewWithReader builds a session around a buffered reader that already
// wraps conn, so lines buffered during the pre-match exchange are not
// lost.
func NewWithReader(username, roomCode string, conn net.Conn, r *bufio.Reader) *Player {
	return &Player{
		username: username,
		roomCode: roomCode,
		conn:     conn,
		reader:   r,
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

func (p *Player) Username() string { return p.username }
func (p *Player) RoomCode() string { return p.roomCode }

func (p *Player) Score() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.score
}

// AddScore adds delta to the accumulator. Scores only ever grow.
func (p *Player) AddScore(delta int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.score += delta
}

// Send writes one protocol line.
func (p *Player) Send(msg string) error {
	_, err := fmt.Fprintf(p.conn, "%s\n", msg)
	return err
}

// ReadLine reads one line, blocking for at most timeout. A timeout is
// indistinguishable from no answer for callers.
func (p *Player) ReadLine(timeout time.Duration) (string, error) {
	if err := p.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}
	line, err := p.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Finish fires the completion signal. Safe to call more than once; only
// the first call has an effect.
func (p *Player) Finish() {
	p.doneOnce.Do(func() { close(p.done) })
}

// AwaitFinish blocks until the match owning this session releases it.
func (p *Player) AwaitFinish() {
	<-p.done
}

// Close closes the underlying connection and marks the session inactive.
func (p *Player) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		_ = p.conn.Close()
	})
}

// Active reports whether the session is still usable.
func (p *Player) Active() bool {
	select {
	case <-p.closed:
		return false
	default:
		return true
	}
}

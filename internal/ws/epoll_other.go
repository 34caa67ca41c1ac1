//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll is the portable fallback for platforms without epoll. Each connection
// gets a goroutine that offers it to Wait and then parks until the server has
// finished reading from it, so frames are never split between two readers.
// Reads block on the socket for up to the server's read timeout.
type Epoll struct {
	mu      sync.Mutex
	resume  map[net.Conn]chan struct{}
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		resume:  make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts offering conn to Wait.
func (e *Epoll) Add(conn net.Conn) error {
	ch := make(chan struct{}, 1)
	e.mu.Lock()
	e.resume[conn] = ch
	e.mu.Unlock()

	go e.offer(conn, ch)
	return nil
}

func (e *Epoll) offer(conn net.Conn, resume chan struct{}) {
	for {
		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
		if _, ok := <-resume; !ok {
			return
		}
	}
}

// Resume lets conn be offered again after a read completed.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	// Remove closes the channel under the same lock.
	if ch, ok := e.resume[conn]; ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Remove stops offering conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	ch, ok := e.resume[conn]
	delete(e.resume, conn)
	e.mu.Unlock()
	if ok {
		close(ch)
	}
	return nil
}

// Wait blocks until at least one connection is offered and returns every
// connection offered so far.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops all offer goroutines.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

func isEINTR(error) bool { return false }

// socketFD is unused by the fallback.
func socketFD(net.Conn) int {
	return -1
}

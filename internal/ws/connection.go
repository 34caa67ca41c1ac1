package ws

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/TNortnern/reusable-chat/internal/realtime"
)

// Connection binds one WebSocket to its realtime session. The read path runs
// on a pooled worker, the write path on the connection's own writer
// goroutine; writeMu keeps their frames from interleaving.
type Connection struct {
	session    *realtime.Session
	Conn       net.Conn // underlying TCP connection
	Fd         int      // file descriptor for epoll lookups
	RemoteAddr string   // client address used for rate limiting and logs

	writeMu    sync.Mutex    // serializes writes to this connection
	bw         *bufio.Writer // batches event frames; guarded by writeMu
	processing int32         // atomic flag: 0 = idle, 1 = being read by handleConn
}

func newConnection(s *realtime.Session, conn net.Conn, remoteAddr string) *Connection {
	return &Connection{
		session:    s,
		Conn:       conn,
		Fd:         socketFD(conn),
		RemoteAddr: remoteAddr,
		bw:         bufio.NewWriterSize(conn, 8192),
	}
}

// ID returns the connection id, which is also the session id.
func (c *Connection) ID() string { return c.session.ID() }

// Session returns the realtime session bound to this connection.
func (c *Connection) Session() *realtime.Session { return c.session }

// WriteMessage sends one WebSocket text frame, bounded by timeout when
// positive.
func (c *Connection) WriteMessage(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.setWriteDeadline(timeout)
	defer c.setWriteDeadline(0)
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// writeEvents writes a drained batch as consecutive text frames and flushes
// once at the end.
func (c *Connection) writeEvents(events []*realtime.Event, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.setWriteDeadline(timeout)
	defer c.setWriteDeadline(0)
	for _, ev := range events {
		if err := ws.WriteFrame(c.bw, ws.NewTextFrame(ev.Frame())); err != nil {
			c.bw.Reset(c.Conn)
			return err
		}
	}
	if err := c.bw.Flush(); err != nil {
		c.bw.Reset(c.Conn)
		return err
	}
	return nil
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing(timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.setWriteDeadline(timeout)
	defer c.setWriteDeadline(0)
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// writePong answers a client ping with the same payload.
func (c *Connection) writePong(payload []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.setWriteDeadline(timeout)
	defer c.setWriteDeadline(0)
	return ws.WriteFrame(c.Conn, ws.NewPongFrame(payload))
}

// writeClose sends a close frame carrying reason.
func (c *Connection) writeClose(code ws.StatusCode, reason string, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.setWriteDeadline(timeout)
	defer c.setWriteDeadline(0)
	return ws.WriteFrame(c.Conn, ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
}

// Caller holds writeMu.
func (c *Connection) setWriteDeadline(timeout time.Duration) {
	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
	} else {
		_ = c.Conn.SetWriteDeadline(time.Time{})
	}
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager maps connection ids and file descriptors to their
// Connection. It supports O(1) lookups by both.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection // connection id -> Connection
	byFd map[int]*Connection    // fd -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID()] = conn
	if conn.Fd >= 0 {
		cm.byFd[conn.Fd] = conn
	}
	cm.mu.Unlock()
}

// Remove unregisters the connection with the given id and closes its network
// connection. It returns false if the connection was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		if cm.byFd[conn.Fd] == conn {
			delete(cm.byFd, conn.Fd)
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given id, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping c, or nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	if fd := socketFD(c); fd >= 0 {
		return cm.GetByFd(fd)
	}
	// Platforms without fds fall back to a scan.
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	for _, conn := range cm.byID {
		if conn.Conn == c {
			return conn
		}
	}
	return nil
}

// Count returns the current number of connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}

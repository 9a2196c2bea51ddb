package tracker

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
)

// UDPMux is the single shared UDP socket every UDPSession in a process
// multiplexes over, demultiplexing inbound datagrams by transaction id
// (spec.md §4.3: "Single shared UDP socket... all sessions multiplex
// over it, keyed by transaction id").
type UDPMux struct {
	conn *net.UDPConn

	mu      sync.Mutex
	pending map[uint32]pendingEntry
}

type pendingEntry struct {
	remote *net.UDPAddr
	ch     chan []byte
}

// NewUDPMux binds a local UDP socket (port chosen by the OS) and starts
// its demultiplexing read loop under ctx.
func NewUDPMux(ctx context.Context) (*UDPMux, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, err
	}

	m := &UDPMux{conn: conn, pending: make(map[uint32]pendingEntry)}
	go m.run(ctx)
	return m, nil
}

func (m *UDPMux) run(ctx context.Context) {
	buf := make([]byte, 2048)
	go func() {
		<-ctx.Done()
		m.conn.Close()
	}()

	for {
		n, addr, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			return // socket closed, torrent shutting down
		}
		if n < 8 {
			continue // too short to carry even action+tid
		}

		tid := binary.BigEndian.Uint32(buf[4:8])

		m.mu.Lock()
		entry, ok := m.pending[tid]
		m.mu.Unlock()

		if !ok {
			continue // no session waiting on this transaction id
		}
		if entry.remote.IP.String() != addr.IP.String() || entry.remote.Port != addr.Port {
			// Correlation also requires the remote address to match
			// (spec.md §4.3); a tid collision from a different
			// tracker is dropped, not an error.
			continue
		}

		packet := make([]byte, n)
		copy(packet, buf[:n])

		select {
		case entry.ch <- packet:
		default:
		}
	}
}

// register reserves tid for addr and returns a channel that receives at
// most one matching reply. Call unregister when done, whether or not a
// reply arrived.
func (m *UDPMux) register(tid uint32, addr *net.UDPAddr) chan []byte {
	ch := make(chan []byte, 1)
	m.mu.Lock()
	m.pending[tid] = pendingEntry{remote: addr, ch: ch}
	m.mu.Unlock()
	return ch
}

func (m *UDPMux) unregister(tid uint32) {
	m.mu.Lock()
	delete(m.pending, tid)
	m.mu.Unlock()
}

func (m *UDPMux) send(addr *net.UDPAddr, data []byte) error {
	_, err := m.conn.WriteToUDP(data, addr)
	return err
}

// Close shuts down the shared socket.
func (m *UDPMux) Close() error {
	return m.conn.Close()
}

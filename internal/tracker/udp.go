package tracker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"net/url"
	"time"

	"gobt/internal/metainfo"
)

const (
	udpProtocolID  = 0x41727101980
	actionConnect  = 0
	actionAnnounce = 1
	actionError    = 3

	connectionIDExpiry  = 60 * time.Second
	maxRetries          = 8
	initialReplyTimeout = 15 * time.Second
)

// ParamsFunc supplies fresh dynamic announce fields (uploaded/downloaded
// /left change as the torrent progresses) at announce time.
type ParamsFunc func() Params

// UDPSession is one BEP 15 tracker session multiplexed over a shared
// UDPMux socket.
type UDPSession struct {
	mux      *UDPMux
	endpoint string
	addr     *net.UDPAddr
	params   ParamsFunc

	state     State
	cid       uint64
	cidExpiry time.Time
	lastAnn   time.Time
}

// NewUDPSession resolves rawURL's host:port and returns a session ready
// to Connect/Announce. DNS failures here are per-tracker, not
// torrent-fatal — callers should skip the tracker rather than abort.
func NewUDPSession(mux *UDPMux, rawURL string, params ParamsFunc) (*UDPSession, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("tracker: parsing UDP URL %q: %w", rawURL, err)
	}

	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("tracker: resolving %q: %w", u.Host, err)
	}

	return &UDPSession{
		mux:      mux,
		endpoint: rawURL,
		addr:     addr,
		params:   params,
		state:    Disconnected,
	}, nil
}

func (s *UDPSession) Endpoint() string        { return s.endpoint }
func (s *UDPSession) State() State            { return s.state }
func (s *UDPSession) LastAnnounce() time.Time { return s.lastAnn }

func randomTID() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// withRetry runs attempt up to maxRetries times, giving each try
// 15*2^n seconds to hear back before resending (BEP 15, spec.md §4.3):
// that is the per-try response timeout, not a delay between tries — a
// failed try is retried immediately with a longer wait, not after one.
func withRetry(ctx context.Context, attempt func(timeout time.Duration) ([]byte, error)) ([]byte, error) {
	timeout := initialReplyTimeout
	var lastErr error

	for n := 0; n < maxRetries; n++ {
		reply, err := attempt(timeout)
		if err == nil {
			return reply, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		timeout *= 2
	}

	return nil, fmt.Errorf("tracker: exhausted %d retries: %w", maxRetries, lastErr)
}

func (s *UDPSession) connect(ctx context.Context) error {
	s.state = Connecting

	_, err := withRetry(ctx, func(timeout time.Duration) ([]byte, error) {
		tid, err := randomTID()
		if err != nil {
			return nil, err
		}

		req := make([]byte, 16)
		binary.BigEndian.PutUint64(req[0:8], udpProtocolID)
		binary.BigEndian.PutUint32(req[8:12], actionConnect)
		binary.BigEndian.PutUint32(req[12:16], tid)

		ch := s.mux.register(tid, s.addr)
		defer s.mux.unregister(tid)

		if err := s.mux.send(s.addr, req); err != nil {
			return nil, err
		}

		select {
		case reply := <-ch:
			if len(reply) < 16 {
				return nil, fmt.Errorf("connect response too short: %d bytes", len(reply))
			}
			action := binary.BigEndian.Uint32(reply[0:4])
			gotTID := binary.BigEndian.Uint32(reply[4:8])
			if gotTID != tid {
				return nil, fmt.Errorf("transaction id mismatch")
			}
			if action == actionError {
				return nil, fmt.Errorf("tracker error: %s", string(reply[8:]))
			}
			if action != actionConnect {
				return nil, fmt.Errorf("unexpected connect action %d", action)
			}

			s.cid = binary.BigEndian.Uint64(reply[8:16])
			s.cidExpiry = time.Now().Add(connectionIDExpiry)
			s.state = Connected
			return reply, nil

		case <-time.After(timeout):
			return nil, fmt.Errorf("connect timed out waiting for reply")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	if err != nil {
		s.state = Errored
		return err
	}
	return nil
}

// Announce performs a connect→announce handshake (reconnecting first if
// the connection id has expired or none exists yet), then sends the
// announce request and parses the compact peer list.
func (s *UDPSession) Announce(event Event) (*AnnounceResult, error) {
	ctx := context.Background()

	if s.state == Disconnected || s.state == Errored || time.Now().After(s.cidExpiry) {
		if err := s.connect(ctx); err != nil {
			return nil, fmt.Errorf("tracker: udp connect to %s: %w", s.endpoint, err)
		}
	}

	s.state = Announcing
	p := s.params()

	result, err := withRetry(ctx, func(timeout time.Duration) ([]byte, error) {
		tid, err := randomTID()
		if err != nil {
			return nil, err
		}

		req := make([]byte, 98)
		binary.BigEndian.PutUint64(req[0:8], s.cid)
		binary.BigEndian.PutUint32(req[8:12], actionAnnounce)
		binary.BigEndian.PutUint32(req[12:16], tid)
		copy(req[16:36], p.InfoHash[:])
		copy(req[36:56], p.PeerID[:])
		binary.BigEndian.PutUint64(req[56:64], p.Downloaded)
		binary.BigEndian.PutUint64(req[64:72], p.Left)
		binary.BigEndian.PutUint64(req[72:80], p.Uploaded)
		binary.BigEndian.PutUint32(req[80:84], uint32(event))
		binary.BigEndian.PutUint32(req[84:88], 0) // IP: 0 = default
		binary.BigEndian.PutUint32(req[88:92], p.Key)
		binary.BigEndian.PutUint32(req[92:96], uint32(p.NumWant))
		binary.BigEndian.PutUint16(req[96:98], p.Port)

		ch := s.mux.register(tid, s.addr)
		defer s.mux.unregister(tid)

		if err := s.mux.send(s.addr, req); err != nil {
			return nil, err
		}

		select {
		case reply := <-ch:
			if len(reply) < 20 {
				return nil, fmt.Errorf("announce response too short: %d bytes", len(reply))
			}
			action := binary.BigEndian.Uint32(reply[0:4])
			gotTID := binary.BigEndian.Uint32(reply[4:8])
			if gotTID != tid {
				return nil, fmt.Errorf("transaction id mismatch")
			}
			if action == actionError {
				return nil, fmt.Errorf("tracker error: %s", string(reply[8:]))
			}
			if action != actionAnnounce {
				return nil, fmt.Errorf("unexpected announce action %d", action)
			}
			return reply, nil

		case <-time.After(timeout):
			return nil, fmt.Errorf("announce timed out waiting for reply")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	if err != nil {
		s.state = Errored
		return nil, fmt.Errorf("tracker: udp announce to %s: %w", s.endpoint, err)
	}

	interval := int32(binary.BigEndian.Uint32(result[8:12]))
	leechers := binary.BigEndian.Uint32(result[12:16])
	seeders := binary.BigEndian.Uint32(result[16:20])

	peerBytes := result[20:]
	if len(peerBytes)%6 != 0 {
		s.state = Errored
		return nil, fmt.Errorf("tracker: udp announce peers length %d not a multiple of 6", len(peerBytes))
	}

	peers := make([]metainfo.Peer, 0, len(peerBytes)/6)
	for i := 0; i < len(peerBytes); i += 6 {
		ip := net.IPv4(peerBytes[i], peerBytes[i+1], peerBytes[i+2], peerBytes[i+3])
		port := binary.BigEndian.Uint16(peerBytes[i+4 : i+6])
		peers = append(peers, metainfo.Peer{IP: ip, Port: port})
	}

	s.state = Announced
	s.lastAnn = time.Now()

	return &AnnounceResult{
		Interval: time.Duration(interval) * time.Second,
		Peers:    peers,
		Leechers: int(leechers),
		Seeders:  int(seeders),
	}, nil
}

package tracker

import (
	"context"
	"net/http"
	"time"

	"gobt/internal/metainfo"
)

// PeerSet is the full peer list one announce returned, tagged with the
// tracker that reported it. It is not deduplicated against earlier sets.
type PeerSet struct {
	Source string
	Peers  []metainfo.Peer
}

const defaultReannounce = 30 * time.Minute

// Pool runs one goroutine per tracker session, reannouncing on each
// session's own interval, and publishes each announce's full peer list
// on Updates. Per spec.md §4.5, the pool does not diff announces
// against each other — a peer that drops and is later re-reported by
// the tracker must be re-published so a stalled torrent can redial it;
// suppressing already-connected peers is the peer-dial layer's job
// (internal/torrentfile tracks live connections), not the pool's.
type Pool struct {
	sessions []Session
	params   ParamsFunc

	updates chan PeerSet
}

// NewPool resolves httpTrackers/udpTrackers into sessions sharing mux
// (UDP) and client (HTTP), per spec.md §4.5.
func NewPool(mux *UDPMux, client *http.Client, httpTrackers, udpTrackers []string, params ParamsFunc) *Pool {
	p := &Pool{
		params:  params,
		updates: make(chan PeerSet, 16),
	}

	for _, url := range httpTrackers {
		p.sessions = append(p.sessions, NewHTTPSession(client, url, params))
	}
	for _, url := range udpTrackers {
		s, err := NewUDPSession(mux, url, params)
		if err != nil {
			log.WithField("tracker", url).WithError(err).Warn("skipping unresolvable UDP tracker")
			continue
		}
		p.sessions = append(p.sessions, s)
	}

	return p
}

// Updates is the channel each announce's peer list is published on.
func (p *Pool) Updates() <-chan PeerSet { return p.updates }

// Run drives every session concurrently: an initial "started" announce,
// then reannounces on the interval the tracker returned (or
// defaultReannounce if it didn't say), until ctx is cancelled, at which
// point a final "stopped" announce is sent to every session that is
// still reachable.
func (p *Pool) Run(ctx context.Context) {
	done := make(chan struct{}, len(p.sessions))

	for _, s := range p.sessions {
		go func(s Session) {
			defer func() { done <- struct{}{} }()
			p.runSession(ctx, s)
		}(s)
	}

	for range p.sessions {
		<-done
	}
	close(p.updates)
}

func (p *Pool) runSession(ctx context.Context, s Session) {
	event := EventStarted

	for {
		result, err := s.Announce(event)
		if err != nil {
			log.WithField("tracker", s.Endpoint()).WithError(err).Warn("announce failed")
		} else {
			p.publish(s.Endpoint(), result.Peers)
		}

		interval := defaultReannounce
		if err == nil && result.Interval > 0 {
			interval = result.Interval
		}
		event = EventNone

		select {
		case <-ctx.Done():
			p.announceStopped(s)
			return
		case <-time.After(interval):
		}
	}
}

func (p *Pool) announceStopped(s Session) {
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Announce(EventStopped)
	}()
	select {
	case <-done:
	case <-stopCtx.Done():
	}
}

func (p *Pool) publish(source string, peers []metainfo.Peer) {
	if len(peers) == 0 {
		return
	}

	select {
	case p.updates <- PeerSet{Source: source, Peers: peers}:
	default:
		log.WithField("tracker", source).Warn("updates channel full, dropping peer batch")
	}
}

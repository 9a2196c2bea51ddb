// Package tracker implements HTTP and UDP tracker sessions and the pool
// that multiplexes them for one torrent, per spec.md §4.3-§4.5.
package tracker

import (
	"time"

	"gobt/internal/logging"
	"gobt/internal/metainfo"
)

var log = logging.For("tracker")

// State is the tracker session's runtime tagged state. spec.md §9
// explicitly rejects compile-time typestate for this (the source tried
// and abandoned `Router<Disconnected>`-style phantom types); each
// session's methods assign the next State to its state field directly.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Announcing
	Announced
	Reannouncing
	Errored
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Announcing:
		return "announcing"
	case Announced:
		return "announced"
	case Reannouncing:
		return "reannouncing"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// AnnounceResult is what a successful announce (HTTP or UDP) produces.
type AnnounceResult struct {
	Interval    time.Duration
	MinInterval time.Duration
	Peers       []metainfo.Peer
	Leechers    int
	Seeders     int
	TrackerID   string // HTTP only
}

// Params is the announce request body, shared between HTTP and UDP
// sessions so Pool doesn't need to know which transport a tracker uses.
type Params struct {
	InfoHash   metainfo.InfoHash
	PeerID     [20]byte
	Port       uint16
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	NumWant    int32
	Key        uint32
}

// Event mirrors the announce event enum shared by both transports.
type Event int32

const (
	EventNone      Event = 0
	EventCompleted Event = 1
	EventStarted   Event = 2
	EventStopped   Event = 3
)

// Session is the shared interface Pool drives; UDPSession and
// HTTPSession each implement it with transport-specific wire code but
// the same state machine shape.
type Session interface {
	Endpoint() string
	State() State
	// Announce performs one announce appropriate to the session's
	// current state (connecting first for UDP if needed) and returns
	// the result or an error. Errors move the session to Errored;
	// Pool retries after its default reannounce interval.
	Announce(event Event) (*AnnounceResult, error)
	LastAnnounce() time.Time
}

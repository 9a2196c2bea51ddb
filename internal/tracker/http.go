package tracker

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"gobt/internal/bencode"
	"gobt/internal/metainfo"
)

// HTTPSession is a tracker session speaking the GET-based HTTP/HTTPS
// announce protocol (BEP 3), generalizing the teacher's
// SendHTTPTrackerRequest query-string construction.
type HTTPSession struct {
	client   *http.Client
	endpoint string
	params   ParamsFunc

	state   State
	lastAnn time.Time
}

// NewHTTPSession builds a session against rawURL, sharing client across
// all HTTP sessions in a Pool (connection reuse, consistent timeouts).
func NewHTTPSession(client *http.Client, rawURL string, params ParamsFunc) *HTTPSession {
	return &HTTPSession{client: client, endpoint: rawURL, params: params, state: Disconnected}
}

func (s *HTTPSession) Endpoint() string        { return s.endpoint }
func (s *HTTPSession) State() State            { return s.state }
func (s *HTTPSession) LastAnnounce() time.Time { return s.lastAnn }

func eventString(e Event) string {
	switch e {
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	case EventStopped:
		return "stopped"
	default:
		return ""
	}
}

// Announce issues one GET announce request and decodes the bencoded
// response, accepting both the dict-list and compact ("peers" as a
// binary string) peer representations.
func (s *HTTPSession) Announce(event Event) (*AnnounceResult, error) {
	s.state = Announcing
	p := s.params()

	u, err := url.Parse(s.endpoint)
	if err != nil {
		s.state = Errored
		return nil, fmt.Errorf("tracker: parsing HTTP URL %q: %w", s.endpoint, err)
	}

	q := u.Query()
	q.Set("info_hash", string(p.InfoHash[:]))
	q.Set("peer_id", string(p.PeerID[:]))
	q.Set("port", strconv.Itoa(int(p.Port)))
	q.Set("uploaded", strconv.FormatUint(p.Uploaded, 10))
	q.Set("downloaded", strconv.FormatUint(p.Downloaded, 10))
	q.Set("left", strconv.FormatUint(p.Left, 10))
	q.Set("compact", "1")
	if ev := eventString(event); ev != "" {
		q.Set("event", ev)
	}
	if p.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(int(p.NumWant)))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		s.state = Errored
		return nil, fmt.Errorf("tracker: building HTTP announce request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.state = Errored
		return nil, fmt.Errorf("tracker: http announce to %s: %w", s.endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		s.state = Errored
		return nil, fmt.Errorf("tracker: reading HTTP announce response: %w", err)
	}

	v, err := bencode.DecodeFull(body, bencode.DefaultTrackerDepth)
	if err != nil {
		s.state = Errored
		return nil, fmt.Errorf("tracker: decoding HTTP announce response: %w", err)
	}

	if failVal := v.DictGet("failure reason"); failVal != nil {
		reason, _ := failVal.AsString()
		s.state = Errored
		return nil, fmt.Errorf("tracker: %s: failure reason: %s", s.endpoint, reason)
	}

	result := &AnnounceResult{}

	if warnVal := v.DictGet("warning message"); warnVal != nil {
		if warn, err := warnVal.AsString(); err == nil {
			log.WithField("tracker", s.endpoint).Warnf("warning message: %s", warn)
		}
	}

	if iv := v.DictGet("interval"); iv != nil {
		if secs, err := iv.AsInt(); err == nil {
			result.Interval = time.Duration(secs) * time.Second
		}
	}
	if miv := v.DictGet("min interval"); miv != nil {
		if secs, err := miv.AsInt(); err == nil {
			result.MinInterval = time.Duration(secs) * time.Second
		}
	}
	if tidVal := v.DictGet("tracker id"); tidVal != nil {
		if tid, err := tidVal.AsString(); err == nil {
			result.TrackerID = string(tid)
		}
	}
	if lv := v.DictGet("incomplete"); lv != nil {
		if n, err := lv.AsInt(); err == nil {
			result.Leechers = int(n)
		}
	}
	if sv := v.DictGet("complete"); sv != nil {
		if n, err := sv.AsInt(); err == nil {
			result.Seeders = int(n)
		}
	}

	peersVal := v.DictGet("peers")
	peers, err := decodePeers(peersVal)
	if err != nil {
		s.state = Errored
		return nil, fmt.Errorf("tracker: %s: %w", s.endpoint, err)
	}
	result.Peers = peers

	s.state = Announced
	s.lastAnn = time.Now()
	return result, nil
}

// decodePeers handles both the compact form ("peers" as a 6-byte-per-peer
// binary string) and the older dict-list form (list of {peer id, ip,
// port} dicts), per spec.md §4.4.
func decodePeers(peersVal *bencode.Value) ([]metainfo.Peer, error) {
	if peersVal == nil {
		return nil, nil
	}

	if raw, err := peersVal.AsString(); err == nil {
		b := raw
		if len(b)%6 != 0 {
			return nil, fmt.Errorf("compact peers length %d not a multiple of 6", len(b))
		}
		peers := make([]metainfo.Peer, 0, len(b)/6)
		for i := 0; i < len(b); i += 6 {
			ip := net.IPv4(b[i], b[i+1], b[i+2], b[i+3])
			port := uint16(b[i+4])<<8 | uint16(b[i+5])
			peers = append(peers, metainfo.Peer{IP: ip, Port: port})
		}
		return peers, nil
	}

	list, err := peersVal.AsList()
	if err != nil {
		return nil, fmt.Errorf("\"peers\" is neither a binary string nor a list")
	}

	peers := make([]metainfo.Peer, 0, len(list))
	for _, entry := range list {
		ipStr, err := entry.DictGet("ip").AsString()
		if err != nil {
			continue
		}
		portVal, err := entry.DictGet("port").AsInt()
		if err != nil {
			continue
		}
		peer := metainfo.Peer{IP: net.ParseIP(string(ipStr)), Port: uint16(portVal)}
		if idVal := entry.DictGet("peer id"); idVal != nil {
			if idStr, err := idVal.AsString(); err == nil && len(idStr) == 20 {
				var id [20]byte
				copy(id[:], idStr)
				peer.ID = &id
			}
		}
		peers = append(peers, peer)
	}
	return peers, nil
}

package metainfo

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ParseMagnet parses a `magnet:?...` URI into a TorrentInfo with Info
// left nil — it is populated later by internal/metadata once a peer's
// ut_metadata extension hands over the info dictionary.
//
// Recognised parameters (spec.md §4.2): xt (required), dn, tr (repeats),
// x.pe (repeats). Unknown keys are ignored.
func ParseMagnet(uri string) (*TorrentInfo, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("metainfo: parsing magnet URI: %w", err)
	}
	if u.Scheme != "magnet" {
		return nil, fmt.Errorf("metainfo: not a magnet URI: %q", uri)
	}

	query := u.Query()

	xt := ""
	for _, v := range query["xt"] {
		if strings.HasPrefix(v, "urn:btih:") {
			xt = strings.TrimPrefix(v, "urn:btih:")
			break
		}
	}
	if xt == "" {
		return nil, fmt.Errorf("metainfo: magnet URI missing xt=urn:btih:<hash>")
	}

	hash, err := decodeBTIH(xt)
	if err != nil {
		return nil, fmt.Errorf("metainfo: decoding btih %q: %w", xt, err)
	}

	ti := &TorrentInfo{InfoHash: hash}

	for _, tr := range query["tr"] {
		switch {
		case strings.HasPrefix(tr, "http://"), strings.HasPrefix(tr, "https://"):
			ti.HTTPTrackers = append(ti.HTTPTrackers, tr)
		case strings.HasPrefix(tr, "udp://"):
			ti.UDPTrackers = append(ti.UDPTrackers, tr)
		}
	}

	for _, pe := range query["x.pe"] {
		peer, err := parseDirectPeer(pe)
		if err != nil {
			log.WithField("endpoint", pe).WithError(err).Warn("skipping malformed x.pe peer")
			continue
		}
		ti.DirectPeers = append(ti.DirectPeers, peer)
	}

	ti.DisplayName = query.Get("dn")

	return ti, nil
}

func decodeBTIH(s string) (InfoHash, error) {
	switch len(s) {
	case 40:
		b, err := hex.DecodeString(s)
		if err != nil {
			return InfoHash{}, err
		}
		var h InfoHash
		copy(h[:], b)
		return h, nil
	case 32:
		b, err := base32.StdEncoding.DecodeString(strings.ToUpper(s))
		if err != nil {
			return InfoHash{}, err
		}
		var h InfoHash
		copy(h[:], b)
		return h, nil
	default:
		return InfoHash{}, fmt.Errorf("unexpected btih length %d", len(s))
	}
}

func parseDirectPeer(endpoint string) (Peer, error) {
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return Peer{}, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return Peer{}, fmt.Errorf("invalid IP %q", host)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Peer{}, err
	}
	return Peer{IP: ip, Port: uint16(port)}, nil
}

// FlattenAnnounce merges `announce` and `announce-list` into deduplicated
// HTTP and UDP tracker URL sets. No DNS resolution happens here; UDP
// hostnames are resolved when internal/tracker builds each session, and
// a failure there skips only that tracker.
func FlattenAnnounce(announce string, announceList [][]string) (httpTrackers, udpTrackers []string) {
	seen := make(map[string]struct{})

	add := func(url string) {
		if url == "" {
			return
		}
		if _, dup := seen[url]; dup {
			return
		}
		seen[url] = struct{}{}

		switch {
		case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
			httpTrackers = append(httpTrackers, url)
		case strings.HasPrefix(url, "udp://"):
			// Actual DNS resolution happens per-session inside
			// internal/tracker when the session dials, so a bad
			// hostname fails only that tracker, not torrent load.
			udpTrackers = append(udpTrackers, url)
		}
	}

	add(announce)
	for _, tier := range announceList {
		for _, url := range tier {
			add(url)
		}
	}

	return httpTrackers, udpTrackers
}

// Package torrentfile wires one torrent's tracker pool, peer pool, piece
// manager and on-disk layout together and drives them to completion,
// generalizing the teacher's StartDownload/RefreshPeer pair
// (torrent/p2p.go) into a supervised task set (SPEC_FULL.md §5): one
// errgroup.Group per torrent, rooted in one cancellable context, instead
// of a bare sync.WaitGroup plus detached goroutines.
package torrentfile

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"gobt/internal/dht"
	"gobt/internal/logging"
	"gobt/internal/metadata"
	"gobt/internal/metainfo"
	"gobt/internal/peer"
	"gobt/internal/peerid"
	"gobt/internal/peerwire"
	"gobt/internal/piece"
	"gobt/internal/status"
	"gobt/internal/storage"
	"gobt/internal/tracker"
)

var log = logging.For("torrentfile")

// Options collects the tunables a CLI invocation supplies. There is no
// config file format (spec.md §1 Non-goals); a caller builds one of
// these as a struct literal per torrent.
type Options struct {
	DownloadDir   string
	MaxPeers      int
	// PipelineDepth is not passed to the piece manager, which always
	// allows piece.DefaultPipelineDepth outstanding requests per peer.
	PipelineDepth int
	RateLimit     int64 // aggregate bytes/sec across all peers; 0 = unlimited
	ListenPort    uint16
	ShowProgress  bool
}

// DefaultOptions returns sensible defaults, matching the teacher's own
// concurrency cap (torrent/p2p.go's `sem := make(chan struct{}, 10)`).
func DefaultOptions(downloadDir string) Options {
	return Options{
		DownloadDir:   downloadDir,
		MaxPeers:      10,
		PipelineDepth: piece.DefaultPipelineDepth,
		ListenPort:    6881,
		ShowProgress:  true,
	}
}

type peerHandle struct {
	conn     *peer.Connection
	outgoing chan peer.OutMessage
}

// Torrent drives a single torrent's full lifecycle: metadata bootstrap
// (if loaded from a magnet URI), tracker announces, peer dialing, and
// piece scheduling.
type Torrent struct {
	ti     *metainfo.TorrentInfo
	opts   Options
	peerID [20]byte

	layout   *storage.Layout
	pieceMgr *piece.Manager
	limiter  *rate.Limiter
	display  *status.Display
	dht      *dht.PortRegistry

	downloaded atomic.Int64

	mu    sync.Mutex
	conns map[piece.PeerKey]*peerHandle
}

// New builds a Torrent for ti, which may have a nil Info (magnet case) —
// Run resolves it via the metadata bootstrap before scheduling pieces.
func New(ti *metainfo.TorrentInfo, opts Options) (*Torrent, error) {
	id, err := peerid.Generate()
	if err != nil {
		return nil, errors.Wrap(err, "torrentfile: generating peer id")
	}

	t := &Torrent{
		ti:     ti,
		opts:   opts,
		peerID: id,
		conns:  make(map[piece.PeerKey]*peerHandle),
		dht:    dht.NewPortRegistry(),
	}
	if opts.RateLimit > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), int(opts.RateLimit))
	}
	return t, nil
}

// Done reports whether every piece has been verified and flushed.
func (t *Torrent) Done() bool {
	return t.pieceMgr != nil && t.pieceMgr.Done()
}

// Run blocks until ctx is cancelled or the torrent finishes downloading,
// whichever comes first.
func (t *Torrent) Run(ctx context.Context) error {
	started := time.Now()

	mux, err := tracker.NewUDPMux(ctx)
	if err != nil {
		return errors.Wrap(err, "torrentfile: binding UDP tracker socket")
	}
	defer mux.Close()

	if t.ti.Info == nil {
		info, err := t.bootstrapMetadata(ctx, mux)
		if err != nil {
			return errors.Wrap(err, "torrentfile: magnet metadata bootstrap")
		}
		t.ti.Info = info
		log.WithField("name", info.Name()).Info("metadata bootstrap complete")
	}

	t.layout = storage.NewLayout(t.ti.Info, t.opts.DownloadDir)
	if err := t.layout.Prepare(); err != nil {
		return errors.Wrap(err, "torrentfile: preparing file layout")
	}

	events := make(chan piece.Event, 256)
	disconn := make(chan piece.PeerKey, 16)
	haveOut := make(chan int, 16)
	verified := make(chan int, 16)
	cancels := make(chan piece.CancelRequest, 16)

	t.pieceMgr = piece.NewManager(t.ti.Info, t.layout, verified, disconn, haveOut, cancels)
	if t.opts.ShowProgress {
		t.display = status.New(t.ti.Info.Name(), t.ti.Info.NumPieces())
	}

	pool := tracker.NewPool(mux, http.DefaultClient, t.ti.HTTPTrackers, t.ti.UDPTrackers, t.announceParams)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error { pool.Run(gctx); return nil })
	g.Go(func() error { t.pieceMgr.Run(gctx, events); return nil })
	g.Go(func() error { return t.dialPeers(gctx, pool.Updates(), events) })
	g.Go(func() error { return t.watchDisconnects(gctx, disconn) })
	g.Go(func() error { return t.broadcastHaves(gctx, haveOut) })
	g.Go(func() error { return t.forwardCancels(gctx, cancels) })
	g.Go(func() error { return t.watchDHTPorts(gctx) })
	g.Go(func() error { return t.trackProgress(gctx, verified, cancel) })

	runErr := g.Wait()

	if t.display != nil {
		t.display.Finish(t.ti.Info.TotalSize(), time.Since(started))
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// bootstrapMetadata runs a short-lived tracker pool and peer fan-out
// (bounded the same way dialPeers is) purely to find one peer willing to
// hand over the info dictionary, generalizing the teacher's
// ConnectToPeers semaphore pattern (torrent/p2p.go) to a race among
// candidates instead of a "connect to all, then download" two-phase
// flow — the first Fetch to succeed wins and every other attempt is
// abandoned via context cancellation.
func (t *Torrent) bootstrapMetadata(ctx context.Context, mux *tracker.UDPMux) (*metainfo.Info, error) {
	bctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	pool := tracker.NewPool(mux, http.DefaultClient, t.ti.HTTPTrackers, t.ti.UDPTrackers, t.announceParams)
	go pool.Run(bctx)

	candidates := make(chan metainfo.Peer, 64)
	for _, p := range t.ti.DirectPeers {
		candidates <- p
	}
	go func() {
		for set := range pool.Updates() {
			for _, p := range set.Peers {
				select {
				case candidates <- p:
				default:
				}
			}
		}
	}()

	type fetchResult struct {
		info *metainfo.Info
		err  error
	}
	results := make(chan fetchResult, 1)
	sem := make(chan struct{}, t.opts.MaxPeers)
	var wg sync.WaitGroup

	attempt := func(p metainfo.Peer) {
		defer wg.Done()
		defer func() { <-sem }()

		conn, err := peer.Dial(bctx, p.Addr(), t.ti.InfoHash, t.peerID, 0, peerwire.DefaultMaxFrameSize)
		if err != nil {
			return
		}
		defer conn.Close()

		info, err := metadata.NewFetcher(conn, t.ti.InfoHash).Fetch(bctx)
		if err != nil {
			return
		}
		select {
		case results <- fetchResult{info: info}:
		default:
		}
	}

	for {
		select {
		case p, ok := <-candidates:
			if !ok {
				return nil, errors.New("torrentfile: no peer supplied metadata before the candidate source closed")
			}
			select {
			case sem <- struct{}{}:
				wg.Add(1)
				go attempt(p)
			default:
				// at capacity; drop this candidate, the next
				// tracker update will offer more.
			}
		case r := <-results:
			return r.info, r.err
		case <-bctx.Done():
			return nil, errors.Wrap(bctx.Err(), "torrentfile: metadata bootstrap timed out")
		}
	}
}

// dialPeers consumes newly discovered peers off updates (plus the
// magnet's x.pe direct peers) and spawns a bounded number of concurrent
// connections, mirroring the teacher's ConnectToPeers semaphore pattern.
func (t *Torrent) dialPeers(ctx context.Context, updates <-chan tracker.PeerSet, events chan<- piece.Event) error {
	sem := make(chan struct{}, t.opts.MaxPeers)
	var wg sync.WaitGroup
	defer wg.Wait()

	spawn := func(p metainfo.Peer) {
		t.mu.Lock()
		_, connected := t.conns[piece.PeerKey(p.Addr())]
		t.mu.Unlock()
		if connected {
			return
		}

		select {
		case sem <- struct{}{}:
		default:
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			t.runPeer(ctx, p, events)
		}()
	}

	for _, p := range t.ti.DirectPeers {
		spawn(p)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case set, ok := <-updates:
			if !ok {
				return nil
			}
			for _, p := range set.Peers {
				spawn(p)
			}
		}
	}
}

// runPeer dials one peer and drives its connection and request loop
// until either exits; a failure here only ends this peer, never the
// torrent (spec.md §5).
func (t *Torrent) runPeer(ctx context.Context, p metainfo.Peer, events chan<- piece.Event) {
	maxFrame := uint32(peerwire.DefaultMaxFrameSize)
	if want := uint32(t.ti.Info.PieceLength) + 13; want > maxFrame {
		maxFrame = want
	}

	conn, err := peer.Dial(ctx, p.Addr(), t.ti.InfoHash, t.peerID, t.ti.Info.NumPieces(), maxFrame)
	if err != nil {
		log.WithField("peer", p.Addr()).WithError(err).Debug("dial failed")
		return
	}

	outgoing := make(chan peer.OutMessage, 8)
	handle := &peerHandle{conn: conn, outgoing: outgoing}

	t.mu.Lock()
	t.conns[conn.Key()] = handle
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.conns, conn.Key())
		t.mu.Unlock()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return conn.Run(gctx, events, outgoing) })
	g.Go(func() error { return t.requestLoop(gctx, conn, outgoing) })

	select {
	case outgoing <- peer.OutMessage{Kind: peer.OutInterested}:
	case <-gctx.Done():
	}

	if err := g.Wait(); err != nil {
		log.WithField("peer", p.Addr()).WithError(err).Debug("peer connection ended")
	}
}

// requestLoop polls the piece manager for new rarest-first requests for
// conn's advertised bitfield and feeds them to the write loop, honoring
// the optional global rate limiter.
func (t *Torrent) requestLoop(ctx context.Context, conn *peer.Connection, outgoing chan<- peer.OutMessage) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if conn.PeerChoking() {
				continue
			}
			bits := conn.RemoteBitfield()
			if bits == nil {
				continue
			}

			for _, req := range t.pieceMgr.SelectRequests(conn.Key(), bits) {
				if t.limiter != nil {
					if err := t.limiter.WaitN(ctx, int(req.Length)); err != nil {
						return err
					}
				}
				out := peer.OutMessage{
					Kind:   peer.OutRequest,
					Index:  uint32(req.Index),
					Begin:  uint32(req.Begin),
					Length: uint32(req.Length),
				}
				select {
				case outgoing <- out:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

func (t *Torrent) watchDisconnects(ctx context.Context, disconn <-chan piece.PeerKey) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case key, ok := <-disconn:
			if !ok {
				return nil
			}
			t.mu.Lock()
			h, found := t.conns[key]
			t.mu.Unlock()
			if found {
				log.WithField("peer", key).Warn("disconnecting peer after repeated hash-mismatch contributions")
				h.conn.Close()
			}
		}
	}
}

// broadcastHaves fans a completed piece index out to every currently
// connected peer as a have message.
func (t *Torrent) broadcastHaves(ctx context.Context, haveOut <-chan int) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case idx, ok := <-haveOut:
			if !ok {
				return nil
			}
			t.mu.Lock()
			for _, h := range t.conns {
				select {
				case h.outgoing <- peer.OutMessage{Kind: peer.OutHave, Index: uint32(idx)}:
				default:
				}
			}
			t.mu.Unlock()
		}
	}
}

// forwardCancels turns a timed-out block (piece.CancelRequest) into a
// wire cancel on the peer connection that still thinks we want it.
func (t *Torrent) forwardCancels(ctx context.Context, cancels <-chan piece.CancelRequest) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-cancels:
			if !ok {
				return nil
			}
			t.mu.Lock()
			h, found := t.conns[c.Peer]
			t.mu.Unlock()
			if !found {
				continue
			}
			select {
			case h.outgoing <- peer.OutMessage{
				Kind:   peer.OutCancel,
				Index:  uint32(c.Index),
				Begin:  uint32(c.Begin),
				Length: uint32(c.Length),
			}:
			default:
			}
		}
	}
}

// watchDHTPorts periodically records every connected peer's advertised
// DHT port into the registry, seeding it for a future trackerless
// bootstrap (internal/dht is otherwise out of scope, spec.md Non-goals).
func (t *Torrent) watchDHTPorts(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.mu.Lock()
			for _, h := range t.conns {
				if port := h.conn.DHTPort(); port != 0 {
					t.dht.Record(h.conn.Addr(), port)
				}
			}
			t.mu.Unlock()
		}
	}
}

// DHTSeeds returns every peer DHT port recorded so far, for a future
// bootstrap process to consume.
func (t *Torrent) DHTSeeds() map[string]uint16 {
	return t.dht.Seeds()
}

// trackProgress updates the status display and the byte counter
// announceParams reports to trackers, cancelling the torrent's run
// context once every piece has been verified and flushed.
func (t *Torrent) trackProgress(ctx context.Context, verified <-chan int, cancel context.CancelFunc) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case idx, ok := <-verified:
			if !ok {
				return nil
			}

			length := t.ti.Info.PieceLength
			if idx == t.ti.Info.NumPieces()-1 {
				length = t.ti.Info.LastPieceLength()
			}
			t.downloaded.Add(length)

			if t.display != nil {
				t.display.PieceCompleted(int(length))
			}

			if t.pieceMgr.Done() {
				log.Info("all pieces verified and flushed")
				cancel()
				return nil
			}
		}
	}
}

// announceParams supplies the dynamic announce fields trackers expect;
// passed as a tracker.ParamsFunc so Pool never needs to know this
// torrent's progress bookkeeping.
func (t *Torrent) announceParams() tracker.Params {
	var left uint64 = 1 // unknown (magnet, Info not yet resolved)
	if t.ti.Info != nil {
		total := uint64(t.ti.Info.TotalSize())
		downloaded := uint64(t.downloaded.Load())
		if downloaded < total {
			left = total - downloaded
		} else {
			left = 0
		}
	}

	return tracker.Params{
		InfoHash:   t.ti.InfoHash,
		PeerID:     t.peerID,
		Port:       t.opts.ListenPort,
		Downloaded: uint64(t.downloaded.Load()),
		Left:       left,
		NumWant:    50,
		Key:        peerid.SessionKey(),
	}
}

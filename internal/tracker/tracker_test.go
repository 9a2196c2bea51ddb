package tracker

import (
	"context"
	"encoding/binary"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gobt/internal/metainfo"
)

func testParams() Params {
	var hash metainfo.InfoHash
	var id [20]byte
	for i := range hash {
		hash[i] = byte(i)
	}
	for i := range id {
		id[i] = byte(20 - i)
	}
	return Params{InfoHash: hash, PeerID: id, Port: 6881, Left: 1000, NumWant: 50}
}

// fakeUDPTracker answers exactly one connect and one announce request,
// mimicking BEP 15's wire layout closely enough to exercise UDPSession.
func fakeUDPTracker(t *testing.T) *net.UDPAddr {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	require.NoError(t, err)

	go func() {
		buf := make([]byte, 2048)
		for i := 0; i < 2; i++ {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			tid := binary.BigEndian.Uint32(buf[12:16])

			if n == 16 {
				resp := make([]byte, 16)
				binary.BigEndian.PutUint32(resp[0:4], actionConnect)
				binary.BigEndian.PutUint32(resp[4:8], tid)
				binary.BigEndian.PutUint64(resp[8:16], 0xCAFEBABE)
				conn.WriteToUDP(resp, addr)
				continue
			}

			// Announce request: reply with interval=1800, 1 leecher,
			// 2 seeders, and one compact peer (1.2.3.4:6969).
			resp := make([]byte, 26)
			binary.BigEndian.PutUint32(resp[0:4], actionAnnounce)
			binary.BigEndian.PutUint32(resp[4:8], tid)
			binary.BigEndian.PutUint32(resp[8:12], 1800)
			binary.BigEndian.PutUint32(resp[12:16], 1)
			binary.BigEndian.PutUint32(resp[16:20], 2)
			copy(resp[20:24], []byte{1, 2, 3, 4})
			binary.BigEndian.PutUint16(resp[24:26], 6969)
			conn.WriteToUDP(resp, addr)
		}
	}()

	return conn.LocalAddr().(*net.UDPAddr)
}

func TestUDPSessionConnectAndAnnounce(t *testing.T) {
	trackerAddr := fakeUDPTracker(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mux, err := NewUDPMux(ctx)
	require.NoError(t, err)
	defer mux.Close()

	sess, err := NewUDPSession(mux, "udp://"+trackerAddr.String(), testParams)
	require.NoError(t, err)
	assert.Equal(t, Disconnected, sess.State())

	result, err := sess.Announce(EventStarted)
	require.NoError(t, err)
	assert.Equal(t, Announced, sess.State())
	assert.Equal(t, 1800*time.Second, result.Interval)
	assert.Equal(t, 1, result.Leechers)
	assert.Equal(t, 2, result.Seeders)
	require.Len(t, result.Peers, 1)
	assert.Equal(t, "1.2.3.4", result.Peers[0].IP.String())
	assert.EqualValues(t, 6969, result.Peers[0].Port)
}

func TestHTTPSessionAnnounceCompactPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("compact"))
		// peers: one compact peer 5.6.7.8:4000, interval 900.
		body := "d8:intervali900e5:peers6:" + string([]byte{5, 6, 7, 8, 0x0f, 0xa0}) + "e"
		w.Write([]byte(body))
	}))
	defer srv.Close()

	sess := NewHTTPSession(srv.Client(), srv.URL+"/announce", testParams)
	result, err := sess.Announce(EventStarted)
	require.NoError(t, err)
	assert.Equal(t, 900*time.Second, result.Interval)
	require.Len(t, result.Peers, 1)
	assert.Equal(t, "5.6.7.8", result.Peers[0].IP.String())
	assert.EqualValues(t, 4000, result.Peers[0].Port)
}

func TestHTTPSessionAnnounceDictListPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := "d8:intervali300e5:peersl" +
			"d2:ip7:9.9.9.94:porti7000ee" +
			"ee"
		w.Write([]byte(body))
	}))
	defer srv.Close()

	sess := NewHTTPSession(srv.Client(), srv.URL+"/announce", testParams)
	result, err := sess.Announce(EventNone)
	require.NoError(t, err)
	require.Len(t, result.Peers, 1)
	assert.Equal(t, "9.9.9.9", result.Peers[0].IP.String())
	assert.EqualValues(t, 7000, result.Peers[0].Port)
}

func TestHTTPSessionAnnounceFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("d14:failure reason18:torrent not found!e"))
	}))
	defer srv.Close()

	sess := NewHTTPSession(srv.Client(), srv.URL+"/announce", testParams)
	_, err := sess.Announce(EventStarted)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "torrent not found")
	assert.Equal(t, Errored, sess.State())
}

func TestUDPMuxDropsMismatchedRemoteAddress(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mux, err := NewUDPMux(ctx)
	require.NoError(t, err)
	defer mux.Close()

	wrongRemote := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}
	ch := mux.register(42, wrongRemote)
	defer mux.unregister(42)

	other, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	require.NoError(t, err)
	defer other.Close()

	resp := make([]byte, 16)
	binary.BigEndian.PutUint32(resp[4:8], 42)
	_, err = other.WriteToUDP(resp, mux.conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	select {
	case <-ch:
		t.Fatal("expected the mismatched-address reply to be dropped")
	case <-time.After(200 * time.Millisecond):
	}
}

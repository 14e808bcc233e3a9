package tracker_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"riptide/peer"
	"riptide/torrent"
	"riptide/tracker"
)

func testMeta(announce string) *torrent.Metadata {
	m := &torrent.Metadata{
		Announce:    announce,
		Name:        "a.txt",
		PieceLength: 16384,
		Length:      16384,
	}
	copy(m.InfoHash[:], "aabbccddeeffgghhiijj")
	m.PieceHashes = make([][20]byte, 1)
	return m
}

func TestAnnounceCompact(t *testing.T) {
	var query url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		w.Write([]byte("d8:intervali900e12:min intervali60e5:peers12:" +
			"\xc0\xa8\x00\x01\x1a\xe1" + "\x0a\x00\x00\x07\x00\x50" + "e"))
	}))
	defer srv.Close()

	c := tracker.NewClient(testMeta(srv.URL), 6881)
	resp, err := c.Announce(context.Background(), tracker.EventStarted)
	if err != nil {
		t.Fatal(err)
	}

	if got := query.Get("info_hash"); got != "aabbccddeeffgghhiijj" {
		t.Errorf("info_hash = %q", got)
	}
	if got := query.Get("peer_id"); len(got) != 20 {
		t.Errorf("peer_id %q is not 20 bytes", got)
	}
	if query.Get("compact") != "1" || query.Get("event") != "started" {
		t.Errorf("query = %v", query)
	}
	if query.Get("port") != "6881" || query.Get("left") != "16384" {
		t.Errorf("query = %v", query)
	}

	if resp.Interval != 900 || resp.MinInterval != 60 {
		t.Errorf("intervals = %d/%d", resp.Interval, resp.MinInterval)
	}
	want := []peer.Addr{
		{IP: "192.168.0.1", Port: 6881},
		{IP: "10.0.0.7", Port: 80},
	}
	if len(resp.Peers) != 2 || resp.Peers[0] != want[0] || resp.Peers[1] != want[1] {
		t.Errorf("peers = %v, want %v", resp.Peers, want)
	}
}

func TestAnnounceDictModelAndDefaults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("d5:peersld2:ip8:10.1.2.34:porti6881e7:peer id20:aabbccddeeffgghhiijjeee"))
	}))
	defer srv.Close()

	c := tracker.NewClient(testMeta(srv.URL), 6881)
	resp, err := c.Announce(context.Background(), tracker.EventNone)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Peers) != 1 || resp.Peers[0].String() != "10.1.2.3:6881" {
		t.Errorf("peers = %v", resp.Peers)
	}
	if resp.Interval != 1800 || resp.MinInterval != 300 {
		t.Errorf("default intervals = %d/%d", resp.Interval, resp.MinInterval)
	}
}

func TestAnnounceOmitsEmptyEvent(t *testing.T) {
	var query url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		w.Write([]byte("d5:peers0:e"))
	}))
	defer srv.Close()

	c := tracker.NewClient(testMeta(srv.URL), 6881)
	if _, err := c.Announce(context.Background(), tracker.EventNone); err != nil {
		t.Fatal(err)
	}
	if _, present := query["event"]; present {
		t.Error("event parameter sent for periodic announce")
	}
}

func TestAnnounceFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("d14:failure reason15:torrent unknowne"))
	}))
	defer srv.Close()

	c := tracker.NewClient(testMeta(srv.URL), 6881)
	_, err := c.Announce(context.Background(), tracker.EventStarted)
	var terr *tracker.Error
	if !errors.As(err, &terr) {
		t.Fatalf("error %T, want *tracker.Error", err)
	}
	if terr.Reason != "torrent unknown" {
		t.Errorf("reason = %q", terr.Reason)
	}
}

func TestAnnounceUnsupportedScheme(t *testing.T) {
	c := tracker.NewClient(testMeta("udp://tracker.example:6969/announce"), 6881)
	_, err := c.Announce(context.Background(), tracker.EventStarted)
	var terr *tracker.Error
	if !errors.As(err, &terr) || terr.Reason == "" {
		t.Fatalf("got %v, want unsupported scheme error", err)
	}
}

func TestAnnounceNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := tracker.NewClient(testMeta(srv.URL), 6881)
	if _, err := c.Announce(context.Background(), tracker.EventStarted); err == nil {
		t.Fatal("announce succeeded against a 500 response")
	}
}

func TestAnnounceTiersFallback(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer bad.Close()
	var hits int
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("d5:peers6:\x7f\x00\x00\x01\x1a\xe1e"))
	}))
	defer good.Close()

	meta := testMeta(bad.URL)
	meta.AnnounceList = [][]string{{bad.URL, good.URL}}
	c := tracker.NewClient(meta, 6881)

	resp, err := c.AnnounceTiers(context.Background(), tracker.EventStarted)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Peers) != 1 || hits != 1 {
		t.Errorf("peers = %v, hits = %d", resp.Peers, hits)
	}

	// the answering URL is promoted, so the dead tracker is skipped now
	if _, err := c.AnnounceTiers(context.Background(), tracker.EventNone); err != nil {
		t.Fatal(err)
	}
	if hits != 2 {
		t.Errorf("good tracker hit %d times, want 2", hits)
	}
}

func TestAnnounceTiersAllFail(t *testing.T) {
	meta := testMeta("udp://a.example/announce")
	meta.AnnounceList = [][]string{{"udp://a.example/announce"}, {"wss://b.example/announce"}}
	c := tracker.NewClient(meta, 6881)
	if _, err := c.AnnounceTiers(context.Background(), tracker.EventStarted); err == nil {
		t.Fatal("expected aggregated error")
	}
}

func TestLeftClamped(t *testing.T) {
	var query url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		w.Write([]byte("d5:peers0:e"))
	}))
	defer srv.Close()

	c := tracker.NewClient(testMeta(srv.URL), 6881)
	c.RecordDownloaded(99999) // more than the torrent holds
	if _, err := c.Announce(context.Background(), tracker.EventCompleted); err != nil {
		t.Fatal(err)
	}
	if query.Get("left") != "0" {
		t.Errorf("left = %q, want 0", query.Get("left"))
	}
}

func TestPeerIDStable(t *testing.T) {
	c := tracker.NewClient(testMeta("http://x/announce"), 6881)
	if c.PeerID() != c.PeerID() {
		t.Error("peer id changed between calls")
	}
	id := c.PeerID()
	if string(id[:8]) != "-RP0001-" {
		t.Errorf("peer id prefix = %q", id[:8])
	}
}

// Package tracker implements the HTTP announce protocol used to
// discover peers for a torrent.
package tracker

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"riptide/bencode"
	"riptide/peer"
	"riptide/torrent"
)

// Event is the announce event parameter.
type Event string

const (
	EventNone      Event = "" // periodic re-announce
	EventStarted   Event = "started"
	EventStopped   Event = "stopped"
	EventCompleted Event = "completed"
)

// Default cadence when the tracker response omits the fields.
const (
	defaultInterval    = 1800
	defaultMinInterval = 300
)

// Error reports a failed announce. Reason carries the tracker's own
// failure message when one was returned.
type Error struct {
	URL    string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("tracker %s: %s", e.URL, e.Reason)
	}
	return fmt.Sprintf("tracker %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Response is a successful announce result. Interval and MinInterval
// are seconds and govern re-announce cadence; enforcing the cadence is
// the caller's concern.
type Response struct {
	Interval    int64
	MinInterval int64
	TrackerID   string
	Complete    int64
	Incomplete  int64
	Peers       []peer.Addr
}

// Client announces a single torrent to its trackers. The peer id is
// generated once per client and reused for every announce.
type Client struct {
	meta   *torrent.Metadata
	peerID [20]byte
	port   uint16
	tiers  [][]string // client-owned copy, reordered on success
	http   *http.Client

	uploaded   atomic.Int64
	downloaded atomic.Int64
}

func NewClient(meta *torrent.Metadata, port uint16) *Client {
	tiers := make([][]string, len(meta.Tiers()))
	for i, tier := range meta.Tiers() {
		tiers[i] = append([]string(nil), tier...)
	}
	return &Client{
		meta:   meta,
		peerID: generatePeerID(),
		port:   port,
		tiers:  tiers,
		http:   &http.Client{Timeout: 15 * time.Second},
	}
}

// Azureus-style id: client prefix plus random tail.
func generatePeerID() [20]byte {
	var id [20]byte
	copy(id[:], "-RP0001-")
	const symbols = "0123456789abcdefghijklmnopqrstuvwxyz"
	var tail [12]byte
	_, _ = rand.Read(tail[:])
	for i, b := range tail {
		id[8+i] = symbols[int(b)%len(symbols)]
	}
	return id
}

func (c *Client) PeerID() [20]byte {
	return c.peerID
}

// RecordUploaded adds to the uploaded counter reported to trackers.
func (c *Client) RecordUploaded(n int64) {
	c.uploaded.Add(n)
}

// RecordDownloaded adds to the downloaded counter reported to trackers.
func (c *Client) RecordDownloaded(n int64) {
	c.downloaded.Add(n)
}

// Announce performs one announce against the torrent's primary
// announce URL.
func (c *Client) Announce(ctx context.Context, event Event) (*Response, error) {
	return c.AnnounceURL(ctx, c.meta.Announce, event)
}

// AnnounceTiers walks the announce tiers in order, trying each URL of
// a tier before advancing to the next tier. A URL that answers is
// moved to the front of its tier for subsequent announces. The errors
// of every failed URL are aggregated when no tracker answers.
func (c *Client) AnnounceTiers(ctx context.Context, event Event) (*Response, error) {
	var errs error
	for _, tier := range c.tiers {
		for i, announce := range tier {
			resp, err := c.AnnounceURL(ctx, announce, event)
			if err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			if i > 0 {
				copy(tier[1:i+1], tier[:i])
				tier[0] = announce
			}
			return resp, nil
		}
	}
	if errs == nil {
		errs = fmt.Errorf("no announce URLs")
	}
	return nil, fmt.Errorf("all trackers failed: %w", errs)
}

// AnnounceURL performs one announce against the given URL.
func (c *Client) AnnounceURL(ctx context.Context, announce string, event Event) (*Response, error) {
	base, err := url.Parse(announce)
	if err != nil {
		return nil, &Error{URL: announce, Err: err}
	}
	switch base.Scheme {
	case "http", "https":
	default:
		return nil, &Error{URL: announce, Reason: fmt.Sprintf("unsupported tracker scheme %q", base.Scheme)}
	}

	downloaded := c.downloaded.Load()
	left := c.meta.TotalSize() - downloaded
	if left < 0 {
		left = 0
	}
	params := url.Values{
		"info_hash":  []string{string(c.meta.InfoHash[:])},
		"peer_id":    []string{string(c.peerID[:])},
		"port":       []string{strconv.Itoa(int(c.port))},
		"uploaded":   []string{strconv.FormatInt(c.uploaded.Load(), 10)},
		"downloaded": []string{strconv.FormatInt(downloaded, 10)},
		"left":       []string{strconv.FormatInt(left, 10)},
		"compact":    []string{"1"},
	}
	if event != EventNone {
		params.Set("event", string(event))
	}
	base.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.String(), nil)
	if err != nil {
		return nil, &Error{URL: announce, Err: err}
	}
	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{URL: announce, Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, &Error{URL: announce, Reason: "unexpected status " + httpResp.Status}
	}
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &Error{URL: announce, Err: err}
	}
	return parseResponse(announce, body)
}

func parseResponse(announce string, body []byte) (*Response, error) {
	v, err := bencode.Decode(body)
	if err != nil {
		return nil, &Error{URL: announce, Err: err}
	}
	dict, ok := v.Dict()
	if !ok {
		return nil, &Error{URL: announce, Reason: "response is not a dictionary"}
	}
	if reason, ok := dict["failure reason"]; ok {
		b, _ := reason.Bytes()
		return nil, &Error{URL: announce, Reason: string(b)}
	}

	resp := &Response{
		Interval:    defaultInterval,
		MinInterval: defaultMinInterval,
	}
	if n, ok := intField(dict, "interval"); ok {
		resp.Interval = n
	}
	if n, ok := intField(dict, "min interval"); ok {
		resp.MinInterval = n
	}
	if n, ok := intField(dict, "complete"); ok {
		resp.Complete = n
	}
	if n, ok := intField(dict, "incomplete"); ok {
		resp.Incomplete = n
	}
	if id, ok := dict["tracker id"]; ok {
		if b, ok := id.Bytes(); ok {
			resp.TrackerID = string(b)
		}
	}

	peersVal, ok := dict["peers"]
	if !ok {
		return nil, &Error{URL: announce, Reason: "response has no peers field"}
	}
	switch {
	case peersVal.IsString():
		b, _ := peersVal.Bytes()
		resp.Peers = peer.FromCompact(b)
	case peersVal.IsList():
		list, _ := peersVal.List()
		resp.Peers, err = parsePeerDicts(list)
		if err != nil {
			return nil, &Error{URL: announce, Err: err}
		}
	default:
		return nil, &Error{URL: announce, Reason: "peers field is neither compact nor a list"}
	}
	return resp, nil
}

func intField(dict map[string]bencode.Value, key string) (int64, bool) {
	v, ok := dict[key]
	if !ok {
		return 0, false
	}
	return v.Integer()
}

// Non-compact peer model: a list of dictionaries with ip, port and an
// optional peer id.
func parsePeerDicts(list []bencode.Value) ([]peer.Addr, error) {
	addrs := make([]peer.Addr, 0, len(list))
	for _, v := range list {
		dict, ok := v.Dict()
		if !ok {
			return nil, fmt.Errorf("peer entry is not a dictionary")
		}
		ipVal, ok := dict["ip"]
		if !ok {
			return nil, fmt.Errorf("peer entry has no ip")
		}
		ip, ok := ipVal.Bytes()
		if !ok {
			return nil, fmt.Errorf("peer ip is not a string")
		}
		port, ok := intField(dict, "port")
		if !ok || port < 0 || port > 65535 {
			return nil, fmt.Errorf("peer entry has a bad port")
		}
		addrs = append(addrs, peer.Addr{IP: string(ip), Port: uint16(port)})
	}
	return addrs, nil
}

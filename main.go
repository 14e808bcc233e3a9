package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"

	"github.com/gosuri/uiprogress"
	"github.com/rs/zerolog"

	"riptide/download"
	"riptide/peer"
	"riptide/torrent"
	"riptide/tracker"
)

// progressNotifier feeds coordinator events into the terminal bar and
// the structured log at the same time.
type progressNotifier struct {
	log   download.LogNotifier
	bar   *uiprogress.Bar
	peers atomic.Int32
}

func (n *progressNotifier) PeerConnected(addr peer.Addr) {
	n.peers.Add(1)
	n.log.PeerConnected(addr)
}

func (n *progressNotifier) PeerFailed(addr peer.Addr, err error) {
	n.log.PeerFailed(addr, err)
}

func (n *progressNotifier) PeerDropped(addr peer.Addr) {
	n.peers.Add(-1)
	n.log.PeerDropped(addr)
}

func (n *progressNotifier) PieceVerified(index int) {
	if n.bar != nil {
		n.bar.Incr()
	}
	n.log.PieceVerified(index)
}

func (n *progressNotifier) PieceFailed(index int, err error) {
	n.log.PieceFailed(index, err)
}

func newProgressBar(n *progressNotifier, numPieces int) *uiprogress.Bar {
	uiprogress.Start()
	bar := uiprogress.AddBar(numPieces)
	bar.AppendCompleted()
	bar.AppendFunc(func(b *uiprogress.Bar) string {
		return "pieces: " + strconv.Itoa(b.Current()) + "/" + strconv.Itoa(numPieces)
	})
	bar.AppendFunc(func(b *uiprogress.Bar) string {
		return "peers: " + strconv.Itoa(int(n.peers.Load()))
	})
	bar.AppendElapsed()
	return bar
}

func main() {
	var (
		output     = flag.String("o", "", "output file (defaults to the name in the metainfo)")
		port       = flag.Uint("port", 6881, "port reported to the tracker")
		verbose    = flag.Bool("v", false, "debug logging")
		noProgress = flag.Bool("no-progress", false, "disable the progress bar")
	)
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] file.torrent\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()

	if err := run(log, flag.Arg(0), *output, uint16(*port), !*noProgress); err != nil {
		log.Fatal().Err(err).Msg("download failed")
	}
}

func run(log zerolog.Logger, torrentPath, outputPath string, port uint16, showProgress bool) error {
	data, err := os.ReadFile(torrentPath)
	if err != nil {
		return err
	}
	meta, err := torrent.Load(data)
	if err != nil {
		return err
	}
	if outputPath == "" {
		outputPath = meta.Name
	}
	log.Info().
		Str("name", meta.Name).
		Int("pieces", meta.NumPieces()).
		Int64("size", meta.TotalSize()).
		Hex("info_hash", meta.InfoHash[:]).
		Msg("loaded metainfo")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := tracker.NewClient(meta, port)
	resp, err := client.AnnounceTiers(ctx, tracker.EventStarted)
	if err != nil {
		return err
	}
	log.Info().Int("peers", len(resp.Peers)).Int64("interval", resp.Interval).Msg("tracker responded")
	if len(resp.Peers) == 0 {
		return fmt.Errorf("tracker returned no peers")
	}

	notify := &progressNotifier{log: download.LogNotifier{Log: log}}
	if showProgress {
		notify.bar = newProgressBar(notify, meta.NumPieces())
		defer uiprogress.Stop()
	}

	store := download.NewMemoryStore()
	coord := download.NewCoordinator(meta, client.PeerID(), store, notify, download.DefaultConfig())
	defer coord.CloseAll()

	if err := coord.Download(ctx, resp.Peers); err != nil {
		if _, aerr := client.AnnounceTiers(context.Background(), tracker.EventStopped); aerr != nil {
			log.Warn().Err(aerr).Msg("stopped announce failed")
		}
		return err
	}

	client.RecordDownloaded(meta.TotalSize())
	if _, err := client.AnnounceTiers(ctx, tracker.EventCompleted); err != nil {
		log.Warn().Err(err).Msg("completed announce failed")
	}

	return writeOutput(outputPath, store, meta)
}

// writeOutput flattens the verified pieces into the output file in
// index order.
func writeOutput(path string, store *download.MemoryStore, meta *torrent.Metadata) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()

	for i := 0; i < meta.NumPieces(); i++ {
		piece, err := store.Piece(i)
		if err != nil {
			return err
		}
		if _, err := out.Write(piece); err != nil {
			return err
		}
	}
	return out.Close()
}

// Command gobt is the reference CLI for the engine: `add` enqueues and
// downloads a torrent, `list` prints the queue. It replaces the
// teacher's single-shot main.go (parse one file, print the tracker
// response, exit) with the two subcommands spec.md §6 specifies.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gobt/internal/logging"
	"gobt/internal/metainfo"
	"gobt/internal/torrentfile"
)

// Exit codes per spec.md §6.
const (
	exitSuccess = 0
	exitUsage   = 1
	exitFatal   = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func init() {
	if os.Getenv("GOBT_DEBUG") != "" {
		logging.SetLevel(logrus.DebugLevel)
	}
}

func run(args []string) int {
	if len(args) < 1 {
		usage()
		return exitUsage
	}

	switch args[0] {
	case "add":
		return cmdAdd(args[1:])
	case "list":
		return cmdList(args[1:])
	default:
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: gobt add <torrent-file|magnet-uri> [download-dir]")
	fmt.Fprintln(os.Stderr, "       gobt list [download-dir]")
}

func cmdAdd(args []string) int {
	if len(args) < 1 {
		usage()
		return exitUsage
	}

	source := args[0]
	dir := "."
	if len(args) >= 2 {
		dir = args[1]
	}

	ti, err := parseSource(source)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gobt: %v\n", err)
		return exitFatal
	}

	id := uuid.New().String()
	name := ti.Name()
	if name == "" {
		name = "(unknown, pending metadata)"
	}

	if err := appendQueueEntry(dir, queueEntry{
		ID:       id,
		Source:   source,
		InfoHash: ti.InfoHash.String(),
		Name:     name,
		AddedAt:  time.Now(),
		Status:   "queued",
	}); err != nil {
		fmt.Fprintf(os.Stderr, "gobt: writing queue: %v\n", err)
		return exitFatal
	}

	t, err := torrentfile.New(ti, torrentfile.DefaultOptions(dir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "gobt: %v\n", err)
		return exitFatal
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	updateQueueStatus(dir, id, "downloading")

	if err := t.Run(ctx); err != nil {
		updateQueueStatus(dir, id, "failed")
		fmt.Fprintf(os.Stderr, "gobt: download failed: %v\n", err)
		return exitFatal
	}

	finalStatus := "complete"
	if !t.Done() {
		finalStatus = "interrupted"
	}
	updateQueueStatus(dir, id, finalStatus)

	return exitSuccess
}

func cmdList(args []string) int {
	dir := "."
	if len(args) >= 1 {
		dir = args[0]
	}

	entries, err := loadQueue(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gobt: reading queue: %v\n", err)
		return exitFatal
	}
	if len(entries) == 0 {
		fmt.Println("queue is empty")
		return exitSuccess
	}

	for _, e := range entries {
		fmt.Printf("%s  %-12s  %-40s  %s\n", e.AddedAt.Format(time.RFC3339), e.Status, e.Name, e.InfoHash)
	}
	return exitSuccess
}

func parseSource(source string) (*metainfo.TorrentInfo, error) {
	if strings.HasPrefix(source, "magnet:") {
		return metainfo.ParseMagnet(source)
	}
	return metainfo.ParseFile(source)
}

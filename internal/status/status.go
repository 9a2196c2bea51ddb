// Package status renders the CLI's rolling download display, replacing
// the teacher's inline `fmt.Printf("\r[%s]\t[%s] ...")` bar (built from
// strings.Repeat and a hand-rolled speed window in
// torrent/p2p.go's StartDownload) with the library stack the teacher's
// go.mod already declared but never wired up: schollz/progressbar for
// the bar itself, mitchellh/colorstring for the name/percentage
// coloring, rivo/uniseg for width-aware name truncation on narrow
// terminals, and dustin/go-humanize for byte-rate formatting.
package status

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mitchellh/colorstring"
	"github.com/rivo/uniseg"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// Display drives one torrent's rolling progress line.
type Display struct {
	name string
	bar  *progressbar.ProgressBar

	samples        []speedSample
	windowDuration time.Duration
}

type speedSample struct {
	bytes int64
	at    time.Time
}

// New builds a Display for a torrent with totalPieces pieces.
func New(name string, totalPieces int) *Display {
	width := terminalNameWidth()
	label := truncateName(name, width)

	bar := progressbar.NewOptions(totalPieces,
		progressbar.OptionSetDescription(colorstring.Color("[cyan]"+label+"[reset]")),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
		progressbar.OptionSetRenderBlankState(true),
	)

	return &Display{name: name, bar: bar, windowDuration: 5 * time.Second}
}

// terminalNameWidth caps the torrent name label so the bar itself always
// has room on narrow terminals; falls back to 24 columns if the
// terminal size can't be determined (piped output, CI) or the terminal
// is 60 columns wide or less.
func terminalNameWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 60 {
		return w/2 - 10
	}
	return 24
}

// truncateName shortens name to at most width *display* columns,
// counting grapheme clusters via uniseg rather than bytes or runes, so
// multi-byte torrent names (CJK, emoji release tags) aren't cut
// mid-character.
func truncateName(name string, width int) string {
	if width <= 0 {
		return name
	}
	g := uniseg.NewGraphemes(name)
	var out []rune
	cols := 0
	for g.Next() {
		cw := uniseg.StringWidth(g.Str())
		if cols+cw > width {
			return string(out) + "…"
		}
		out = append(out, g.Runes()...)
		cols += cw
	}
	return string(out)
}

// PieceCompleted advances the bar by one piece and records a speed
// sample for the rolling-rate calculation.
func (d *Display) PieceCompleted(bytes int) {
	d.bar.Add(1)
	d.samples = append(d.samples, speedSample{bytes: int64(bytes), at: time.Now()})
	d.trimSamples()
}

func (d *Display) trimSamples() {
	cutoff := time.Now().Add(-d.windowDuration)
	i := 0
	for i < len(d.samples) && d.samples[i].at.Before(cutoff) {
		i++
	}
	d.samples = d.samples[i:]
}

// Rate returns the current rolling download rate as a human-readable
// string (e.g. "4.2 MB/s"), per spec.md's 5 s sliding window.
func (d *Display) Rate() string {
	if len(d.samples) == 0 {
		return humanize.Bytes(0) + "/s"
	}

	var total int64
	for _, s := range d.samples {
		total += s.bytes
	}

	elapsed := d.windowDuration.Seconds()
	if len(d.samples) > 1 {
		elapsed = d.samples[len(d.samples)-1].at.Sub(d.samples[0].at).Seconds()
	}
	if elapsed <= 0 {
		elapsed = 1
	}

	return humanize.Bytes(uint64(float64(total)/elapsed)) + "/s"
}

// Finish marks the bar complete and prints a final summary line.
func (d *Display) Finish(total int64, elapsed time.Duration) {
	d.bar.Finish()
	line := colorstring.Color(fmt.Sprintf(
		"[green]%s[reset] downloaded %s in %s",
		d.name, humanize.Bytes(uint64(total)), elapsed.Round(time.Second)))
	fmt.Fprintln(os.Stderr, line)
}

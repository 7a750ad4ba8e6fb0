package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/gentam/rkflash"
)

// renderer draws progress events. On a terminal it redraws one status line
// with a bar; otherwise it prints one line per phase change and per 10%.
type renderer struct {
	mu     sync.Mutex
	w      io.Writer
	tty    bool
	prefix string
	last   rkflash.Event
}

func newRenderer(prefix string) *renderer {
	return &renderer{
		w:      os.Stderr,
		tty:    term.IsTerminal(int(os.Stderr.Fd())),
		prefix: prefix,
	}
}

// line is the rendered form without the bar.
func line(e rkflash.Event) string {
	s := fmt.Sprintf("%-18s %3d%%", e.Phase, e.Percent)
	if e.TotalBytes > 0 {
		s += fmt.Sprintf(" %d/%d", e.BytesWritten, e.TotalBytes)
	}
	if e.Message != "" {
		s += " " + e.Message
	}
	return s
}

func (r *renderer) handle(e rkflash.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer func() { r.last = e }()

	if !r.tty {
		if e.Phase != r.last.Phase || e.Percent/10 != r.last.Percent/10 || e.Phase == rkflash.PhaseFailed {
			fmt.Fprintf(r.w, "%s%s\n", r.prefix, line(e))
		}
		return
	}

	width := 80
	if w, _, err := term.GetSize(int(os.Stderr.Fd())); err == nil && w > 0 {
		width = w
	}
	const barWidth = 20
	filled := e.Percent * barWidth / 100
	bar := "[" + strings.Repeat("#", filled) + strings.Repeat(".", barWidth-filled) + "] "
	s := r.prefix + bar + line(e)
	if len(s) > width-1 {
		s = s[:width-1]
	}
	fmt.Fprintf(r.w, "\r\x1b[K%s", s)
	if e.Phase == rkflash.PhaseCompleted || e.Phase == rkflash.PhaseFailed {
		fmt.Fprintln(r.w)
	}
}

// follow renders events of b until the returned function is called.
func (r *renderer) follow(b *rkflash.Broadcaster) func() {
	events, cancel := b.Subscribe(64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range events {
			r.handle(e)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

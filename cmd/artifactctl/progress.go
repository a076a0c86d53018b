package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/pterm/pterm"

	"github.com/meigma/artifactcache/progress"
)

// progressView draws one progress bar per transfer from a reporter's push
// channel. Transfers within one request run one after another, so at most
// one bar is live at a time.
type progressView struct {
	out     io.Writer
	watcher *progress.Watcher
	done    chan struct{}

	mu   sync.Mutex
	bars map[string]*bar
}

type bar struct {
	printer *pterm.ProgressbarPrinter
	shown   int
}

func watchProgress(r *progress.Reporter, out io.Writer) *progressView {
	v := &progressView{
		out:     out,
		watcher: r.Watch(256),
		done:    make(chan struct{}),
		bars:    make(map[string]*bar),
	}
	go v.run()
	return v
}

func (v *progressView) run() {
	defer close(v.done)
	for e := range v.watcher.C {
		v.apply(e)
	}
}

func (v *progressView) apply(e progress.Event) {
	v.mu.Lock()
	defer v.mu.Unlock()

	b, ok := v.bars[e.TaskID]
	if !ok && !e.Phase.Terminal() {
		title := e.DisplayName
		if e.Batch != nil {
			title = fmt.Sprintf("[%d/%d] %s", e.Batch.Index, e.Batch.Count, title)
		}
		p, err := pterm.DefaultProgressbar.
			WithTotal(100).
			WithTitle(title).
			WithWriter(v.out).
			WithRemoveWhenDone(true).
			Start()
		if err != nil {
			return
		}
		b = &bar{printer: p}
		v.bars[e.TaskID] = b
	}

	if b != nil {
		if pct := int(e.Percent); pct > b.shown {
			b.printer.Add(pct - b.shown)
			b.shown = pct
		}
	}

	switch e.Phase {
	case progress.PhaseComplete:
		v.stop(e.TaskID, b)
		pterm.Success.WithWriter(v.out).Printfln("%s (%s)", e.DisplayName, e.Backend)
	case progress.PhaseError:
		v.stop(e.TaskID, b)
		pterm.Error.WithWriter(v.out).Printfln("%s: %s", e.DisplayName, e.Message)
	}
}

func (v *progressView) stop(id string, b *bar) {
	if b != nil {
		_, _ = b.printer.Stop()
	}
	delete(v.bars, id)
}

// Close drains the remaining events and removes any bar still shown.
func (v *progressView) Close() {
	v.watcher.Close()
	<-v.done
	v.mu.Lock()
	defer v.mu.Unlock()
	for id, b := range v.bars {
		v.stop(id, b)
	}
}

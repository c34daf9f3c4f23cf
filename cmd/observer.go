package main

import (
	"io"
	"sync"
	"time"

	"github.com/dargueta/compactvd/images/progress"
	"github.com/schollz/progressbar/v3"
)

const barSteps = 1000

// progressBar draws the progress of image tasks on a terminal, one bar per task.
type progressBar struct {
	lock   sync.Mutex
	writer io.Writer
	task   progress.Task
	bar    *progressbar.ProgressBar
}

func newProgressBar(writer io.Writer) *progressBar {
	return &progressBar{writer: writer}
}

func (p *progressBar) OnUpdate(source any, event progress.Event) {
	update, ok := event.(progress.Progress)
	if !ok {
		return
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	if p.bar == nil || update.Task != p.task {
		p.finishLocked()
		p.task = update.Task
		p.bar = progressbar.NewOptions(
			barSteps,
			progressbar.OptionSetDescription(update.Task.String()),
			progressbar.OptionSetWriter(p.writer),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionFullWidth(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	}

	p.bar.Set(int(update.Value * barSteps))
	if update.Done {
		p.finishLocked()
	}
}

func (p *progressBar) finishLocked() {
	if p.bar == nil {
		return
	}
	p.bar.Finish()
	io.WriteString(p.writer, "\n")
	p.bar = nil
	p.task = progress.NoTask
}

// finish closes the bar of an interrupted task.
func (p *progressBar) finish() {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.finishLocked()
}

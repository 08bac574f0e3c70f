package main

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"dropxfer/pkg/transfer"
)

// barObserver renders one progress bar per transfer task.
type barObserver struct {
	mu   sync.Mutex
	bars map[string]*progressbar.ProgressBar
}

func newBarObserver() *barObserver {
	return &barObserver{bars: make(map[string]*progressbar.ProgressBar)}
}

func (o *barObserver) TaskChanged(task transfer.Task) {
	if task.Status == transfer.StatusPending {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	bar, ok := o.bars[task.ID]
	if !ok {
		if task.Status.IsTerminal() && task.TotalBytes == 0 {
			return
		}
		bar = progressbar.NewOptions64(task.TotalBytes,
			progressbar.OptionSetDescription(task.FileName),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(40),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionOnCompletion(func() {
				fmt.Fprintln(os.Stderr)
			}),
			progressbar.OptionSetRenderBlankState(true),
		)
		o.bars[task.ID] = bar
	}

	if task.TotalBytes > 0 && bar.GetMax64() != task.TotalBytes {
		bar.ChangeMax64(task.TotalBytes)
	}
	_ = bar.Set64(task.TransferredBytes)

	switch task.Status {
	case transfer.StatusCompleted:
		_ = bar.Finish()
	case transfer.StatusFailed, transfer.StatusCancelled:
		bar.Describe(fmt.Sprintf("%s (%s)", task.FileName, task.Status))
		_ = bar.Exit()
		fmt.Fprintln(os.Stderr)
	}
}

func (o *barObserver) TaskDismissed(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.bars, id)
}

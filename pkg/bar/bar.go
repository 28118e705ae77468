package bar

import (
	"context"
	"time"

	"github.com/k0kubun/go-ansi"
	"github.com/schollz/progressbar/v3"
)

// New returns a bar counting to length.
func New(length int, text string) *progressbar.ProgressBar {
	return progressbar.NewOptions(
		length,
		progressbar.OptionSetWriter(ansi.NewAnsiStdout()),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(20),
		progressbar.OptionSetDescription(text),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

// Wait blocks for d while filling a bar once per tick, it returns early when ctx is done.
func Wait(ctx context.Context, d time.Duration, tick time.Duration, text string) error {
	steps := int(d / tick)
	if steps < 1 {
		steps = 1
	}
	b := New(steps, text)
	defer b.Finish()
	t := time.NewTicker(tick)
	defer t.Stop()
	for i := 0; i < steps; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			b.Add(1)
		}
	}
	return nil
}

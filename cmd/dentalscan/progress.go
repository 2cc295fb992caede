package main

import (
	"fmt"

	"github.com/pterm/pterm"
	"go.uber.org/zap"

	"dentalscan/pkg/progress"
)

type progressSpinner interface {
	Stop() error
	Success(...any)
	Fail(...any)
	UpdateText(string)
}

type progressSpinnerFactory func(text string) (progressSpinner, error)

func defaultSpinnerFactory(text string) (progressSpinner, error) {
	return pterm.DefaultSpinner.
		WithRemoveWhenDone(false).
		WithText(text).
		Start()
}

var newSpinner progressSpinnerFactory = defaultSpinnerFactory

// spinnerProgress renders progress events of one long running step on a
// terminal spinner. Producers only ever see the non-blocking channel.
type spinnerProgress struct {
	text    string
	events  *progress.Channel
	spinner progressSpinner
	done    chan struct{}
}

// startProgress starts a spinner for text. When output is disabled, or the
// spinner cannot start, updates are logged instead.
func startProgress(text string, enabled bool, logger *zap.SugaredLogger) (progress.Reporter, func(error)) {
	if !enabled {
		return progress.NewLog(logger), func(error) {}
	}
	spinner, err := newSpinner(text)
	if err != nil {
		logger.Debugw("progress spinner unavailable", "error", err)
		return progress.NewLog(logger), func(error) {}
	}

	sp := &spinnerProgress{
		text:    text,
		events:  progress.NewChannel(64),
		spinner: spinner,
		done:    make(chan struct{}),
	}
	go sp.consume()
	return sp.events, sp.finish
}

func (sp *spinnerProgress) consume() {
	defer close(sp.done)
	for e := range sp.events.Events() {
		if e.Done {
			continue
		}
		sp.spinner.UpdateText(fmt.Sprintf("%s: %s %3.0f%%", sp.text, e.Stage, e.Fraction*100))
	}
}

// finish closes the event stream, waits for the consumer and leaves the
// spinner in its final state.
func (sp *spinnerProgress) finish(err error) {
	sp.events.Done()
	<-sp.done
	if err != nil {
		sp.spinner.Fail(fmt.Sprintf("%s: %v", sp.text, err))
		return
	}
	sp.spinner.Success(sp.text)
}

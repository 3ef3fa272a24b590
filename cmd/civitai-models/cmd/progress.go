package cmd

import (
	"fmt"
	"os"

	"go-civitai-models/internal/downloader"

	"github.com/gosuri/uilive"
	log "github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// progressPrinter renders transfer progress in place on a terminal and as
// log lines otherwise.
type progressPrinter struct {
	label  string
	writer *uilive.Writer
}

func newProgressPrinter(label string) *progressPrinter {
	p := &progressPrinter{label: label}
	if term.IsTerminal(int(os.Stdout.Fd())) {
		p.writer = uilive.New()
		p.writer.Start()
	}
	return p
}

func (p *progressPrinter) Update(ev downloader.Progress) {
	if p.writer != nil {
		fmt.Fprintf(p.writer, "%s: %s\n", p.label, ev)
		return
	}
	log.WithField("file", p.label).Info(ev.String())
}

func (p *progressPrinter) Stop() {
	if p.writer != nil {
		p.writer.Stop()
	}
}

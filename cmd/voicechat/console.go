package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/loqalabs/loqa-voicechat/internal/catalog"
	"github.com/loqalabs/loqa-voicechat/internal/turn"
)

// console renders controller events as terminal lines.
type console struct {
	mu  sync.Mutex
	out io.Writer
}

func newConsole(out io.Writer) *console {
	return &console{out: out}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

func (c *console) StateChanged(_, to turn.State) {
	switch to {
	case turn.Listening:
		c.printf("· listening")
	case turn.Pending:
		c.printf("· thinking...")
	case turn.Speaking:
		c.printf("· speaking")
	}
}

func (c *console) Caption(text string) {
	if text != "" {
		c.printf("coach: %s", text)
	}
}

func (c *console) Error(err error) {
	c.printf("! %v", err)
}

func (c *console) banner(sel catalog.Selection, source string) {
	c.printf("voicechat %s, model %s, input %s", version, sel, source)
	c.printf("press Enter to start the conversation; /models, /model <provider> <model>, /quit")
}

func (c *console) models(listing catalog.Listing, current catalog.Selection) {
	for _, p := range listing.Providers {
		c.printf("%s (%s)", p.Name, p.ID)
		for _, m := range p.Models {
			marker := " "
			if p.ID == current.ProviderID && m.ID == current.ModelID {
				marker = "*"
			}
			c.printf(" %s %-32s %s", marker, m.ID, m.Description)
		}
	}
}

func (c *console) selected(sel catalog.Selection) {
	c.printf("· next reply from %s", sel)
}

func (c *console) notListening(state turn.State) {
	c.printf("! not listening (%s); input dropped", state)
}

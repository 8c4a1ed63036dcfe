package app

import (
	"fmt"
	"io"
	"sync"

	"github.com/pawgo/voice/internal/voice"
)

// printer streams transcript deltas to the terminal, one labelled line per
// speaker run.
type printer struct {
	mu   sync.Mutex
	w    io.Writer
	open bool
	last voice.Role
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w}
}

func label(r voice.Role) string {
	if r == voice.RoleUser {
		return "you"
	}
	return "pawgo"
}

func (p *printer) delta(role voice.Role, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open || role != p.last {
		if p.open {
			fmt.Fprintln(p.w)
		}
		fmt.Fprintf(p.w, "%s: ", label(role))
		p.open, p.last = true, role
	}
	fmt.Fprint(p.w, text)
}

func (p *printer) endTurn() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.open {
		fmt.Fprintln(p.w)
		p.open = false
	}
}

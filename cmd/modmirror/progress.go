package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"
)

const defaultColumns = 100

// terminalProgress prints one status line per step, padded to the terminal
// width so that a shorter line fully overwrites a longer one.
type terminalProgress struct {
	out           io.Writer
	columns       int
	flush         bool
	keepImportant bool
}

func newTerminalProgress(out *os.File, flush, keepImportant bool) *terminalProgress {
	columns := defaultColumns
	if w, _, err := term.GetSize(int(out.Fd())); err == nil && w > 0 {
		columns = w
	}
	return &terminalProgress{
		out:           out,
		columns:       columns,
		flush:         flush,
		keepImportant: keepImportant,
	}
}

// Report implements mirror.Progress.
func (p *terminalProgress) Report(i, n int, msg string, important bool) {
	line := fmt.Sprintf("Processing mod %d of %d: %s", i, n, msg)
	if pad := p.columns - utf8.RuneCountInString(line); pad > 0 {
		line += strings.Repeat(" ", pad)
	}

	end := "\r\n"
	if p.flush && !(important && p.keepImportant) {
		// overwritten by the next line
		end = "\r"
	}
	fmt.Fprint(p.out, line+end)
}

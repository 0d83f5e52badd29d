package cmd

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/peterh/liner"
)

// lineNoise is the line editor used by the interactive prompt.
type lineNoise struct {
	*liner.State
}

func newLineNoise() *lineNoise {
	ln := &lineNoise{liner.NewLiner()}
	ln.SetCtrlCAborts(true)
	return ln
}

func (ln *lineNoise) HistoryLoad(filepath string) error {
	content, err := os.ReadFile(filepath)
	if err != nil {
		return err
	}
	_, err = ln.ReadHistory(bytes.NewReader(content))
	return err
}

func (ln *lineNoise) HistorySave(filepath string) error {
	var buf bytes.Buffer
	if _, err := ln.WriteHistory(&buf); err != nil {
		return err
	}
	return os.WriteFile(filepath, buf.Bytes(), 0644)
}

func (ln *lineNoise) ClearScreen(out io.Writer) error {
	_, err := fmt.Fprint(out, "\x1b[H\x1b[2J")
	return err
}

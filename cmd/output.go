package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/tidwall/pretty"
)

type outputOptions struct {
	raw   bool
	color bool
}

// writeJSON prints a JSON document, indented unless raw is set. Color is only
// used when w is a terminal.
func writeJSON(w io.Writer, data []byte, opts outputOptions) error {
	if len(data) == 0 {
		data = []byte("null")
	}

	if opts.raw {
		data = pretty.Ugly(data)
	} else {
		data = pretty.Pretty(data)
		if f, ok := w.(*os.File); ok && opts.color && isTerminal(f) {
			data = pretty.Color(data, nil)
		}
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	if opts.raw {
		_, err := io.WriteString(w, "\n")
		return err
	}
	return nil
}

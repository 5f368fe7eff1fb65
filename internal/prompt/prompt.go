// Package prompt asks the user for yes/no confirmation on a terminal.
package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Confirmer reads answers from in and writes questions to out.
type Confirmer struct {
	in  *bufio.Reader
	out io.Writer
}

// New creates a Confirmer.
func New(in io.Reader, out io.Writer) *Confirmer {
	return &Confirmer{in: bufio.NewReader(in), out: out}
}

// Confirm asks question until the answer is yes or no. End of input counts as no.
func (c *Confirmer) Confirm(ctx context.Context, question string) (bool, error) {
	if _, err := fmt.Fprintf(c.out, "%s [yes, no]\n >>> ", question); err != nil {
		return false, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		line, err := c.in.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return false, fmt.Errorf("failed to read answer: %w", err)
		}

		switch strings.TrimSpace(line) {
		case "yes":
			return true, nil
		case "no":
			return false, nil
		}

		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if _, err := fmt.Fprint(c.out, "Usage: 'yes' or 'no'\n >>> "); err != nil {
			return false, err
		}
	}
}

package cli

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
)

func IsTerminal() bool { return isatty.IsTerminal(os.Stdin.Fd()) }

// MainLoop runs interactive prompt on a terminal, otherwise executes stdin
// lines. Returns on EOF, Ctrl-D or ctx done.
func MainLoop(ctx context.Context, tag string, exec func(line string), complete func(d prompt.Document) []prompt.Suggest) error {
	if !IsTerminal() {
		return ReadLines(ctx, os.Stdin, exec)
	}
	p := prompt.New(exec, complete,
		prompt.OptionPrefix(tag+"> "),
		prompt.OptionTitle(tag),
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run()
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return nil
}

// ReadLines calls exec for every trimmed non-empty line of r.
func ReadLines(ctx context.Context, r io.Reader, exec func(line string)) error {
	lines := make(chan string)
	errch := make(chan error, 1)
	go func() {
		defer close(lines)
		s := bufio.NewScanner(r)
		for s.Scan() {
			select {
			case lines <- s.Text():
			case <-ctx.Done():
				return
			}
		}
		errch <- s.Err()
	}()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errch:
					return errors.Annotate(err, "read lines")
				default:
					return nil
				}
			}
			if ctx.Err() != nil {
				return nil
			}
			if line = strings.TrimSpace(line); line != "" {
				exec(line)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

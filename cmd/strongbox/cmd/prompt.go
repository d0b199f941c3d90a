package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// prompter reads answers from the command's input. Secrets are read
// without echo when the input is a terminal.
type prompter struct {
	in   *bufio.Reader
	tty  *os.File
	errw io.Writer
}

func newPrompter(cmd *cobra.Command) *prompter {
	p := &prompter{
		in:   bufio.NewReader(cmd.InOrStdin()),
		errw: cmd.ErrOrStderr(),
	}
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		p.tty = f
	}
	return p
}

func (p *prompter) interactive() bool { return p.tty != nil }

func (p *prompter) line(label string) (string, error) {
	fmt.Fprint(p.errw, label)
	s, err := p.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && s != "") {
		if errors.Is(err, io.EOF) {
			return "", fmt.Errorf("%sno input", strings.ToLower(label))
		}
		return "", err
	}
	return strings.TrimRight(s, "\r\n"), nil
}

func (p *prompter) secret(label string) (string, error) {
	if p.tty == nil {
		return p.line(label)
	}
	fmt.Fprint(p.errw, label)
	b, err := term.ReadPassword(int(p.tty.Fd()))
	fmt.Fprintln(p.errw)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

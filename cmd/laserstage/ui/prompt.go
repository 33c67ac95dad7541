package ui

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"laserstage/pkg/transport"
)

// Prompter answers transport prompts on a terminal. It reads whole lines,
// so it works the same over a pipe.
type Prompter struct {
	in  *bufio.Reader
	out io.Writer
}

var _ transport.Prompter = (*Prompter)(nil)

func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{in: bufio.NewReader(in), out: out}
}

// SelectDevice lists candidates and reads a number. An empty answer picks
// the first; "q" cancels.
func (p *Prompter) SelectDevice(ctx context.Context, candidates []transport.Candidate) (transport.Candidate, error) {
	if len(candidates) == 0 {
		fmt.Fprintln(p.out, WarnMsg("No devices found"))
		return transport.Candidate{}, transport.ErrPromptCancelled
	}

	fmt.Fprintln(p.out, Bold("Select a device:"))
	for i, c := range candidates {
		line := fmt.Sprintf("  %s %s", Accent(fmt.Sprintf("%d)", i+1)), c.String())
		if c.RSSI != 0 {
			line += " " + Muted(fmt.Sprintf("%d dBm", c.RSSI))
		}
		fmt.Fprintln(p.out, line)
	}

	for {
		answer, err := p.ask(ctx, fmt.Sprintf("Device [1-%d, q to cancel] (1): ", len(candidates)))
		if err != nil {
			return transport.Candidate{}, err
		}
		switch strings.ToLower(answer) {
		case "":
			return candidates[0], nil
		case "q", "quit":
			return transport.Candidate{}, transport.ErrPromptCancelled
		}
		n, err := strconv.Atoi(answer)
		if err == nil && n >= 1 && n <= len(candidates) {
			return candidates[n-1], nil
		}
		fmt.Fprintln(p.out, ErrorMsg("Enter a number between 1 and %d", len(candidates)))
	}
}

// PromptAddress reads a host or IP. An empty answer accepts suggestion.
func (p *Prompter) PromptAddress(ctx context.Context, suggestion string) (string, error) {
	label := "Controller address"
	if suggestion != "" {
		label += " " + Muted("("+suggestion+")")
	}
	answer, err := p.ask(ctx, label+": ")
	if err != nil {
		return "", err
	}
	if answer == "" {
		answer = suggestion
	}
	if answer == "" {
		return "", transport.ErrPromptCancelled
	}
	return answer, nil
}

// ask prints label and returns the trimmed reply. EOF or ctx cancel the
// prompt; the pending read is abandoned in that case.
func (p *Prompter) ask(ctx context.Context, label string) (string, error) {
	fmt.Fprint(p.out, label)

	type reply struct {
		line string
		err  error
	}
	ch := make(chan reply, 1)
	go func() {
		line, err := p.in.ReadString('\n')
		ch <- reply{line, err}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(p.out)
		return "", ctx.Err()
	case r := <-ch:
		if r.err != nil && (r.err != io.EOF || r.line == "") {
			fmt.Fprintln(p.out)
			return "", transport.ErrPromptCancelled
		}
		return strings.TrimSpace(r.line), nil
	}
}

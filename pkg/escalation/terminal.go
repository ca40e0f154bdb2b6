package escalation

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/moby/term"

	"github.com/chitin-dev/chitin-agent/pkg/policy"
)

const defaultWidth = 80

// Terminal prompts on out and reads the answer from in. Only "y" and "yes"
// approve; end of input, cancellation and timeouts deny. Prompts are shown
// one at a time.
type Terminal struct {
	in      io.Reader
	out     io.Writer
	timeout time.Duration

	header *color.Color
	label  *color.Color
	ok     *color.Color
	denied *color.Color
	width  int

	mu      sync.Mutex
	once    sync.Once
	want    chan struct{}
	answers chan answer
	// waiting is set while a read requested by an expired prompt is
	// still outstanding; the next prompt takes over that read.
	waiting bool
}

type answer struct {
	line string
	err  error
	at   time.Time
}

func NewTerminal(in io.Reader, out io.Writer, timeout time.Duration) *Terminal {
	t := &Terminal{
		in:      in,
		out:     out,
		timeout: timeout,
		header:  color.New(color.FgYellow, color.Bold),
		label:   color.New(color.FgCyan),
		ok:      color.New(color.FgGreen, color.Bold),
		denied:  color.New(color.FgRed, color.Bold),
		width:   defaultWidth,
	}

	fd, isTerminal := term.GetFdInfo(out)
	if !isTerminal {
		for _, c := range []*color.Color{t.header, t.label, t.ok, t.denied} {
			c.DisableColor()
		}
		return t
	}
	if ws, err := term.GetWinsize(fd); err == nil && ws.Width > 0 && int(ws.Width) < defaultWidth {
		t.width = int(ws.Width)
	}
	return t
}

func (t *Terminal) Decide(ctx context.Context, req Request, reason string, trace policy.Trace) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.once.Do(t.startReader)
	t.discardBuffered()
	t.render(req, reason, trace)
	shown := time.Now()

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	for {
		if !t.waiting {
			t.want <- struct{}{}
			t.waiting = true
		}

		select {
		case a := <-t.answers:
			t.waiting = false
			if a.err != nil {
				t.denied.Fprintln(t.out, "\n✗ Denied (interrupted)")
				return false, nil
			}
			// A line read before this prompt was shown answers an earlier one.
			if a.at.Before(shown) {
				continue
			}
			answer := strings.ToLower(strings.TrimSpace(a.line))
			if answer == "y" || answer == "yes" {
				t.ok.Fprintln(t.out, "✓ Approved")
				return true, nil
			}
			t.denied.Fprintln(t.out, "✗ Denied")
			return false, nil
		case <-ctx.Done():
			t.denied.Fprintln(t.out, "\n✗ Denied (timed out)")
			return false, nil
		}
	}
}

// discardBuffered drops an answer typed after an earlier prompt expired.
// End of input is kept so the next prompt is denied.
func (t *Terminal) discardBuffered() {
	select {
	case a := <-t.answers:
		t.waiting = false
		if a.err != nil {
			t.answers <- a
			t.waiting = true
		}
	default:
	}
}

// startReader reads one line per request so that input is only consumed
// while a prompt is showing.
func (t *Terminal) startReader() {
	t.want = make(chan struct{}, 1)
	t.answers = make(chan answer, 1)
	go func() {
		scanner := bufio.NewScanner(t.in)
		for range t.want {
			if scanner.Scan() {
				t.answers <- answer{line: scanner.Text(), at: time.Now()}
				continue
			}
			err := scanner.Err()
			if err == nil {
				err = io.EOF
			}
			t.answers <- answer{err: err, at: time.Now()}
		}
	}()
}

func (t *Terminal) render(req Request, reason string, trace policy.Trace) {
	rule := strings.Repeat("=", t.width)
	fmt.Fprintln(t.out)
	fmt.Fprintln(t.out, rule)
	t.header.Fprintln(t.out, "ESCALATION REQUIRED")
	fmt.Fprintln(t.out, rule)

	args, err := json.Marshal(req.Arguments)
	if err != nil {
		args = []byte(fmt.Sprint(req.Arguments))
	}
	fmt.Fprintln(t.out)
	t.label.Fprint(t.out, "Tool: ")
	fmt.Fprintln(t.out, req.Tool)
	t.label.Fprint(t.out, "Arguments: ")
	fmt.Fprintln(t.out, string(args))
	fmt.Fprintln(t.out)
	t.label.Fprint(t.out, "Reason: ")
	fmt.Fprintln(t.out, reason)
	if s := trace.String(); s != "" {
		fmt.Fprintln(t.out)
		t.label.Fprint(t.out, "Trace: ")
		fmt.Fprintln(t.out, s)
	}
	fmt.Fprintln(t.out)
	fmt.Fprintln(t.out, strings.Repeat("-", t.width))
	fmt.Fprint(t.out, "Approve this tool call? (y/n): ")
}

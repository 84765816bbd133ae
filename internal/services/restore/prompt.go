package restore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/homesnap/internal/models"
)

const timeLayout = "2006-01-02 15:04:05"

// Choice is the answer to a single conflict prompt.
type Choice struct {
	Action models.ConflictAction
	// All applies Action to every remaining conflict without asking again.
	All bool
}

// Prompter resolves conflicts interactively. Returning ErrCancelled aborts
// the restore. Choose must return once ctx is done.
type Prompter interface {
	Choose(ctx context.Context, conflict models.ConflictRecord) (Choice, error)
}

type answer struct {
	text string
	err  error
}

// ConsolePrompter asks on a line-oriented console.
type ConsolePrompter struct {
	in  *bufio.Reader
	out io.Writer

	once    sync.Once
	answers chan answer
}

// NewConsolePrompter creates a prompter reading answers from in and writing
// prompts to out.
func NewConsolePrompter(in io.Reader, out io.Writer) *ConsolePrompter {
	return &ConsolePrompter{in: bufio.NewReader(in), out: out}
}

// Choose implements Prompter. An empty answer means skip; end of input
// or a done context cancels the restore.
func (p *ConsolePrompter) Choose(ctx context.Context, c models.ConflictRecord) (Choice, error) {
	fmt.Fprintf(p.out, "\nConflict: %s\n", c.TargetPath)
	fmt.Fprintf(p.out, "  existing  %12s  %s\n", humanize.Comma(c.ExistingSize)+" B", c.ExistingModTime.Format(timeLayout))
	fmt.Fprintf(p.out, "  archive   %12s  %s\n", humanize.Comma(c.Entry.Size)+" B", c.Entry.ModTime.Format(timeLayout))

	for {
		fmt.Fprint(p.out, "[o]verwrite [s]kip [b]ackup [d]iff, O/S/B for all remaining, [q]uit (default s): ")

		line, err := p.readLine(ctx)
		if err != nil && (!errors.Is(err, io.EOF) || line == "") {
			if ctxErr := ctx.Err(); ctxErr != nil {
				fmt.Fprintln(p.out)
				return Choice{}, fmt.Errorf("%w: %w", ErrCancelled, ctxErr)
			}
			return Choice{}, ErrCancelled
		}

		switch strings.TrimSpace(line) {
		case "", "s":
			return Choice{Action: models.ActionSkip}, nil
		case "o":
			return Choice{Action: models.ActionOverwrite}, nil
		case "b":
			return Choice{Action: models.ActionBackup}, nil
		case "S":
			return Choice{Action: models.ActionSkip, All: true}, nil
		case "O":
			return Choice{Action: models.ActionOverwrite, All: true}, nil
		case "B":
			return Choice{Action: models.ActionBackup, All: true}, nil
		case "d":
			p.diff(c)
		case "q":
			return Choice{}, ErrCancelled
		default:
			fmt.Fprintln(p.out, "unrecognized choice")
		}
	}
}

// readLine waits for the next answer line. Reads happen on a single
// background goroutine so a blocked terminal read never outlives ctx.
func (p *ConsolePrompter) readLine(ctx context.Context) (string, error) {
	p.once.Do(func() {
		p.answers = make(chan answer, 1)
		go p.readAnswers()
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case a, ok := <-p.answers:
		if !ok {
			return "", io.EOF
		}
		return a.text, a.err
	}
}

func (p *ConsolePrompter) readAnswers() {
	defer close(p.answers)
	for {
		line, err := p.in.ReadString('\n')
		p.answers <- answer{text: line, err: err}
		if err != nil {
			return
		}
	}
}

func (p *ConsolePrompter) diff(c models.ConflictRecord) {
	switch delta := c.Entry.Size - c.ExistingSize; {
	case delta > 0:
		fmt.Fprintf(p.out, "  archive copy is %s larger\n", humanize.IBytes(uint64(delta)))
	case delta < 0:
		fmt.Fprintf(p.out, "  archive copy is %s smaller\n", humanize.IBytes(uint64(-delta)))
	default:
		fmt.Fprintln(p.out, "  sizes are identical")
	}

	switch {
	case c.Entry.ModTime.After(c.ExistingModTime):
		fmt.Fprintf(p.out, "  archive copy is newer by %s\n", span(c.ExistingModTime, c.Entry.ModTime))
	case c.Entry.ModTime.Before(c.ExistingModTime):
		fmt.Fprintf(p.out, "  existing file is newer by %s\n", span(c.Entry.ModTime, c.ExistingModTime))
	default:
		fmt.Fprintln(p.out, "  modification times are identical")
	}
}

func span(a, b time.Time) string {
	return strings.TrimSpace(humanize.RelTime(a, b, "", ""))
}

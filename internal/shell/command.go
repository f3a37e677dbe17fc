// Package shell drives a peer from typed commands: it logs in to a
// directory, registers a nickname, serves local files and browses other
// peers.
package shell

import (
	"bufio"
	"io"
	"strings"
)

// Command is one parsed input line.
type Command struct {
	Name string
	Args []string
}

// Source yields commands one at a time. Next returns io.EOF when input ends.
type Source interface {
	Next() (Command, error)
}

// Parse splits a line into a command. Double quotes group words, so file
// names with spaces can be given. ok is false for a blank line.
func Parse(line string) (Command, bool) {
	parts := splitArgs(strings.TrimSpace(line))
	if len(parts) == 0 {
		return Command{}, false
	}
	return Command{Name: strings.ToLower(parts[0]), Args: parts[1:]}, true
}

func splitArgs(line string) []string {
	var parts []string
	var cur strings.Builder
	inQ, quoted := false, false
	flush := func() {
		if cur.Len() > 0 || quoted {
			parts = append(parts, cur.String())
			cur.Reset()
		}
		quoted = false
	}
	for _, c := range line {
		switch {
		case c == '"':
			inQ = !inQ
			quoted = true
		case (c == ' ' || c == '\t') && !inQ:
			flush()
		default:
			cur.WriteRune(c)
		}
	}
	flush()
	return parts
}

// LineSource reads commands from a line-oriented stream, printing a prompt
// before each one.
type LineSource struct {
	sc     *bufio.Scanner
	out    io.Writer
	prompt func() string
}

func NewLineSource(r io.Reader, out io.Writer, prompt func() string) *LineSource {
	return &LineSource{sc: bufio.NewScanner(r), out: out, prompt: prompt}
}

func (l *LineSource) Next() (Command, error) {
	for {
		if l.prompt != nil && l.out != nil {
			io.WriteString(l.out, l.prompt())
		}
		if !l.sc.Scan() {
			if err := l.sc.Err(); err != nil {
				return Command{}, err
			}
			return Command{}, io.EOF
		}
		if cmd, ok := Parse(l.sc.Text()); ok {
			return cmd, nil
		}
	}
}

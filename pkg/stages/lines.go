package stages

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethpandaops/testcontroller/pkg/extension"
	"github.com/ethpandaops/testcontroller/pkg/queue"
	"github.com/ethpandaops/testcontroller/pkg/testcase"
	"github.com/sirupsen/logrus"
)

// ErrDataFormat is returned when a test list line is malformed.
var ErrDataFormat = errors.New("invalid test list format")

const stdinPath = "-"

// Entry is one parsed test list line.
type Entry struct {
	Line   int
	Module string
	Name   string
}

// ParseTestList reads "<module> | <test name>" lines. Blank lines and lines
// starting with '#' are skipped.
func ParseTestList(r io.Reader) ([]Entry, error) {
	var entries []Entry

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	line := 0

	for scanner.Scan() {
		line++

		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		parts := strings.Split(text, "|")
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: expected \"<module> | <test>\": %w", line, ErrDataFormat)
		}

		module := strings.TrimSpace(parts[0])
		name := strings.TrimSpace(parts[1])

		if module == "" || name == "" {
			return nil, fmt.Errorf("line %d: module and test name must not be blank: %w", line, ErrDataFormat)
		}

		entries = append(entries, Entry{Line: line, Module: module, Name: name})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading test list: %w", err)
	}

	return entries, nil
}

type linesOptions struct {
	File string `mapstructure:"file"`
}

type linesReader struct {
	base
	log   logrus.FieldLogger
	file  string
	stdin io.Reader
	queue *queue.WorkQueue
}

// Ensure interface compliance.
var _ extension.Reader = (*linesReader)(nil)

// NewLinesReader builds the test list reader. The list comes from the file
// option, then the global test file, then stdin.
func NewLinesReader(fc extension.FactoryContext) (extension.Extension, error) {
	var opts linesOptions
	if err := decodeOptions(fc.Options, &opts); err != nil {
		return nil, err
	}

	file := opts.File
	if file == "" {
		file = fc.TestFile
	}

	return &linesReader{
		base:  base{name: fc.Name, role: extension.RoleReader},
		log:   fc.Log.WithField("component", "lines-reader"),
		file:  file,
		stdin: os.Stdin,
	}, nil
}

func (l *linesReader) SetQueue(q *queue.WorkQueue) {
	l.queue = q
}

func (l *linesReader) Execute(ctx context.Context) error {
	if l.queue == nil {
		return fmt.Errorf("reader has no queue: %w", extension.ErrInvalidArgument)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	src, source, closeFn, err := l.open()
	if err != nil {
		return err
	}
	defer closeFn()

	entries, err := ParseTestList(src)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", source, err)
	}

	seen := make(map[string]struct{}, len(entries))
	queued := 0

	for _, e := range entries {
		key := e.Module + "|" + e.Name
		// Repeats would share result files with the first occurrence.
		if _, ok := seen[key]; ok {
			l.log.WithFields(logrus.Fields{
				"line": e.Line,
				"test": e.Name,
			}).Warn("Skipping duplicate test")

			continue
		}

		seen[key] = struct{}{}

		if err := l.queue.Enqueue(testcase.New(e.Module, e.Name)); err != nil {
			return fmt.Errorf("queueing %s: %w", e.Name, err)
		}

		queued++
	}

	l.log.WithFields(logrus.Fields{
		"source": source,
		"tests":  queued,
	}).Info("Read test list")

	return nil
}

func (l *linesReader) open() (io.Reader, string, func(), error) {
	if l.file == "" || l.file == stdinPath {
		return l.stdin, "stdin", func() {}, nil
	}

	f, err := os.Open(l.file)
	if err != nil {
		return nil, "", nil, fmt.Errorf("opening test list: %w", err)
	}

	return f, l.file, func() { _ = f.Close() }, nil
}

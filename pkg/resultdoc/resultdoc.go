// Package resultdoc reads the aggregate counters from the structured result
// document a test runner leaves behind.
package resultdoc

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNoResultDocument is returned when the result document does not exist.
	ErrNoResultDocument = errors.New("no result document")
	// ErrUnsupportedFormat is returned when the document root is not recognised.
	ErrUnsupportedFormat = errors.New("unsupported result document format")
)

// Format names the dialect of a parsed document.
type Format string

const (
	FormatJUnit  Format = "junit"
	FormatNUnit2 Format = "nunit2"
	FormatNUnit3 Format = "nunit3"
)

// Summary holds the aggregate counters of a result document.
type Summary struct {
	Format   Format
	Total    int
	Errors   int
	Failures int
	Skipped  int
	Time     time.Duration
	// HasTime is false when the document carries no usable elapsed time.
	HasTime bool
}

// Passed reports whether the document records neither errors nor failures.
func (s *Summary) Passed() bool {
	return s.Errors+s.Failures == 0
}

// ParseFile parses the result document at path. A missing file yields
// ErrNoResultDocument.
func ParseFile(path string) (*Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrNoResultDocument)
		}

		return nil, fmt.Errorf("opening result document: %w", err)
	}
	defer func() { _ = f.Close() }()

	summary, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	return summary, nil
}

// Parse reads a result document. Supported roots are JUnit testsuites and
// testsuite, NUnit 2 test-results and NUnit 3 test-run.
func Parse(r io.Reader) (*Summary, error) {
	dec := xml.NewDecoder(r)

	root, err := nextStart(dec)
	if err != nil {
		return nil, err
	}

	attrs := attrMap(root)

	switch root.Name.Local {
	case "testsuite":
		return junitSuite(attrs)
	case "testsuites":
		return junitSuites(dec, attrs)
	case "test-results":
		return nunit2(dec, attrs)
	case "test-run":
		return nunit3(attrs)
	default:
		return nil, fmt.Errorf("root element %q: %w", root.Name.Local, ErrUnsupportedFormat)
	}
}

func junitSuite(attrs map[string]string) (*Summary, error) {
	s := &Summary{Format: FormatJUnit}

	if err := readCounters(attrs, s, "tests", "errors", "failures", "skipped"); err != nil {
		return nil, err
	}

	if err := readTime(attrs, "time", s); err != nil {
		return nil, err
	}

	return s, nil
}

// junitSuites uses the root counters when present and otherwise sums the
// direct testsuite children.
func junitSuites(dec *xml.Decoder, attrs map[string]string) (*Summary, error) {
	_, hasErrors := attrs["errors"]
	_, hasFailures := attrs["failures"]

	if hasErrors || hasFailures {
		return junitSuite(attrs)
	}

	total := &Summary{Format: FormatJUnit}
	depth := 0

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("unexpected end of document: %w", io.ErrUnexpectedEOF)
		}

		if err != nil {
			return nil, fmt.Errorf("reading result document: %w", err)
		}

		switch el := tok.(type) {
		case xml.StartElement:
			depth++

			if depth != 1 || el.Name.Local != "testsuite" {
				continue
			}

			suite, err := junitSuite(attrMap(el))
			if err != nil {
				return nil, err
			}

			total.Total += suite.Total
			total.Errors += suite.Errors
			total.Failures += suite.Failures
			total.Skipped += suite.Skipped

			if suite.HasTime {
				total.Time += suite.Time
				total.HasTime = true
			}
		case xml.EndElement:
			if depth == 0 {
				return total, nil
			}

			depth--
		}
	}
}

// nunit2 reads the counters from test-results. Its time attribute is a clock
// time, so the elapsed time comes from the first test-suite element.
func nunit2(dec *xml.Decoder, attrs map[string]string) (*Summary, error) {
	s := &Summary{Format: FormatNUnit2}

	if err := readCounters(attrs, s, "total", "errors", "failures", "skipped"); err != nil {
		return nil, err
	}

	if n, ok, err := intAttr(attrs, "not-run"); err != nil {
		return nil, err
	} else if ok {
		s.Skipped += n
	}

	for {
		tok, err := dec.Token()
		if err != nil {
			// The root counters are enough without a suite time.
			return s, nil
		}

		if el, ok := tok.(xml.StartElement); ok && el.Name.Local == "test-suite" {
			if err := readTime(attrMap(el), "time", s); err != nil {
				return nil, err
			}

			return s, nil
		}
	}
}

func nunit3(attrs map[string]string) (*Summary, error) {
	s := &Summary{Format: FormatNUnit3}

	if err := readCounters(attrs, s, "total", "", "failed", "skipped"); err != nil {
		return nil, err
	}

	if err := readTime(attrs, "duration", s); err != nil {
		return nil, err
	}

	return s, nil
}

func readCounters(attrs map[string]string, s *Summary, total, errs, failures, skipped string) error {
	fields := []struct {
		name string
		dst  *int
	}{
		{total, &s.Total},
		{errs, &s.Errors},
		{failures, &s.Failures},
		{skipped, &s.Skipped},
	}

	for _, f := range fields {
		if f.name == "" {
			continue
		}

		n, _, err := intAttr(attrs, f.name)
		if err != nil {
			return err
		}

		*f.dst = n
	}

	return nil
}

func readTime(attrs map[string]string, name string, s *Summary) error {
	raw, ok := attrs[name]
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}

	d, err := ParseTime(raw)
	if err != nil {
		return fmt.Errorf("attribute %s: %w", name, err)
	}

	s.Time = d
	s.HasTime = true

	return nil
}

func intAttr(attrs map[string]string, name string) (int, bool, error) {
	raw, ok := attrs[name]
	if !ok {
		return 0, false, nil
	}

	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, true, fmt.Errorf("attribute %s=%q is not an integer", name, raw)
	}

	if n < 0 {
		return 0, true, fmt.Errorf("attribute %s=%q is negative", name, raw)
	}

	return n, true, nil
}

// ParseTime parses an elapsed time given as seconds ("1.25"), a Go duration
// ("1m30s") or a clock duration ("00:01:30.5").
func ParseTime(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("empty time value")
	}

	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return secondsToDuration(secs, raw)
	}

	if strings.Count(raw, ":") == 2 {
		return parseClock(raw)
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q", raw)
	}

	if d < 0 {
		return 0, fmt.Errorf("invalid time %q", raw)
	}

	return d, nil
}

func parseClock(raw string) (time.Duration, error) {
	parts := strings.Split(raw, ":")

	hours, err := strconv.Atoi(parts[0])
	if err != nil || hours < 0 {
		return 0, fmt.Errorf("invalid time %q", raw)
	}

	minutes, err := strconv.Atoi(parts[1])
	if err != nil || minutes < 0 || minutes > 59 {
		return 0, fmt.Errorf("invalid time %q", raw)
	}

	seconds, err := strconv.ParseFloat(parts[2], 64)
	if err != nil || seconds < 0 || seconds >= 60 {
		return 0, fmt.Errorf("invalid time %q", raw)
	}

	return secondsToDuration(float64(hours)*3600+float64(minutes)*60+seconds, raw)
}

// maxSeconds is the longest elapsed time a time.Duration can hold.
const maxSeconds = float64(math.MaxInt64 / int64(time.Second))

func secondsToDuration(secs float64, raw string) (time.Duration, error) {
	if secs < 0 || secs > maxSeconds || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return 0, fmt.Errorf("invalid time %q", raw)
	}

	return time.Duration(math.Round(secs * float64(time.Second))), nil
}

func nextStart(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return xml.StartElement{}, fmt.Errorf("empty result document: %w", ErrUnsupportedFormat)
		}

		if err != nil {
			return xml.StartElement{}, fmt.Errorf("reading result document: %w", err)
		}

		if el, ok := tok.(xml.StartElement); ok {
			return el, nil
		}
	}
}

func attrMap(el xml.StartElement) map[string]string {
	attrs := make(map[string]string, len(el.Attr))
	for _, a := range el.Attr {
		attrs[a.Name.Local] = a.Value
	}

	return attrs
}

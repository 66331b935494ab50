package resultdoc

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name       string
		doc        string
		wantFormat Format
		wantPassed bool
		wantErrors int
		wantFails  int
		wantTime   time.Duration
		wantHasT   bool
	}{
		{
			name:       "junit testsuite pass",
			doc:        `<?xml version="1.0"?><testsuite tests="3" errors="0" failures="0" time="1.5"></testsuite>`,
			wantFormat: FormatJUnit,
			wantPassed: true,
			wantTime:   1500 * time.Millisecond,
			wantHasT:   true,
		},
		{
			name:       "junit testsuite with error fails",
			doc:        `<testsuite tests="1" errors="1" failures="0" time="0.25"/>`,
			wantFormat: FormatJUnit,
			wantErrors: 1,
			wantTime:   250 * time.Millisecond,
			wantHasT:   true,
		},
		{
			name:       "junit testsuites root counters",
			doc:        `<testsuites errors="0" failures="2" time="3"><testsuite failures="2"/></testsuites>`,
			wantFormat: FormatJUnit,
			wantFails:  2,
			wantTime:   3 * time.Second,
			wantHasT:   true,
		},
		{
			name: "junit testsuites summed children",
			doc: `<testsuites>
  <testsuite tests="2" errors="0" failures="1" time="1"><testcase name="a"/></testsuite>
  <testsuite tests="1" errors="1" failures="0" time="2"/>
</testsuites>`,
			wantFormat: FormatJUnit,
			wantErrors: 1,
			wantFails:  1,
			wantTime:   3 * time.Second,
			wantHasT:   true,
		},
		{
			name: "nunit2 test-results",
			doc: `<test-results name="tests.dll" total="4" errors="0" failures="0" not-run="1" date="2024-01-01" time="10:15:00">
  <test-suite type="Assembly" name="tests.dll" time="0.734"/>
</test-results>`,
			wantFormat: FormatNUnit2,
			wantPassed: true,
			wantTime:   734 * time.Millisecond,
			wantHasT:   true,
		},
		{
			name:       "nunit3 test-run",
			doc:        `<test-run id="2" total="5" passed="4" failed="1" skipped="0" duration="0.5"></test-run>`,
			wantFormat: FormatNUnit3,
			wantFails:  1,
			wantTime:   500 * time.Millisecond,
			wantHasT:   true,
		},
		{
			name:       "no time attribute",
			doc:        `<testsuite errors="0" failures="0"/>`,
			wantFormat: FormatJUnit,
			wantPassed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Parse(strings.NewReader(tt.doc))
			require.NoError(t, err)

			assert.Equal(t, tt.wantFormat, s.Format)
			assert.Equal(t, tt.wantPassed, s.Passed())
			assert.Equal(t, tt.wantErrors, s.Errors)
			assert.Equal(t, tt.wantFails, s.Failures)
			assert.Equal(t, tt.wantTime, s.Time)
			assert.Equal(t, tt.wantHasT, s.HasTime)
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "empty", doc: ""},
		{name: "not xml", doc: "PASS 3 tests"},
		{name: "unknown root", doc: `<report errors="0"/>`},
		{name: "non-numeric counter", doc: `<testsuite errors="many" failures="0"/>`},
		{name: "negative counter", doc: `<testsuite errors="-1" failures="0"/>`},
		{name: "bad time", doc: `<testsuite errors="0" failures="0" time="soon"/>`},
		{name: "time out of range", doc: `<testsuite errors="0" failures="0" time="1e300"/>`},
		{name: "truncated testsuites", doc: `<testsuites><testsuite errors="0"/>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.doc))
			require.Error(t, err)
		})
	}
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing document", func(t *testing.T) {
		_, err := ParseFile(filepath.Join(dir, "absent.xml"))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNoResultDocument)
	})

	t.Run("pass", func(t *testing.T) {
		path := filepath.Join(dir, "pass.xml")
		require.NoError(t, os.WriteFile(path, []byte(`<testsuite errors="0" failures="0" time="2"/>`), 0o644))

		s, err := ParseFile(path)
		require.NoError(t, err)
		assert.True(t, s.Passed())
		assert.Equal(t, 2*time.Second, s.Time)
	})

	t.Run("fail", func(t *testing.T) {
		path := filepath.Join(dir, "fail.xml")
		require.NoError(t, os.WriteFile(path, []byte(`<testsuite errors="1" failures="0" time="2"/>`), 0o644))

		s, err := ParseFile(path)
		require.NoError(t, err)
		assert.False(t, s.Passed())
	})

	t.Run("unparseable", func(t *testing.T) {
		path := filepath.Join(dir, "garbage.xml")
		require.NoError(t, os.WriteFile(path, []byte("<<<"), 0o644))

		_, err := ParseFile(path)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrNoResultDocument)
	})
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "0", want: 0},
		{in: "1.25", want: 1250 * time.Millisecond},
		{in: " 2 ", want: 2 * time.Second},
		{in: "1m30s", want: 90 * time.Second},
		{in: "00:01:30", want: 90 * time.Second},
		{in: "01:00:00.5", want: time.Hour + 500*time.Millisecond},
		{in: "", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "-1s", wantErr: true},
		{in: "NaN", wantErr: true},
		{in: "+Inf", wantErr: true},
		{in: "1e300", wantErr: true},
		{in: "9300000000", wantErr: true},
		{in: "3000000:00:00", wantErr: true},
		{in: "9000000000", want: 9000000000 * time.Second},
		{in: "00:61:00", wantErr: true},
		{in: "aa:00:00", wantErr: true},
		{in: "later", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTime(tt.in)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

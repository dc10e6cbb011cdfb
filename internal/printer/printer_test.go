package printer

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capture redirects output for one test and disables color codes
func capture(t *testing.T) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	prevOut, prevErr, prevColor := Out, ErrOut, color.NoColor
	Out, ErrOut, color.NoColor = out, errOut, true
	t.Cleanup(func() { Out, ErrOut, color.NoColor = prevOut, prevErr, prevColor })
	return out, errOut
}

func TestError(t *testing.T) {
	t.Run("returns error with title", func(t *testing.T) {
		_, errOut := capture(t)
		err := Error("Test Error", "This is a test error", []string{})
		require.Error(t, err)
		require.Equal(t, "Test Error", err.Error())
		assert.Contains(t, errOut.String(), "This is a test error")
	})

	t.Run("single suggestion printed as is", func(t *testing.T) {
		_, errOut := capture(t)
		Error("Test Error", "Explanation", []string{"Try this fix"})
		assert.Contains(t, errOut.String(), "\nTry this fix\n")
		assert.NotContains(t, errOut.String(), "Either:")
	})

	t.Run("multiple suggestions are numbered", func(t *testing.T) {
		_, errOut := capture(t)
		Error("Test Error", "Explanation", []string{"First option", "Second option"})
		assert.Contains(t, errOut.String(), "Either:\n  1. First option\n  2. Second option\n")
	})
}

func TestErrorWithContext(t *testing.T) {
	_, errOut := capture(t)
	err := ErrorWithContext("Lookup failed", "", map[string]string{
		"Namespace": "news-site",
		"Key":       "taxonomy:category",
	}, nil)

	require.Equal(t, "Lookup failed", err.Error())
	assert.Less(t, strings.Index(errOut.String(), "Key:"), strings.Index(errOut.String(), "Namespace:"), "context keys are sorted")
}

func TestSuccessAndWarningPrefixes(t *testing.T) {
	out, _ := capture(t)

	Success("done\n")
	Success("✓ already prefixed\n")
	Warning("careful\n")

	assert.Equal(t, "✓ done\n✓ already prefixed\n⚠️  careful\n", out.String())
}

func TestTable(t *testing.T) {
	out, _ := capture(t)

	Table([]string{"KEY", "STATUS"}, [][]string{
		{"taxonomy:category", "fresh"},
		{"post_type:event", "expired"},
	})

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.Index(lines[0], "STATUS"), strings.Index(lines[1], "fresh"), "columns are aligned")
}

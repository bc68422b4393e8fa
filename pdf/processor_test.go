package pdf

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRunner is a test double for Runner.
type mockRunner struct {
	mu    sync.Mutex
	calls [][]string
	fn    func(name string, args ...string) ([]byte, error)
}

func (m *mockRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	m.mu.Lock()
	m.calls = append(m.calls, append([]string{name}, args...))
	m.mu.Unlock()
	return m.fn(name, args...)
}

func TestProcessor_TotalPages(t *testing.T) {
	t.Parallel()

	runner := &mockRunner{fn: func(name string, args ...string) ([]byte, error) {
		require.Equal(t, "pdfinfo", name)
		return []byte("Title: Contract\nPages:          23\nEncrypted: no\n"), nil
	}}
	p := NewProcessor("/docs/contract.pdf", runner, nil)

	pages, err := p.TotalPages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 23, pages)

	// Second call is served from the cached probe.
	_, err = p.TotalPages(context.Background())
	require.NoError(t, err)
	assert.Len(t, runner.calls, 1)
}

func TestProcessor_TotalPages_NoPagesLine(t *testing.T) {
	t.Parallel()

	runner := &mockRunner{fn: func(string, ...string) ([]byte, error) {
		return []byte("Title: whatever\n"), nil
	}}
	p := NewProcessor("/docs/x.pdf", runner, nil)

	_, err := p.TotalPages(context.Background())
	require.Error(t, err)
}

func TestProcessor_ExtractAll(t *testing.T) {
	t.Parallel()

	runner := &mockRunner{fn: func(name string, args ...string) ([]byte, error) {
		require.Equal(t, "pdftotext", name)
		assert.Equal(t, []string{"/docs/x.pdf", "-"}, args)
		return []byte("full document text"), nil
	}}
	p := NewProcessor("/docs/x.pdf", runner, nil)

	text, err := p.ExtractAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "full document text", text)
}

func TestProcessor_ExtractRange_OneIndexedInclusive(t *testing.T) {
	t.Parallel()

	runner := &mockRunner{fn: func(name string, args ...string) ([]byte, error) {
		assert.Equal(t, []string{"-f", "11", "-l", "20", "/docs/x.pdf", "-"}, args)
		return []byte("pages 11-20"), nil
	}}
	p := NewProcessor("/docs/x.pdf", runner, nil)

	text, err := p.ExtractRange(context.Background(), PageRange{Start: 10, End: 20})
	require.NoError(t, err)
	assert.Equal(t, "pages 11-20", text)
}

func TestProcessor_PageBatches(t *testing.T) {
	t.Parallel()

	runner := &mockRunner{fn: func(string, ...string) ([]byte, error) {
		return []byte("Pages: 25\n"), nil
	}}
	p := NewProcessor("/docs/x.pdf", runner, nil)

	batches, err := p.PageBatches(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []PageRange{{0, 10}, {10, 20}, {20, 25}}, batches)
}

func TestProcessor_ExtractBatches_OrderPreserved(t *testing.T) {
	t.Parallel()

	runner := &mockRunner{fn: func(name string, args ...string) ([]byte, error) {
		if name == "pdfinfo" {
			return []byte("Pages: 30\n"), nil
		}
		// args: -f <first> -l <last> path -
		return []byte(fmt.Sprintf("batch starting at %s", args[1])), nil
	}}
	p := NewProcessor("/docs/x.pdf", runner, nil)

	texts, err := p.ExtractBatches(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, texts, 3)
	assert.Equal(t, "batch starting at 1", texts[0])
	assert.Equal(t, "batch starting at 11", texts[1])
	assert.Equal(t, "batch starting at 21", texts[2])
}

func TestProcessor_ExtractBatches_SkipsFailedBatch(t *testing.T) {
	t.Parallel()

	runner := &mockRunner{fn: func(name string, args ...string) ([]byte, error) {
		if name == "pdfinfo" {
			return []byte("Pages: 30\n"), nil
		}
		first, _ := strconv.Atoi(args[1])
		if first == 11 {
			return nil, errors.New("corrupt page stream")
		}
		return []byte("batch " + args[1]), nil
	}}
	p := NewProcessor("/docs/x.pdf", runner, nil)

	texts, err := p.ExtractBatches(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, texts, 2, "failed middle batch is skipped")
	assert.Equal(t, "batch 1", texts[0])
	assert.Equal(t, "batch 21", texts[1])
}

func TestInstallInstructions(t *testing.T) {
	t.Parallel()

	instructions := InstallInstructions()
	assert.True(t, strings.Contains(instructions, "poppler"))
	assert.True(t, strings.Contains(instructions, "pdftotext"))
}

package rag

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSplitSentences(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "basic punctuation",
			in:   "Hello world. How are you? Great!",
			want: []string{"Hello world.", "How are you?", "Great!"},
		},
		{
			name: "punctuation runs stay attached",
			in:   "Wait... really?! Yes.",
			want: []string{"Wait...", "really?!", "Yes."},
		},
		{
			name: "trailing fragment without punctuation",
			in:   "First sentence. trailing fragment",
			want: []string{"First sentence.", "trailing fragment"},
		},
		{
			name: "no punctuation at all",
			in:   "just one fragment",
			want: []string{"just one fragment"},
		},
		{
			name: "empty",
			in:   "",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, splitSentences(tt.in))
		})
	}
}

func TestChunkText_Empty(t *testing.T) {
	t.Parallel()

	c := NewTextChunker(DefaultChunkingConfig(), nil, zap.NewNop())
	assert.Empty(t, c.ChunkText(""))
	assert.Empty(t, c.ChunkText("   \n\t  "))
}

func TestChunkText_SingleChunk(t *testing.T) {
	t.Parallel()

	c := NewTextChunker(ChunkingConfig{ChunkSize: 100, ChunkOverlap: 20}, nil, zap.NewNop())
	chunks := c.ChunkText("One short sentence. And another one.")

	require.Len(t, chunks, 1)
	assert.Equal(t, "One short sentence. And another one.", chunks[0].Text)
	assert.Equal(t, 0, chunks[0].ChunkIndex)
	assert.Equal(t, 0, chunks[0].StartChar)
	assert.Equal(t, utf8.RuneCountInString(chunks[0].Text), chunks[0].EndChar)
}

func buildSentences(n int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		sb.WriteString("This is sentence number ")
		sb.WriteString(strings.Repeat("x", 10))
		sb.WriteString(". ")
	}
	return sb.String()
}

func TestChunkText_SoftCapRespected(t *testing.T) {
	t.Parallel()

	cfg := ChunkingConfig{ChunkSize: 120, ChunkOverlap: 0}
	c := NewTextChunker(cfg, nil, zap.NewNop())
	chunks := c.ChunkText(buildSentences(12))

	require.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(chunk.Text), cfg.ChunkSize,
			"chunk %d exceeds soft cap", chunk.ChunkIndex)
	}
}

func TestChunkText_LongSentenceNeverSplit(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("word ", 100) + "end."
	c := NewTextChunker(ChunkingConfig{ChunkSize: 50, ChunkOverlap: 10}, nil, zap.NewNop())
	chunks := c.ChunkText(long)

	require.Len(t, chunks, 1)
	assert.Greater(t, utf8.RuneCountInString(chunks[0].Text), 50)
}

func TestChunkText_OverlapCarried(t *testing.T) {
	t.Parallel()

	cfg := ChunkingConfig{ChunkSize: 120, ChunkOverlap: 30}
	c := NewTextChunker(cfg, nil, zap.NewNop())
	chunks := c.ChunkText(buildSentences(12))
	require.Greater(t, len(chunks), 1)

	for i := 1; i < len(chunks); i++ {
		overlap := tailRunes(chunks[i-1].Text, cfg.ChunkOverlap)
		assert.True(t, strings.HasPrefix(chunks[i].Text, overlap+" "),
			"chunk %d does not start with the previous chunk's tail", i)
	}
}

func TestChunkText_ReconstructsNormalizedText(t *testing.T) {
	t.Parallel()

	text := buildSentences(15)
	normalized := strings.Join(splitSentences(text), " ")

	cfg := ChunkingConfig{ChunkSize: 150, ChunkOverlap: 25}
	c := NewTextChunker(cfg, nil, zap.NewNop())
	chunks := c.ChunkText(text)
	require.Greater(t, len(chunks), 1)

	var parts []string
	for i, chunk := range chunks {
		if i == 0 {
			parts = append(parts, chunk.Text)
			continue
		}
		overlap := tailRunes(chunks[i-1].Text, cfg.ChunkOverlap)
		parts = append(parts, strings.TrimPrefix(chunk.Text, overlap+" "))
	}
	assert.Equal(t, normalized, strings.Join(parts, " "))
}

func TestChunkText_OffsetsAreRunningSums(t *testing.T) {
	t.Parallel()

	c := NewTextChunker(ChunkingConfig{ChunkSize: 120, ChunkOverlap: 20}, nil, zap.NewNop())
	chunks := c.ChunkText(buildSentences(10))
	require.Greater(t, len(chunks), 1)

	sum := 0
	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.ChunkIndex)
		assert.Equal(t, sum, chunk.StartChar)
		assert.Equal(t, sum+utf8.RuneCountInString(chunk.Text), chunk.EndChar)
		sum += utf8.RuneCountInString(chunk.Text)
	}
}

func TestChunkText_TokenCounts(t *testing.T) {
	t.Parallel()

	c := NewTextChunker(ChunkingConfig{ChunkSize: 500, ChunkOverlap: 0}, EstimatorTokenizer{}, zap.NewNop())
	chunks := c.ChunkText("A sentence with a fair number of characters in it.")
	require.Len(t, chunks, 1)
	assert.Equal(t, len(chunks[0].Text)/4, chunks[0].TokenCount)
}

// Package chunking splits extracted document text into overlapping chunks.
package chunking

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/helixir/orchestration-service/internal/domain"
)

// Defaults applied when a Config field is not positive.
const (
	DefaultSize      = 1000
	DefaultOverlap   = 100
	DefaultMaxChunks = 1000
)

// Config configures a Chunker. Sizes are in bytes of the extracted text.
type Config struct {
	Size      int
	Overlap   int
	MaxChunks int
}

// Chunker splits text on paragraph boundaries, merging short paragraphs and
// windowing long ones. The same text always yields the same chunk boundaries.
type Chunker struct {
	size      int
	overlap   int
	maxChunks int
}

// New creates a Chunker.
func New(cfg Config) *Chunker {
	c := &Chunker{size: cfg.Size, overlap: cfg.Overlap, maxChunks: cfg.MaxChunks}
	if c.size <= 0 {
		c.size = DefaultSize
	}
	if c.overlap < 0 || c.overlap >= c.size {
		c.overlap = DefaultOverlap
		if c.overlap >= c.size {
			c.overlap = 0
		}
	}
	if c.maxChunks <= 0 {
		c.maxChunks = DefaultMaxChunks
	}
	return c
}

type span struct {
	start, end int
}

// Split returns the chunks of text for documentID. Chunk content is always
// text[StartOffset:EndOffset]. Chunk ids are derived from the document id and
// index so a re-run produces the same rows.
//
// Text that needs more than MaxChunks chunks is rejected with a
// *domain.ValidationError rather than indexed partially.
func (c *Chunker) Split(documentID, text string) ([]domain.Chunk, error) {
	spans := c.merge(text, paragraphs(text))
	if len(spans) > c.maxChunks {
		return nil, domain.NewValidationError("text",
			fmt.Sprintf("document exceeds %d chunks (needs %d)", c.maxChunks, len(spans)))
	}

	namespace := chunkNamespace(documentID)
	chunks := make([]domain.Chunk, 0, len(spans))
	for i, s := range spans {
		chunks = append(chunks, domain.Chunk{
			ID:          uuid.NewSHA1(namespace, []byte{byte(i >> 24), byte(i >> 16), byte(i >> 8), byte(i)}),
			DocumentID:  documentID,
			Index:       i,
			Content:     text[s.start:s.end],
			StartOffset: s.start,
			EndOffset:   s.end,
		})
	}
	return chunks, nil
}

// paragraphs returns the spans of runs of non-blank lines, trimmed of surrounding
// whitespace.
func paragraphs(text string) []span {
	var out []span
	start := -1
	end := 0
	pos := 0
	for pos <= len(text) {
		lineEnd := strings.IndexByte(text[pos:], '\n')
		if lineEnd < 0 {
			lineEnd = len(text)
		} else {
			lineEnd += pos
		}

		line := text[pos:lineEnd]
		if trimmed := strings.TrimSpace(line); trimmed == "" {
			if start >= 0 {
				out = append(out, span{start, end})
				start = -1
			}
		} else {
			lead := strings.Index(line, trimmed)
			if start < 0 {
				start = pos + lead
			}
			end = pos + lead + len(trimmed)
		}
		pos = lineEnd + 1
	}
	if start >= 0 {
		out = append(out, span{start, end})
	}
	return out
}

// merge packs paragraph spans into chunks no longer than size. A new chunk
// starts overlap bytes before the end of the previous one.
func (c *Chunker) merge(text string, paras []span) []span {
	var out []span
	cur := span{-1, -1}

	flush := func() {
		if cur.start >= 0 {
			out = append(out, cur)
		}
	}

	for _, p := range paras {
		if p.end-p.start > c.size {
			flush()
			cur = span{-1, -1}
			out = append(out, c.window(text, p)...)
			continue
		}

		if cur.start < 0 {
			cur = p
			continue
		}

		if p.end-cur.start <= c.size {
			cur.end = p.end
			continue
		}

		out = append(out, cur)
		next := alignStart(text, cur.end-c.overlap)
		if next <= cur.start || p.end-next > c.size || c.overlap == 0 {
			next = p.start
		}
		cur = span{next, p.end}
	}
	flush()
	return out
}

// window slides a size-byte window with the configured overlap over a long span.
func (c *Chunker) window(text string, p span) []span {
	var out []span
	for start := p.start; start < p.end; {
		end := start + c.size
		if end >= p.end {
			out = append(out, span{start, p.end})
			break
		}
		end = alignEnd(text, end, start)
		out = append(out, span{start, end})

		next := alignStart(text, end-c.overlap)
		if next <= start {
			next = end
		}
		start = next
	}
	return out
}

// alignStart moves i forward to a rune boundary.
func alignStart(text string, i int) int {
	if i < 0 {
		return 0
	}
	for i < len(text) && !utf8.RuneStart(text[i]) {
		i++
	}
	return i
}

// alignEnd moves i back to a rune boundary, never to or below floor.
func alignEnd(text string, i, floor int) int {
	j := i
	for j > floor && j < len(text) && !utf8.RuneStart(text[j]) {
		j--
	}
	if j <= floor {
		return alignStart(text, i)
	}
	return j
}

func chunkNamespace(documentID string) uuid.UUID {
	if id, err := uuid.Parse(documentID); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("document:"+documentID))
}

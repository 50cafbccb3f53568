package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/oho/lfmt-daemon/internal/config"
	"github.com/oho/lfmt-daemon/internal/jobstore"
	"github.com/oho/lfmt-daemon/internal/objectstore"
	"github.com/oho/lfmt-daemon/internal/tokencount"
)

// ChunkingError marks a failure of chunk(): unreadable source, encoding
// errors, empty input, or a storage failure. The orchestrator treats any
// instance as job-fatal and transitions the job to CHUNKING_FAILED rather
// than leaving it half-chunked.
type ChunkingError struct {
	Reason string
}

func (e *ChunkingError) Error() string { return "chunking: " + e.Reason }

func chunkingErrorf(format string, args ...any) error {
	return &ChunkingError{Reason: fmt.Sprintf(format, args...)}
}

// ChunkResult is the durable output of one chunk() call: the descriptors to
// persist and the totals the orchestrator writes into the job record.
type ChunkResult struct {
	Descriptors []jobstore.ChunkDescriptor
	TotalChunks int
	TotalTokens int
}

// Chunker reads a job's source document from the object store and produces
// an ordered sequence of chunk descriptors plus per-chunk source files. It
// never materializes every chunk's text at once: paragraphs (and, where a
// paragraph alone would overshoot the target, sentences within it) are
// accumulated into a single rolling buffer that is flushed and discarded as
// soon as it closes.
type Chunker struct {
	objects objectstore.Store
	target  int
	overlap int
	slack   float64
}

func NewChunker(objects objectstore.Store, cfg config.PipelineConfig) *Chunker {
	return &Chunker{
		objects: objects,
		target:  cfg.TargetChunkTokens,
		overlap: cfg.OverlapTokens,
		slack:   cfg.ParagraphBoundarySlack,
	}
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// paragraphRE splits on blank-line runs, the chunker's preferred boundary.
var paragraphRE = regexp.MustCompile(`\n{2,}`)

// sentenceBoundaryRE matches sentence-ending punctuation followed by
// whitespace, the fallback boundary used when a single paragraph alone
// would overshoot the target. Go's regexp has no lookbehind, so the match
// keeps the punctuation with the preceding sentence by hand.
var sentenceBoundaryRE = regexp.MustCompile(`([.!?])\s+`)

// maxParagraphBufferBytes bounds how much of a single paragraph scanParagraphs
// will hold in memory before giving up. It's sized far above any real
// paragraph but far below a whole document, so a pathological file with no
// blank lines fails loudly instead of silently reintroducing whole-document
// buffering.
const maxParagraphBufferBytes = 8 * 1024 * 1024

// scanParagraphs is a bufio.SplitFunc that tokenizes on blank-line runs
// instead of bufio.ScanLines' single newline, so the chunker can stream
// paragraph by paragraph straight off an io.Reader.
func scanParagraphs(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if loc := paragraphRE.FindIndex(data); loc != nil {
		return loc[1], data[:loc[0]], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Chunk implements the sliding-window-over-tokens algorithm: it streams
// job's source out of the object store one paragraph at a time, splits it
// into chunks of roughly target_chunk_tokens with an overlap_tokens tail
// carried into each chunk's previous_summary, and writes each chunk's
// source text back to the object store under chunks/{job_id}/{index}. It
// holds at most the paragraph being read plus the rolling buffer of the
// chunk being built, never the whole source.
func (c *Chunker) Chunk(ctx context.Context, job jobstore.Job) (ChunkResult, error) {
	reader, err := c.objects.GetReader(ctx, job.SourceObjectKey)
	if err != nil {
		return ChunkResult{}, chunkingErrorf("read source %s: %v", job.SourceObjectKey, err)
	}
	defer reader.Close()

	br := bufio.NewReader(reader)
	if bom, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(bom, utf8BOM) {
		br.Discard(len(utf8BOM))
	}

	scanner := bufio.NewScanner(br)
	scanner.Buffer(make([]byte, 0, 64*1024), maxParagraphBufferBytes)
	scanner.Split(scanParagraphs)

	maxTokens := int(float64(c.target) * (1 + c.slack))
	lowTarget := int(float64(c.target) * (1 - c.slack))
	if maxTokens <= c.target {
		maxTokens = c.target
	}

	var (
		result          ChunkResult
		buffer          []string
		bufferTokens    int
		previousSummary string
		index           int
		sawContent      bool
	)

	closeChunk := func() error {
		if len(buffer) == 0 {
			return nil
		}
		chunkText := strings.Join(buffer, "\n\n")
		tokens := tokencount.Count(chunkText)
		sourceKey := fmt.Sprintf("chunks/%s/%d", job.ID, index)
		translatedKey := fmt.Sprintf("translated/%s/%d", job.ID, index)

		if err := c.objects.Put(ctx, sourceKey, []byte(chunkText)); err != nil {
			return chunkingErrorf("write chunk source %s: %v", sourceKey, err)
		}

		result.Descriptors = append(result.Descriptors, jobstore.ChunkDescriptor{
			JobID:           job.ID,
			Index:           index,
			InputTokens:     tokens,
			PreviousSummary: previousSummary,
			SourceKey:       sourceKey,
			TranslatedKey:   translatedKey,
		})
		result.TotalTokens += tokens
		previousSummary = tokencount.Tail(chunkText, c.overlap)
		index++
		buffer = nil
		bufferTokens = 0
		return nil
	}

	processUnit := func(unit string) error {
		unitTokens := tokencount.Count(unit)

		if unitTokens > maxTokens && len(buffer) == 0 {
			// A unit this large has nowhere left to split without cutting
			// inside a token; emit it as its own chunk.
			slog.Warn("chunk unit exceeds target_chunk_tokens, emitting alone",
				"job_id", job.ID, "index", index, "tokens", unitTokens)
			buffer = []string{unit}
			bufferTokens = unitTokens
			return closeChunk()
		}

		if bufferTokens > 0 && bufferTokens+unitTokens > maxTokens {
			if err := closeChunk(); err != nil {
				return err
			}
		}

		buffer = append(buffer, unit)
		bufferTokens += unitTokens

		if bufferTokens >= c.target && bufferTokens >= lowTarget {
			return closeChunk()
		}
		return nil
	}

	for scanner.Scan() {
		paragraph := scanner.Text()
		if strings.TrimSpace(paragraph) == "" {
			continue
		}
		if !utf8.ValidString(paragraph) {
			return ChunkResult{}, chunkingErrorf("source is not valid UTF-8")
		}
		sawContent = true

		for _, unit := range splitIntoUnits(paragraph, maxTokens) {
			if err := processUnit(unit); err != nil {
				return ChunkResult{}, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return ChunkResult{}, chunkingErrorf("read source %s: %v", job.SourceObjectKey, err)
	}
	if !sawContent {
		return ChunkResult{}, chunkingErrorf("empty source")
	}

	if err := closeChunk(); err != nil {
		return ChunkResult{}, err
	}

	if len(result.Descriptors) == 0 {
		return ChunkResult{}, chunkingErrorf("empty source")
	}

	result.TotalChunks = len(result.Descriptors)
	return result, nil
}

// splitIntoUnits recursively breaks text down until every returned unit is
// at or below maxTokens, splitting on sentence boundaries. A unit that
// still overshoots after sentence splitting (no boundary found) is
// returned as-is: the caller emits it as its own chunk rather than
// splitting inside a token.
func splitIntoUnits(text string, maxTokens int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if tokencount.Count(text) <= maxTokens {
		return []string{text}
	}

	sentences := splitSentences(text)
	if len(sentences) <= 1 {
		return sentences
	}

	var units []string
	for _, s := range sentences {
		units = append(units, splitIntoUnits(s, maxTokens)...)
	}
	return units
}

func splitSentences(text string) []string {
	indices := sentenceBoundaryRE.FindAllStringIndex(text, -1)
	if len(indices) == 0 {
		return []string{text}
	}

	var parts []string
	start := 0
	for _, idx := range indices {
		end := idx[0] + 1 // keep the punctuation with the sentence
		if part := strings.TrimSpace(text[start:end]); part != "" {
			parts = append(parts, part)
		}
		start = idx[1]
	}
	if start < len(text) {
		if part := strings.TrimSpace(text[start:]); part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

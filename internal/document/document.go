// Package document extracts text from source documents and splits it into
// overlapping chunks for question generation.
package document

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/lexeval/lexeval/internal/model"
)

const (
	// DefaultChunkSize is the target chunk length in characters.
	DefaultChunkSize = 1000
	// DefaultChunkOverlap is how many characters adjacent chunks share.
	DefaultChunkOverlap = 200
)

// Processor loads PDF documents and chunks their text.
type Processor struct {
	chunkSize    int
	chunkOverlap int
}

func NewProcessor(chunkSize, chunkOverlap int) *Processor {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = DefaultChunkOverlap
		if chunkOverlap >= chunkSize {
			chunkOverlap = chunkSize / 5
		}
	}
	return &Processor{chunkSize: chunkSize, chunkOverlap: chunkOverlap}
}

// Process extracts text from every PDF in paths and returns the combined
// text split into overlapping chunks. Non-PDF files are skipped.
func (p *Processor) Process(ctx context.Context, paths []string) ([]string, error) {
	var all strings.Builder
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrDocumentProcessing, err)
		}
		if !strings.EqualFold(filepath.Ext(path), ".pdf") {
			slog.Warn("skipping unsupported file", "path", path)
			continue
		}
		text, err := ExtractPDF(path)
		if err != nil {
			return nil, err
		}
		all.WriteString(text)
	}

	chunks := p.ChunkText(CleanText(all.String()))
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: documents contained no extractable text", model.ErrDocumentProcessing)
	}
	slog.Info("documents chunked", "documents", len(paths), "chunks", len(chunks))
	return chunks, nil
}

// ExtractPDF returns the plain text of every page of a PDF file.
func ExtractPDF(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: open %s: %v", model.ErrDocumentProcessing, path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("%w: stat %s: %v", model.ErrDocumentProcessing, path, err)
	}

	reader, err := pdf.NewReader(file, info.Size())
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %v", model.ErrDocumentProcessing, path, err)
	}

	var text strings.Builder
	for pageIndex := 1; pageIndex <= reader.NumPage(); pageIndex++ {
		page := reader.Page(pageIndex)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil || pageText == "" {
			continue
		}
		text.WriteString(pageText)
		text.WriteString("\n")
	}
	return text.String(), nil
}

// CleanText collapses runs of whitespace into single spaces.
func CleanText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// ChunkText splits text into chunks of at most chunkSize characters,
// each sharing chunkOverlap characters with its predecessor. Splits prefer
// the last word boundary inside the chunk so words stay intact.
func (p *Processor) ChunkText(text string) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	if len(runes) <= p.chunkSize {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := min(start+p.chunkSize, len(runes))
		cut := end
		// Prefer a word boundary in the back half of the chunk.
		if end < len(runes) {
			if idx := lastSpace(runes[start:end]); idx > p.chunkSize/2 {
				cut = start + idx
			}
		}
		chunks = append(chunks, strings.TrimSpace(string(runes[start:cut])))
		if cut == len(runes) {
			break
		}
		next := cut - p.chunkOverlap
		if next <= start {
			next = cut
		}
		start = next
	}
	return chunks
}

func lastSpace(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == ' ' {
			return i
		}
	}
	return -1
}

// Package embed generates chunk embeddings and serves similarity lookups
// from an in-memory index, one index per evaluation.
package embed

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/lexeval/lexeval/internal/model"
	"github.com/lexeval/lexeval/internal/ratelimit"
)

// Encoder is the embedding API surface, satisfied by *openai.Client.
type Encoder interface {
	CreateEmbeddings(ctx context.Context, req openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// Match is one similarity search hit.
type Match struct {
	Text  string
	Score float64
}

type entry struct {
	text   string
	vector []float32
}

// Indexer embeds text chunks and answers nearest-neighbour queries over them.
type Indexer struct {
	encoder Encoder
	limiter *ratelimit.Limiter
	model   openai.EmbeddingModel

	mu      sync.RWMutex
	indexes map[string][]entry
}

func NewIndexer(encoder Encoder, limiter *ratelimit.Limiter, embeddingModel string) *Indexer {
	m := openai.EmbeddingModel(embeddingModel)
	if embeddingModel == "" {
		m = openai.SmallEmbedding3
	}
	return &Indexer{
		encoder: encoder,
		limiter: limiter,
		model:   m,
		indexes: make(map[string][]entry),
	}
}

// Index embeds all chunks and stores them under the evaluation ID, replacing
// any previous index for that ID.
func (x *Indexer) Index(ctx context.Context, evaluationID string, chunks []string) error {
	if len(chunks) == 0 {
		return fmt.Errorf("%w: no chunks to index", model.ErrEmbedding)
	}

	vectors, err := x.embed(ctx, chunks)
	if err != nil {
		return err
	}

	entries := make([]entry, len(chunks))
	for i, chunk := range chunks {
		entries[i] = entry{text: chunk, vector: vectors[i]}
	}

	x.mu.Lock()
	x.indexes[evaluationID] = entries
	x.mu.Unlock()

	slog.Info("chunks indexed", "evaluation_id", evaluationID, "chunks", len(chunks))
	return nil
}

// Search returns the topK chunks most similar to the query by cosine score.
func (x *Indexer) Search(ctx context.Context, evaluationID, query string, topK int) ([]Match, error) {
	x.mu.RLock()
	entries := x.indexes[evaluationID]
	x.mu.RUnlock()
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no index for evaluation %s", model.ErrEmbedding, evaluationID)
	}

	vectors, err := x.embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	queryVec := vectors[0]

	matches := make([]Match, 0, len(entries))
	for _, e := range entries {
		matches = append(matches, Match{Text: e.text, Score: cosine(queryVec, e.vector)})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })

	if topK > 0 && topK < len(matches) {
		matches = matches[:topK]
	}
	return matches, nil
}

// Drop discards the index for an evaluation.
func (x *Indexer) Drop(evaluationID string) {
	x.mu.Lock()
	delete(x.indexes, evaluationID)
	x.mu.Unlock()
}

func (x *Indexer) embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if x.limiter != nil {
		if err := x.limiter.Acquire(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrEmbedding, err)
		}
	}

	resp, err := x.encoder.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: inputs,
		Model: x.model,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrEmbedding, err)
	}
	if len(resp.Data) != len(inputs) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d inputs", model.ErrEmbedding, len(resp.Data), len(inputs))
	}

	vectors := make([][]float32, len(inputs))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("%w: embedding index %d out of range", model.ErrEmbedding, d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

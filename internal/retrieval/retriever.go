// Package retrieval looks up project chunks relevant to a modification step.
//
// Chunks are embedded through an Encoder and held in an in-memory chromem
// collection. Lookups are deterministic for identical corpus state: results
// are ordered by similarity, then by chunk id.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/evolvd/internal/evolution"
	"github.com/fyrsmithlabs/evolvd/internal/project"
)

var tracer = otel.Tracer("evolvd.retrieval")

const (
	defaultTopK       = 5
	defaultChunkLines = 60
	collectionName    = "project"
)

// Common errors.
var (
	ErrEmptyQuery = errors.New("query cannot be empty")
	ErrDimension  = errors.New("embedding count does not match chunk count")
)

// Encoder turns text into vectors. langchaingo's embeddings.Embedder
// satisfies it.
type Encoder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Chunk is one indexed piece of the corpus.
type Chunk struct {
	ID      string
	Source  string
	Content string
}

// Hit is a chunk returned by a lookup.
type Hit struct {
	Chunk
	Similarity float32
}

// Context is the attributed result of a lookup.
type Context struct {
	Hits []Hit
}

// Text renders hits as "[source] content" blocks.
func (c *Context) Text() string {
	if c == nil {
		return ""
	}
	var b strings.Builder
	for i, h := range c.Hits {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s] %s", h.Source, strings.TrimRight(h.Content, "\n"))
	}
	return b.String()
}

// Options configure a Retriever.
type Options struct {
	// TopK is the maximum number of hits. Zero selects 5.
	TopK int

	// MinSimilarity drops hits scoring below it.
	MinSimilarity float32

	// ChunkLines is the chunk height used by IndexSnapshot. Zero selects 60.
	ChunkLines int

	Logger *zap.Logger
}

// Retriever is a chromem-backed ContextRetriever.
type Retriever struct {
	enc    Encoder
	coll   *chromem.Collection
	opts   Options
	logger *zap.Logger
}

// New creates a Retriever with an empty in-memory corpus.
func New(enc Encoder, opts Options) (*Retriever, error) {
	if enc == nil {
		return nil, errors.New("encoder is required")
	}
	if opts.TopK <= 0 {
		opts.TopK = defaultTopK
	}
	if opts.ChunkLines <= 0 {
		opts.ChunkLines = defaultChunkLines
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	db := chromem.NewDB()
	embed := func(ctx context.Context, text string) ([]float32, error) {
		return enc.EmbedQuery(ctx, text)
	}
	coll, err := db.CreateCollection(collectionName, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("creating collection: %w", err)
	}
	return &Retriever{enc: enc, coll: coll, opts: opts, logger: logger}, nil
}

// Count returns the number of indexed chunks.
func (r *Retriever) Count() int {
	return r.coll.Count()
}

// Index embeds chunks and adds them to the corpus.
func (r *Retriever) Index(ctx context.Context, chunks []Chunk) error {
	ctx, span := tracer.Start(ctx, "Retriever.Index")
	defer span.End()
	span.SetAttributes(attribute.Int("chunk_count", len(chunks)))

	if len(chunks) == 0 {
		return nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := r.enc.EmbedDocuments(ctx, texts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("embedding chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return fmt.Errorf("%w: %d vectors for %d chunks", ErrDimension, len(vectors), len(chunks))
	}

	docs := make([]chromem.Document, len(chunks))
	for i, c := range chunks {
		docs[i] = chromem.Document{
			ID:        c.ID,
			Content:   c.Content,
			Metadata:  map[string]string{"source": c.Source},
			Embedding: vectors[i],
		}
	}
	// Embeddings are precomputed, so one worker is enough.
	if err := r.coll.AddDocuments(ctx, docs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding documents: %w", err)
	}

	r.logger.Debug("indexed chunks", zap.Int("count", len(chunks)), zap.Int("total", r.coll.Count()))
	return nil
}

// IndexSnapshot chunks every file in snap and indexes the result.
func (r *Retriever) IndexSnapshot(ctx context.Context, snap *project.Snapshot) (int, error) {
	var chunks []Chunk
	for _, p := range snap.Paths() {
		content, _ := snap.Content(p)
		chunks = append(chunks, ChunkFile(p, content, r.opts.ChunkLines)...)
	}
	if err := r.Index(ctx, chunks); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// Retrieve returns the chunks most relevant to step. The returned Context is
// nil when nothing relevant was found or the lookup failed; callers proceed
// without context in either case and may log the error.
func (r *Retriever) Retrieve(ctx context.Context, step evolution.ModificationStep) (*Context, error) {
	ctx, span := tracer.Start(ctx, "Retriever.Retrieve")
	defer span.End()

	hits, err := r.Query(ctx, QueryText(step))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("hits", len(hits)))
	if len(hits) == 0 {
		return nil, nil
	}
	return &Context{Hits: hits}, nil
}

// Query returns up to TopK hits for text ordered by similarity desc, then id.
func (r *Retriever) Query(ctx context.Context, text string) ([]Hit, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyQuery
	}
	count := r.coll.Count()
	if count == 0 {
		return nil, nil
	}
	vec, err := r.enc.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("embedding query: empty vector")
	}

	// Query the full corpus so ties at the top-k boundary resolve by id
	// rather than by chromem's internal ordering.
	results, err := r.coll.QueryEmbedding(ctx, vec, count, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying collection: %w", err)
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].ID < results[j].ID
	})

	hits := make([]Hit, 0, r.opts.TopK)
	for _, res := range results {
		if len(hits) == r.opts.TopK {
			break
		}
		if res.Similarity < r.opts.MinSimilarity {
			break
		}
		hits = append(hits, Hit{
			Chunk:      Chunk{ID: res.ID, Source: res.Metadata["source"], Content: res.Content},
			Similarity: res.Similarity,
		})
	}
	return hits, nil
}

// QueryText is the text encoded for a step lookup.
func QueryText(step evolution.ModificationStep) string {
	parts := []string{step.File, step.What, step.How}
	out := parts[:0]
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, "\n")
}

// ChunkFile splits content into windows of at most lines lines. Chunk ids
// have the form "path#L<start>-<end>".
func ChunkFile(path, content string, lines int) []Chunk {
	if lines <= 0 {
		lines = defaultChunkLines
	}
	if strings.TrimSpace(content) == "" {
		return nil
	}
	all := strings.SplitAfter(content, "\n")
	if all[len(all)-1] == "" {
		all = all[:len(all)-1]
	}

	var chunks []Chunk
	for start := 0; start < len(all); start += lines {
		end := start + lines
		if end > len(all) {
			end = len(all)
		}
		body := strings.Join(all[start:end], "")
		if strings.TrimSpace(body) == "" {
			continue
		}
		chunks = append(chunks, Chunk{
			ID:      fmt.Sprintf("%s#L%d-%d", path, start+1, end),
			Source:  path,
			Content: body,
		})
	}
	return chunks
}

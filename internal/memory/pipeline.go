package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/ent0n29/abel/internal/apperr"
	"github.com/ent0n29/abel/internal/llm"
	"github.com/ent0n29/abel/internal/reliability"
	"github.com/ent0n29/abel/internal/service"
)

// Stage of a single store or recall operation.
type Stage int

const (
	StageIdle Stage = iota
	StageEmbedding
	StageStoring
	StageSearching
	StageDone
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageEmbedding:
		return "embedding"
	case StageStoring:
		return "storing"
	case StageSearching:
		return "searching"
	case StageDone:
		return "done"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	maxContentRunes = 2000
	maxQueryRunes   = 500
	maxTopK         = 20
)

// Embedder produces vectors for documents and queries.
type Embedder interface {
	EmbedDocument(ctx context.Context, text string) (llm.Embedding, error)
	EmbedQuery(ctx context.Context, text string) (llm.Embedding, error)
}

// PipelineOptions wires a Pipeline.
type PipelineOptions struct {
	// Store is the real backend. It may be nil when State is not available.
	Store Store
	// OpenStore builds Store on first use once State is available, for
	// backends that need a connection the state establishes.
	OpenStore func(ctx context.Context) (Store, error)
	// MockStore stands in for Store while State is in mock mode.
	MockStore Store
	// State gates the storage backend.
	State    *service.State
	Embedder Embedder

	Dimensions      int
	DefaultTopK     int
	DefaultMinScore float64
	StorageTimeout  time.Duration

	Logger   zerolog.Logger
	Observer reliability.Observer
	OnResult func(op, result string)
	// OnStage observes stage transitions.
	OnStage func(op string, s Stage)
}

// Pipeline implements store and recall.
type Pipeline struct {
	opts PipelineOptions

	mu    sync.Mutex
	store Store
}

func NewPipeline(opts PipelineOptions) *Pipeline {
	if opts.DefaultTopK <= 0 {
		opts.DefaultTopK = 5
	}
	if opts.StorageTimeout <= 0 {
		opts.StorageTimeout = 10 * time.Second
	}
	if opts.MockStore == nil {
		opts.MockStore = NewInMemoryStore()
	}
	return &Pipeline{opts: opts, store: opts.Store}
}

type StoreRequest struct {
	OwnerID    string
	Content    string
	Category   string
	Importance *float64
	Metadata   map[string]any
}

type StoreResult struct {
	ID           string    `json:"id"`
	Deduplicated bool      `json:"deduplicated"`
	Mock         bool      `json:"mock"`
	CreatedAt    time.Time `json:"created_at"`
}

type RecallRequest struct {
	OwnerID  string
	Query    string
	TopK     int
	MinScore *float64
	Category string
}

type RecallResult struct {
	Matches []Match `json:"results"`
	Mock    bool    `json:"mock"`
}

// Store embeds and persists content. Identical content from the same owner
// is stored once; later submissions return the existing id. A record is
// never written without a valid embedding.
func (p *Pipeline) Store(ctx context.Context, req StoreRequest) (StoreResult, error) {
	const op = "store"
	p.stage(op, StageIdle)

	content := strings.TrimSpace(req.Content)
	if err := validateStore(req, content); err != nil {
		return p.failStore(op, err)
	}
	category := req.Category
	if category == "" {
		category = DefaultCategory
	}
	importance := 0.5
	if req.Importance != nil {
		importance = *req.Importance
	}

	store, storeMock, err := p.backend(ctx, op)
	if err != nil {
		return p.failStore(op, err)
	}

	hash := ContentHash(req.OwnerID, content)
	if res, found, err := p.findExisting(ctx, store, storeMock, req.OwnerID, hash); err != nil {
		return p.failStore(op, err)
	} else if found {
		p.stage(op, StageDone)
		p.result(op, "deduplicated")
		return res, nil
	}

	p.stage(op, StageEmbedding)
	emb, err := p.opts.Embedder.EmbedDocument(ctx, content)
	if err != nil {
		return p.failStore(op, err)
	}
	if err := p.checkVector(emb.Vector); err != nil {
		return p.failStore(op, err)
	}
	if emb.Mock && !storeMock {
		// Synthetic vectors stay out of the real store.
		store, storeMock = p.opts.MockStore, true
		if res, found, err := p.findExisting(ctx, store, storeMock, req.OwnerID, hash); err != nil {
			return p.failStore(op, err)
		} else if found {
			p.stage(op, StageDone)
			p.result(op, "deduplicated")
			return res, nil
		}
	}

	p.stage(op, StageStoring)
	rec := Record{
		OwnerID:     req.OwnerID,
		Content:     content,
		Embedding:   emb.Vector,
		Category:    category,
		Importance:  importance,
		Metadata:    req.Metadata,
		ContentHash: hash,
		CreatedAt:   time.Now().UTC(),
	}
	rec.ID = newID()
	err = p.storageCall(ctx, store, "insert", func(ctx context.Context) error {
		return store.Insert(ctx, rec)
	})
	if err != nil {
		// A concurrent store of the same content may have won the unique index.
		if again, ok, ferr := store.FindByHash(ctx, req.OwnerID, hash); ferr == nil && ok {
			p.stage(op, StageDone)
			p.result(op, "deduplicated")
			return StoreResult{ID: again.ID, Deduplicated: true, Mock: storeMock, CreatedAt: again.CreatedAt}, nil
		}
		return p.failStore(op, err)
	}

	p.stage(op, StageDone)
	p.result(op, "ok")
	return StoreResult{ID: rec.ID, Mock: storeMock, CreatedAt: rec.CreatedAt}, nil
}

func (p *Pipeline) findExisting(ctx context.Context, store Store, mock bool, ownerID, hash string) (StoreResult, bool, error) {
	var existing Record
	var found bool
	err := p.storageCall(ctx, store, "find", func(ctx context.Context) error {
		var ferr error
		existing, found, ferr = store.FindByHash(ctx, ownerID, hash)
		return ferr
	})
	if err != nil || !found {
		return StoreResult{}, false, err
	}
	return StoreResult{ID: existing.ID, Deduplicated: true, Mock: mock, CreatedAt: existing.CreatedAt}, true, nil
}

// Recall returns the owner's memories most similar to the query. An empty
// result is not an error.
func (p *Pipeline) Recall(ctx context.Context, req RecallRequest) (RecallResult, error) {
	const op = "recall"
	p.stage(op, StageIdle)

	query := strings.TrimSpace(req.Query)
	topK, minScore, err := p.validateRecall(req, query)
	if err != nil {
		return p.failRecall(op, err)
	}

	store, storeMock, err := p.backend(ctx, op)
	if err != nil {
		return p.failRecall(op, err)
	}

	p.stage(op, StageEmbedding)
	emb, err := p.opts.Embedder.EmbedQuery(ctx, query)
	if err != nil {
		return p.failRecall(op, err)
	}
	if err := p.checkVector(emb.Vector); err != nil {
		return p.failRecall(op, err)
	}
	if emb.Mock {
		// A synthetic query vector is only comparable to synthetic vectors.
		store, storeMock = p.opts.MockStore, true
	}

	p.stage(op, StageSearching)
	var matches []Match
	err = p.storageCall(ctx, store, "search", func(ctx context.Context) error {
		var serr error
		matches, serr = store.Search(ctx, SearchQuery{
			OwnerID:  req.OwnerID,
			Vector:   emb.Vector,
			TopK:     topK,
			MinScore: minScore,
			Category: req.Category,
		})
		return serr
	})
	if err != nil {
		return p.failRecall(op, err)
	}

	filtered := matches[:0]
	for _, m := range matches {
		if m.Score >= minScore {
			filtered = append(filtered, m)
		}
	}
	SortMatches(filtered)
	if len(filtered) > topK {
		filtered = filtered[:topK]
	}
	if filtered == nil {
		filtered = []Match{}
	}

	p.stage(op, StageDone)
	p.result(op, "ok")
	return RecallResult{Matches: filtered, Mock: storeMock}, nil
}

// List returns the owner's newest memories, including those held in the
// stand-in store while embeddings were synthetic.
func (p *Pipeline) List(ctx context.Context, ownerID, category string, limit int) ([]Record, error) {
	if ownerID == "" {
		return nil, apperr.Validation("owner is required")
	}
	if category != "" && !ValidCategory(category) {
		return nil, apperr.Validation("unknown category")
	}
	store, storeMock, err := p.backend(ctx, "list")
	if err != nil {
		return nil, err
	}
	var out []Record
	err = p.storageCall(ctx, store, "list", func(ctx context.Context) error {
		var lerr error
		out, lerr = store.List(ctx, ownerID, category, limit)
		return lerr
	})
	if err != nil {
		return nil, err
	}
	if !storeMock {
		standIn, _ := p.opts.MockStore.List(ctx, ownerID, category, limit)
		if len(standIn) > 0 {
			out = append(out, standIn...)
			sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
			if limit > 0 && len(out) > limit {
				out = out[:limit]
			}
		}
	}
	if out == nil {
		out = []Record{}
	}
	return out, nil
}

// Delete removes one of the owner's memories.
func (p *Pipeline) Delete(ctx context.Context, ownerID, id string) error {
	if ownerID == "" || strings.TrimSpace(id) == "" {
		return apperr.Validation("memory id is required")
	}
	store, storeMock, err := p.backend(ctx, "delete")
	if err != nil {
		return err
	}
	var deleted bool
	err = p.storageCall(ctx, store, "delete", func(ctx context.Context) error {
		var derr error
		deleted, derr = store.Delete(ctx, ownerID, id)
		return derr
	})
	if err != nil {
		return err
	}
	if !deleted && !storeMock {
		deleted, _ = p.opts.MockStore.Delete(ctx, ownerID, id)
	}
	if !deleted {
		return apperr.NotFound("memory not found")
	}
	p.result("delete", "ok")
	return nil
}

// backend picks the store for op. While State is in mock mode the stand-in
// serves; once it is available the real store is used, opened on demand
// when it could not be built at startup.
func (p *Pipeline) backend(ctx context.Context, op string) (Store, bool, error) {
	if p.opts.State != nil {
		mock, err := p.opts.State.Gate(op)
		if err != nil {
			return nil, false, err
		}
		if mock {
			return p.opts.MockStore, true, nil
		}
	}
	store, err := p.realStore(ctx, op)
	if err != nil {
		return nil, false, err
	}
	return store, false, nil
}

func (p *Pipeline) realStore(ctx context.Context, op string) (Store, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.store != nil {
		return p.store, nil
	}
	if p.opts.OpenStore == nil {
		return nil, apperr.Unavailable("memory", op, errors.New("no store configured"))
	}
	cctx, cancel := context.WithTimeout(ctx, p.opts.StorageTimeout)
	defer cancel()
	store, err := p.opts.OpenStore(cctx)
	if err != nil {
		p.opts.Logger.Warn().Err(err).Str("op", op).Msg("memory store open failed")
		if apperr.KindOf(err) == apperr.KindInternal {
			return nil, apperr.Storage("memory", "open", err)
		}
		return nil, err
	}
	p.opts.Logger.Info().Str("backend", store.Backend()).Msg("memory store opened")
	p.store = store
	return store, nil
}

// Close releases a store opened on demand.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.store == nil || p.opts.Store != nil {
		return nil
	}
	err := p.store.Close()
	p.store = nil
	return err
}

func (p *Pipeline) storageCall(ctx context.Context, store Store, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, p.opts.StorageTimeout)
	defer cancel()

	err := fn(cctx)
	elapsed := time.Since(start)
	outcome := reliability.OutcomeOK
	defer func() {
		if p.opts.Observer != nil {
			p.opts.Observer.ObserveProviderCall(store.Backend(), op, outcome, elapsed)
		}
	}()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		outcome = reliability.OutcomeCanceled
		return ctx.Err()
	}
	if errors.Is(cctx.Err(), context.DeadlineExceeded) {
		outcome = reliability.OutcomeTimeout
		p.opts.Logger.Error().Str("provider", store.Backend()).Str("op", op).Dur("elapsed", elapsed).Msg("storage call timed out")
		return apperr.Timeout(store.Backend(), op, elapsed, err)
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		outcome = reliability.OutcomeOther
		return err
	}
	outcome = reliability.OutcomeUpstream
	p.opts.Logger.Warn().Err(err).Str("provider", store.Backend()).Str("op", op).Dur("elapsed", elapsed).Msg("storage call failed")
	return apperr.Storage(store.Backend(), op, err)
}

func (p *Pipeline) checkVector(v []float32) error {
	if len(v) == 0 {
		return apperr.Upstream("embedding", "embed", 0, errors.New("empty embedding"))
	}
	if p.opts.Dimensions > 0 && len(v) != p.opts.Dimensions {
		return apperr.Upstream("embedding", "embed", 0, errors.New("embedding dimension mismatch"))
	}
	return nil
}

func validateStore(req StoreRequest, content string) error {
	if strings.TrimSpace(req.OwnerID) == "" {
		return apperr.Validation("owner is required")
	}
	if content == "" {
		return apperr.Validation("content is required")
	}
	if utf8.RuneCountInString(content) > maxContentRunes {
		return apperr.Validation("content exceeds 2000 characters")
	}
	if req.Category != "" && !ValidCategory(req.Category) {
		return apperr.Validation("unknown category")
	}
	if req.Importance != nil && (*req.Importance < 0 || *req.Importance > 1) {
		return apperr.Validation("importance must be within [0, 1]")
	}
	return nil
}

func (p *Pipeline) validateRecall(req RecallRequest, query string) (int, float64, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return 0, 0, apperr.Validation("owner is required")
	}
	if query == "" {
		return 0, 0, apperr.Validation("query is required")
	}
	if utf8.RuneCountInString(query) > maxQueryRunes {
		return 0, 0, apperr.Validation("query exceeds 500 characters")
	}
	if req.Category != "" && !ValidCategory(req.Category) {
		return 0, 0, apperr.Validation("unknown category")
	}
	topK := req.TopK
	if topK == 0 {
		topK = p.opts.DefaultTopK
	}
	if topK < 1 || topK > maxTopK {
		return 0, 0, apperr.Validation("topK must be within [1, 20]")
	}
	minScore := p.opts.DefaultMinScore
	if req.MinScore != nil {
		minScore = *req.MinScore
	}
	if minScore < -1 || minScore > 1 {
		return 0, 0, apperr.Validation("minScore must be within [-1, 1]")
	}
	return topK, minScore, nil
}

func (p *Pipeline) failStore(op string, err error) (StoreResult, error) {
	p.stage(op, StageFailed)
	p.result(op, string(apperr.KindOf(err)))
	return StoreResult{}, err
}

func (p *Pipeline) failRecall(op string, err error) (RecallResult, error) {
	p.stage(op, StageFailed)
	p.result(op, string(apperr.KindOf(err)))
	return RecallResult{}, err
}

func (p *Pipeline) stage(op string, s Stage) {
	if p.opts.OnStage != nil {
		p.opts.OnStage(op, s)
	}
}

func (p *Pipeline) result(op, result string) {
	if p.opts.OnResult != nil {
		p.opts.OnResult(op, result)
	}
}

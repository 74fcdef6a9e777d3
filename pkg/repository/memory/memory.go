// Package memory is an embedded repository backed by chromem-go. It keeps
// everything in process memory and is meant for local runs and tests.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ina/pkg/model"
	"github.com/m-mizutani/ina/pkg/repository"
	chromem "github.com/philippgille/chromem-go"
)

const collectionName = "message_embeddings"

type Repository struct {
	dimensions int

	mu       sync.RWMutex
	db       *chromem.DB
	col      *chromem.Collection
	messages map[model.MessageID]*model.Message
	chunks   map[model.MessageID]map[int]*model.Chunk
	byID     map[model.ChunkID]*model.Chunk
}

var _ repository.Repository = (*Repository)(nil)

func New(dimensions int) (*Repository, error) {
	if dimensions <= 0 {
		return nil, goerr.New("dimensions must be positive",
			goerr.V("dimensions", dimensions),
			goerr.T(model.TagConfiguration))
	}

	db := chromem.NewDB()
	// No embedding func: vectors are always provided by the caller.
	col, err := db.CreateCollection(collectionName, nil, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create collection")
	}

	return &Repository{
		dimensions: dimensions,
		db:         db,
		col:        col,
		messages:   make(map[model.MessageID]*model.Message),
		chunks:     make(map[model.MessageID]map[int]*model.Chunk),
		byID:       make(map[model.ChunkID]*model.Chunk),
	}, nil
}

func (r *Repository) Dimensions() int { return r.dimensions }
func (r *Repository) Close() error    { return nil }

func copyMessage(m *model.Message) *model.Message {
	c := *m
	return &c
}

func copyChunk(c *model.Chunk) *model.Chunk {
	n := *c
	n.Embedding = append([]float32(nil), c.Embedding...)
	return &n
}

func (r *Repository) PutMessage(ctx context.Context, msg *model.Message) error {
	if msg.ID == "" {
		return goerr.New("message has no id", goerr.T(model.TagQuery))
	}

	now := time.Now().UTC()
	stored := copyMessage(msg)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[msg.ID] = stored
	return nil
}

func (r *Repository) GetMessage(ctx context.Context, id model.MessageID) (*model.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msg, ok := r.messages[id]
	if !ok {
		return nil, goerr.Wrap(model.ErrMessageNotFound, "failed to get message", goerr.V("message_id", id))
	}
	return copyMessage(msg), nil
}

func (r *Repository) TouchMessage(ctx context.Context, id model.MessageID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.messages[id]
	if !ok {
		return goerr.Wrap(model.ErrMessageNotFound, "failed to touch message", goerr.V("message_id", id))
	}
	msg.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *Repository) ListMessages(ctx context.Context, scope model.Scope, limit int) ([]*model.Message, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var msgs []*model.Message
	for _, m := range r.messages {
		if scope.Match(m.UserID, m.ChatID, m.CreatedAt) {
			msgs = append(msgs, copyMessage(m))
		}
	}
	return newestFirst(msgs, limit), nil
}

func (r *Repository) ListFileMessages(ctx context.Context, userID int64, fileType model.FileType, limit int) ([]*model.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var msgs []*model.Message
	for _, m := range r.messages {
		if m.UserID != userID || !m.HasFile() {
			continue
		}
		if fileType != "" && m.FileType != fileType {
			continue
		}
		msgs = append(msgs, copyMessage(m))
	}
	return newestFirst(msgs, limit), nil
}

func newestFirst(msgs []*model.Message, limit int) []*model.Message {
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.After(msgs[j].CreatedAt)
	})
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs
}

func (r *Repository) DeleteMessage(ctx context.Context, id model.MessageID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.messages[id]; !ok {
		return goerr.Wrap(model.ErrMessageNotFound, "failed to delete message", goerr.V("message_id", id))
	}

	var ids []string
	for _, c := range r.chunks[id] {
		ids = append(ids, c.ID.String())
		delete(r.byID, c.ID)
	}
	if len(ids) > 0 {
		if err := r.col.Delete(ctx, nil, nil, ids...); err != nil {
			return repository.Persistence(err, "failed to delete chunks", goerr.V("message_id", id))
		}
	}

	delete(r.chunks, id)
	delete(r.messages, id)
	return nil
}

func (r *Repository) PutChunk(ctx context.Context, chunk *model.Chunk) (model.ChunkID, error) {
	if err := repository.ValidateChunk(chunk, r.dimensions); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.messages[chunk.MessageID]
	if !ok {
		return "", goerr.Wrap(model.ErrMessageNotFound, "failed to put chunk",
			goerr.V("message_id", chunk.MessageID),
			goerr.T(model.TagPersistence))
	}

	stored := copyChunk(chunk)
	if stored.ID == "" {
		stored.ID = model.NewChunkID()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	doc := chromem.Document{
		ID:        stored.ID.String(),
		Content:   stored.Text,
		Embedding: append([]float32(nil), stored.Embedding...),
		Metadata: map[string]string{
			"message_id": stored.MessageID.String(),
			"user_id":    strconv.FormatInt(msg.UserID, 10),
			"chat_id":    strconv.FormatInt(msg.ChatID, 10),
		},
	}
	if err := r.col.AddDocument(ctx, doc); err != nil {
		return "", repository.Persistence(err, "failed to add chunk document",
			goerr.V("message_id", stored.MessageID),
			goerr.V("index", stored.Index))
	}

	if r.chunks[stored.MessageID] == nil {
		r.chunks[stored.MessageID] = make(map[int]*model.Chunk)
	}
	if prev, ok := r.chunks[stored.MessageID][stored.Index]; ok && prev.ID != stored.ID {
		if err := r.col.Delete(ctx, nil, nil, prev.ID.String()); err != nil {
			return "", repository.Persistence(err, "failed to replace chunk document", goerr.V("chunk_id", prev.ID))
		}
		delete(r.byID, prev.ID)
	}
	r.chunks[stored.MessageID][stored.Index] = stored
	r.byID[stored.ID] = stored

	return stored.ID, nil
}

func (r *Repository) GetChunk(ctx context.Context, messageID model.MessageID, index int) (*model.Chunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.chunks[messageID][index]
	if !ok {
		return nil, goerr.Wrap(model.ErrChunkNotFound, "failed to get chunk",
			goerr.V("message_id", messageID),
			goerr.V("index", index))
	}
	return copyChunk(c), nil
}

func (r *Repository) NextChunkIndex(ctx context.Context, messageID model.MessageID) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	next := 0
	for idx := range r.chunks[messageID] {
		if idx+1 > next {
			next = idx + 1
		}
	}
	return next, nil
}

func (r *Repository) QuerySimilar(ctx context.Context, embedding []float32, scope model.Scope, k int) ([]*model.ScoredChunk, error) {
	if err := repository.ValidateQuery(embedding, scope, k, r.dimensions); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	// chromem filters by exact metadata match only, so the time window is
	// applied to its output. Asking for every user/chat match keeps the
	// window a filter before ranking.
	unbounded := scope
	unbounded.Since = time.Time{}

	var inWhere, inScope int
	for msgID, chunks := range r.chunks {
		msg := r.messages[msgID]
		for _, c := range chunks {
			if !unbounded.Match(msg.UserID, msg.ChatID, c.CreatedAt) {
				continue
			}
			inWhere++
			if scope.Match(msg.UserID, msg.ChatID, c.CreatedAt) {
				inScope++
			}
		}
	}
	if inScope == 0 {
		return nil, nil
	}

	where := map[string]string{}
	if scope.UserID != 0 {
		where["user_id"] = strconv.FormatInt(scope.UserID, 10)
	}
	if scope.ChatID != 0 {
		where["chat_id"] = strconv.FormatInt(scope.ChatID, 10)
	}

	results, err := r.col.QueryEmbedding(ctx, embedding, inWhere, where, nil)
	if err != nil {
		return nil, repository.Persistence(err, "failed to query chunks", goerr.V("k", k))
	}

	scored := make([]*model.ScoredChunk, 0, len(results))
	for _, res := range results {
		c, ok := r.byID[model.ChunkID(res.ID)]
		if !ok {
			continue
		}
		if !scope.Since.IsZero() && c.CreatedAt.Before(scope.Since) {
			continue
		}
		scored = append(scored, &model.ScoredChunk{
			Chunk:    copyChunk(c),
			Distance: max(0, 1-float64(res.Similarity)),
		})
	}

	repository.SortScored(scored)
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// Package firestore stores messages and chunks in Cloud Firestore and uses
// its vector search (FindNearest, cosine) for similarity queries. Chunk
// documents carry the owning message's user and chat so that scope filters
// run inside the vector query.
//
// Required indexes: a vector index on the embedding field of the chunk
// collection with the configured dimension, plus composite indexes for
// (user_id, chat_id, created_at) used together with it.
package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ina/pkg/model"
	"github.com/m-mizutani/ina/pkg/repository"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	distanceField = "distance"

	// MaxNearestLimit is the largest limit FindNearest accepts
	MaxNearestLimit = 1000
)

type Repository struct {
	client     *firestore.Client
	dimensions int
	messages   string
	chunks     string
}

var _ repository.Repository = (*Repository)(nil)

type Option func(*Repository)

// WithCollectionPrefix prepends prefix to both collection names
func WithCollectionPrefix(prefix string) Option {
	return func(r *Repository) {
		r.messages = prefix + "messages"
		r.chunks = prefix + "message_embeddings"
	}
}

func New(ctx context.Context, projectID, databaseID string, dimensions int, opts ...Option) (*Repository, error) {
	if dimensions <= 0 {
		return nil, goerr.New("dimensions must be positive",
			goerr.V("dimensions", dimensions),
			goerr.T(model.TagConfiguration))
	}

	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, repository.Persistence(err, "failed to create firestore client",
			goerr.V("project_id", projectID),
			goerr.V("database_id", databaseID))
	}

	r := &Repository{
		client:     client,
		dimensions: dimensions,
		messages:   "messages",
		chunks:     "message_embeddings",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

type messageDoc struct {
	ID          string    `firestore:"id"`
	UserID      int64     `firestore:"user_id"`
	ChatID      int64     `firestore:"chat_id"`
	Text        string    `firestore:"message_text"`
	FileContent string    `firestore:"file_content"`
	FileName    string    `firestore:"file_name"`
	FileType    string    `firestore:"file_type"`
	HasFile     bool      `firestore:"has_file"`
	CreatedAt   time.Time `firestore:"created_at"`
	UpdatedAt   time.Time `firestore:"updated_at"`
}

func (d *messageDoc) toModel() *model.Message {
	return &model.Message{
		ID:          model.MessageID(d.ID),
		UserID:      d.UserID,
		ChatID:      d.ChatID,
		Text:        d.Text,
		FileContent: d.FileContent,
		FileName:    d.FileName,
		FileType:    model.FileType(d.FileType),
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

type chunkDoc struct {
	ID        string             `firestore:"id"`
	MessageID string             `firestore:"message_id"`
	UserID    int64              `firestore:"user_id"`
	ChatID    int64              `firestore:"chat_id"`
	Text      string             `firestore:"chunk_text"`
	Index     int                `firestore:"chunk_index"`
	Embedding firestore.Vector32 `firestore:"embedding"`
	CreatedAt time.Time          `firestore:"created_at"`
	Distance  float64            `firestore:"distance,omitempty"`
}

func (d *chunkDoc) toModel() *model.Chunk {
	return &model.Chunk{
		ID:        model.ChunkID(d.ID),
		MessageID: model.MessageID(d.MessageID),
		Text:      d.Text,
		Index:     d.Index,
		Embedding: []float32(d.Embedding),
		CreatedAt: d.CreatedAt,
	}
}

func (r *Repository) Dimensions() int { return r.dimensions }

func (r *Repository) Close() error {
	if err := r.client.Close(); err != nil {
		return repository.Persistence(err, "failed to close firestore client")
	}
	return nil
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

func (r *Repository) PutMessage(ctx context.Context, msg *model.Message) error {
	if msg.ID == "" {
		return goerr.New("message has no id", goerr.T(model.TagQuery))
	}

	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	updatedAt := msg.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	doc := &messageDoc{
		ID:          msg.ID.String(),
		UserID:      msg.UserID,
		ChatID:      msg.ChatID,
		Text:        msg.Text,
		FileContent: msg.FileContent,
		FileName:    msg.FileName,
		FileType:    string(msg.FileType),
		HasFile:     msg.HasFile(),
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
	}
	if _, err := r.client.Collection(r.messages).Doc(doc.ID).Set(ctx, doc); err != nil {
		return repository.Persistence(err, "failed to put message", goerr.V("message_id", msg.ID))
	}
	return nil
}

func (r *Repository) GetMessage(ctx context.Context, id model.MessageID) (*model.Message, error) {
	snap, err := r.client.Collection(r.messages).Doc(id.String()).Get(ctx)
	if isNotFound(err) {
		return nil, goerr.Wrap(model.ErrMessageNotFound, "failed to get message", goerr.V("message_id", id))
	}
	if err != nil {
		return nil, repository.Persistence(err, "failed to get message", goerr.V("message_id", id))
	}

	var doc messageDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, repository.Persistence(err, "failed to decode message", goerr.V("message_id", id))
	}
	return doc.toModel(), nil
}

func (r *Repository) TouchMessage(ctx context.Context, id model.MessageID) error {
	_, err := r.client.Collection(r.messages).Doc(id.String()).Update(ctx, []firestore.Update{
		{Path: "updated_at", Value: time.Now().UTC()},
	})
	if isNotFound(err) {
		return goerr.Wrap(model.ErrMessageNotFound, "failed to touch message", goerr.V("message_id", id))
	}
	if err != nil {
		return repository.Persistence(err, "failed to touch message", goerr.V("message_id", id))
	}
	return nil
}

func (r *Repository) collectMessages(iter *firestore.DocumentIterator) ([]*model.Message, error) {
	defer iter.Stop()

	var msgs []*model.Message
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, repository.Persistence(err, "failed to iterate messages")
		}
		var doc messageDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, repository.Persistence(err, "failed to decode message", goerr.V("doc_id", snap.Ref.ID))
		}
		msgs = append(msgs, doc.toModel())
	}
	return msgs, nil
}

func applyScope(q firestore.Query, scope model.Scope) firestore.Query {
	if scope.UserID != 0 {
		q = q.Where("user_id", "==", scope.UserID)
	}
	if scope.ChatID != 0 {
		q = q.Where("chat_id", "==", scope.ChatID)
	}
	if !scope.Since.IsZero() {
		q = q.Where("created_at", ">=", scope.Since)
	}
	return q
}

func (r *Repository) ListMessages(ctx context.Context, scope model.Scope, limit int) ([]*model.Message, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	q := applyScope(r.client.Collection(r.messages).Query, scope).
		OrderBy("created_at", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	return r.collectMessages(q.Documents(ctx))
}

func (r *Repository) ListFileMessages(ctx context.Context, userID int64, fileType model.FileType, limit int) ([]*model.Message, error) {
	q := r.client.Collection(r.messages).
		Where("user_id", "==", userID).
		Where("has_file", "==", true)
	if fileType != "" {
		q = q.Where("file_type", "==", string(fileType))
	}
	q = q.OrderBy("created_at", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	return r.collectMessages(q.Documents(ctx))
}

func (r *Repository) DeleteMessage(ctx context.Context, id model.MessageID) error {
	msgRef := r.client.Collection(r.messages).Doc(id.String())
	if _, err := msgRef.Get(ctx); err != nil {
		if isNotFound(err) {
			return goerr.Wrap(model.ErrMessageNotFound, "failed to delete message", goerr.V("message_id", id))
		}
		return repository.Persistence(err, "failed to get message", goerr.V("message_id", id))
	}

	bw := r.client.BulkWriter(ctx)
	iter := r.client.Collection(r.chunks).Where("message_id", "==", id.String()).Documents(ctx)
	defer iter.Stop()

	var jobs []*firestore.BulkWriterJob
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			bw.End()
			return repository.Persistence(err, "failed to list chunks", goerr.V("message_id", id))
		}
		job, err := bw.Delete(snap.Ref)
		if err != nil {
			bw.End()
			return repository.Persistence(err, "failed to enqueue chunk delete", goerr.V("chunk_id", snap.Ref.ID))
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return repository.Persistence(err, "failed to delete chunk", goerr.V("message_id", id))
		}
	}

	if _, err := msgRef.Delete(ctx); err != nil {
		return repository.Persistence(err, "failed to delete message", goerr.V("message_id", id))
	}
	return nil
}

func (r *Repository) PutChunk(ctx context.Context, chunk *model.Chunk) (model.ChunkID, error) {
	if err := repository.ValidateChunk(chunk, r.dimensions); err != nil {
		return "", err
	}

	msg, err := r.GetMessage(ctx, chunk.MessageID)
	if err != nil {
		return "", goerr.Wrap(err, "failed to resolve chunk owner", goerr.T(model.TagPersistence))
	}

	id := chunk.ID
	if id == "" {
		id = model.NewChunkID()
	}
	createdAt := chunk.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	doc := &chunkDoc{
		ID:        id.String(),
		MessageID: chunk.MessageID.String(),
		UserID:    msg.UserID,
		ChatID:    msg.ChatID,
		Text:      chunk.Text,
		Index:     chunk.Index,
		Embedding: firestore.Vector32(chunk.Embedding),
		CreatedAt: createdAt,
	}
	if _, err := r.client.Collection(r.chunks).Doc(doc.ID).Set(ctx, doc); err != nil {
		return "", repository.Persistence(err, "failed to put chunk",
			goerr.V("message_id", chunk.MessageID),
			goerr.V("index", chunk.Index))
	}
	return id, nil
}

func (r *Repository) firstChunk(ctx context.Context, q firestore.Query) (*chunkDoc, error) {
	iter := q.Limit(1).Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var doc chunkDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *Repository) GetChunk(ctx context.Context, messageID model.MessageID, index int) (*model.Chunk, error) {
	doc, err := r.firstChunk(ctx, r.client.Collection(r.chunks).
		Where("message_id", "==", messageID.String()).
		Where("chunk_index", "==", index))
	if err != nil {
		return nil, repository.Persistence(err, "failed to get chunk",
			goerr.V("message_id", messageID),
			goerr.V("index", index))
	}
	if doc == nil {
		return nil, goerr.Wrap(model.ErrChunkNotFound, "failed to get chunk",
			goerr.V("message_id", messageID),
			goerr.V("index", index))
	}
	return doc.toModel(), nil
}

func (r *Repository) NextChunkIndex(ctx context.Context, messageID model.MessageID) (int, error) {
	doc, err := r.firstChunk(ctx, r.client.Collection(r.chunks).
		Where("message_id", "==", messageID.String()).
		OrderBy("chunk_index", firestore.Desc))
	if err != nil {
		return 0, repository.Persistence(err, "failed to get next chunk index", goerr.V("message_id", messageID))
	}
	if doc == nil {
		return 0, nil
	}
	return doc.Index + 1, nil
}

func (r *Repository) QuerySimilar(ctx context.Context, embedding []float32, scope model.Scope, k int) ([]*model.ScoredChunk, error) {
	if err := repository.ValidateQuery(embedding, scope, k, r.dimensions); err != nil {
		return nil, err
	}
	if k > MaxNearestLimit {
		return nil, goerr.New("k exceeds the vector search limit",
			goerr.V("k", k),
			goerr.V("limit", MaxNearestLimit),
			goerr.T(model.TagQuery))
	}

	q := applyScope(r.client.Collection(r.chunks).Query, scope)
	vq := q.FindNearest("embedding", firestore.Vector32(embedding), k,
		firestore.DistanceMeasureCosine,
		&firestore.FindNearestOptions{DistanceResultField: distanceField})

	iter := vq.Documents(ctx)
	defer iter.Stop()

	var results []*model.ScoredChunk
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, repository.Persistence(err, "failed to query similar chunks", goerr.V("k", k))
		}

		var doc chunkDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, repository.Persistence(err, "failed to decode chunk", goerr.V("doc_id", snap.Ref.ID))
		}
		results = append(results, &model.ScoredChunk{
			Chunk:    doc.toModel(),
			Distance: doc.Distance,
		})
	}

	// Firestore only orders by distance; equal distances follow the
	// repository tie-break.
	repository.SortScored(results)
	return results, nil
}

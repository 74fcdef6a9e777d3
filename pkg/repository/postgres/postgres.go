// Package postgres stores messages and chunk embeddings in PostgreSQL with
// the pgvector extension. Similarity uses the cosine distance operator
// (<=>) backed by an HNSW index.
package postgres

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ina/pkg/model"
	"github.com/m-mizutani/ina/pkg/repository"
	"github.com/m-mizutani/ina/pkg/utils/logging"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

//go:embed schema.sql
var schemaRaw string

var schemaTmpl = template.Must(template.New("schema").Parse(schemaRaw))

var prefixPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Repository implements repository.Repository on a pgx connection pool
type Repository struct {
	pool       *pgxpool.Pool
	dimensions int
	messages   string
	embeddings string
}

var _ repository.Repository = (*Repository)(nil)

type config struct {
	tablePrefix string
	autoMigrate bool
	maxConns    int32
}

type Option func(*config)

// WithTablePrefix prepends prefix to both table names, e.g. "ina_"
func WithTablePrefix(prefix string) Option {
	return func(c *config) {
		c.tablePrefix = prefix
	}
}

// WithAutoMigrate creates the schema when New is called
func WithAutoMigrate(enabled bool) Option {
	return func(c *config) {
		c.autoMigrate = enabled
	}
}

func WithMaxConns(n int32) Option {
	return func(c *config) {
		c.maxConns = n
	}
}

type tableNames struct {
	Messages   string
	Embeddings string
	Dimensions int
}

func newTableNames(prefix string, dimensions int) (*tableNames, error) {
	if prefix != "" && !prefixPattern.MatchString(prefix) {
		return nil, goerr.New("invalid table prefix",
			goerr.V("prefix", prefix),
			goerr.T(model.TagConfiguration))
	}
	if dimensions <= 0 {
		return nil, goerr.New("dimensions must be positive",
			goerr.V("dimensions", dimensions),
			goerr.T(model.TagConfiguration))
	}
	return &tableNames{
		Messages:   prefix + "messages",
		Embeddings: prefix + "message_embeddings",
		Dimensions: dimensions,
	}, nil
}

// Migrate creates the extension, tables and indexes if they do not exist.
// It uses its own connection because pgvector types can only be registered
// after the extension exists.
func Migrate(ctx context.Context, dsn string, dimensions int, opts ...Option) error {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	names, err := newTableNames(cfg.tablePrefix, dimensions)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := schemaTmpl.Execute(&buf, names); err != nil {
		return goerr.Wrap(err, "failed to render schema")
	}

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return repository.Persistence(err, "failed to connect postgres")
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, buf.String()); err != nil {
		return repository.Persistence(err, "failed to apply schema",
			goerr.V("messages", names.Messages),
			goerr.V("embeddings", names.Embeddings))
	}

	logging.From(ctx).Info("postgres schema migrated",
		"messages", names.Messages,
		"embeddings", names.Embeddings,
		"dimensions", dimensions)
	return nil
}

// New opens a pool and verifies that the embedding column has the
// configured dimension
func New(ctx context.Context, dsn string, dimensions int, opts ...Option) (*Repository, error) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	names, err := newTableNames(cfg.tablePrefix, dimensions)
	if err != nil {
		return nil, err
	}

	if cfg.autoMigrate {
		if err := Migrate(ctx, dsn, dimensions, opts...); err != nil {
			return nil, err
		}
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, goerr.Wrap(err, "invalid postgres dsn", goerr.T(model.TagConfiguration))
	}
	if cfg.maxConns > 0 {
		poolCfg.MaxConns = cfg.maxConns
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, repository.Persistence(err, "failed to create postgres pool")
	}

	repo := &Repository{
		pool:       pool,
		dimensions: dimensions,
		messages:   names.Messages,
		embeddings: names.Embeddings,
	}

	if err := repo.checkDimensions(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return repo, nil
}

func (r *Repository) checkDimensions(ctx context.Context) error {
	var typmod int32
	err := r.pool.QueryRow(ctx,
		`SELECT a.atttypmod FROM pg_attribute a
		 WHERE a.attrelid = to_regclass($1) AND a.attname = 'embedding' AND NOT a.attisdropped`,
		r.embeddings,
	).Scan(&typmod)
	if errors.Is(err, pgx.ErrNoRows) {
		return goerr.New("embedding table does not exist, run migrate first",
			goerr.V("table", r.embeddings),
			goerr.T(model.TagConfiguration))
	}
	if err != nil {
		return repository.Persistence(err, "failed to read embedding column", goerr.V("table", r.embeddings))
	}

	if int(typmod) != r.dimensions {
		return goerr.New("embedding column dimension does not match configuration",
			goerr.V("table", r.embeddings),
			goerr.V("column", typmod),
			goerr.V("configured", r.dimensions),
			goerr.T(model.TagConfiguration))
	}
	return nil
}

func (r *Repository) Dimensions() int { return r.dimensions }

func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func (r *Repository) PutMessage(ctx context.Context, msg *model.Message) error {
	if msg.ID == "" {
		return goerr.New("message has no id", goerr.T(model.TagQuery))
	}

	createdAt := orNow(msg.CreatedAt)
	updatedAt := msg.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	_, err := r.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, user_id, chat_id, message_text, file_content, file_name, file_type, created_at, updated_at)
		VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			message_text = EXCLUDED.message_text,
			file_content = EXCLUDED.file_content,
			file_name = EXCLUDED.file_name,
			file_type = EXCLUDED.file_type,
			updated_at = EXCLUDED.updated_at`, r.messages),
		msg.ID.String(), msg.UserID, msg.ChatID, msg.Text,
		nullable(msg.FileContent), nullable(msg.FileName), nullable(string(msg.FileType)),
		createdAt, updatedAt,
	)
	if err != nil {
		return repository.Persistence(err, "failed to put message", goerr.V("message_id", msg.ID))
	}
	return nil
}

const messageColumns = `id::text, user_id, chat_id, message_text,
	COALESCE(file_content, ''), COALESCE(file_name, ''), COALESCE(file_type, ''),
	created_at, updated_at`

func scanMessage(row pgx.Row) (*model.Message, error) {
	var (
		msg      model.Message
		id       string
		fileType string
	)
	if err := row.Scan(&id, &msg.UserID, &msg.ChatID, &msg.Text,
		&msg.FileContent, &msg.FileName, &fileType,
		&msg.CreatedAt, &msg.UpdatedAt); err != nil {
		return nil, err
	}
	msg.ID = model.MessageID(id)
	msg.FileType = model.FileType(fileType)
	return &msg, nil
}

func (r *Repository) GetMessage(ctx context.Context, id model.MessageID) (*model.Message, error) {
	row := r.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1::uuid`, messageColumns, r.messages),
		id.String())

	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, goerr.Wrap(model.ErrMessageNotFound, "failed to get message", goerr.V("message_id", id))
	}
	if err != nil {
		return nil, repository.Persistence(err, "failed to get message", goerr.V("message_id", id))
	}
	return msg, nil
}

func (r *Repository) TouchMessage(ctx context.Context, id model.MessageID) error {
	tag, err := r.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET updated_at = now() WHERE id = $1::uuid`, r.messages),
		id.String())
	if err != nil {
		return repository.Persistence(err, "failed to touch message", goerr.V("message_id", id))
	}
	if tag.RowsAffected() == 0 {
		return goerr.Wrap(model.ErrMessageNotFound, "failed to touch message", goerr.V("message_id", id))
	}
	return nil
}

// scopeFilter renders the WHERE conditions of scope on a messages alias
// m and an optional chunk alias e
func scopeFilter(scope model.Scope, chunkAlias string, args []any) ([]string, []any) {
	var conds []string
	if scope.UserID != 0 {
		args = append(args, scope.UserID)
		conds = append(conds, fmt.Sprintf("m.user_id = $%d", len(args)))
	}
	if scope.ChatID != 0 {
		args = append(args, scope.ChatID)
		conds = append(conds, fmt.Sprintf("m.chat_id = $%d", len(args)))
	}
	if !scope.Since.IsZero() {
		args = append(args, scope.Since)
		conds = append(conds, fmt.Sprintf("%s.created_at >= $%d", chunkAlias, len(args)))
	}
	return conds, args
}

func (r *Repository) queryMessages(ctx context.Context, query string, args ...any) ([]*model.Message, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, repository.Persistence(err, "failed to list messages")
	}
	defer rows.Close()

	var msgs []*model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, repository.Persistence(err, "failed to scan message")
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, repository.Persistence(err, "failed to iterate messages")
	}
	return msgs, nil
}

func (r *Repository) ListMessages(ctx context.Context, scope model.Scope, limit int) ([]*model.Message, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	conds, args := scopeFilter(scope, "m", nil)
	query := fmt.Sprintf(`SELECT %s FROM %s m WHERE %s ORDER BY m.created_at DESC`,
		messageColumns, r.messages, strings.Join(conds, " AND "))
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	return r.queryMessages(ctx, query, args...)
}

func (r *Repository) ListFileMessages(ctx context.Context, userID int64, fileType model.FileType, limit int) ([]*model.Message, error) {
	args := []any{userID}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE user_id = $1 AND file_content IS NOT NULL AND file_content <> ''`,
		messageColumns, r.messages)
	if fileType != "" {
		args = append(args, string(fileType))
		query += fmt.Sprintf(" AND file_type = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	return r.queryMessages(ctx, query, args...)
}

func (r *Repository) DeleteMessage(ctx context.Context, id model.MessageID) error {
	tag, err := r.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = $1::uuid`, r.messages),
		id.String())
	if err != nil {
		return repository.Persistence(err, "failed to delete message", goerr.V("message_id", id))
	}
	if tag.RowsAffected() == 0 {
		return goerr.Wrap(model.ErrMessageNotFound, "failed to delete message", goerr.V("message_id", id))
	}
	return nil
}

func (r *Repository) PutChunk(ctx context.Context, chunk *model.Chunk) (model.ChunkID, error) {
	if err := repository.ValidateChunk(chunk, r.dimensions); err != nil {
		return "", err
	}

	id := chunk.ID
	if id == "" {
		id = model.NewChunkID()
	}

	_, err := r.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, message_id, chunk_text, chunk_index, embedding, created_at)
		VALUES ($1::uuid, $2::uuid, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`, r.embeddings),
		id.String(), chunk.MessageID.String(), chunk.Text, chunk.Index,
		pgvector.NewVector(chunk.Embedding), orNow(chunk.CreatedAt),
	)
	if err != nil {
		return "", repository.Persistence(err, "failed to put chunk",
			goerr.V("message_id", chunk.MessageID),
			goerr.V("index", chunk.Index))
	}
	return id, nil
}

func (r *Repository) GetChunk(ctx context.Context, messageID model.MessageID, index int) (*model.Chunk, error) {
	var (
		chunk model.Chunk
		id    string
		msgID string
		vec   pgvector.Vector
	)
	err := r.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT id::text, message_id::text, chunk_text, chunk_index, embedding, created_at
		FROM %s WHERE message_id = $1::uuid AND chunk_index = $2
		ORDER BY created_at LIMIT 1`, r.embeddings),
		messageID.String(), index,
	).Scan(&id, &msgID, &chunk.Text, &chunk.Index, &vec, &chunk.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, goerr.Wrap(model.ErrChunkNotFound, "failed to get chunk",
			goerr.V("message_id", messageID),
			goerr.V("index", index))
	}
	if err != nil {
		return nil, repository.Persistence(err, "failed to get chunk",
			goerr.V("message_id", messageID),
			goerr.V("index", index))
	}

	chunk.ID = model.ChunkID(id)
	chunk.MessageID = model.MessageID(msgID)
	chunk.Embedding = vec.Slice()
	return &chunk, nil
}

func (r *Repository) NextChunkIndex(ctx context.Context, messageID model.MessageID) (int, error) {
	var next int
	err := r.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT COALESCE(MAX(chunk_index) + 1, 0) FROM %s WHERE message_id = $1::uuid`, r.embeddings),
		messageID.String(),
	).Scan(&next)
	if err != nil {
		return 0, repository.Persistence(err, "failed to get next chunk index", goerr.V("message_id", messageID))
	}
	return next, nil
}

func (r *Repository) QuerySimilar(ctx context.Context, embedding []float32, scope model.Scope, k int) ([]*model.ScoredChunk, error) {
	if err := repository.ValidateQuery(embedding, scope, k, r.dimensions); err != nil {
		return nil, err
	}

	args := []any{pgvector.NewVector(embedding)}
	conds, args := scopeFilter(scope, "e", args)
	args = append(args, k)

	query := fmt.Sprintf(`
		SELECT e.id::text, e.message_id::text, e.chunk_text, e.chunk_index, e.created_at,
			e.embedding <=> $1 AS distance
		FROM %s e
		JOIN %s m ON m.id = e.message_id
		WHERE %s
		ORDER BY e.embedding <=> $1
		LIMIT $%d`, r.embeddings, r.messages, strings.Join(conds, " AND "), len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, repository.Persistence(err, "failed to query similar chunks", goerr.V("k", k))
	}
	defer rows.Close()

	var results []*model.ScoredChunk
	for rows.Next() {
		var (
			chunk model.Chunk
			id    string
			msgID string
			dist  float64
		)
		if err := rows.Scan(&id, &msgID, &chunk.Text, &chunk.Index, &chunk.CreatedAt, &dist); err != nil {
			return nil, repository.Persistence(err, "failed to scan similar chunk")
		}
		chunk.ID = model.ChunkID(id)
		chunk.MessageID = model.MessageID(msgID)
		results = append(results, &model.ScoredChunk{Chunk: &chunk, Distance: dist})
	}
	if err := rows.Err(); err != nil {
		return nil, repository.Persistence(err, "failed to iterate similar chunks")
	}

	// ordering by the bare operator lets the HNSW index serve the query;
	// equal distances follow the repository tie-break
	repository.SortScored(results)
	return results, nil
}

package memory_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/ina/pkg/chunker"
	"github.com/m-mizutani/ina/pkg/embedding"
	"github.com/m-mizutani/ina/pkg/model"
	"github.com/m-mizutani/ina/pkg/repository"
	repomemory "github.com/m-mizutani/ina/pkg/repository/memory"
	"github.com/m-mizutani/ina/pkg/usecase/memory"
)

const dimensions = 16

type countingEmbedder struct {
	embedding.Client
	calls atomic.Int64
	fail  error
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	if c.fail != nil {
		return nil, c.fail
	}
	return c.Client.Embed(ctx, text)
}

// flakyRepo fails the next failures PutChunk calls, after the write unless
// putBefore is set
type flakyRepo struct {
	repository.Repository
	failures  atomic.Int64
	putCalls  atomic.Int64
	putErr    error
	putBefore bool
	putMsgFn  func(ctx context.Context, msg *model.Message) error
	getMsgFn  func(ctx context.Context, id model.MessageID) (*model.Message, error)
	queryFn   func(ctx context.Context) ([]*model.ScoredChunk, error)
}

func (r *flakyRepo) GetMessage(ctx context.Context, id model.MessageID) (*model.Message, error) {
	if r.getMsgFn != nil {
		return r.getMsgFn(ctx, id)
	}
	return r.Repository.GetMessage(ctx, id)
}

func (r *flakyRepo) QuerySimilar(ctx context.Context, embedding []float32, scope model.Scope, k int) ([]*model.ScoredChunk, error) {
	if r.queryFn != nil {
		return r.queryFn(ctx)
	}
	return r.Repository.QuerySimilar(ctx, embedding, scope, k)
}

func (r *flakyRepo) PutChunk(ctx context.Context, chunk *model.Chunk) (model.ChunkID, error) {
	r.putCalls.Add(1)
	if r.failures.Load() > 0 {
		r.failures.Add(-1)
		if !r.putBefore {
			if _, err := r.Repository.PutChunk(ctx, chunk); err != nil {
				return "", err
			}
		}
		return "", r.putErr
	}
	return r.Repository.PutChunk(ctx, chunk)
}

func (r *flakyRepo) PutMessage(ctx context.Context, msg *model.Message) error {
	if r.putMsgFn != nil {
		return r.putMsgFn(ctx, msg)
	}
	return r.Repository.PutMessage(ctx, msg)
}

type mockStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
}

type objectWriter struct {
	bytes.Buffer
	key     string
	storage *mockStorage
}

func (w *objectWriter) Close() error {
	w.storage.mu.Lock()
	defer w.storage.mu.Unlock()
	w.storage.objects[w.key] = w.Bytes()
	return nil
}

func (m *mockStorage) Put(ctx context.Context, key string) (io.WriteCloser, error) {
	return &objectWriter{key: key, storage: m}, nil
}

func (m *mockStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *mockStorage) Delete(ctx context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, prefix)
	return nil
}

func newRepo(t *testing.T) *repomemory.Repository {
	t.Helper()
	repo, err := repomemory.New(dimensions)
	gt.NoError(t, err)
	return repo
}

func newChunker(t *testing.T, size, overlap int) *chunker.Chunker {
	t.Helper()
	c, err := chunker.New(size, overlap)
	gt.NoError(t, err)
	return c
}

func newUseCase(t *testing.T, repo repository.Repository, embedder embedding.Client, opts ...memory.Option) *memory.UseCase {
	t.Helper()
	opts = append([]memory.Option{memory.WithRetry(3, time.Millisecond)}, opts...)
	uc, err := memory.New(repo, embedder, newChunker(t, 10, 2), opts...)
	gt.NoError(t, err)
	return uc
}

func assertContiguous(t *testing.T, repo repository.Repository, id model.MessageID, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		chunk, err := repo.GetChunk(ctx, id, i)
		gt.NoError(t, err)
		gt.Equal(t, chunk.Index, i)
	}
	next, err := repo.NextChunkIndex(ctx, id)
	gt.NoError(t, err)
	gt.Equal(t, next, n)
}

func TestNewDimensionMismatch(t *testing.T) {
	_, err := memory.New(newRepo(t), embedding.NewHash(dimensions*2), newChunker(t, 10, 2))
	gt.Error(t, err)
	gt.True(t, model.IsConfigurationError(err))
}

func TestRememberAndRecall(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	uc := newUseCase(t, repo, embedding.NewHash(dimensions))

	// 26 runes with size 10 and overlap 2: windows start at 0, 8, 16
	msg, err := uc.Remember(ctx, memory.RememberInput{
		UserID: 1,
		ChatID: -1,
		Text:   "abcdefghijklmnopqrstuvwxyz",
	})
	gt.NoError(t, err)
	gt.NotEqual(t, msg.ID, model.MessageID(""))
	assertContiguous(t, repo, msg.ID, 3)

	stored, err := repo.GetMessage(ctx, msg.ID)
	gt.NoError(t, err)
	gt.Equal(t, stored.Text, "abcdefghijklmnopqrstuvwxyz")

	result, err := uc.Recall(ctx, memory.RecallInput{
		Query:           "ijklmnopqr",
		Scope:           model.Scope{ChatID: -1},
		K:               1,
		MaxContextChars: 100,
	})
	gt.NoError(t, err)
	gt.Equal(t, result.Texts(), []string{"ijklmnopqr"})
	gt.Equal(t, result.String(), "ijklmnopqr")
	gt.False(t, result.Empty())
}

func TestRecallOtherChat(t *testing.T) {
	ctx := context.Background()
	uc := newUseCase(t, newRepo(t), embedding.NewHash(dimensions))

	_, err := uc.Remember(ctx, memory.RememberInput{UserID: 1, ChatID: -1, Text: "secret plan"})
	gt.NoError(t, err)

	result, err := uc.Recall(ctx, memory.RecallInput{
		Query:           "secret plan",
		Scope:           model.Scope{ChatID: -2},
		K:               3,
		MaxContextChars: 100,
	})
	gt.NoError(t, err)
	gt.True(t, result.Empty())
}

func TestRememberFileUsesDocumentText(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	uc := newUseCase(t, repo, embedding.NewHash(dimensions))

	msg, err := uc.Remember(ctx, memory.RememberInput{
		UserID: 1,
		ChatID: -1,
		Text:   "see attached",
		File:   &memory.File{Name: "a.txt", Type: model.FileTypeTXT, Content: "document"},
	})
	gt.NoError(t, err)

	chunk, err := repo.GetChunk(ctx, msg.ID, 0)
	gt.NoError(t, err)
	gt.Equal(t, chunk.Text, "document")
	assertContiguous(t, repo, msg.ID, 1)
}

func TestRememberInvalid(t *testing.T) {
	ctx := context.Background()
	uc := newUseCase(t, newRepo(t), embedding.NewHash(dimensions))

	testCases := []struct {
		name  string
		input memory.RememberInput
	}{
		{name: "empty text", input: memory.RememberInput{UserID: 1, ChatID: -1, Text: "  "}},
		{name: "no owner", input: memory.RememberInput{Text: "hello"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := uc.Remember(ctx, tc.input)
			gt.Error(t, err)
			gt.True(t, model.IsQueryError(err))
		})
	}
}

func TestRememberEmbedsIdenticalChunksOnce(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	embedder := &countingEmbedder{Client: embedding.NewHash(dimensions)}

	uc, err := memory.New(repo, embedder, newChunker(t, 4, 0))
	gt.NoError(t, err)

	msg, err := uc.Remember(ctx, memory.RememberInput{UserID: 1, Text: "abcdabcdabcdxyz"})
	gt.NoError(t, err)
	gt.Equal(t, embedder.calls.Load(), int64(2))
	assertContiguous(t, repo, msg.ID, 4)
}

func TestRememberEmbeddingFailureStoresNothing(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	embedder := &countingEmbedder{
		Client: embedding.NewHash(dimensions),
		fail:   goerr.New("rate limited", goerr.T(model.TagEmbeddingService)),
	}
	uc := newUseCase(t, repo, embedder)

	_, err := uc.Remember(ctx, memory.RememberInput{UserID: 1, ChatID: -1, Text: "hello world"})
	gt.Error(t, err)
	gt.True(t, model.IsEmbeddingServiceError(err))

	msgs, err := repo.ListMessages(ctx, model.Scope{UserID: 1}, 10)
	gt.NoError(t, err)
	gt.A(t, msgs).Length(0)
}

func TestRememberRetriesWithoutDuplicates(t *testing.T) {
	ctx := context.Background()
	repo := &flakyRepo{
		Repository: newRepo(t),
		putErr:     repository.Persistence(errors.New("connection reset"), "failed to put chunk"),
	}
	repo.failures.Store(2)
	uc := newUseCase(t, repo, embedding.NewHash(dimensions))

	msg, err := uc.Remember(ctx, memory.RememberInput{UserID: 1, Text: "abcdefghijklmnopqrstuvwxyz"})
	gt.NoError(t, err)

	// Both failed writes reached the store, so the retries find the chunk
	// and skip the second write
	assertContiguous(t, repo, msg.ID, 3)
	gt.Equal(t, repo.putCalls.Load(), int64(3))
}

func TestRememberRetryBeforeWrite(t *testing.T) {
	ctx := context.Background()
	repo := &flakyRepo{
		Repository: newRepo(t),
		putErr:     repository.Persistence(errors.New("unavailable"), "failed to put chunk"),
		putBefore:  true,
	}
	repo.failures.Store(1)
	uc := newUseCase(t, repo, embedding.NewHash(dimensions))

	msg, err := uc.Remember(ctx, memory.RememberInput{UserID: 1, Text: "abcdefghij"})
	gt.NoError(t, err)
	assertContiguous(t, repo, msg.ID, 1)
	gt.Equal(t, repo.putCalls.Load(), int64(2))
}

func TestRememberGivesUpAndRollsBack(t *testing.T) {
	ctx := context.Background()
	base := newRepo(t)
	repo := &flakyRepo{
		Repository: base,
		putErr:     repository.Persistence(errors.New("unavailable"), "failed to put chunk"),
		putBefore:  true,
	}
	repo.failures.Store(100)
	uc := newUseCase(t, repo, embedding.NewHash(dimensions))

	_, err := uc.Remember(ctx, memory.RememberInput{UserID: 7, Text: "abcdefghij"})
	gt.Error(t, err)
	gt.True(t, model.IsPersistenceError(err))
	gt.Equal(t, repo.putCalls.Load(), int64(3))

	msgs, err := base.ListMessages(ctx, model.Scope{UserID: 7}, 10)
	gt.NoError(t, err)
	gt.A(t, msgs).Length(0)
}

func TestRememberDoesNotRetryOtherErrors(t *testing.T) {
	ctx := context.Background()
	repo := &flakyRepo{
		Repository: newRepo(t),
		putErr:     goerr.New("bad dimension", goerr.T(model.TagConfiguration)),
		putBefore:  true,
	}
	repo.failures.Store(100)
	uc := newUseCase(t, repo, embedding.NewHash(dimensions))

	_, err := uc.Remember(ctx, memory.RememberInput{UserID: 1, Text: "abcdefghij"})
	gt.Error(t, err)
	gt.True(t, model.IsConfigurationError(err))
	gt.Equal(t, repo.putCalls.Load(), int64(1))
}

func TestRememberCallTimeout(t *testing.T) {
	ctx := context.Background()
	repo := &flakyRepo{
		Repository: newRepo(t),
		putMsgFn: func(ctx context.Context, msg *model.Message) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	uc := newUseCase(t, repo, embedding.NewHash(dimensions),
		memory.WithCallTimeout(10*time.Millisecond),
		memory.WithRetry(1, time.Millisecond),
	)

	_, err := uc.Remember(ctx, memory.RememberInput{UserID: 1, Text: "hello"})
	gt.Error(t, err)
	gt.True(t, model.IsPersistenceError(err))
}

func TestRecallCallTimeout(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	// the store ignores ctx and only returns once the test ends
	repo := &flakyRepo{
		Repository: newRepo(t),
		queryFn: func(ctx context.Context) ([]*model.ScoredChunk, error) {
			<-release
			return nil, nil
		},
	}
	uc := newUseCase(t, repo, embedding.NewHash(dimensions),
		memory.WithCallTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := uc.Recall(ctx, memory.RecallInput{
		Query:           "hello",
		Scope:           model.Scope{UserID: 1},
		K:               3,
		MaxContextChars: 100,
	})
	gt.Error(t, err)
	gt.True(t, model.IsPersistenceError(err))
	gt.True(t, time.Since(start) < time.Second)
}

func TestAppendAndForgetCallTimeout(t *testing.T) {
	ctx := context.Background()
	base := newRepo(t)
	msg := &model.Message{ID: model.NewMessageID(), UserID: 1, Text: "seed", CreatedAt: time.Now()}
	gt.NoError(t, base.PutMessage(ctx, msg))

	repo := &flakyRepo{
		Repository: base,
		getMsgFn: func(ctx context.Context, id model.MessageID) (*model.Message, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	uc := newUseCase(t, repo, embedding.NewHash(dimensions),
		memory.WithCallTimeout(10*time.Millisecond))

	err := uc.Append(ctx, msg.ID, "more")
	gt.Error(t, err)
	gt.True(t, model.IsPersistenceError(err))

	err = uc.Forget(ctx, msg.ID)
	gt.Error(t, err)
	gt.True(t, model.IsPersistenceError(err))

	_, err = base.GetMessage(ctx, msg.ID)
	gt.NoError(t, err)
}

func TestAppend(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	uc := newUseCase(t, repo, embedding.NewHash(dimensions),
		memory.WithClock(func() time.Time { return base }))

	msg, err := uc.Remember(ctx, memory.RememberInput{UserID: 1, Text: "abcdefghij"})
	gt.NoError(t, err)
	assertContiguous(t, repo, msg.ID, 1)

	gt.NoError(t, uc.Append(ctx, msg.ID, "klmnopqrstuvwxyz"))
	assertContiguous(t, repo, msg.ID, 3)

	chunk, err := repo.GetChunk(ctx, msg.ID, 1)
	gt.NoError(t, err)
	gt.Equal(t, chunk.Text, "klmnopqrst")

	stored, err := repo.GetMessage(ctx, msg.ID)
	gt.NoError(t, err)
	gt.Equal(t, stored.Text, "abcdefghij")
	gt.True(t, stored.UpdatedAt.After(base))
}

func TestAppendUnknownMessage(t *testing.T) {
	uc := newUseCase(t, newRepo(t), embedding.NewHash(dimensions))
	err := uc.Append(context.Background(), model.NewMessageID(), "text")
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrMessageNotFound))
}

func TestAppendConcurrentKeepsIndexContiguous(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	uc := newUseCase(t, repo, embedding.NewHash(dimensions))

	msg, err := uc.Remember(ctx, memory.RememberInput{UserID: 1, Text: "seed"})
	gt.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// 18 runes: two chunks each
			errs <- uc.Append(ctx, msg.ID, "0123456789abcdefgh")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		gt.NoError(t, err)
	}

	assertContiguous(t, repo, msg.ID, 1+writers*2)
}

func TestConversationContext(t *testing.T) {
	ctx := context.Background()
	uc := newUseCase(t, newRepo(t), embedding.NewHash(dimensions))

	_, err := uc.Remember(ctx, memory.RememberInput{UserID: 1, ChatID: -1, Text: "in chat one"})
	gt.NoError(t, err)
	_, err = uc.Remember(ctx, memory.RememberInput{UserID: 2, ChatID: -1, Text: "someone else"})
	gt.NoError(t, err)
	_, err = uc.Remember(ctx, memory.RememberInput{
		UserID: 1,
		ChatID: -2,
		Text:   "file",
		File:   &memory.File{Name: "memo.txt", Type: model.FileTypeTXT, Content: "memo"},
	})
	gt.NoError(t, err)

	conv, err := uc.ConversationContext(ctx, 1, -1, 10)
	gt.NoError(t, err)
	gt.A(t, conv.UserMessages).Length(2)
	gt.A(t, conv.ChatMessages).Length(2)
	gt.A(t, conv.Files).Length(1)
	gt.Equal(t, conv.Files[0].FileName, "memo.txt")

	_, err = uc.ConversationContext(ctx, 0, 0, 10)
	gt.Error(t, err)
	gt.True(t, model.IsQueryError(err))
}

func TestRememberDocument(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	storage := &mockStorage{objects: map[string][]byte{}}
	uc := newUseCase(t, repo, embedding.NewHash(dimensions), memory.WithStorage(storage))

	data := []byte("  meeting\n\nnotes  ")
	msg, err := uc.RememberDocument(ctx, memory.DocumentInput{
		UserID:   1,
		ChatID:   -1,
		FileName: "notes.txt",
		Data:     data,
	})
	gt.NoError(t, err)
	gt.Equal(t, msg.FileType, model.FileTypeTXT)
	gt.Equal(t, msg.FileContent, "meeting notes")

	archived, ok := storage.objects["documents/"+msg.ID.String()+"/notes.txt"]
	gt.True(t, ok)
	gt.Equal(t, archived, data)

	chunk, err := repo.GetChunk(ctx, msg.ID, 0)
	gt.NoError(t, err)
	gt.Equal(t, chunk.Text, "meeting no")

	gt.NoError(t, uc.Forget(ctx, msg.ID))
	gt.Equal(t, storage.deleted, []string{"documents/" + msg.ID.String() + "/"})
}

func TestRememberDocumentRejected(t *testing.T) {
	ctx := context.Background()
	uc := newUseCase(t, newRepo(t), embedding.NewHash(dimensions))

	for _, name := range []string{"image.png", "legacy.doc", "blank.txt"} {
		t.Run(name, func(t *testing.T) {
			data := []byte("content")
			if name == "blank.txt" {
				data = []byte(" \n\t ")
			}
			_, err := uc.RememberDocument(ctx, memory.DocumentInput{UserID: 1, FileName: name, Data: data})
			gt.Error(t, err)
			gt.True(t, model.IsQueryError(err))
		})
	}
}

func TestForget(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	uc := newUseCase(t, repo, embedding.NewHash(dimensions))

	msg, err := uc.Remember(ctx, memory.RememberInput{UserID: 1, ChatID: -1, Text: "forget me"})
	gt.NoError(t, err)

	gt.NoError(t, uc.Forget(ctx, msg.ID))

	_, err = repo.GetMessage(ctx, msg.ID)
	gt.True(t, errors.Is(err, model.ErrMessageNotFound))
	_, err = repo.GetChunk(ctx, msg.ID, 0)
	gt.True(t, errors.Is(err, model.ErrChunkNotFound))

	result, err := uc.Recall(ctx, memory.RecallInput{
		Query:           "forget me",
		Scope:           model.Scope{ChatID: -1},
		K:               3,
		MaxContextChars: 100,
	})
	gt.NoError(t, err)
	gt.True(t, result.Empty())

	err = uc.Forget(ctx, msg.ID)
	gt.True(t, errors.Is(err, model.ErrMessageNotFound))
}

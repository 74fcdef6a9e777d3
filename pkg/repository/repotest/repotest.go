// Package repotest runs the same behavioral checks against every
// repository.Repository backend.
package repotest

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/ina/pkg/model"
	"github.com/m-mizutani/ina/pkg/repository"
)

// Dimensions of the vectors used by the suite. Backends under test must be
// configured with it.
const Dimensions = 8

// Factory returns a fresh repository for one test
type Factory func(t *testing.T) repository.Repository

// Run executes the suite
func Run(t *testing.T, newRepo Factory) {
	t.Run("PutAndGetMessage", func(t *testing.T) { testPutAndGetMessage(t, newRepo(t)) })
	t.Run("GetMessageNotFound", func(t *testing.T) { testGetMessageNotFound(t, newRepo(t)) })
	t.Run("TouchMessage", func(t *testing.T) { testTouchMessage(t, newRepo(t)) })
	t.Run("ListMessages", func(t *testing.T) { testListMessages(t, newRepo(t)) })
	t.Run("ListFileMessages", func(t *testing.T) { testListFileMessages(t, newRepo(t)) })
	t.Run("PutAndGetChunk", func(t *testing.T) { testPutAndGetChunk(t, newRepo(t)) })
	t.Run("PutChunkDimensionMismatch", func(t *testing.T) { testPutChunkDimensionMismatch(t, newRepo(t)) })
	t.Run("QueryRoundTrip", func(t *testing.T) { testQueryRoundTrip(t, newRepo(t)) })
	t.Run("QueryBoundAndOrder", func(t *testing.T) { testQueryBoundAndOrder(t, newRepo(t)) })
	t.Run("QueryChatIsolation", func(t *testing.T) { testQueryChatIsolation(t, newRepo(t)) })
	t.Run("QuerySince", func(t *testing.T) { testQuerySince(t, newRepo(t)) })
	t.Run("QueryTieBreak", func(t *testing.T) { testQueryTieBreak(t, newRepo(t)) })
	t.Run("QueryInvalid", func(t *testing.T) { testQueryInvalid(t, newRepo(t)) })
	t.Run("DeleteCascade", func(t *testing.T) { testDeleteCascade(t, newRepo(t)) })
}

// Vec builds a vector of Dimensions from the given leading components. The
// zero vector is replaced by the first axis.
func Vec(components ...float32) []float32 {
	v := make([]float32, Dimensions)
	copy(v, components)
	var sum float32
	for _, c := range v {
		sum += c * c
	}
	if sum == 0 {
		v[0] = 1
	}
	return v
}

func newIDs() (userID, chatID int64) {
	return rand.Int64N(1<<40) + 1, -(rand.Int64N(1<<40) + 1)
}

func putMessage(t *testing.T, repo repository.Repository, userID, chatID int64, text string, createdAt time.Time) *model.Message {
	t.Helper()
	msg := &model.Message{
		ID:        model.NewMessageID(),
		UserID:    userID,
		ChatID:    chatID,
		Text:      text,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	gt.NoError(t, repo.PutMessage(context.Background(), msg))
	return msg
}

func putChunk(t *testing.T, repo repository.Repository, msg *model.Message, index int, text string, vec []float32, createdAt time.Time) model.ChunkID {
	t.Helper()
	id, err := repo.PutChunk(context.Background(), &model.Chunk{
		MessageID: msg.ID,
		Text:      text,
		Index:     index,
		Embedding: vec,
		CreatedAt: createdAt,
	})
	gt.NoError(t, err)
	gt.NotEqual(t, id, model.ChunkID(""))
	return id
}

func testPutAndGetMessage(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	userID, chatID := newIDs()
	now := time.Now().UTC().Truncate(time.Millisecond)

	msg := &model.Message{
		ID:          model.NewMessageID(),
		UserID:      userID,
		ChatID:      chatID,
		Text:        "see attached",
		FileContent: "quarterly numbers",
		FileName:    "q3.pdf",
		FileType:    model.FileTypePDF,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	gt.NoError(t, repo.PutMessage(ctx, msg))

	got, err := repo.GetMessage(ctx, msg.ID)
	gt.NoError(t, err)
	gt.Equal(t, got.ID, msg.ID)
	gt.Equal(t, got.UserID, userID)
	gt.Equal(t, got.ChatID, chatID)
	gt.Equal(t, got.Text, "see attached")
	gt.Equal(t, got.FileContent, "quarterly numbers")
	gt.Equal(t, got.FileName, "q3.pdf")
	gt.Equal(t, got.FileType, model.FileTypePDF)
	gt.True(t, got.CreatedAt.Equal(now))
}

func testGetMessageNotFound(t *testing.T, repo repository.Repository) {
	_, err := repo.GetMessage(context.Background(), model.NewMessageID())
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrMessageNotFound))
}

func testTouchMessage(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	userID, chatID := newIDs()
	past := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
	msg := putMessage(t, repo, userID, chatID, "original", past)

	gt.NoError(t, repo.TouchMessage(ctx, msg.ID))

	got, err := repo.GetMessage(ctx, msg.ID)
	gt.NoError(t, err)
	gt.True(t, got.UpdatedAt.After(past))
	gt.True(t, got.CreatedAt.Equal(past))
	gt.Equal(t, got.Text, "original")

	err = repo.TouchMessage(ctx, model.NewMessageID())
	gt.True(t, errors.Is(err, model.ErrMessageNotFound))
}

func testListMessages(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	userID, chatID := newIDs()
	otherUser, otherChat := newIDs()
	base := time.Now().UTC().Add(-time.Hour)

	m1 := putMessage(t, repo, userID, chatID, "first", base)
	m2 := putMessage(t, repo, userID, chatID, "second", base.Add(time.Minute))
	m3 := putMessage(t, repo, otherUser, chatID, "third", base.Add(2*time.Minute))
	putMessage(t, repo, userID, otherChat, "elsewhere", base.Add(3*time.Minute))

	chatMsgs, err := repo.ListMessages(ctx, model.Scope{ChatID: chatID}, 10)
	gt.NoError(t, err)
	gt.A(t, chatMsgs).Length(3)
	gt.Equal(t, chatMsgs[0].ID, m3.ID)
	gt.Equal(t, chatMsgs[1].ID, m2.ID)
	gt.Equal(t, chatMsgs[2].ID, m1.ID)

	userChat, err := repo.ListMessages(ctx, model.Scope{UserID: userID, ChatID: chatID}, 1)
	gt.NoError(t, err)
	gt.A(t, userChat).Length(1)
	gt.Equal(t, userChat[0].ID, m2.ID)

	_, err = repo.ListMessages(ctx, model.Scope{}, 10)
	gt.True(t, model.IsQueryError(err))
}

func testListFileMessages(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	userID, chatID := newIDs()
	base := time.Now().UTC().Add(-time.Hour)

	putMessage(t, repo, userID, chatID, "plain", base)
	for i, ft := range []model.FileType{model.FileTypePDF, model.FileTypeTXT} {
		gt.NoError(t, repo.PutMessage(ctx, &model.Message{
			ID:          model.NewMessageID(),
			UserID:      userID,
			ChatID:      chatID,
			FileContent: "content",
			FileName:    "f." + string(ft),
			FileType:    ft,
			CreatedAt:   base.Add(time.Duration(i+1) * time.Minute),
			UpdatedAt:   base.Add(time.Duration(i+1) * time.Minute),
		}))
	}

	all, err := repo.ListFileMessages(ctx, userID, "", 10)
	gt.NoError(t, err)
	gt.A(t, all).Length(2)
	gt.Equal(t, all[0].FileType, model.FileTypeTXT)

	pdfs, err := repo.ListFileMessages(ctx, userID, model.FileTypePDF, 10)
	gt.NoError(t, err)
	gt.A(t, pdfs).Length(1)
	gt.Equal(t, pdfs[0].FileName, "f.pdf")
}

func testPutAndGetChunk(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	userID, chatID := newIDs()
	now := time.Now().UTC()
	msg := putMessage(t, repo, userID, chatID, "hello", now)

	next, err := repo.NextChunkIndex(ctx, msg.ID)
	gt.NoError(t, err)
	gt.Equal(t, next, 0)

	id := putChunk(t, repo, msg, 0, "hel", Vec(1), now)
	putChunk(t, repo, msg, 1, "llo", Vec(0, 1), now)

	got, err := repo.GetChunk(ctx, msg.ID, 0)
	gt.NoError(t, err)
	gt.Equal(t, got.ID, id)
	gt.Equal(t, got.Text, "hel")
	gt.Equal(t, got.Index, 0)
	gt.Equal(t, got.MessageID, msg.ID)

	_, err = repo.GetChunk(ctx, msg.ID, 5)
	gt.True(t, errors.Is(err, model.ErrChunkNotFound))

	next, err = repo.NextChunkIndex(ctx, msg.ID)
	gt.NoError(t, err)
	gt.Equal(t, next, 2)
}

func testPutChunkDimensionMismatch(t *testing.T, repo repository.Repository) {
	userID, chatID := newIDs()
	msg := putMessage(t, repo, userID, chatID, "hello", time.Now().UTC())

	_, err := repo.PutChunk(context.Background(), &model.Chunk{
		MessageID: msg.ID,
		Text:      "hello",
		Embedding: make([]float32, Dimensions+1),
	})
	gt.Error(t, err)
	gt.True(t, model.IsConfigurationError(err))
}

func testQueryRoundTrip(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	userID, chatID := newIDs()
	now := time.Now().UTC()
	msg := putMessage(t, repo, userID, chatID, "topics", now)

	putChunk(t, repo, msg, 0, "cats", Vec(1, 0.1), now)
	target := putChunk(t, repo, msg, 1, "dogs", Vec(0.1, 1), now)
	putChunk(t, repo, msg, 2, "fish", Vec(0, 0, 1), now)

	results, err := repo.QuerySimilar(ctx, Vec(0.1, 1), model.Scope{UserID: userID, ChatID: chatID}, 3)
	gt.NoError(t, err)
	gt.A(t, results).Longer(0)
	gt.Equal(t, results[0].Chunk.ID, target)
	gt.Equal(t, results[0].Chunk.Text, "dogs")
	gt.True(t, results[0].Distance < 1e-4)
}

func testQueryBoundAndOrder(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	userID, chatID := newIDs()
	now := time.Now().UTC()
	msg := putMessage(t, repo, userID, chatID, "many", now)

	for i := 0; i < 6; i++ {
		putChunk(t, repo, msg, i, "chunk", Vec(1, float32(i)*0.5), now)
	}

	for _, k := range []int{1, 3, 6, 20} {
		results, err := repo.QuerySimilar(ctx, Vec(1), model.Scope{ChatID: chatID}, k)
		gt.NoError(t, err)
		gt.True(t, len(results) <= k)
		gt.True(t, len(results) <= 6)
		for i := 1; i < len(results); i++ {
			gt.True(t, results[i-1].Distance <= results[i].Distance)
		}
	}

	results, err := repo.QuerySimilar(ctx, Vec(1), model.Scope{ChatID: chatID}, 3)
	gt.NoError(t, err)
	gt.A(t, results).Length(3)
	gt.Equal(t, results[0].Chunk.Index, 0)
	gt.Equal(t, results[1].Chunk.Index, 1)
	gt.Equal(t, results[2].Chunk.Index, 2)
}

func testQueryChatIsolation(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	userID, chatA := newIDs()
	_, chatB := newIDs()
	now := time.Now().UTC()

	msgA := putMessage(t, repo, userID, chatA, "a", now)
	msgB := putMessage(t, repo, userID, chatB, "b", now)
	idA := putChunk(t, repo, msgA, 0, "secret of chat a", Vec(1, 0.001), now)
	idB := putChunk(t, repo, msgB, 0, "secret of chat b", Vec(1, 0.002), now)

	resA, err := repo.QuerySimilar(ctx, Vec(1), model.Scope{ChatID: chatA}, 10)
	gt.NoError(t, err)
	gt.A(t, resA).Length(1)
	gt.Equal(t, resA[0].Chunk.ID, idA)

	resB, err := repo.QuerySimilar(ctx, Vec(1), model.Scope{ChatID: chatB}, 10)
	gt.NoError(t, err)
	gt.A(t, resB).Length(1)
	gt.Equal(t, resB[0].Chunk.ID, idB)

	both, err := repo.QuerySimilar(ctx, Vec(1), model.Scope{UserID: userID}, 10)
	gt.NoError(t, err)
	gt.A(t, both).Length(2)
}

func testQuerySince(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	userID, chatID := newIDs()
	now := time.Now().UTC()
	old := now.Add(-10 * 24 * time.Hour)

	oldMsg := putMessage(t, repo, userID, chatID, "old", old)
	newMsg := putMessage(t, repo, userID, chatID, "new", now)
	putChunk(t, repo, oldMsg, 0, "old fact", Vec(1), old)
	recent := putChunk(t, repo, newMsg, 0, "new fact", Vec(0.5, 1), now)

	scope := model.Scope{ChatID: chatID}.WithinDays(3, now)
	results, err := repo.QuerySimilar(ctx, Vec(1), scope, 10)
	gt.NoError(t, err)
	gt.A(t, results).Length(1)
	gt.Equal(t, results[0].Chunk.ID, recent)
}

func testQueryTieBreak(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	userID, chatID := newIDs()
	now := time.Now().UTC()

	olderMsg := putMessage(t, repo, userID, chatID, "older", now.Add(-time.Hour))
	newerMsg := putMessage(t, repo, userID, chatID, "newer", now)
	putChunk(t, repo, olderMsg, 0, "same", Vec(1), now.Add(-time.Hour))
	newer := putChunk(t, repo, newerMsg, 0, "same", Vec(1), now)

	results, err := repo.QuerySimilar(ctx, Vec(1), model.Scope{ChatID: chatID}, 2)
	gt.NoError(t, err)
	gt.A(t, results).Length(2)
	gt.Equal(t, results[0].Chunk.ID, newer)
}

func testQueryInvalid(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	userID, chatID := newIDs()
	scope := model.Scope{UserID: userID, ChatID: chatID}

	for _, k := range []int{0, -1} {
		_, err := repo.QuerySimilar(ctx, Vec(1), scope, k)
		gt.Error(t, err)
		gt.True(t, model.IsQueryError(err))
	}

	_, err := repo.QuerySimilar(ctx, Vec(1), model.Scope{}, 3)
	gt.True(t, model.IsQueryError(err))

	_, err = repo.QuerySimilar(ctx, make([]float32, Dimensions-1), scope, 3)
	gt.True(t, model.IsQueryError(err))

	results, err := repo.QuerySimilar(ctx, Vec(1), scope, 3)
	gt.NoError(t, err)
	gt.A(t, results).Length(0)
}

func testDeleteCascade(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	userID, chatID := newIDs()
	now := time.Now().UTC()
	msg := putMessage(t, repo, userID, chatID, "to be forgotten", now)
	keep := putMessage(t, repo, userID, chatID, "to be kept", now)
	putChunk(t, repo, msg, 0, "to be", Vec(1), now)
	putChunk(t, repo, msg, 1, "forgotten", Vec(0, 1), now)
	kept := putChunk(t, repo, keep, 0, "kept", Vec(1, 0.1), now)

	gt.NoError(t, repo.DeleteMessage(ctx, msg.ID))

	_, err := repo.GetMessage(ctx, msg.ID)
	gt.True(t, errors.Is(err, model.ErrMessageNotFound))
	_, err = repo.GetChunk(ctx, msg.ID, 0)
	gt.True(t, errors.Is(err, model.ErrChunkNotFound))

	results, err := repo.QuerySimilar(ctx, Vec(1), model.Scope{ChatID: chatID}, 10)
	gt.NoError(t, err)
	gt.A(t, results).Length(1)
	gt.Equal(t, results[0].Chunk.ID, kept)
}

package firestore_test

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/ina/pkg/model"
	"github.com/m-mizutani/ina/pkg/repository"
	"github.com/m-mizutani/ina/pkg/repository/firestore"
	"github.com/m-mizutani/ina/pkg/repository/repotest"
)

func setupFirestore(t *testing.T) *firestore.Repository {
	projectID := os.Getenv("TEST_FIRESTORE_PROJECT_ID")
	databaseID := os.Getenv("TEST_FIRESTORE_DATABASE_ID")

	if projectID == "" || databaseID == "" {
		t.Skip("TEST_FIRESTORE_PROJECT_ID and TEST_FIRESTORE_DATABASE_ID must be set to run Firestore tests")
	}

	// Vector and composite indexes must exist for the collections under
	// TEST_FIRESTORE_COLLECTION_PREFIX (default "test_").
	prefix := os.Getenv("TEST_FIRESTORE_COLLECTION_PREFIX")
	if prefix == "" {
		prefix = "test_"
	}

	repo, err := firestore.New(context.Background(), projectID, databaseID, repotest.Dimensions,
		firestore.WithCollectionPrefix(prefix))
	gt.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	return repo
}

func TestFirestore(t *testing.T) {
	repo := setupFirestore(t)
	repotest.Run(t, func(t *testing.T) repository.Repository {
		return repo
	})
}

func TestFirestoreGetMessageNotFound(t *testing.T) {
	repo := setupFirestore(t)
	_, err := repo.GetMessage(context.Background(), model.MessageID(fmt.Sprintf("missing-%d", rand.Int())))
	gt.Error(t, err)
}

func TestNewInvalidDimensions(t *testing.T) {
	_, err := firestore.New(context.Background(), "project", "(default)", 0)
	gt.Error(t, err)
	gt.True(t, model.IsConfigurationError(err))
}

package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/m-mizutani/gt"
)

func TestPrintFirestoreIndexes(t *testing.T) {
	cfg := &config{
		firestoreProject:  "my-project",
		firestoreDatabase: "memory",
		collectionPrefix:  "dev_",
		storeDimension:    768,
	}

	var buf bytes.Buffer
	printFirestoreIndexes(&buf, cfg)
	out := buf.String()

	gt.Equal(t, strings.Count(out, "gcloud firestore indexes composite create"), len(firestoreScopes))
	gt.Equal(t, strings.Count(out, `"dimension":"768"`), len(firestoreScopes))
	gt.True(t, strings.Contains(out, "--collection-group=dev_message_embeddings"))

	// user-only and time-bounded scopes get their own index
	gt.True(t, strings.Contains(out, "field-path=user_id,order=ASCENDING \\\n  --field-config='vector-config"))
	gt.True(t, strings.Contains(out, "field-path=created_at,order=ASCENDING"))
}

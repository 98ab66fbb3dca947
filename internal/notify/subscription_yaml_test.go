package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeops/pipeforge/pkg/cerr"
	"github.com/forgeops/pipeforge/pkg/storage"
)

func newSubscriptionRepo(t *testing.T) *YAMLSubscriptionRepository {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return NewYAMLSubscriptionRepository(store)
}

func subscription(id, endpoint string) *Subscription {
	return &Subscription{
		ID:        id,
		Endpoint:  endpoint,
		P256dhKey: "p256dh-key",
		AuthKey:   "auth-key",
		CreatedAt: time.Now(),
	}
}

func TestSubscriptionRepositoryRoundTrip(t *testing.T) {
	repo := newSubscriptionRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, subscription("s1", "https://push.example.com/a")))
	require.NoError(t, repo.Create(ctx, subscription("s2", "https://push.example.com/b")))

	subs, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "s1", subs[0].ID)
	assert.Equal(t, "https://push.example.com/a", subs[0].Endpoint)
}

func TestSubscriptionRepositoryCreateDuplicate(t *testing.T) {
	repo := newSubscriptionRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, subscription("s1", "https://push.example.com/a")))
	err := repo.Create(ctx, subscription("s1", "https://push.example.com/a"))
	assert.True(t, cerr.IsCode(err, cerr.AlreadyExists))
}

func TestSubscriptionRepositoryDeleteByEndpoint(t *testing.T) {
	repo := newSubscriptionRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, subscription("s1", "https://push.example.com/a")))
	require.NoError(t, repo.DeleteByEndpoint(ctx, "https://push.example.com/a"))

	subs, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, subs)

	err = repo.DeleteByEndpoint(ctx, "https://push.example.com/a")
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
}

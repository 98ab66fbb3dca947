package notify

import (
	"context"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/forgeops/pipeforge/pkg/cerr"
	"github.com/forgeops/pipeforge/pkg/storage"
)

const subscriptionsPrefix = "push_subscriptions"

// YAMLSubscriptionRepository persists push subscriptions as one YAML file
// per subscription.
type YAMLSubscriptionRepository struct {
	storage storage.Storage
}

func NewYAMLSubscriptionRepository(s storage.Storage) *YAMLSubscriptionRepository {
	return &YAMLSubscriptionRepository{storage: s}
}

func subscriptionPath(id string) string {
	return fmt.Sprintf("%s/%s.yaml", subscriptionsPrefix, id)
}

func (r *YAMLSubscriptionRepository) Create(ctx context.Context, s *Subscription) error {
	exists, err := r.storage.Exists(ctx, subscriptionPath(s.ID))
	if err != nil {
		return cerr.WrapStorageWriteError("push_subscription", err)
	}
	if exists {
		return cerr.NewError(cerr.AlreadyExists, "push subscription already exists", nil)
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal push subscription: %w", err))
	}
	if err := r.storage.Write(ctx, subscriptionPath(s.ID), data); err != nil {
		return cerr.WrapStorageWriteError("push_subscription", err)
	}
	return nil
}

func (r *YAMLSubscriptionRepository) List(ctx context.Context) ([]*Subscription, error) {
	paths, err := r.storage.List(ctx, subscriptionsPrefix)
	if err != nil {
		return nil, cerr.WrapStorageReadError("push_subscriptions", err)
	}

	sort.Strings(paths)

	var all []*Subscription
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			continue
		}
		var s Subscription
		if err := yaml.Unmarshal(data, &s); err != nil {
			continue
		}
		all = append(all, &s)
	}
	return all, nil
}

func (r *YAMLSubscriptionRepository) Delete(ctx context.Context, id string) error {
	if err := r.storage.Delete(ctx, subscriptionPath(id)); err != nil {
		return cerr.WrapStorageDeleteError("push_subscription", err)
	}
	return nil
}

func (r *YAMLSubscriptionRepository) DeleteByEndpoint(ctx context.Context, endpoint string) error {
	subs, err := r.List(ctx)
	if err != nil {
		return err
	}
	for _, s := range subs {
		if s.Endpoint == endpoint {
			return r.Delete(ctx, s.ID)
		}
	}
	return cerr.NewError(cerr.NotFound, "push subscription not found", nil)
}

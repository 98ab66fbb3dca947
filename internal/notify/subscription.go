package notify

import (
	"context"
	"time"
)

// Subscription is one browser push endpoint registered for notifications.
type Subscription struct {
	ID        string    `yaml:"id"`
	Endpoint  string    `yaml:"endpoint"`
	P256dhKey string    `yaml:"p256dh_key"`
	AuthKey   string    `yaml:"auth_key"`
	CreatedAt time.Time `yaml:"created_at"`
}

type SubscriptionRepository interface {
	Create(ctx context.Context, s *Subscription) error
	List(ctx context.Context) ([]*Subscription, error)
	Delete(ctx context.Context, id string) error
	DeleteByEndpoint(ctx context.Context, endpoint string) error
}

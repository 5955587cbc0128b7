package docstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.mongodb.org/mongo-driver/bson"
)

// TokenStore keeps the last resume token of each collection's change stream
type TokenStore interface {
	Load(ctx context.Context, collection string) (bson.Raw, error)
	Save(ctx context.Context, collection string, token bson.Raw) error
}

type noTokens struct{}

func (noTokens) Load(context.Context, string) (bson.Raw, error) { return nil, nil }
func (noTokens) Save(context.Context, string, bson.Raw) error   { return nil }

// RedisTokenStore keeps resume tokens in Redis under <prefix><collection>
type RedisTokenStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisTokenStore creates a token store. The default prefix is "auditd:resume:".
func NewRedisTokenStore(client redis.UniversalClient, prefix string) *RedisTokenStore {
	if prefix == "" {
		prefix = "auditd:resume:"
	}
	return &RedisTokenStore{client: client, prefix: prefix}
}

// Load returns the saved token, or nil if there is none
func (s *RedisTokenStore) Load(ctx context.Context, collection string) (bson.Raw, error) {
	data, err := s.client.Get(ctx, s.prefix+collection).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load resume token: %w", err)
	}

	token := bson.Raw(data)
	if err := token.Validate(); err != nil {
		return nil, fmt.Errorf("invalid resume token for %s: %w", collection, err)
	}
	return token, nil
}

// Save stores token. Empty tokens are ignored.
func (s *RedisTokenStore) Save(ctx context.Context, collection string, token bson.Raw) error {
	if len(token) == 0 {
		return nil
	}
	if err := s.client.Set(ctx, s.prefix+collection, []byte(token), 0).Err(); err != nil {
		return fmt.Errorf("failed to save resume token: %w", err)
	}
	return nil
}

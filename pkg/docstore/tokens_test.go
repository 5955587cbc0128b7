package docstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func setupTokenStore(t *testing.T) (*RedisTokenStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisTokenStore(client, ""), mr
}

func TestRedisTokenStore_SaveLoad(t *testing.T) {
	store, mr := setupTokenStore(t)
	ctx := context.Background()

	token, err := bson.Marshal(bson.D{{Key: "_data", Value: "8263A1B2C3000000012B"}})
	require.NoError(t, err)

	require.NoError(t, store.Save(ctx, "messages", token))
	assert.True(t, mr.Exists("auditd:resume:messages"))

	loaded, err := store.Load(ctx, "messages")
	require.NoError(t, err)
	assert.Equal(t, bson.Raw(token), loaded)
	assert.Equal(t, "8263A1B2C3000000012B", loaded.Lookup("_data").StringValue())
}

func TestRedisTokenStore_Missing(t *testing.T) {
	store, _ := setupTokenStore(t)

	token, err := store.Load(context.Background(), "users")
	require.NoError(t, err)
	assert.Nil(t, token)
}

func TestRedisTokenStore_EmptyTokenIgnored(t *testing.T) {
	store, mr := setupTokenStore(t)

	require.NoError(t, store.Save(context.Background(), "users", nil))
	assert.False(t, mr.Exists("auditd:resume:users"))
}

func TestRedisTokenStore_CorruptToken(t *testing.T) {
	store, mr := setupTokenStore(t)
	require.NoError(t, mr.Set("auditd:resume:users", "garbage"))

	_, err := store.Load(context.Background(), "users")
	assert.Error(t, err)
}

func TestRedisTokenStore_ServerDown(t *testing.T) {
	store, mr := setupTokenStore(t)
	mr.Close()

	_, err := store.Load(context.Background(), "users")
	assert.Error(t, err)
	token, _ := bson.Marshal(bson.D{{Key: "_data", Value: "x"}})
	assert.Error(t, store.Save(context.Background(), "users", token))
}

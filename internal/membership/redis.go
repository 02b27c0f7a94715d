// ABOUTME: Redis-backed membership source reading the external collaborator's channel sets
// ABOUTME: Channel members live in sets under channel:members:<id>

package membership

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// memberSetKey is the key schema the membership collaborator writes to.
const memberSetKey = "channel:members:%s"

// Redis reads channel membership from the Redis instance the external
// membership system maintains. A channel with no set key is unknown, not
// empty: the collaborator always materializes a set for existing channels.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a membership reader over the given Redis address.
func NewRedis(addr string, db int) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{Addr: addr, DB: db}),
	}
}

// NewRedisWithClient wraps an existing client, for tests.
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) key(channelID string) string {
	return fmt.Sprintf(memberSetKey, channelID)
}

func (r *Redis) IsMember(ctx context.Context, identity, channelID string) (bool, error) {
	key := r.key(channelID)

	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("checking channel %s: %w", channelID, err)
	}
	if exists == 0 {
		return false, ErrUnknownChannel
	}

	member, err := r.client.SIsMember(ctx, key, identity).Result()
	if err != nil {
		return false, fmt.Errorf("checking membership of %s in %s: %w", identity, channelID, err)
	}
	return member, nil
}

func (r *Redis) Members(ctx context.Context, channelID string) ([]string, error) {
	key := r.key(channelID)

	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("checking channel %s: %w", channelID, err)
	}
	if exists == 0 {
		return nil, ErrUnknownChannel
	}

	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("listing members of %s: %w", channelID, err)
	}
	return members, nil
}

// Close releases the client connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

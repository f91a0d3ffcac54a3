package redis

import (
	"context"
)

// Markers is a Redis set of ids. The task layer keeps the revoked task ids
// in one.
type Markers struct {
	client *Client
	key    string
}

func NewMarkers(client *Client, key string) *Markers {
	return &Markers{client: client, key: key}
}

func (m *Markers) Add(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	return m.client.rdb.SAdd(ctx, m.key, members...).Err()
}

func (m *Markers) Remove(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	return m.client.rdb.SRem(ctx, m.key, members...).Err()
}

func (m *Markers) Contains(ctx context.Context, id string) (bool, error) {
	return m.client.rdb.SIsMember(ctx, m.key, id).Result()
}

func (m *Markers) Members(ctx context.Context) ([]string, error) {
	return m.client.rdb.SMembers(ctx, m.key).Result()
}

package stores

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisMembershipStore stores user->groups in Redis sets (key: aclmem:{userID})
// and the reverse index in aclgrp:{groupID}.
type RedisMembershipStore struct {
	client   *redis.Client
	userKey  string // format string, e.g. "aclmem:%d"
	groupKey string
}

func NewRedisMembershipStore(client *redis.Client) *RedisMembershipStore {
	return &RedisMembershipStore{client: client, userKey: "aclmem:%d", groupKey: "aclgrp:%d"}
}

func (r *RedisMembershipStore) keyForUser(userID int64) string {
	return fmt.Sprintf(r.userKey, userID)
}

func (r *RedisMembershipStore) keyForGroup(groupID int64) string {
	return fmt.Sprintf(r.groupKey, groupID)
}

func (r *RedisMembershipStore) AddMember(ctx context.Context, userID, groupID int64) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, r.keyForUser(userID), groupID)
		p.SAdd(ctx, r.keyForGroup(groupID), userID)
		return nil
	})
	return err
}

func (r *RedisMembershipStore) RemoveMember(ctx context.Context, userID, groupID int64) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SRem(ctx, r.keyForUser(userID), groupID)
		p.SRem(ctx, r.keyForGroup(groupID), userID)
		return nil
	})
	return err
}

func (r *RedisMembershipStore) GroupsForUser(ctx context.Context, userID int64) ([]int64, error) {
	res, err := r.client.SMembers(ctx, r.keyForUser(userID)).Result()
	if err != nil {
		return nil, err
	}
	return parseMembers(res)
}

func (r *RedisMembershipStore) UsersInGroups(ctx context.Context, groupIDs []int64) ([]int64, error) {
	if len(groupIDs) == 0 {
		return []int64{}, nil
	}
	keys := make([]string, len(groupIDs))
	for i, id := range groupIDs {
		keys[i] = r.keyForGroup(id)
	}
	res, err := r.client.SUnion(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	return parseMembers(res)
}

func parseMembers(members []string) ([]int64, error) {
	out := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad member %q: %w", m, err)
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

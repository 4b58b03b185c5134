package presence

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix       = "presence:"
	branchKeyPrefix = keyPrefix + "branch:"
	membersSuffix   = ":members"
	scanBatch       = 100
)

func membersKey(branchID string) string { return branchKeyPrefix + branchID + membersSuffix }

// userScope encodes a (branch, user) pair into one key segment. The branch is
// length-prefixed so ids containing ':' never collide.
func userScope(branchID, userID string) string {
	return strconv.Itoa(len(branchID)) + ":" + branchID + ":" + userID
}

func recordKey(branchID, userID string) string { return keyPrefix + "user:" + userScope(branchID, userID) }
func connsKey(branchID, userID string) string { return keyPrefix + "conns:" + userScope(branchID, userID) }
func connKey(connID string) string { return keyPrefix + "conn:" + connID }

// joinScript runs a Join as one atomic step. It reads everything it needs
// before the first write, so a refused join leaves no trace.
//
// KEYS: conns, members, record, conn
// ARGV: connID, branchID, userID, name, photoUrl, role, atMillis, version, defaultRole
var joinScript = redis.NewScript(`
local bound = redis.call('HMGET', KEYS[4], 'branchId', 'userId')
if bound[1] and (bound[1] ~= ARGV[2] or bound[2] ~= ARGV[3]) then
  return {-1}
end

local added = redis.call('SADD', KEYS[1], ARGV[1])
local count = redis.call('SCARD', KEYS[1])
if (added == 1 and count == 1) or redis.call('EXISTS', KEYS[3]) == 0 then
  redis.call('DEL', KEYS[3])
  redis.call('HSET', KEYS[3], 'connectedAt', ARGV[7])
end
redis.call('HSET', KEYS[3], 'v', ARGV[8], 'lastActiveAt', ARGV[7])
local fields = {'name', 'photoUrl', 'role'}
for i, field in ipairs(fields) do
  if ARGV[3 + i] ~= '' then
    redis.call('HSET', KEYS[3], field, ARGV[3 + i])
  end
end
local role = redis.call('HGET', KEYS[3], 'role')
if not role or role == '' then
  redis.call('HSET', KEYS[3], 'role', ARGV[9])
end

redis.call('SADD', KEYS[2], ARGV[3])
redis.call('HSET', KEYS[4], 'branchId', ARGV[2], 'userId', ARGV[3])
return {added, count, redis.call('HGETALL', KEYS[3])}
`)

// leaveScript runs a Leave as one atomic step.
//
// KEYS: conns, members, record, conn
// ARGV: connID, branchID, userID
var leaveScript = redis.NewScript(`
local bound = redis.call('HMGET', KEYS[4], 'branchId', 'userId')
if bound[1] == ARGV[2] and bound[2] == ARGV[3] then
  redis.call('DEL', KEYS[4])
end

local removed = redis.call('SREM', KEYS[1], ARGV[1])
local count = redis.call('SCARD', KEYS[1])
if removed == 1 and count == 0 then
  redis.call('SREM', KEYS[2], ARGV[3])
  redis.call('DEL', KEYS[3])
end
return {removed, count}
`)

func userKeys(branchID, userID, connID string) []string {
	return []string{
		connsKey(branchID, userID),
		membersKey(branchID),
		recordKey(branchID, userID),
		connKey(connID),
	}
}

// RedisStore keeps presence state in Redis so several instances share one view.
// Join and Leave run as Lua scripts, so each is atomic across instances.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// NewRedisStoreWithURL creates a store from a redis:// URL.
func NewRedisStoreWithURL(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

// Client exposes the underlying client so a transport can share it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

func (s *RedisStore) Join(ctx context.Context, j Join) (JoinResult, error) {
	res, err := joinScript.Run(ctx, s.client, userKeys(j.BranchID, j.UserID, j.ConnID),
		j.ConnID, j.BranchID, j.UserID,
		j.Metadata.Name, j.Metadata.PhotoURL, j.Metadata.Role,
		j.At.UnixMilli(), MetadataVersion, DefaultRole,
	).Slice()
	if err != nil {
		return JoinResult{}, unavailable("join", err)
	}

	if len(res) == 0 {
		return JoinResult{}, fmt.Errorf("join: empty reply")
	}
	if code, ok := res[0].(int64); ok && code < 0 {
		return JoinResult{}, ErrConnectionInUse
	}
	if len(res) != 3 {
		return JoinResult{}, fmt.Errorf("join: unexpected reply %v", res)
	}
	added, _ := res[0].(int64)
	count, _ := res[1].(int64)
	pairs, _ := res[2].([]interface{})

	fields := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		k, _ := pairs[i].(string)
		v, _ := pairs[i+1].(string)
		fields[k] = v
	}

	return JoinResult{
		Added:  added == 1,
		Count:  count,
		Record: decodeRecord(j.BranchID, j.UserID, fields),
	}, nil
}

func (s *RedisStore) Leave(ctx context.Context, connID string, ref ConnRef) (LeaveResult, error) {
	res, err := leaveScript.Run(ctx, s.client, userKeys(ref.BranchID, ref.UserID, connID),
		connID, ref.BranchID, ref.UserID,
	).Int64Slice()
	if err != nil {
		return LeaveResult{}, unavailable("leave", err)
	}
	if len(res) != 2 {
		return LeaveResult{}, fmt.Errorf("leave: unexpected reply %v", res)
	}
	return LeaveResult{Removed: res[0] == 1, Count: res[1]}, nil
}

func (s *RedisStore) ConnectionCount(ctx context.Context, branchID, userID string) (int64, error) {
	n, err := s.client.SCard(ctx, connsKey(branchID, userID)).Result()
	if err != nil {
		return 0, unavailable("connection count", err)
	}
	return n, nil
}

func (s *RedisStore) Members(ctx context.Context, branchID string) ([]string, error) {
	users, err := s.client.SMembers(ctx, membersKey(branchID)).Result()
	if err != nil {
		return nil, unavailable("members", err)
	}
	return users, nil
}

// Branches walks every branch member key with SCAN.
func (s *RedisStore) Branches(ctx context.Context) ([]string, error) {
	var branches []string
	iter := s.client.Scan(ctx, 0, branchKeyPrefix+"*"+membersSuffix, scanBatch).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		branchID := strings.TrimSuffix(strings.TrimPrefix(key, branchKeyPrefix), membersSuffix)
		branches = append(branches, branchID)
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable("scan branches", err)
	}
	return branches, nil
}

func (s *RedisStore) GetRecord(ctx context.Context, branchID, userID string) (Record, bool, error) {
	fields, err := s.client.HGetAll(ctx, recordKey(branchID, userID)).Result()
	if err != nil {
		return Record{}, false, unavailable("get record", err)
	}
	if len(fields) == 0 {
		return Record{}, false, nil
	}
	return decodeRecord(branchID, userID, fields), true, nil
}

func (s *RedisStore) GetRecords(ctx context.Context, branchID string, userIDs []string) ([]Record, error) {
	if len(userIDs) == 0 {
		return []Record{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(userIDs))
	for i, uid := range userIDs {
		cmds[i] = pipe.HGetAll(ctx, recordKey(branchID, uid))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable("get records", err)
	}

	records := make([]Record, 0, len(userIDs))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		records = append(records, decodeRecord(branchID, userIDs[i], fields))
	}
	return records, nil
}

func (s *RedisStore) LookupConnection(ctx context.Context, connID string) (ConnRef, bool, error) {
	fields, err := s.client.HGetAll(ctx, connKey(connID)).Result()
	if err != nil {
		return ConnRef{}, false, unavailable("lookup connection", err)
	}
	if fields["branchId"] == "" || fields["userId"] == "" {
		return ConnRef{}, false, nil
	}
	return ConnRef{BranchID: fields["branchId"], UserID: fields["userId"]}, true, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeRecord(branchID, userID string, fields map[string]string) Record {
	version, _ := strconv.Atoi(fields["v"])
	return Record{
		BranchID: branchID,
		UserID:   userID,
		Version:  version,
		Metadata: Metadata{
			Name:     fields["name"],
			PhotoURL: fields["photoUrl"],
			Role:     fields["role"],
		},
		ConnectedAt:  parseMillis(fields["connectedAt"]),
		LastActiveAt: parseMillis(fields["lastActiveAt"]),
	}
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

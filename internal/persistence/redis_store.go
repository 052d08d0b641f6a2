package persistence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/quill/pkg/api"
)

// RedisStore is a Store backed by Redis.
// It uses a simple key structure:
//
//	<prefix>wf:<id>     => HASH task, stage, status, last_seq, snapshot_seq, snapshot, created_at
//	<prefix>log:<id>    => LIST of encoded log entries, index = seq-1
//	<prefix>fence:<id>  => last issued lease token (never expires)
//	<prefix>lease:<id>  => "<owner>|<token>" with the lease TTL
//	<prefix>idx:all     => SET of all workflow IDs
//
// Every mutation that has to check another key runs as a Lua script, so
// checks and writes are atomic.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "quill:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "quill:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (r *RedisStore) keyWorkflow(id string) string { return r.prefix + "wf:" + id }
func (r *RedisStore) keyLog(id string) string      { return r.prefix + "log:" + id }
func (r *RedisStore) keyFence(id string) string    { return r.prefix + "fence:" + id }
func (r *RedisStore) keyLease(id string) string    { return r.prefix + "lease:" + id }
func (r *RedisStore) keyAll() string               { return r.prefix + "idx:all" }

var (
	// Creates the workflow hash on first save; afterwards only replaces the
	// snapshot when it is not older than the stored one.
	redisSaveSnapshot = redis.NewScript(`
local seq = tonumber(ARGV[1])
if redis.call('EXISTS', KEYS[1]) == 0 then
	redis.call('HSET', KEYS[1],
		'task', ARGV[3], 'stage', ARGV[4], 'status', ARGV[5],
		'last_seq', ARGV[1], 'snapshot_seq', ARGV[1], 'snapshot', ARGV[2],
		'created_at', ARGV[6])
	redis.call('SADD', KEYS[2], ARGV[7])
	return 1
end
local cur = tonumber(redis.call('HGET', KEYS[1], 'snapshot_seq') or '0')
if seq < cur then
	return 0
end
redis.call('HSET', KEYS[1], 'snapshot_seq', ARGV[1], 'snapshot', ARGV[2])
return 1
`)

	// Returns 1 on success, -1 unknown workflow, -2 fenced, -3 sequence conflict.
	redisAppend = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local fence = tonumber(redis.call('GET', KEYS[2]) or '0')
if fence ~= tonumber(ARGV[1]) then
	return -2
end
local last = tonumber(redis.call('HGET', KEYS[1], 'last_seq') or '0')
if tonumber(ARGV[2]) ~= last + 1 then
	return -3
end
redis.call('RPUSH', KEYS[3], ARGV[3])
redis.call('HSET', KEYS[1], 'last_seq', ARGV[2], 'stage', ARGV[4], 'status', ARGV[5])
return 1
`)

	// Returns the lease token when acquired or refreshed, 0 when held by
	// another owner, -1 for an unknown workflow.
	redisLeaseAcquire = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 0 then
	return -1
end
local cur = redis.call('GET', KEYS[1])
if cur then
	local owner, token = string.match(cur, '^(.*)|(%d+)$')
	if owner == ARGV[1] then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
		return tonumber(token)
	end
	return 0
end
local token = redis.call('INCR', KEYS[2])
redis.call('PSETEX', KEYS[1], ARGV[2], ARGV[1] .. '|' .. token)
return token
`)

	// Returns 1 if renewed, 0 otherwise.
	redisLeaseRenew = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
end
return 0
`)

	// Returns 1 if released, 0 otherwise.
	redisLeaseRelease = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`)
)

func leaseValue(owner string, token int64) string {
	return owner + "|" + strconv.FormatInt(token, 10)
}

func (r *RedisStore) SaveSnapshot(ctx context.Context, st *api.WorkflowState) error {
	data, err := EncodeState(st)
	if err != nil {
		return err
	}
	return redisSaveSnapshot.Run(ctx, r.client,
		[]string{r.keyWorkflow(st.WorkflowID), r.keyAll()},
		st.Seq, data, string(st.Task), string(st.Stage), string(st.Status),
		st.CreatedAt.UnixNano(), st.WorkflowID,
	).Err()
}

func (r *RedisStore) LoadSnapshot(ctx context.Context, workflowID string) (*api.WorkflowState, error) {
	data, err := r.client.HGet(ctx, r.keyWorkflow(workflowID), "snapshot").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrWorkflowNotFound
		}
		return nil, err
	}
	return DecodeState(data)
}

func (r *RedisStore) ListWorkflows(ctx context.Context, filter Filter) ([]Summary, error) {
	ids, err := r.client.SMembers(ctx, r.keyAll()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.SliceCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HMGet(ctx, r.keyWorkflow(id), "task", "stage", "status", "last_seq", "created_at")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var out []Summary
	for i, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			return nil, err
		}
		if vals[0] == nil {
			continue
		}
		sum := Summary{
			WorkflowID: ids[i],
			Task:       api.Task(redisString(vals[0])),
			Stage:      api.Stage(redisString(vals[1])),
			Status:     api.Status(redisString(vals[2])),
			LastSeq:    redisInt(vals[3]),
			CreatedAt:  time.Unix(0, redisInt(vals[4])).UTC(),
		}
		if filter.match(sum) {
			out = append(out, sum)
		}
	}
	sortSummaries(out)
	return out, nil
}

func redisString(v any) string {
	s, _ := v.(string)
	return s
}

func redisInt(v any) int64 {
	n, _ := strconv.ParseInt(redisString(v), 10, 64)
	return n
}

func (r *RedisStore) AppendEntry(ctx context.Context, entry api.LogEntry, fence int64) error {
	data, err := EncodeEntry(entry)
	if err != nil {
		return err
	}
	res, err := redisAppend.Run(ctx, r.client,
		[]string{r.keyWorkflow(entry.WorkflowID), r.keyFence(entry.WorkflowID), r.keyLog(entry.WorkflowID)},
		fence, entry.Seq, data, string(entry.Delta.To), string(entry.Delta.Status),
	).Int64()
	if err != nil {
		return err
	}
	switch res {
	case 1:
		return nil
	case -1:
		return ErrWorkflowNotFound
	case -2:
		return ErrFenced
	case -3:
		return ErrSequenceConflict
	}
	return fmt.Errorf("redis append: unexpected result %d", res)
}

func (r *RedisStore) ListEntries(ctx context.Context, workflowID string, afterSeq int64) ([]api.LogEntry, error) {
	if afterSeq < 0 {
		afterSeq = 0
	}
	raw, err := r.client.LRange(ctx, r.keyLog(workflowID), afterSeq, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(raw) == 0 {
		n, err := r.client.Exists(ctx, r.keyWorkflow(workflowID)).Result()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, ErrWorkflowNotFound
		}
	}

	out := make([]api.LogEntry, 0, len(raw))
	for _, data := range raw {
		e, err := DecodeEntry([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *RedisStore) TryAcquireLease(ctx context.Context, workflowID, owner string, ttl time.Duration) (Lease, bool, error) {
	if ttl <= 0 {
		return Lease{}, false, errors.New("ttl must be > 0")
	}
	if owner == "" {
		return Lease{}, false, errors.New("owner must not be empty")
	}
	expires := time.Now().Add(ttl)
	token, err := redisLeaseAcquire.Run(ctx, r.client,
		[]string{r.keyLease(workflowID), r.keyFence(workflowID), r.keyWorkflow(workflowID)},
		owner, ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return Lease{}, false, err
	}
	switch {
	case token < 0:
		return Lease{}, false, ErrWorkflowNotFound
	case token == 0:
		return Lease{}, false, nil
	}
	return Lease{WorkflowID: workflowID, Owner: owner, Token: token, ExpiresAt: expires}, true, nil
}

func (r *RedisStore) RenewLease(ctx context.Context, l Lease, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		return Lease{}, errors.New("ttl must be > 0")
	}
	expires := time.Now().Add(ttl)
	ok, err := redisLeaseRenew.Run(ctx, r.client,
		[]string{r.keyLease(l.WorkflowID)},
		leaseValue(l.Owner, l.Token), ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return Lease{}, err
	}
	if ok != 1 {
		return Lease{}, ErrLeaseLost
	}
	l.ExpiresAt = expires
	return l, nil
}

func (r *RedisStore) ReleaseLease(ctx context.Context, l Lease) error {
	// Idempotent: a missing or foreign lease is left alone.
	return redisLeaseRelease.Run(ctx, r.client,
		[]string{r.keyLease(l.WorkflowID)},
		leaseValue(l.Owner, l.Token),
	).Err()
}

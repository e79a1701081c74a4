package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"callrelay/internal/calls"
	"callrelay/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps session state in Redis so several API instances can share
// it. Every Update WATCHes a single version key and bumps it in the same
// MULTI/EXEC block as its writes, which serializes Updates across instances.
//
// Key layout (prefix "callrelay"):
//
//	callrelay:version            transaction counter
//	callrelay:status:<id>        JSON StatusRecord, absent means None
//	callrelay:screencaster       grant holder, absent means none
//	callrelay:mailbox:<id>       list of JSON SignalRecord, oldest first
//	callrelay:seq:<id>           last sequence number handed out for <id>
type RedisStore struct {
	rdb     *redis.Client
	prefix  string
	retries int
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "callrelay"
	}
	return &RedisStore{rdb: rdb, prefix: prefix, retries: 64}
}

func (s *RedisStore) versionKey() string                  { return s.prefix + ":version" }
func (s *RedisStore) casterKey() string                   { return s.prefix + ":screencaster" }
func (s *RedisStore) statusKey(id calls.Identity) string  { return s.prefix + ":status:" + id.String() }
func (s *RedisStore) mailboxKey(id calls.Identity) string { return s.prefix + ":mailbox:" + id.String() }
func (s *RedisStore) seqKey(id calls.Identity) string     { return s.prefix + ":seq:" + id.String() }

func (s *RedisStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	return utils.WatchRetry(ctx, s.rdb, s.retries, func(rtx *redis.Tx) error {
		tx := newRedisTx(ctx, s, rtx, false)
		if err := fn(tx); err != nil {
			return err
		}
		if len(tx.ops) == 0 {
			return nil
		}
		_, err := rtx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for _, op := range tx.ops {
				op(p)
			}
			p.Incr(ctx, s.versionKey())
			return nil
		})
		return err
	}, s.versionKey())
}

// View confirms the snapshot by executing an empty-effect EXEC under the same
// WATCH; if any Update committed while fn was reading, the read is retried.
func (s *RedisStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return utils.WatchRetry(ctx, s.rdb, s.retries, func(rtx *redis.Tx) error {
		tx := newRedisTx(ctx, s, rtx, true)
		if err := fn(tx); err != nil {
			return err
		}
		if len(tx.ops) > 0 {
			return errReadOnly
		}
		_, err := rtx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Get(ctx, s.versionKey())
			return nil
		})
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}, s.versionKey())
}

func (s *RedisStore) Mailbox(ctx context.Context, id calls.Identity) ([]calls.Envelope, error) {
	raw, err := s.rdb.LRange(ctx, s.mailboxKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read mailbox: %w", err)
	}
	return decodeMailbox(raw)
}

func (s *RedisStore) Ack(ctx context.Context, id calls.Identity, through uint64) (int, error) {
	key := s.mailboxKey(id)
	var removed int
	err := utils.WatchRetry(ctx, s.rdb, s.retries, func(rtx *redis.Tx) error {
		raw, err := rtx.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return err
		}
		box, err := decodeMailbox(raw)
		if err != nil {
			return err
		}
		removed = ackCount(box, through)
		if removed == 0 {
			return nil
		}
		_, err = rtx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.LTrim(ctx, key, int64(removed), -1)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return 0, fmt.Errorf("ack mailbox: %w", err)
	}
	return removed, nil
}

func decodeMailbox(raw []string) ([]calls.Envelope, error) {
	out := make([]calls.Envelope, 0, len(raw))
	for _, item := range raw {
		var rec calls.SignalRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("decode signal: %w", err)
		}
		env, err := rec.Envelope()
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

// redisTx reads through the watched connection and queues writes as
// pipeline operations. A small overlay makes staged writes visible to later
// reads within the same transaction.
type redisTx struct {
	ctx      context.Context
	s        *RedisStore
	rtx      *redis.Tx
	readOnly bool
	ops      []func(p redis.Pipeliner)

	statuses map[calls.Identity]calls.CallStatus
	lens     map[calls.Identity]int
	seqs     map[calls.Identity]uint64
	caster   *calls.Identity
}

func newRedisTx(ctx context.Context, s *RedisStore, rtx *redis.Tx, readOnly bool) *redisTx {
	return &redisTx{
		ctx:      ctx,
		s:        s,
		rtx:      rtx,
		readOnly: readOnly,
		statuses: make(map[calls.Identity]calls.CallStatus),
		lens:     make(map[calls.Identity]int),
		seqs:     make(map[calls.Identity]uint64),
	}
}

func (t *redisTx) Status(id calls.Identity) (calls.CallStatus, error) {
	if st, ok := t.statuses[id]; ok {
		return st, nil
	}
	raw, err := t.rtx.Get(t.ctx, t.s.statusKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return calls.None{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read status: %w", err)
	}
	var rec calls.StatusRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	st, err := rec.Status()
	if err != nil {
		return nil, err
	}
	t.statuses[id] = st
	return st, nil
}

func (t *redisTx) SetStatus(id calls.Identity, st calls.CallStatus) {
	if st == nil {
		st = calls.None{}
	}
	t.statuses[id] = st
	key := t.s.statusKey(id)
	if _, none := st.(calls.None); none {
		t.ops = append(t.ops, func(p redis.Pipeliner) { p.Del(t.ctx, key) })
		return
	}
	// StatusRecord holds only strings and bools; Marshal cannot fail.
	raw, _ := json.Marshal(calls.RecordOf(st))
	t.ops = append(t.ops, func(p redis.Pipeliner) { p.Set(t.ctx, key, raw, 0) })
}

func (t *redisTx) ScreenCaster() (calls.Identity, error) {
	if t.caster != nil {
		return *t.caster, nil
	}
	v, err := t.rtx.Get(t.ctx, t.s.casterKey()).Result()
	if errors.Is(err, redis.Nil) {
		v, err = "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read screen caster: %w", err)
	}
	id := calls.Identity(v)
	t.caster = &id
	return id, nil
}

func (t *redisTx) SetScreenCaster(id calls.Identity) {
	t.caster = &id
	key := t.s.casterKey()
	if id == "" {
		t.ops = append(t.ops, func(p redis.Pipeliner) { p.Del(t.ctx, key) })
		return
	}
	t.ops = append(t.ops, func(p redis.Pipeliner) { p.Set(t.ctx, key, id.String(), 0) })
}

func (t *redisTx) MailboxLen(id calls.Identity) (int, error) {
	if n, ok := t.lens[id]; ok {
		return n, nil
	}
	n, err := t.rtx.LLen(t.ctx, t.s.mailboxKey(id)).Result()
	if err != nil {
		return 0, fmt.Errorf("read mailbox length: %w", err)
	}
	t.lens[id] = int(n)
	return int(n), nil
}

func (t *redisTx) Enqueue(id, from calls.Identity, msg calls.SignalMessage) (uint64, error) {
	if t.readOnly {
		return 0, errReadOnly
	}
	n, err := t.MailboxLen(id)
	if err != nil {
		return 0, err
	}
	seq, ok := t.seqs[id]
	if !ok {
		v, err := t.rtx.Get(t.ctx, t.s.seqKey(id)).Uint64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return 0, fmt.Errorf("read mailbox sequence: %w", err)
		}
		seq = v
	}
	seq++
	t.seqs[id] = seq
	t.lens[id] = n + 1

	rec := calls.SignalRecordOf(msg)
	rec.Seq = seq
	rec.From = from
	raw, err := json.Marshal(rec)
	if err != nil {
		return 0, err
	}
	box, seqKey := t.s.mailboxKey(id), t.s.seqKey(id)
	t.ops = append(t.ops, func(p redis.Pipeliner) {
		p.RPush(t.ctx, box, raw)
		p.Set(t.ctx, seqKey, strconv.FormatUint(seq, 10), 0)
	})
	return seq, nil
}

func (t *redisTx) ClearMailbox(id calls.Identity) {
	t.lens[id] = 0
	key := t.s.mailboxKey(id)
	t.ops = append(t.ops, func(p redis.Pipeliner) { p.Del(t.ctx, key) })
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultRedisPrefix namespaces every key and channel the backend touches.
const DefaultRedisPrefix = "pig:"

// maxTxRetries bounds optimistic WATCH/MULTI attempts before giving up with ErrConflict.
const maxTxRetries = 16

// RedisBackend stores each document as a JSON string under <prefix>doc:<path>
// and announces every change on <prefix>changes:<path> within the same
// MULTI/EXEC block, so notifications follow commit order.
//
// Field updates and claims are optimistic transactions: WATCH the key, read,
// compute the next document, and EXEC; a concurrent writer aborts the EXEC
// and the attempt is retried.
type RedisBackend struct {
	rdb    *redis.Client
	prefix string
	logger logrus.FieldLogger
	fanout *fanout
	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

// NewRedisBackend subscribes to the change channels and starts the listener.
func NewRedisBackend(ctx context.Context, rdb *redis.Client, prefix string, logger logrus.FieldLogger) (*RedisBackend, error) {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	b := &RedisBackend{
		rdb:    rdb,
		prefix: prefix,
		logger: logger.WithField("backend", "redis"),
		fanout: newFanout(),
	}

	b.pubsub = rdb.PSubscribe(ctx, b.channel("*"))
	if _, err := b.pubsub.Receive(ctx); err != nil {
		b.pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", b.channel("*"), err)
	}

	b.wg.Add(1)
	go b.listen()
	return b, nil
}

func (b *RedisBackend) key(path string) string     { return b.prefix + "doc:" + path }
func (b *RedisBackend) channel(path string) string { return b.prefix + "changes:" + path }

func (b *RedisBackend) listen() {
	defer b.wg.Done()
	for msg := range b.pubsub.Channel() {
		path := strings.TrimPrefix(msg.Channel, b.prefix+"changes:")
		var value json.RawMessage
		if msg.Payload != "" {
			value = json.RawMessage(msg.Payload)
		}
		b.fanout.publish(path, value)
	}
}

func (b *RedisBackend) Get(ctx context.Context, path string) (json.RawMessage, error) {
	path, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	data, err := b.rdb.Get(ctx, b.key(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", path, err)
	}
	return data, nil
}

func (b *RedisBackend) Set(ctx context.Context, path string, value json.RawMessage) error {
	path, err := cleanPath(path)
	if err != nil {
		return err
	}
	if isNull(value) {
		return b.Remove(ctx, path)
	}
	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, b.key(path), []byte(value), 0)
		pipe.Publish(ctx, b.channel(path), []byte(value))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set %s: %w", path, err)
	}
	return nil
}

func (b *RedisBackend) Merge(ctx context.Context, path string, fields map[string]json.RawMessage) error {
	path, err := cleanPath(path)
	if err != nil {
		return err
	}
	return b.transact(ctx, path, mergeMutation(fields))
}

func (b *RedisBackend) Claim(ctx context.Context, path, field string) (bool, error) {
	path, err := cleanPath(path)
	if err != nil {
		return false, err
	}
	var claimed bool
	if err := b.transact(ctx, path, claimMutation(field, &claimed)); err != nil {
		return false, err
	}
	return claimed, nil
}

// removeTreeScript deletes a document and every document below it and
// announces each removal, all in one atomic step. KEYS[1] is the document
// key; ARGV holds the escaped match pattern for descendants, the channel
// prefix, and the key prefix. Returns the number of documents removed.
var removeTreeScript = redis.NewScript(`
local docs = {}
if redis.call('EXISTS', KEYS[1]) == 1 then
	table.insert(docs, KEYS[1])
end
for _, k in ipairs(redis.call('KEYS', ARGV[1])) do
	table.insert(docs, k)
end
table.sort(docs)
for _, k in ipairs(docs) do
	redis.call('DEL', k)
	redis.call('PUBLISH', ARGV[2] .. string.sub(k, #ARGV[3] + 1), '')
end
return #docs
`)

// globEscaper quotes the characters KEYS treats as pattern syntax.
var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// Remove deletes path and its descendants in a single script so a writer
// cannot slip a new document under path halfway through. When nothing is
// stored at or below path, path is treated as a field of its parent.
func (b *RedisBackend) Remove(ctx context.Context, path string) error {
	path, err := cleanPath(path)
	if err != nil {
		return err
	}

	key := b.key(path)
	n, err := removeTreeScript.Run(ctx, b.rdb, []string{key},
		globEscaper.Replace(key)+"/*", b.prefix+"changes:", b.prefix+"doc:").Int()
	if err != nil {
		return fmt.Errorf("redis remove %s: %w", path, err)
	}
	if n > 0 {
		return nil
	}

	parent, field, ok := splitField(path)
	if !ok {
		return nil
	}
	return b.transact(ctx, parent, removeFieldMutation(field))
}

// transact applies mutate to path inside a WATCH/MULTI/EXEC block, retrying on conflict.
func (b *RedisBackend) transact(ctx context.Context, path string, mutate mutation) error {
	key := b.key(path)
	txf := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			cur = nil
		} else if err != nil {
			return err
		}

		next, write, err := mutate(cur)
		if err != nil || !write {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, key)
			} else {
				pipe.Set(ctx, key, []byte(next), 0)
			}
			pipe.Publish(ctx, b.channel(path), []byte(next))
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := b.rdb.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			b.logger.WithField("path", path).Debug("redis transaction conflict, retrying")
			continue
		}
		return fmt.Errorf("redis transaction on %s: %w", path, err)
	}
	return fmt.Errorf("redis transaction on %s: %w", path, ErrConflict)
}

func (b *RedisBackend) Subscribe(ctx context.Context, path string, fn func(json.RawMessage)) (func(), error) {
	path, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	return subscribeThenRead(ctx, b.fanout, path, fn, b.Get)
}

// Close stops the listener. The Redis client itself belongs to the caller.
func (b *RedisBackend) Close() error {
	err := b.pubsub.Close()
	b.wg.Wait()
	b.fanout.closeAll()
	return err
}

// subscribeThenRead registers a paused mailbox before reading the current
// value, then delivers that value ahead of any notification that arrived in
// between. No committed change is missed; one racing the read may repeat,
// and one committed before the read but published after it arrives behind
// the initial value. Notifications keep commit order, so the final delivery
// is the latest value.
func subscribeThenRead(ctx context.Context, f *fanout, path string, fn func(json.RawMessage), get func(context.Context, string) (json.RawMessage, error)) (func(), error) {
	m, cancel := f.add(path, fn, true)
	cur, err := get(ctx, path)
	if err != nil {
		cancel()
		return nil, err
	}
	m.Prime(cur)
	return cancel, nil
}

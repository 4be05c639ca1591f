package gasbank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-redis/redis/v8"
	"github.com/holiman/uint256"
)

const redisTxRetries = 16

// RedisStore keeps balances in Redis as decimal strings. Transfers use an
// optimistic WATCH/MULTI transaction over both balance keys.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore builds a store using keys under prefix (default "gasbank").
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "gasbank"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) balanceKey(account common.Address) string {
	return s.prefix + ":balance:" + strings.ToLower(account.Hex())
}

func (s *RedisStore) entriesKey(account common.Address) string {
	return s.prefix + ":entries:" + strings.ToLower(account.Hex())
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readBalance(ctx context.Context, cmd stringGetter, key string) (*uint256.Int, error) {
	raw, err := cmd.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, err
	}
	bal, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("corrupt balance at %s: %w", key, err)
	}
	return bal, nil
}

func (s *RedisStore) Balance(ctx context.Context, account common.Address) (*uint256.Int, error) {
	return readBalance(ctx, s.client, s.balanceKey(account))
}

func (s *RedisStore) Credit(ctx context.Context, account common.Address, amount *uint256.Int) (*uint256.Int, error) {
	key := s.balanceKey(account)
	var result *uint256.Int

	err := s.withRetry(ctx, func(tx *redis.Tx) error {
		current, err := readBalance(ctx, tx, key)
		if err != nil {
			return err
		}
		next, overflow := new(uint256.Int).AddOverflow(current, amount)
		if overflow {
			return fmt.Errorf("balance overflow for %s", account.Hex())
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next.Dec(), 0)
			return nil
		})
		result = next
		return err
	}, key)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *RedisStore) Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) (Balances, error) {
	fromKey, toKey := s.balanceKey(from), s.balanceKey(to)
	var result Balances

	err := s.withRetry(ctx, func(tx *redis.Tx) error {
		fromBal, err := readBalance(ctx, tx, fromKey)
		if err != nil {
			return err
		}
		if fromBal.Lt(amount) {
			return fmt.Errorf("%w: available %s, required %s", ErrInsufficientBalance, fromBal.Dec(), amount.Dec())
		}
		toBal, err := readBalance(ctx, tx, toKey)
		if err != nil {
			return err
		}
		newTo, overflow := new(uint256.Int).AddOverflow(toBal, amount)
		if overflow {
			return fmt.Errorf("balance overflow for %s", to.Hex())
		}
		newFrom := new(uint256.Int).Sub(fromBal, amount)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, fromKey, newFrom.Dec(), 0)
			pipe.Set(ctx, toKey, newTo.Dec(), 0)
			return nil
		})
		result = Balances{From: newFrom, To: newTo}
		return err
	}, fromKey, toKey)
	if err != nil {
		return Balances{}, err
	}
	return result, nil
}

func (s *RedisStore) AppendEntry(ctx context.Context, entry Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	key := s.entriesKey(entry.Account)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, payload)
		pipe.LTrim(ctx, key, 0, maxEntriesPerAccount-1)
		return nil
	})
	return err
}

func (s *RedisStore) Entries(ctx context.Context, account common.Address, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = maxEntriesPerAccount
	}
	raw, err := s.client.LRange(ctx, s.entriesKey(account), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var entry Entry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("decode ledger entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *RedisStore) withRetry(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < redisTxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("ledger transaction on %v: too much contention", keys)
}

package jobs

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix = "job:"

	// 楽観ロックの再試行上限。超えた場合は StoreError として返し、
	// 呼び出し側の有限リトライに委ねる。
	maxTxRetries = 8
)

// RedisStore は外部KVサービスに基づく Store 実装です。
// Create は SetNX、Update は WATCH/MULTI/EXEC による楽観的
// read-modify-write で、複数プロセス間のアトミック性を保証します。
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore は RedisStore を作成します。
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// OpenRedisStore は接続URLからクライアントを生成し、疎通を確認します。
func OpenRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, storeErr("parse redis url", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, storeErr("ping", err)
	}
	return NewRedisStore(rdb), nil
}

func (s *RedisStore) Create(ctx context.Context, record *Record) error {
	if record == nil || record.ID == "" {
		return storeErr("create", errors.New("record id is required"))
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return storeErr("create: encode", err)
	}
	// TTLなしで保存する。レコードの自動削除は行わない方針。
	ok, err := s.rdb.SetNX(ctx, jobKey(record.ID), payload, 0).Result()
	if err != nil {
		return storeErr("create", err)
	}
	if !ok {
		return ErrConflict
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	data, err := s.rdb.Get(ctx, jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get", err)
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, storeErr("get: decode", err)
	}
	return &record, nil
}

func (s *RedisStore) Update(ctx context.Context, id string, mutate Mutator) (*Record, error) {
	key := jobKey(id)

	var updated *Record
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err == redis.Nil {
				return ErrNotFound
			}
			if err != nil {
				return storeErr("update: read", err)
			}

			var record Record
			if err := json.Unmarshal(data, &record); err != nil {
				return storeErr("update: decode", err)
			}
			if err := mutate(&record); err != nil {
				return err
			}

			payload, err := json.Marshal(&record)
			if err != nil {
				return storeErr("update: encode", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, 0)
				return nil
			})
			if err != nil {
				return err
			}
			updated = &record
			return nil
		}, key)

		if err == redis.TxFailedErr {
			// 他プロセスに割り込まれたのでやり直す
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, storeErr("update", errors.New("too many concurrent modifications"))
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	n, err := s.rdb.Del(ctx, jobKey(id)).Result()
	if err != nil {
		return storeErr("delete", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]*Record, error) {
	var records []*Record
	iter := s.rdb.Scan(ctx, 0, jobKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, storeErr("list", err)
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, storeErr("list: decode", err)
		}
		records = append(records, &record)
	}
	if err := iter.Err(); err != nil {
		return nil, storeErr("list", err)
	}
	return records, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

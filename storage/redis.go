// Copyright 2022 The httprelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"fmt"

	"github.com/alwitt/httprelay/common"
	"github.com/apex/log"
	"github.com/redis/go-redis/v9"
)

// maxUpdateAttempts optimistic transaction retry limit for Update
const maxUpdateAttempts = 8

// redisKVStore implements KVStore backed by a Redis server.
//
// Update uses WATCH based optimistic transactions, so concurrent writers
// against the same key serialize instead of losing updates.
type redisKVStore struct {
	common.Component
	client    *redis.Client
	keyPrefix string
}

// GetRedisKVStore define a Redis backed KVStore
func GetRedisKVStore(
	ctxt context.Context, config common.RedisConfig, instance string,
) (KVStore, error) {
	logTags := log.Fields{
		"module": "storage", "component": "redis-kv", "instance": instance,
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(ctxt).Err(); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to reach Redis server %s", config.Addr,
		)
		return nil, err
	}
	return &redisKVStore{
		Component: common.Component{LogTags: logTags},
		client:    client,
		keyPrefix: config.KeyPrefix,
	}, nil
}

// Get read the document stored under a key
func (s *redisKVStore) Get(ctxt context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctxt, s.keyPrefix+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrKeyNotFound
		}
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to read key %s", key)
		return nil, err
	}
	return value, nil
}

// Set write the document stored under a key
func (s *redisKVStore) Set(ctxt context.Context, key string, value []byte) error {
	if err := s.client.Set(ctxt, s.keyPrefix+key, value, 0).Err(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to write key %s", key)
		return err
	}
	return nil
}

// Delete remove a key and its document
func (s *redisKVStore) Delete(ctxt context.Context, key string) error {
	if err := s.client.Del(ctxt, s.keyPrefix+key).Err(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to delete key %s", key)
		return err
	}
	return nil
}

// Update atomically apply an update callback against a key's document
func (s *redisKVStore) Update(ctxt context.Context, key string, updater UpdateFunc) error {
	fullKey := s.keyPrefix + key
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := s.client.Watch(ctxt, func(tx *redis.Tx) error {
			current, err := tx.Get(ctxt, fullKey).Bytes()
			if err != nil {
				if err != redis.Nil {
					return err
				}
				current = nil
			}
			updated, err := updater(current)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctxt, func(pipe redis.Pipeliner) error {
				if updated == nil {
					pipe.Del(ctxt, fullKey)
				} else {
					pipe.Set(ctxt, fullKey, updated, 0)
				}
				return nil
			})
			return err
		}, fullKey)
		if err == redis.TxFailedErr {
			log.WithFields(s.LogTags).Debugf("Key %s contention, retrying update", key)
			continue
		}
		return err
	}
	return fmt.Errorf("update on key %s exceeded %d attempts", key, maxUpdateAttempts)
}

// Close release the store's resources
func (s *redisKVStore) Close() error {
	return s.client.Close()
}

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
	"sync"

	"github.com/alwitt/httprelay/common"
	"github.com/apex/log"
)

// inMemoryKVStore implements KVStore with a process local map.
//
// Meant for unit-testing and single-node deployments.
type inMemoryKVStore struct {
	common.Component
	lock sync.RWMutex
	data map[string][]byte
}

// GetInMemoryKVStore define an in-memory KVStore
func GetInMemoryKVStore(instance string) (KVStore, error) {
	logTags := log.Fields{
		"module": "storage", "component": "in-mem-kv", "instance": instance,
	}
	return &inMemoryKVStore{
		Component: common.Component{LogTags: logTags},
		data:      make(map[string][]byte),
	}, nil
}

// Get read the document stored under a key
func (s *inMemoryKVStore) Get(ctxt context.Context, key string) ([]byte, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	value, ok := s.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

// Set write the document stored under a key
func (s *inMemoryKVStore) Set(ctxt context.Context, key string, value []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	s.data[key] = stored
	return nil
}

// Delete remove a key and its document
func (s *inMemoryKVStore) Delete(ctxt context.Context, key string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.data, key)
	return nil
}

// Update atomically apply an update callback against a key's document
func (s *inMemoryKVStore) Update(ctxt context.Context, key string, updater UpdateFunc) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	var current []byte
	if existing, ok := s.data[key]; ok {
		current = make([]byte, len(existing))
		copy(current, existing)
	}
	updated, err := updater(current)
	if err != nil {
		return err
	}
	if updated == nil {
		delete(s.data, key)
		return nil
	}
	s.data[key] = updated
	return nil
}

// Close release the store's resources
func (s *inMemoryKVStore) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.data = make(map[string][]byte)
	return nil
}

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
	"encoding/json"
	"fmt"
)

// ErrKeyNotFound returned when a key has no value in the store
var ErrKeyNotFound = fmt.Errorf("key not found")

// UpdateFunc callback applied to a key's current value during an atomic
// update. The value is nil when the key has no value yet. Returning nil
// deletes the key.
type UpdateFunc func(current []byte) ([]byte, error)

// KVStore key-value document store.
//
// Each key holds one whole document; there is no partial-write API and no
// transactionality across keys. Update is atomic per key.
type KVStore interface {
	// Get read the document stored under a key
	Get(ctxt context.Context, key string) ([]byte, error)
	// Set write the document stored under a key
	Set(ctxt context.Context, key string, value []byte) error
	// Delete remove a key and its document
	Delete(ctxt context.Context, key string) error
	// Update atomically apply an update callback against a key's document
	Update(ctxt context.Context, key string, updater UpdateFunc) error
	// Close release the store's resources
	Close() error
}

// GetDocument read the JSON document under a key into target.
//
// Returns false with no error when the key has no value; target is left
// untouched in that case.
func GetDocument(ctxt context.Context, store KVStore, key string, target interface{}) (bool, error) {
	raw, err := store.Get(ctxt, key)
	if err != nil {
		if err == ErrKeyNotFound {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return false, err
	}
	return true, nil
}

// UpdateDocument atomically rewrite the JSON document under a key.
//
// The updater receives the current raw document (nil when the key is
// absent) and returns the replacement document to marshal and store back.
// A nil return deletes the key. The updater may run more than once if the
// backend retries on contention, so it must not carry state between calls.
func UpdateDocument(
	ctxt context.Context,
	store KVStore,
	key string,
	updater func(current []byte) (interface{}, error),
) error {
	return store.Update(ctxt, key, func(current []byte) ([]byte, error) {
		updated, err := updater(current)
		if err != nil {
			return nil, err
		}
		if updated == nil {
			return nil, nil
		}
		return json.Marshal(updated)
	})
}

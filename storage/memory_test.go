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
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestInMemoryKVStoreBasicOperation(t *testing.T) {
	assert := assert.New(t)

	utCtxt := context.Background()
	uut, err := GetInMemoryKVStore("ut-kv-basic")
	assert.Nil(err)

	// Case 0: read an unknown key
	key1 := uuid.NewString()
	{
		_, err := uut.Get(utCtxt, key1)
		assert.Equal(ErrKeyNotFound, err)
	}

	// Case 1: write then read back
	{
		assert.Nil(uut.Set(utCtxt, key1, []byte("hello")))
		value, err := uut.Get(utCtxt, key1)
		assert.Nil(err)
		assert.Equal([]byte("hello"), value)
	}

	// Case 2: returned value is a copy
	{
		value, err := uut.Get(utCtxt, key1)
		assert.Nil(err)
		value[0] = 'X'
		again, err := uut.Get(utCtxt, key1)
		assert.Nil(err)
		assert.Equal([]byte("hello"), again)
	}

	// Case 3: delete
	{
		assert.Nil(uut.Delete(utCtxt, key1))
		_, err := uut.Get(utCtxt, key1)
		assert.Equal(ErrKeyNotFound, err)
	}
}

func TestInMemoryKVStoreUpdate(t *testing.T) {
	assert := assert.New(t)

	utCtxt := context.Background()
	uut, err := GetInMemoryKVStore("ut-kv-update")
	assert.Nil(err)

	// Case 0: update against an unknown key receives nil
	key1 := uuid.NewString()
	{
		assert.Nil(uut.Update(utCtxt, key1, func(current []byte) ([]byte, error) {
			assert.Nil(current)
			return []byte("0"), nil
		}))
		value, err := uut.Get(utCtxt, key1)
		assert.Nil(err)
		assert.Equal([]byte("0"), value)
	}

	// Case 1: updater failure leaves the value untouched
	{
		assert.NotNil(uut.Update(utCtxt, key1, func(current []byte) ([]byte, error) {
			return nil, fmt.Errorf("dummy error")
		}))
		value, err := uut.Get(utCtxt, key1)
		assert.Nil(err)
		assert.Equal([]byte("0"), value)
	}

	// Case 2: nil return deletes the key
	{
		assert.Nil(uut.Update(utCtxt, key1, func(current []byte) ([]byte, error) {
			return nil, nil
		}))
		_, err := uut.Get(utCtxt, key1)
		assert.Equal(ErrKeyNotFound, err)
	}

	// Case 3: concurrent counter increments serialize
	{
		key2 := uuid.NewString()
		assert.Nil(uut.Set(utCtxt, key2, []byte{0}))
		wg := sync.WaitGroup{}
		for i := 0; i < 64; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.Nil(uut.Update(utCtxt, key2, func(current []byte) ([]byte, error) {
					return []byte{current[0] + 1}, nil
				}))
			}()
		}
		wg.Wait()
		value, err := uut.Get(utCtxt, key2)
		assert.Nil(err)
		assert.Equal(byte(64), value[0])
	}
}

func TestDocumentHelpers(t *testing.T) {
	assert := assert.New(t)

	utCtxt := context.Background()
	uut, err := GetInMemoryKVStore("ut-kv-doc")
	assert.Nil(err)

	type testDoc struct {
		Entries map[string]int `json:"entries"`
	}

	// Case 0: fetch an absent document
	key1 := uuid.NewString()
	{
		doc := testDoc{}
		found, err := GetDocument(utCtxt, uut, key1, &doc)
		assert.Nil(err)
		assert.False(found)
	}

	// Case 1: update creates the document
	{
		assert.Nil(UpdateDocument(
			utCtxt, uut, key1, func(current []byte) (interface{}, error) {
				assert.Nil(current)
				return testDoc{Entries: map[string]int{"a": 1}}, nil
			},
		))
		doc := testDoc{}
		found, err := GetDocument(utCtxt, uut, key1, &doc)
		assert.Nil(err)
		assert.True(found)
		assert.Equal(1, doc.Entries["a"])
	}

	// Case 2: update sees the prior content
	{
		assert.Nil(UpdateDocument(
			utCtxt, uut, key1, func(current []byte) (interface{}, error) {
				assert.NotNil(current)
				return testDoc{Entries: map[string]int{"a": 2}}, nil
			},
		))
		doc := testDoc{}
		found, err := GetDocument(utCtxt, uut, key1, &doc)
		assert.Nil(err)
		assert.True(found)
		assert.Equal(2, doc.Entries["a"])
	}
}

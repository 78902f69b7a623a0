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

package auth

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/alwitt/httprelay/common"
	"github.com/alwitt/httprelay/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestTokenController(t *testing.T) {
	assert := assert.New(t)

	utCtxt := context.Background()
	store, err := storage.GetInMemoryKVStore(uuid.NewString())
	assert.Nil(err)
	uut, err := GetTokenController(store, common.AuthConfig{TokenLifetime: 3600}, "ut")
	assert.Nil(err)

	clock := time.Date(2022, 2, 1, 12, 0, 0, 0, time.UTC)
	uut.(*tokenControllerImpl).now = func() time.Time { return clock }

	// Case 0: resolving with no tokens stored
	{
		_, err := uut.ResolveToken(utCtxt, uuid.NewString())
		assert.Equal(ErrTokenUnknown, err)
	}

	// Case 1: issue then resolve
	token1, err := uut.IssueToken(utCtxt, "user-1")
	assert.Nil(err)
	assert.NotEmpty(token1.Token)
	assert.Equal("user-1", token1.UserID)
	assert.Equal(clock, token1.IssuedAt)
	assert.Equal(clock.Add(time.Hour), token1.ExpiresAt)
	{
		userID, err := uut.ResolveToken(utCtxt, token1.Token)
		assert.Nil(err)
		assert.Equal("user-1", userID)
	}

	// Case 2: tokens are per-user
	token2, err := uut.IssueToken(utCtxt, "user-2")
	assert.Nil(err)
	assert.NotEqual(token1.Token, token2.Token)
	{
		userID, err := uut.ResolveToken(utCtxt, token2.Token)
		assert.Nil(err)
		assert.Equal("user-2", userID)
	}

	// Case 3: re-issuing replaces the user's previous token
	{
		token3, err := uut.IssueToken(utCtxt, "user-1")
		assert.Nil(err)
		assert.NotEqual(token1.Token, token3.Token)
		_, err = uut.ResolveToken(utCtxt, token1.Token)
		assert.Equal(ErrTokenUnknown, err)
		userID, err := uut.ResolveToken(utCtxt, token3.Token)
		assert.Nil(err)
		assert.Equal("user-1", userID)
	}

	// Case 4: expiry is advisory, resolution still succeeds past it
	{
		token4, err := uut.IssueToken(utCtxt, "user-3")
		assert.Nil(err)
		clock = clock.Add(time.Hour * 2)
		userID, err := uut.ResolveToken(utCtxt, token4.Token)
		assert.Nil(err)
		assert.Equal("user-3", userID)
	}
}

func TestRequestIdentityResolver(t *testing.T) {
	assert := assert.New(t)

	utCtxt := context.Background()
	store, err := storage.GetInMemoryKVStore(uuid.NewString())
	assert.Nil(err)
	authConfig := common.AuthConfig{
		UserIDHeader: "Httprelay-User-ID", TokenLifetime: 3600,
	}
	tokens, err := GetTokenController(store, authConfig, "ut")
	assert.Nil(err)
	uut, err := GetRequestIdentityResolver(tokens, authConfig, "ut")
	assert.Nil(err)

	defineRequest := func(mutate func(r *http.Request)) *http.Request {
		req, err := http.NewRequestWithContext(
			utCtxt, http.MethodGet, "http://unit-test/v1/realtime/status", nil,
		)
		assert.Nil(err)
		mutate(req)
		return req
	}

	// Case 0: anonymous request
	{
		_, err := uut.ResolveCaller(defineRequest(func(r *http.Request) {}))
		assert.Equal(ErrUnauthorized, err)
	}

	// Case 1: trusted header
	{
		caller, err := uut.ResolveCaller(defineRequest(func(r *http.Request) {
			r.Header.Set("Httprelay-User-ID", "user-1")
		}))
		assert.Nil(err)
		assert.Equal("user-1", caller.UserID)
	}

	// Case 2: valid bearer token
	issued, err := tokens.IssueToken(utCtxt, "user-2")
	assert.Nil(err)
	{
		caller, err := uut.ResolveCaller(defineRequest(func(r *http.Request) {
			r.Header.Set("Authorization", fmt.Sprintf("Bearer %s", issued.Token))
		}))
		assert.Nil(err)
		assert.Equal("user-2", caller.UserID)
	}

	// Case 3: unknown bearer token is rejected, header does not rescue it
	{
		_, err := uut.ResolveCaller(defineRequest(func(r *http.Request) {
			r.Header.Set("Authorization", fmt.Sprintf("Bearer %s", uuid.NewString()))
			r.Header.Set("Httprelay-User-ID", "user-1")
		}))
		assert.Equal(ErrUnauthorized, err)
	}

	// Case 4: non-bearer authorization falls through to the header
	{
		caller, err := uut.ResolveCaller(defineRequest(func(r *http.Request) {
			r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
			r.Header.Set("Httprelay-User-ID", "user-3")
		}))
		assert.Nil(err)
		assert.Equal("user-3", caller.UserID)
	}
}

func TestStaticCapabilityChecker(t *testing.T) {
	assert := assert.New(t)

	utCtxt := context.Background()
	uut, err := GetStaticCapabilityChecker(common.AuthConfig{
		AdminUsers: []string{"admin-1", "admin-2"},
	})
	assert.Nil(err)

	// Case 0: listed admins
	assert.True(uut.HasElevatedCapability(utCtxt, "admin-1"))
	assert.True(uut.HasElevatedCapability(utCtxt, "admin-2"))

	// Case 1: everyone else
	assert.False(uut.HasElevatedCapability(utCtxt, "user-1"))
	assert.False(uut.HasElevatedCapability(utCtxt, ""))

	// Case 2: empty admin list
	empty, err := GetStaticCapabilityChecker(common.AuthConfig{})
	assert.Nil(err)
	assert.False(empty.HasElevatedCapability(utCtxt, "admin-1"))
}

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
	"encoding/json"
	"fmt"
	"time"

	"github.com/alwitt/httprelay/common"
	"github.com/alwitt/httprelay/storage"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// keyTokens store document key owned by the token controller
const keyTokens = "tokens"

// ErrTokenUnknown returned when a bearer token resolves to no user
var ErrTokenUnknown = fmt.Errorf("unknown bearer token")

// BearerToken an opaque credential substitutable for session based identity
type BearerToken struct {
	// Token is the opaque credential value
	Token string `json:"token"`
	// UserID is the user the token stands in for
	UserID string `json:"user_id"`
	// IssuedAt is the token issue timestamp
	IssuedAt time.Time `json:"issued_at"`
	// ExpiresAt is the nominal expiry timestamp.
	//
	// Advisory only; resolution does not reject a token past this time.
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenController issue and resolve bearer tokens.
//
// Tokens are stored server-side keyed by user ID; issuing a new token for a
// user replaces the previous one.
type TokenController interface {
	// IssueToken generate a bearer token for a user
	IssueToken(ctxt context.Context, userID string) (BearerToken, error)
	// ResolveToken map a bearer token back to its user ID
	ResolveToken(ctxt context.Context, token string) (string, error)
}

// tokenControllerImpl implements TokenController over a KVStore
type tokenControllerImpl struct {
	common.Component
	store    storage.KVStore
	lifetime time.Duration
	now      func() time.Time
}

// GetTokenController define TokenController
func GetTokenController(
	store storage.KVStore, config common.AuthConfig, instance string,
) (TokenController, error) {
	logTags := log.Fields{
		"module":    "auth",
		"component": "tokens",
		"instance":  instance,
	}
	return &tokenControllerImpl{
		Component: common.Component{LogTags: logTags},
		store:     store,
		lifetime:  time.Second * time.Duration(config.TokenLifetime),
		now:       time.Now,
	}, nil
}

// IssueToken generate a bearer token for a user
func (t *tokenControllerImpl) IssueToken(
	ctxt context.Context, userID string,
) (BearerToken, error) {
	timestamp := t.now()
	token := BearerToken{
		Token:     uuid.New().String(),
		UserID:    userID,
		IssuedAt:  timestamp,
		ExpiresAt: timestamp.Add(t.lifetime),
	}
	err := storage.UpdateDocument(
		ctxt, t.store, keyTokens, func(current []byte) (interface{}, error) {
			tokens := map[string]BearerToken{}
			if current != nil {
				if err := json.Unmarshal(current, &tokens); err != nil {
					return nil, err
				}
			}
			tokens[userID] = token
			return tokens, nil
		},
	)
	if err != nil {
		return BearerToken{}, err
	}
	log.WithFields(t.LogTags).Debugf("Issued token for user %s", userID)
	return token, nil
}

// ResolveToken map a bearer token back to its user ID
func (t *tokenControllerImpl) ResolveToken(ctxt context.Context, token string) (string, error) {
	tokens := map[string]BearerToken{}
	if _, err := storage.GetDocument(ctxt, t.store, keyTokens, &tokens); err != nil {
		return "", err
	}
	for userID, stored := range tokens {
		if stored.Token == token {
			return userID, nil
		}
	}
	return "", ErrTokenUnknown
}

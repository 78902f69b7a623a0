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
	"strings"

	"github.com/alwitt/httprelay/common"
	"github.com/apex/log"
)

// ErrUnauthorized returned when no caller identity can be established
var ErrUnauthorized = fmt.Errorf("caller identity unknown")

// UserIdentity the resolved caller of a request
type UserIdentity struct {
	// UserID is the caller's stable user ID
	UserID string `json:"user_id"`
}

// IdentityResolver establish the caller identity of an HTTP request
type IdentityResolver interface {
	// ResolveCaller derive the caller identity from request credentials.
	//
	// Fails with ErrUnauthorized for anonymous callers.
	ResolveCaller(r *http.Request) (UserIdentity, error)
}

// CapabilityChecker report whether a user holds elevated capability
type CapabilityChecker interface {
	HasElevatedCapability(ctxt context.Context, userID string) bool
}

// requestIdentityResolver resolves identity from a bearer token, falling
// back to a trusted user ID header set by an upstream authenticating proxy
type requestIdentityResolver struct {
	common.Component
	tokens       TokenController
	userIDHeader string
}

// GetRequestIdentityResolver define IdentityResolver
func GetRequestIdentityResolver(
	tokens TokenController, config common.AuthConfig, instance string,
) (IdentityResolver, error) {
	logTags := log.Fields{
		"module":    "auth",
		"component": "identity",
		"instance":  instance,
	}
	return &requestIdentityResolver{
		Component:    common.Component{LogTags: logTags},
		tokens:       tokens,
		userIDHeader: config.UserIDHeader,
	}, nil
}

// ResolveCaller derive the caller identity from request credentials
func (i *requestIdentityResolver) ResolveCaller(r *http.Request) (UserIdentity, error) {
	authorization := r.Header.Get("Authorization")
	if strings.HasPrefix(authorization, "Bearer ") {
		token := strings.TrimPrefix(authorization, "Bearer ")
		userID, err := i.tokens.ResolveToken(r.Context(), token)
		if err != nil {
			if err != ErrTokenUnknown {
				return UserIdentity{}, err
			}
			log.WithFields(i.LogTags).Debug("Presented bearer token is unknown")
			return UserIdentity{}, ErrUnauthorized
		}
		return UserIdentity{UserID: userID}, nil
	}

	if userID := r.Header.Get(i.userIDHeader); userID != "" {
		return UserIdentity{UserID: userID}, nil
	}
	return UserIdentity{}, ErrUnauthorized
}

// staticCapabilityChecker capability check against a fixed admin user list
type staticCapabilityChecker struct {
	admins map[string]bool
}

// GetStaticCapabilityChecker define CapabilityChecker from config
func GetStaticCapabilityChecker(config common.AuthConfig) (CapabilityChecker, error) {
	admins := make(map[string]bool)
	for _, userID := range config.AdminUsers {
		admins[userID] = true
	}
	return &staticCapabilityChecker{admins: admins}, nil
}

// HasElevatedCapability report whether a user holds elevated capability
func (c *staticCapabilityChecker) HasElevatedCapability(
	ctxt context.Context, userID string,
) bool {
	return c.admins[userID]
}

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

package polling

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alwitt/httprelay/common"
	"github.com/alwitt/httprelay/relay"
	"github.com/alwitt/httprelay/storage"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// keySessions store document key owned by the session controller
const keySessions = "polling_sessions"

// ErrSessionNotFound returned when a session is unknown or was reaped
var ErrSessionNotFound = fmt.Errorf("session not found")

// ErrSessionCapacity returned when the concurrent session cap is reached
// and idle cleanup could not free room
var ErrSessionCapacity = fmt.Errorf("session capacity exceeded")

// Session one client's polling identity
type Session struct {
	// ID is the session's unique ID
	ID string `json:"id"`
	// UserID is the owning user
	UserID string `json:"user_id"`
	// Channels is the session's subscribed channel set. Replaced wholesale
	// on each update.
	Channels []string `json:"channels"`
	// CreatedAt is the session creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// LastActivity is the timestamp of the session's most recent poll or update
	LastActivity time.Time `json:"last_activity"`
	// RequestCount is the cumulative number of requests served for the session
	RequestCount int64 `json:"request_count"`
	// ClientIP diagnostic only
	ClientIP string `json:"client_ip,omitempty"`
	// UserAgent diagnostic only
	UserAgent string `json:"user_agent,omitempty"`
}

// ClientInfo diagnostic metadata captured at session creation
type ClientInfo struct {
	IP        string
	UserAgent string
}

// SessionMessages aggregated poll result across a session's channel set
type SessionMessages struct {
	// Messages is the merged message list, each entry tagged with its source
	// channel, ordered by receipt timestamp ascending
	Messages []relay.Message `json:"messages"`
	// Channels is the session's channel set at poll time
	Channels []string `json:"channels"`
	// Timestamp is when the poll was served
	Timestamp time.Time `json:"timestamp"`
}

// SessionStatistics aggregate counters across all sessions
type SessionStatistics struct {
	// TotalSessions is the number of stored sessions
	TotalSessions int `json:"total_sessions"`
	// ActiveSessions is the number of stored sessions not yet expired
	ActiveSessions int `json:"active_sessions"`
	// TotalRequests is the cumulative request count across sessions
	TotalRequests int64 `json:"total_requests"`
	// AvgRequestsPerSession is TotalRequests / TotalSessions
	AvgRequestsPerSession float64 `json:"avg_requests_per_session"`
}

// SessionController manage polling session lifecycle.
//
// Expiry is evaluated lazily on access; an expired session is removed the
// next time something asks about it, not by a background timer.
type SessionController interface {
	// CreateSession allocate a polling session for a user.
	//
	// A user holds at most one session: when one already exists its channel
	// set is replaced and the existing ID returned. When the concurrent
	// session cap is reached, idle cleanup runs first; if still at cap the
	// call fails with ErrSessionCapacity.
	CreateSession(
		ctxt context.Context, userID string, channels []string, client ClientInfo,
	) (string, error)
	// UpdateSession replace a session's channel set.
	//
	// Leaves LastActivity alone: the activity timestamp doubles as the poll
	// baseline, and a channel-set swap must not skip messages pending since
	// the previous poll.
	UpdateSession(ctxt context.Context, sessionID string, channels []string) error
	// IsValid check whether a session exists and is not expired.
	//
	// An expired session is reaped as part of the check.
	IsValid(ctxt context.Context, sessionID string) (bool, error)
	// GetSessionMessages aggregate new messages across the session's channel
	// set, tagged per source channel and merged by receipt timestamp.
	//
	// Refreshes session activity. Fails with ErrSessionNotFound when the
	// session is unknown or expired.
	GetSessionMessages(ctxt context.Context, sessionID string) (SessionMessages, error)
	// RemoveSession remove a session by ID
	RemoveSession(ctxt context.Context, sessionID string) error
	// RemoveUserSession remove a user's session if one exists
	RemoveUserSession(ctxt context.Context, userID string) error
	// CleanupIdle remove sessions idle past the idle timeout
	CleanupIdle(ctxt context.Context) ([]string, error)
	// ForceCleanup remove idle sessions plus any session past the max
	// duration regardless of idleness
	ForceCleanup(ctxt context.Context) (int, error)
	// GetStatistics report aggregate session counters
	GetStatistics(ctxt context.Context) (SessionStatistics, error)
}

// sessionControllerImpl implements SessionController over a KVStore
type sessionControllerImpl struct {
	common.Component
	store       storage.KVStore
	channels    relay.ChannelController
	idleTimeout time.Duration
	maxDuration time.Duration
	maxSessions int
	now         func() time.Time
}

// GetSessionController define SessionController
func GetSessionController(
	store storage.KVStore,
	channels relay.ChannelController,
	config common.SessionConfig,
	instance string,
) (SessionController, error) {
	logTags := log.Fields{
		"module":    "polling",
		"component": "sessions",
		"instance":  instance,
	}
	return &sessionControllerImpl{
		Component:   common.Component{LogTags: logTags},
		store:       store,
		channels:    channels,
		idleTimeout: time.Second * time.Duration(config.IdleTimeout),
		maxDuration: time.Second * time.Duration(config.MaxDuration),
		maxSessions: config.MaxSessions,
		now:         time.Now,
	}, nil
}

// isExpired pure expiry check against a reference time
func (s *sessionControllerImpl) isExpired(session Session, at time.Time) bool {
	if at.Sub(session.CreatedAt) > s.maxDuration {
		return true
	}
	return at.Sub(session.LastActivity) > s.idleTimeout
}

// reap remove a session by ID
func (s *sessionControllerImpl) reap(ctxt context.Context, sessionID string) error {
	return s.updateSessions(ctxt, func(sessions map[string]Session) error {
		delete(sessions, sessionID)
		return nil
	})
}

// readSessions load the session document
func (s *sessionControllerImpl) readSessions(ctxt context.Context) (map[string]Session, error) {
	sessions := map[string]Session{}
	if _, err := storage.GetDocument(ctxt, s.store, keySessions, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// updateSessions atomically rewrite the session document
func (s *sessionControllerImpl) updateSessions(
	ctxt context.Context, mutate func(sessions map[string]Session) error,
) error {
	return storage.UpdateDocument(
		ctxt, s.store, keySessions, func(current []byte) (interface{}, error) {
			sessions := map[string]Session{}
			if current != nil {
				if err := json.Unmarshal(current, &sessions); err != nil {
					return nil, err
				}
			}
			if err := mutate(sessions); err != nil {
				return nil, err
			}
			return sessions, nil
		},
	)
}

// CreateSession allocate a polling session for a user
func (s *sessionControllerImpl) CreateSession(
	ctxt context.Context, userID string, channels []string, client ClientInfo,
) (string, error) {
	timestamp := s.now()
	sessionID := ""
	err := s.updateSessions(ctxt, func(sessions map[string]Session) error {
		// Reuse the user's existing session; polling clients re-issue the
		// create call on every page load
		for id, session := range sessions {
			if session.UserID == userID {
				session.Channels = channels
				session.LastActivity = timestamp
				session.RequestCount++
				session.ClientIP = client.IP
				session.UserAgent = client.UserAgent
				sessions[id] = session
				sessionID = id
				return nil
			}
		}

		if len(sessions) >= s.maxSessions {
			idleCutoff := timestamp.Add(-s.idleTimeout)
			for id, session := range sessions {
				if !session.LastActivity.After(idleCutoff) {
					delete(sessions, id)
				}
			}
			if len(sessions) >= s.maxSessions {
				return ErrSessionCapacity
			}
		}

		newID := uuid.New().String()
		for {
			if _, taken := sessions[newID]; !taken {
				break
			}
			newID = uuid.New().String()
		}
		sessions[newID] = Session{
			ID:           newID,
			UserID:       userID,
			Channels:     channels,
			CreatedAt:    timestamp,
			LastActivity: timestamp,
			RequestCount: 0,
			ClientIP:     client.IP,
			UserAgent:    client.UserAgent,
		}
		sessionID = newID
		return nil
	})
	if err != nil {
		return "", err
	}
	log.WithFields(s.LogTags).Debugf("Session %s active for user %s", sessionID, userID)
	return sessionID, nil
}

// UpdateSession replace a session's channel set
func (s *sessionControllerImpl) UpdateSession(
	ctxt context.Context, sessionID string, channels []string,
) error {
	return s.updateSessions(ctxt, func(sessions map[string]Session) error {
		session, ok := sessions[sessionID]
		if !ok {
			return ErrSessionNotFound
		}
		session.Channels = channels
		session.RequestCount++
		sessions[sessionID] = session
		return nil
	})
}

// IsValid check whether a session exists and is not expired
func (s *sessionControllerImpl) IsValid(ctxt context.Context, sessionID string) (bool, error) {
	sessions, err := s.readSessions(ctxt)
	if err != nil {
		return false, err
	}
	session, ok := sessions[sessionID]
	if !ok {
		return false, nil
	}
	if s.isExpired(session, s.now()) {
		if err := s.reap(ctxt, sessionID); err != nil {
			return false, err
		}
		log.WithFields(s.LogTags).Debugf("Reaped expired session %s", sessionID)
		return false, nil
	}
	return true, nil
}

// GetSessionMessages aggregate new messages across the session's channel set
func (s *sessionControllerImpl) GetSessionMessages(
	ctxt context.Context, sessionID string,
) (SessionMessages, error) {
	sessions, err := s.readSessions(ctxt)
	if err != nil {
		return SessionMessages{}, err
	}
	session, ok := sessions[sessionID]
	if !ok {
		return SessionMessages{}, ErrSessionNotFound
	}
	timestamp := s.now()
	if s.isExpired(session, timestamp) {
		if err := s.reap(ctxt, sessionID); err != nil {
			return SessionMessages{}, err
		}
		log.WithFields(s.LogTags).Debugf("Reaped expired session %s", sessionID)
		return SessionMessages{}, ErrSessionNotFound
	}

	since := session.LastActivity
	groups := make([][]relay.Message, 0, len(session.Channels))
	for _, channel := range session.Channels {
		msgs, err := s.channels.GetMessages(ctxt, channel, &since)
		if err != nil {
			if err == relay.ErrInvalidChannelName {
				continue
			}
			return SessionMessages{}, err
		}
		for idx := range msgs {
			msgs[idx].Channel = channel
		}
		groups = append(groups, msgs)
	}
	merged := relay.MergeByReceiptTime(groups...)

	if err := s.updateSessions(ctxt, func(sessions map[string]Session) error {
		session, ok := sessions[sessionID]
		if !ok {
			return ErrSessionNotFound
		}
		session.LastActivity = timestamp
		session.RequestCount++
		sessions[sessionID] = session
		return nil
	}); err != nil {
		return SessionMessages{}, err
	}

	return SessionMessages{
		Messages:  merged,
		Channels:  session.Channels,
		Timestamp: timestamp,
	}, nil
}

// RemoveSession remove a session by ID
func (s *sessionControllerImpl) RemoveSession(ctxt context.Context, sessionID string) error {
	return s.updateSessions(ctxt, func(sessions map[string]Session) error {
		if _, ok := sessions[sessionID]; !ok {
			return ErrSessionNotFound
		}
		delete(sessions, sessionID)
		return nil
	})
}

// RemoveUserSession remove a user's session if one exists
func (s *sessionControllerImpl) RemoveUserSession(ctxt context.Context, userID string) error {
	return s.updateSessions(ctxt, func(sessions map[string]Session) error {
		for id, session := range sessions {
			if session.UserID == userID {
				delete(sessions, id)
			}
		}
		return nil
	})
}

// CleanupIdle remove sessions idle past the idle timeout
func (s *sessionControllerImpl) CleanupIdle(ctxt context.Context) ([]string, error) {
	idleCutoff := s.now().Add(-s.idleTimeout)
	removed := []string{}
	err := s.updateSessions(ctxt, func(sessions map[string]Session) error {
		removed = removed[:0]
		for id, session := range sessions {
			if !session.LastActivity.After(idleCutoff) {
				delete(sessions, id)
				removed = append(removed, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(removed) > 0 {
		log.WithFields(s.LogTags).Infof("Removed %d idle sessions", len(removed))
	}
	return removed, nil
}

// ForceCleanup remove idle sessions plus any session past the max duration
func (s *sessionControllerImpl) ForceCleanup(ctxt context.Context) (int, error) {
	timestamp := s.now()
	removed := 0
	err := s.updateSessions(ctxt, func(sessions map[string]Session) error {
		removed = 0
		for id, session := range sessions {
			if s.isExpired(session, timestamp) {
				delete(sessions, id)
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		log.WithFields(s.LogTags).Infof("Removed %d expired sessions", removed)
	}
	return removed, nil
}

// GetStatistics report aggregate session counters
func (s *sessionControllerImpl) GetStatistics(ctxt context.Context) (SessionStatistics, error) {
	sessions, err := s.readSessions(ctxt)
	if err != nil {
		return SessionStatistics{}, err
	}
	timestamp := s.now()
	stats := SessionStatistics{TotalSessions: len(sessions)}
	for _, session := range sessions {
		stats.TotalRequests += session.RequestCount
		if !s.isExpired(session, timestamp) {
			stats.ActiveSessions++
		}
	}
	if stats.TotalSessions > 0 {
		stats.AvgRequestsPerSession =
			float64(stats.TotalRequests) / float64(stats.TotalSessions)
	}
	return stats, nil
}

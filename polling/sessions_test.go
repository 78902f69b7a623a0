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
	"testing"
	"time"

	"github.com/alwitt/httprelay/common"
	"github.com/alwitt/httprelay/relay"
	"github.com/alwitt/httprelay/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// testChannelFeed canned message source implementing the ChannelController
// methods the session controller touches, on the fixture clock
type testChannelFeed struct {
	relay.ChannelController
	now      func() time.Time
	messages map[string][]relay.Message
}

func (f *testChannelFeed) publish(channel string, data string) relay.Message {
	msg := relay.Message{
		ID:         uuid.NewString(),
		Type:       relay.DefaultMessageType,
		Data:       json.RawMessage(data),
		UserID:     "publisher",
		ReceivedAt: f.now(),
	}
	f.messages[channel] = append(f.messages[channel], msg)
	return msg
}

func (f *testChannelFeed) GetMessages(
	ctxt context.Context, channel string, since *time.Time,
) ([]relay.Message, error) {
	result := []relay.Message{}
	for _, msg := range f.messages[channel] {
		if since == nil || msg.ReceivedAt.After(*since) {
			result = append(result, msg)
		}
	}
	return result, nil
}

// testSessionFixture session controller plus its collaborators, sharing one
// injected clock
type testSessionFixture struct {
	uut      *sessionControllerImpl
	channels *testChannelFeed
	clock    *time.Time
}

func defineTestSessionFixture(
	t *testing.T, config common.SessionConfig,
) *testSessionFixture {
	store, err := storage.GetInMemoryKVStore(uuid.NewString())
	assert.Nil(t, err)

	clock := time.Date(2022, 2, 1, 12, 0, 0, 0, time.UTC)
	fixture := &testSessionFixture{clock: &clock}
	fixture.channels = &testChannelFeed{
		now:      func() time.Time { return *fixture.clock },
		messages: map[string][]relay.Message{},
	}

	uut, err := GetSessionController(store, fixture.channels, config, "ut")
	assert.Nil(t, err)
	fixture.uut = uut.(*sessionControllerImpl)
	fixture.uut.now = func() time.Time { return *fixture.clock }
	return fixture
}

func (f *testSessionFixture) advance(delta time.Duration) {
	*f.clock = f.clock.Add(delta)
}

func TestSessionLifecycle(t *testing.T) {
	assert := assert.New(t)

	utCtxt := context.Background()
	fixture := defineTestSessionFixture(t, common.SessionConfig{
		IdleTimeout: 300, MaxDuration: 3600, MaxSessions: 1000, PollInterval: 5,
	})
	uut := fixture.uut

	// Case 0: create a session
	session1, err := uut.CreateSession(
		utCtxt, "user-1", []string{"alerts"}, ClientInfo{IP: "10.0.0.1", UserAgent: "ut"},
	)
	assert.Nil(err)
	assert.NotEmpty(session1)

	// Case 1: valid after creation
	{
		valid, err := uut.IsValid(utCtxt, session1)
		assert.Nil(err)
		assert.True(valid)
	}

	// Case 2: unknown session is invalid
	{
		valid, err := uut.IsValid(utCtxt, uuid.NewString())
		assert.Nil(err)
		assert.False(valid)
	}

	// Case 3: same user creating again reuses the session, new channel set,
	// refreshed client diagnostics
	{
		again, err := uut.CreateSession(
			utCtxt, "user-1", []string{"alerts", "status"},
			ClientInfo{IP: "10.0.0.2", UserAgent: "ut-2"},
		)
		assert.Nil(err)
		assert.Equal(session1, again)
		sessions, err := uut.readSessions(utCtxt)
		assert.Nil(err)
		assert.Equal([]string{"alerts", "status"}, sessions[session1].Channels)
		assert.Equal("10.0.0.2", sessions[session1].ClientIP)
		assert.Equal("ut-2", sessions[session1].UserAgent)
	}

	// Case 4: a different user gets a distinct session
	session2, err := uut.CreateSession(utCtxt, "user-2", []string{"alerts"}, ClientInfo{})
	assert.Nil(err)
	assert.NotEqual(session1, session2)

	// Case 5: update replaces the channel set without advancing the poll
	// baseline
	{
		before, err := uut.readSessions(utCtxt)
		assert.Nil(err)
		fixture.advance(time.Second * 10)
		assert.Nil(uut.UpdateSession(utCtxt, session2, []string{"status"}))
		sessions, err := uut.readSessions(utCtxt)
		assert.Nil(err)
		assert.Equal([]string{"status"}, sessions[session2].Channels)
		assert.Equal(before[session2].LastActivity, sessions[session2].LastActivity)
	}

	// Case 6: update of an unknown session fails
	assert.Equal(ErrSessionNotFound, uut.UpdateSession(utCtxt, uuid.NewString(), nil))

	// Case 7: remove by ID
	{
		assert.Nil(uut.RemoveSession(utCtxt, session2))
		valid, err := uut.IsValid(utCtxt, session2)
		assert.Nil(err)
		assert.False(valid)
		assert.Equal(ErrSessionNotFound, uut.RemoveSession(utCtxt, session2))
	}

	// Case 8: remove by user
	{
		assert.Nil(uut.RemoveUserSession(utCtxt, "user-1"))
		valid, err := uut.IsValid(utCtxt, session1)
		assert.Nil(err)
		assert.False(valid)
		// Unknown user is a no-op
		assert.Nil(uut.RemoveUserSession(utCtxt, "user-3"))
	}
}

func TestSessionExpiry(t *testing.T) {
	assert := assert.New(t)

	utCtxt := context.Background()
	fixture := defineTestSessionFixture(t, common.SessionConfig{
		IdleTimeout: 300, MaxDuration: 3600, MaxSessions: 1000, PollInterval: 5,
	})
	uut := fixture.uut

	// Case 0: idle past the timeout expires the session
	{
		session, err := uut.CreateSession(utCtxt, "user-1", []string{"alerts"}, ClientInfo{})
		assert.Nil(err)
		fixture.advance(time.Second * 301)
		valid, err := uut.IsValid(utCtxt, session)
		assert.Nil(err)
		assert.False(valid)
		// Reaped, not just reported invalid
		sessions, err := uut.readSessions(utCtxt)
		assert.Nil(err)
		assert.NotContains(sessions, session)
	}

	// Case 1: polling within the timeout keeps the session alive until the
	// max duration is hit
	{
		session, err := uut.CreateSession(utCtxt, "user-2", []string{"alerts"}, ClientInfo{})
		assert.Nil(err)
		for i := 0; i < 12; i++ {
			fixture.advance(time.Second * 299)
			_, err := uut.GetSessionMessages(utCtxt, session)
			assert.Nil(err)
		}
		// Total elapsed is 3588s, just under the max duration
		valid, err := uut.IsValid(utCtxt, session)
		assert.Nil(err)
		assert.True(valid)
		fixture.advance(time.Second * 20)
		_, err = uut.GetSessionMessages(utCtxt, session)
		assert.Equal(ErrSessionNotFound, err)
	}

	// Case 2: a short idle timeout reaps quickly
	{
		short := defineTestSessionFixture(t, common.SessionConfig{
			IdleTimeout: 1, MaxDuration: 3600, MaxSessions: 1000, PollInterval: 5,
		})
		session, err := short.uut.CreateSession(utCtxt, "user-1", nil, ClientInfo{})
		assert.Nil(err)
		short.advance(time.Second * 2)
		valid, err := short.uut.IsValid(utCtxt, session)
		assert.Nil(err)
		assert.False(valid)
	}
}

func TestSessionMessageAggregation(t *testing.T) {
	assert := assert.New(t)

	utCtxt := context.Background()
	fixture := defineTestSessionFixture(t, common.SessionConfig{
		IdleTimeout: 300, MaxDuration: 3600, MaxSessions: 1000, PollInterval: 5,
	})
	uut := fixture.uut

	session, err := uut.CreateSession(
		utCtxt, "user-1", []string{"chan-a", "chan-b"}, ClientInfo{},
	)
	assert.Nil(err)

	// Interleave publishes across the two channels
	publish := func(channel, text string) relay.Message {
		fixture.advance(time.Second)
		return fixture.channels.publish(channel, fmt.Sprintf(`{"text":%q}`, text))
	}
	msg1 := publish("chan-a", "first")
	msg2 := publish("chan-b", "second")
	msg3 := publish("chan-a", "third")

	// Case 0: poll merges both channels in receipt order, tagged by channel
	{
		fixture.advance(time.Second)
		result, err := uut.GetSessionMessages(utCtxt, session)
		assert.Nil(err)
		assert.Len(result.Messages, 3)
		assert.Equal(msg1.ID, result.Messages[0].ID)
		assert.Equal(msg2.ID, result.Messages[1].ID)
		assert.Equal(msg3.ID, result.Messages[2].ID)
		assert.Equal("chan-a", result.Messages[0].Channel)
		assert.Equal("chan-b", result.Messages[1].Channel)
		assert.Equal([]string{"chan-a", "chan-b"}, result.Channels)
		assert.Equal(*fixture.clock, result.Timestamp)
	}

	// Case 1: the poll consumed the backlog; next poll sees only newer messages
	{
		msg4 := publish("chan-b", "fourth")
		fixture.advance(time.Second)
		result, err := uut.GetSessionMessages(utCtxt, session)
		assert.Nil(err)
		assert.Len(result.Messages, 1)
		assert.Equal(msg4.ID, result.Messages[0].ID)
	}

	// Case 2: empty poll
	{
		fixture.advance(time.Second)
		result, err := uut.GetSessionMessages(utCtxt, session)
		assert.Nil(err)
		assert.Empty(result.Messages)
	}

	// Case 3: replacing the channel set just before a poll still delivers
	// messages pending on the new channels
	{
		msg5 := publish("chan-c", "fifth")
		assert.Nil(uut.UpdateSession(utCtxt, session, []string{"chan-c"}))
		fixture.advance(time.Second)
		result, err := uut.GetSessionMessages(utCtxt, session)
		assert.Nil(err)
		assert.Len(result.Messages, 1)
		assert.Equal(msg5.ID, result.Messages[0].ID)
		assert.Equal("chan-c", result.Messages[0].Channel)
		assert.Equal([]string{"chan-c"}, result.Channels)
	}

	// Case 4: unknown session
	{
		_, err := uut.GetSessionMessages(utCtxt, uuid.NewString())
		assert.Equal(ErrSessionNotFound, err)
	}

	// Case 5: expired session fails and is reaped
	{
		fixture.advance(time.Second * 301)
		_, err := uut.GetSessionMessages(utCtxt, session)
		assert.Equal(ErrSessionNotFound, err)
		sessions, err := uut.readSessions(utCtxt)
		assert.Nil(err)
		assert.NotContains(sessions, session)
	}
}

func TestSessionCapacity(t *testing.T) {
	assert := assert.New(t)

	utCtxt := context.Background()
	fixture := defineTestSessionFixture(t, common.SessionConfig{
		IdleTimeout: 300, MaxDuration: 3600, MaxSessions: 2, PollInterval: 5,
	})
	uut := fixture.uut

	_, err := uut.CreateSession(utCtxt, "user-1", nil, ClientInfo{})
	assert.Nil(err)
	fixture.advance(time.Second * 10)
	_, err = uut.CreateSession(utCtxt, "user-2", nil, ClientInfo{})
	assert.Nil(err)

	// Case 0: at cap with no idle sessions, creation fails
	{
		_, err := uut.CreateSession(utCtxt, "user-3", nil, ClientInfo{})
		assert.Equal(ErrSessionCapacity, err)
	}

	// Case 1: an existing user still reuses their session at cap
	{
		_, err := uut.CreateSession(utCtxt, "user-1", []string{"alerts"}, ClientInfo{})
		assert.Nil(err)
	}

	// Case 2: once a session goes idle, the cap frees up
	{
		fixture.advance(time.Second * 301)
		// Both existing sessions are now idle past the timeout, so inline
		// cleanup clears room
		session, err := uut.CreateSession(utCtxt, "user-3", nil, ClientInfo{})
		assert.Nil(err)
		assert.NotEmpty(session)
	}
}

func TestSessionCleanupPasses(t *testing.T) {
	assert := assert.New(t)

	utCtxt := context.Background()
	fixture := defineTestSessionFixture(t, common.SessionConfig{
		IdleTimeout: 300, MaxDuration: 3600, MaxSessions: 1000, PollInterval: 5,
	})
	uut := fixture.uut

	session1, err := uut.CreateSession(utCtxt, "user-1", nil, ClientInfo{})
	assert.Nil(err)
	fixture.advance(time.Second * 200)
	session2, err := uut.CreateSession(utCtxt, "user-2", nil, ClientInfo{})
	assert.Nil(err)

	// Case 0: only the idle session is removed
	{
		fixture.advance(time.Second * 150)
		removed, err := uut.CleanupIdle(utCtxt)
		assert.Nil(err)
		assert.Equal([]string{session1}, removed)
		valid, err := uut.IsValid(utCtxt, session2)
		assert.Nil(err)
		assert.True(valid)
	}

	// Case 1: force cleanup also applies the max duration
	{
		// Keep session2 never idle but running past the max duration
		for i := 0; i < 13; i++ {
			fixture.advance(time.Second * 250)
			_, err := uut.GetSessionMessages(utCtxt, session2)
			assert.Nil(err)
		}
		fixture.advance(time.Second * 250)
		removed, err := uut.CleanupIdle(utCtxt)
		assert.Nil(err)
		assert.Empty(removed)
		count, err := uut.ForceCleanup(utCtxt)
		assert.Nil(err)
		assert.Equal(1, count)
	}
}

func TestSessionStatistics(t *testing.T) {
	assert := assert.New(t)

	utCtxt := context.Background()
	fixture := defineTestSessionFixture(t, common.SessionConfig{
		IdleTimeout: 300, MaxDuration: 3600, MaxSessions: 1000, PollInterval: 5,
	})
	uut := fixture.uut

	// Case 0: empty store
	{
		stats, err := uut.GetStatistics(utCtxt)
		assert.Nil(err)
		assert.Equal(0, stats.TotalSessions)
		assert.Equal(float64(0), stats.AvgRequestsPerSession)
	}

	session1, err := uut.CreateSession(utCtxt, "user-1", nil, ClientInfo{})
	assert.Nil(err)
	_, err = uut.CreateSession(utCtxt, "user-2", nil, ClientInfo{})
	assert.Nil(err)
	for i := 0; i < 4; i++ {
		assert.Nil(uut.UpdateSession(utCtxt, session1, nil))
	}

	// Case 1: counters reflect the stored sessions
	{
		stats, err := uut.GetStatistics(utCtxt)
		assert.Nil(err)
		assert.Equal(2, stats.TotalSessions)
		assert.Equal(2, stats.ActiveSessions)
		assert.Equal(int64(4), stats.TotalRequests)
		assert.Equal(float64(2), stats.AvgRequestsPerSession)
	}

	// Case 2: expired sessions still count toward totals, not active
	{
		fixture.advance(time.Second * 301)
		stats, err := uut.GetStatistics(utCtxt)
		assert.Nil(err)
		assert.Equal(2, stats.TotalSessions)
		assert.Equal(0, stats.ActiveSessions)
	}
}

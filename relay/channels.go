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

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/alwitt/httprelay/common"
	"github.com/alwitt/httprelay/storage"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// Store document keys owned by the channel controller
const (
	keyChannels    = "channels"
	keySubscribers = "subscribers"
	keyMessages    = "messages"
	keyStatistics  = "statistics"
)

// DefaultMessageType message type tag applied when a publish carries none
const DefaultMessageType = "message"

// ErrInvalidChannelName returned when a channel name fails validation
var ErrInvalidChannelName = fmt.Errorf("invalid channel name")

// Message one message delivered through a channel
type Message struct {
	// ID is the server assigned unique message ID
	ID string `json:"id"`
	// Type is a free-form message type tag
	Type string `json:"type"`
	// Channel is the source channel. Only set when messages from multiple
	// channels are merged into one result.
	Channel string `json:"channel,omitempty"`
	// Data is the opaque message payload
	Data json.RawMessage `json:"data"`
	// UserID is the publishing user
	UserID string `json:"user_id"`
	// ReceivedAt is the server receipt timestamp
	ReceivedAt time.Time `json:"received_at"`
}

// ChannelInfo a channel's bookkeeping record
type ChannelInfo struct {
	// CreatedAt is the channel creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// LastActivity is the timestamp of the channel's most recent subscribe or publish
	LastActivity time.Time `json:"last_activity"`
	// MessageCount is the total number of messages ever published to the channel
	MessageCount int64 `json:"message_count"`
}

// ChannelStatistics aggregate counters across all channels
type ChannelStatistics struct {
	// TotalChannels is the number of known channels
	TotalChannels int `json:"total_channels"`
	// TotalSubscribers is the number of (channel, user) subscription pairs
	TotalSubscribers int `json:"total_subscribers"`
	// TotalMessages is the global count of messages ever published
	TotalMessages int64 `json:"total_messages"`
	// ActiveChannels is the number of channels active within the active window
	ActiveChannels int `json:"active_channels"`
}

// CleanupReport result of one maintenance pass
type CleanupReport struct {
	// ChannelsRemoved is the number of idle channels removed
	ChannelsRemoved int `json:"channels_removed"`
	// MessageGroupsRemoved is the number of per-channel message lists dropped
	MessageGroupsRemoved int `json:"message_groups_removed"`
}

// globalCounters store document holding cross-channel counters
type globalCounters struct {
	TotalMessages int64 `json:"total_messages"`
}

// ChannelController manage channel, subscriber, and message state
type ChannelController interface {
	// Subscribe add a user to a channel's subscriber set.
	//
	// Creates the channel record if absent. Idempotent.
	Subscribe(ctxt context.Context, channel, userID string) error
	// Unsubscribe remove a user from a channel's subscriber set.
	//
	// No-op success if the user was not subscribed.
	Unsubscribe(ctxt context.Context, channel, userID string) error
	// Publish append a message to a channel.
	//
	// Creates the channel record if absent. The channel retains only the
	// most recent messages up to the configured retention; older entries
	// are dropped. The stored message is returned with its server assigned
	// ID and receipt timestamp.
	Publish(ctxt context.Context, channel string, msg Message) (Message, error)
	// GetMessages fetch the most recent messages of a channel, oldest first.
	//
	// A non-nil since limits the result to messages received strictly after
	// that timestamp. At most the configured fetch limit is returned; a
	// larger burst between polls is lossy for the caller.
	GetMessages(ctxt context.Context, channel string, since *time.Time) ([]Message, error)
	// IsSubscribed check whether a user is subscribed to a channel
	IsSubscribed(ctxt context.Context, channel, userID string) (bool, error)
	// GetActiveChannels list channels with activity within the given window
	GetActiveChannels(ctxt context.Context, within time.Duration) (map[string]ChannelInfo, error)
	// Cleanup remove channels idle past maxAge, and messages older than the
	// cutoff within still-active channels
	Cleanup(ctxt context.Context, maxAge time.Duration) (CleanupReport, error)
	// GetStatistics report aggregate channel counters
	GetStatistics(ctxt context.Context) (ChannelStatistics, error)
}

// channelControllerImpl implements ChannelController over a KVStore
type channelControllerImpl struct {
	common.Component
	store        storage.KVStore
	retention    int
	fetchLimit   int
	activeWindow time.Duration
	now          func() time.Time
}

// GetChannelController define ChannelController
func GetChannelController(
	store storage.KVStore, config common.ChannelConfig, instance string,
) (ChannelController, error) {
	logTags := log.Fields{
		"module":    "relay",
		"component": "channels",
		"instance":  instance,
	}
	return &channelControllerImpl{
		Component:    common.Component{LogTags: logTags},
		store:        store,
		retention:    config.MessageRetention,
		fetchLimit:   config.PollFetchLimit,
		activeWindow: time.Minute * time.Duration(config.ActiveWindow),
		now:          time.Now,
	}, nil
}

// touchChannel create or refresh a channel record
func (c *channelControllerImpl) touchChannel(
	ctxt context.Context, channel string, at time.Time, newMessages int64,
) error {
	return storage.UpdateDocument(
		ctxt, c.store, keyChannels, func(current []byte) (interface{}, error) {
			channels := map[string]ChannelInfo{}
			if current != nil {
				if err := json.Unmarshal(current, &channels); err != nil {
					return nil, err
				}
			}
			info, ok := channels[channel]
			if !ok {
				info = ChannelInfo{CreatedAt: at}
			}
			info.LastActivity = at
			info.MessageCount += newMessages
			channels[channel] = info
			return channels, nil
		},
	)
}

// Subscribe add a user to a channel's subscriber set
func (c *channelControllerImpl) Subscribe(ctxt context.Context, channel, userID string) error {
	if err := common.ValidateChannelName(channel); err != nil {
		log.WithError(err).WithFields(c.LogTags).Debugf("Rejecting subscribe to %s", channel)
		return ErrInvalidChannelName
	}
	if err := c.touchChannel(ctxt, channel, c.now(), 0); err != nil {
		return err
	}
	return storage.UpdateDocument(
		ctxt, c.store, keySubscribers, func(current []byte) (interface{}, error) {
			subscribers := map[string][]string{}
			if current != nil {
				if err := json.Unmarshal(current, &subscribers); err != nil {
					return nil, err
				}
			}
			for _, existing := range subscribers[channel] {
				if existing == userID {
					// Already a member
					return subscribers, nil
				}
			}
			subscribers[channel] = append(subscribers[channel], userID)
			return subscribers, nil
		},
	)
}

// Unsubscribe remove a user from a channel's subscriber set
func (c *channelControllerImpl) Unsubscribe(ctxt context.Context, channel, userID string) error {
	if err := common.ValidateChannelName(channel); err != nil {
		return ErrInvalidChannelName
	}
	return storage.UpdateDocument(
		ctxt, c.store, keySubscribers, func(current []byte) (interface{}, error) {
			subscribers := map[string][]string{}
			if current != nil {
				if err := json.Unmarshal(current, &subscribers); err != nil {
					return nil, err
				}
			}
			members, ok := subscribers[channel]
			if !ok {
				return subscribers, nil
			}
			remaining := make([]string, 0, len(members))
			for _, member := range members {
				if member != userID {
					remaining = append(remaining, member)
				}
			}
			if len(remaining) == 0 {
				delete(subscribers, channel)
			} else {
				subscribers[channel] = remaining
			}
			return subscribers, nil
		},
	)
}

// Publish append a message to a channel
func (c *channelControllerImpl) Publish(
	ctxt context.Context, channel string, msg Message,
) (Message, error) {
	if err := common.ValidateChannelName(channel); err != nil {
		log.WithError(err).WithFields(c.LogTags).Debugf("Rejecting publish to %s", channel)
		return Message{}, ErrInvalidChannelName
	}

	msg.ID = uuid.New().String()
	msg.ReceivedAt = c.now()
	msg.Channel = ""
	if msg.Type == "" {
		msg.Type = DefaultMessageType
	}

	if err := c.touchChannel(ctxt, channel, msg.ReceivedAt, 1); err != nil {
		return Message{}, err
	}

	if err := storage.UpdateDocument(
		ctxt, c.store, keyMessages, func(current []byte) (interface{}, error) {
			messages := map[string][]Message{}
			if current != nil {
				if err := json.Unmarshal(current, &messages); err != nil {
					return nil, err
				}
			}
			appended := append(messages[channel], msg)
			if len(appended) > c.retention {
				appended = appended[len(appended)-c.retention:]
			}
			messages[channel] = appended
			return messages, nil
		},
	); err != nil {
		return Message{}, err
	}

	if err := storage.UpdateDocument(
		ctxt, c.store, keyStatistics, func(current []byte) (interface{}, error) {
			counters := globalCounters{}
			if current != nil {
				if err := json.Unmarshal(current, &counters); err != nil {
					return nil, err
				}
			}
			counters.TotalMessages++
			return counters, nil
		},
	); err != nil {
		return Message{}, err
	}

	log.WithFields(c.LogTags).Debugf("Published message %s on %s", msg.ID, channel)
	return msg, nil
}

// GetMessages fetch the most recent messages of a channel, oldest first
func (c *channelControllerImpl) GetMessages(
	ctxt context.Context, channel string, since *time.Time,
) ([]Message, error) {
	if err := common.ValidateChannelName(channel); err != nil {
		return nil, ErrInvalidChannelName
	}
	messages := map[string][]Message{}
	if _, err := storage.GetDocument(ctxt, c.store, keyMessages, &messages); err != nil {
		return nil, err
	}
	stored := messages[channel]
	filtered := stored
	if since != nil {
		filtered = make([]Message, 0, len(stored))
		for _, msg := range stored {
			if msg.ReceivedAt.After(*since) {
				filtered = append(filtered, msg)
			}
		}
	}
	if len(filtered) > c.fetchLimit {
		filtered = filtered[len(filtered)-c.fetchLimit:]
	}
	result := make([]Message, len(filtered))
	copy(result, filtered)
	return result, nil
}

// IsSubscribed check whether a user is subscribed to a channel
func (c *channelControllerImpl) IsSubscribed(
	ctxt context.Context, channel, userID string,
) (bool, error) {
	subscribers := map[string][]string{}
	if _, err := storage.GetDocument(ctxt, c.store, keySubscribers, &subscribers); err != nil {
		return false, err
	}
	for _, member := range subscribers[channel] {
		if member == userID {
			return true, nil
		}
	}
	return false, nil
}

// GetActiveChannels list channels with activity within the given window
func (c *channelControllerImpl) GetActiveChannels(
	ctxt context.Context, within time.Duration,
) (map[string]ChannelInfo, error) {
	channels := map[string]ChannelInfo{}
	if _, err := storage.GetDocument(ctxt, c.store, keyChannels, &channels); err != nil {
		return nil, err
	}
	cutoff := c.now().Add(-within)
	active := map[string]ChannelInfo{}
	for name, info := range channels {
		if info.LastActivity.After(cutoff) {
			active[name] = info
		}
	}
	return active, nil
}

// Cleanup remove idle channels and stale messages
func (c *channelControllerImpl) Cleanup(
	ctxt context.Context, maxAge time.Duration,
) (CleanupReport, error) {
	cutoff := c.now().Add(-maxAge)
	report := CleanupReport{}
	removed := map[string]bool{}

	if err := storage.UpdateDocument(
		ctxt, c.store, keyChannels, func(current []byte) (interface{}, error) {
			// Reset in case the backend reran the callback
			report.ChannelsRemoved = 0
			removed = map[string]bool{}
			channels := map[string]ChannelInfo{}
			if current != nil {
				if err := json.Unmarshal(current, &channels); err != nil {
					return nil, err
				}
			}
			for name, info := range channels {
				if !info.LastActivity.After(cutoff) {
					delete(channels, name)
					removed[name] = true
					report.ChannelsRemoved++
				}
			}
			return channels, nil
		},
	); err != nil {
		return CleanupReport{}, err
	}

	if err := storage.UpdateDocument(
		ctxt, c.store, keyMessages, func(current []byte) (interface{}, error) {
			report.MessageGroupsRemoved = 0
			messages := map[string][]Message{}
			if current != nil {
				if err := json.Unmarshal(current, &messages); err != nil {
					return nil, err
				}
			}
			for channel, stored := range messages {
				if removed[channel] {
					delete(messages, channel)
					report.MessageGroupsRemoved++
					continue
				}
				kept := make([]Message, 0, len(stored))
				for _, msg := range stored {
					if msg.ReceivedAt.After(cutoff) {
						kept = append(kept, msg)
					}
				}
				messages[channel] = kept
			}
			return messages, nil
		},
	); err != nil {
		return CleanupReport{}, err
	}

	if err := storage.UpdateDocument(
		ctxt, c.store, keySubscribers, func(current []byte) (interface{}, error) {
			subscribers := map[string][]string{}
			if current != nil {
				if err := json.Unmarshal(current, &subscribers); err != nil {
					return nil, err
				}
			}
			for channel := range subscribers {
				if removed[channel] {
					delete(subscribers, channel)
				}
			}
			return subscribers, nil
		},
	); err != nil {
		return CleanupReport{}, err
	}

	if report.ChannelsRemoved > 0 {
		log.WithFields(c.LogTags).Infof(
			"Cleanup removed %d channels, %d message groups",
			report.ChannelsRemoved,
			report.MessageGroupsRemoved,
		)
	}
	return report, nil
}

// GetStatistics report aggregate channel counters
func (c *channelControllerImpl) GetStatistics(ctxt context.Context) (ChannelStatistics, error) {
	channels := map[string]ChannelInfo{}
	if _, err := storage.GetDocument(ctxt, c.store, keyChannels, &channels); err != nil {
		return ChannelStatistics{}, err
	}
	subscribers := map[string][]string{}
	if _, err := storage.GetDocument(ctxt, c.store, keySubscribers, &subscribers); err != nil {
		return ChannelStatistics{}, err
	}
	counters := globalCounters{}
	if _, err := storage.GetDocument(ctxt, c.store, keyStatistics, &counters); err != nil {
		return ChannelStatistics{}, err
	}

	stats := ChannelStatistics{
		TotalChannels: len(channels),
		TotalMessages: counters.TotalMessages,
	}
	for _, members := range subscribers {
		stats.TotalSubscribers += len(members)
	}
	cutoff := c.now().Add(-c.activeWindow)
	for _, info := range channels {
		if info.LastActivity.After(cutoff) {
			stats.ActiveChannels++
		}
	}
	return stats, nil
}

// MergeByReceiptTime merge messages from multiple channels into one list
// ordered by receipt timestamp ascending
func MergeByReceiptTime(groups ...[]Message) []Message {
	merged := []Message{}
	for _, group := range groups {
		merged = append(merged, group...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].ReceivedAt.Before(merged[j].ReceivedAt)
	})
	return merged
}

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

package apis

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/httprelay/auth"
	"github.com/alwitt/httprelay/common"
	"github.com/alwitt/httprelay/polling"
	"github.com/alwitt/httprelay/relay"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// relayAPIType the relay transport type reported by the status end-point
const relayAPIType = "polling"

// APIRestRealTimeHandler REST handler for the real-time relay APIs
type APIRestRealTimeHandler struct {
	goutils.RestAPIHandler
	channels   relay.ChannelController
	sessions   polling.SessionController
	tokens     auth.TokenController
	identity   auth.IdentityResolver
	capability auth.CapabilityChecker
	config     common.SystemConfig
	validate   *validator.Validate
}

// GetAPIRestRealTimeHandler define APIRestRealTimeHandler
func GetAPIRestRealTimeHandler(
	channels relay.ChannelController,
	sessions polling.SessionController,
	tokens auth.TokenController,
	identity auth.IdentityResolver,
	capability auth.CapabilityChecker,
	config common.SystemConfig,
	httpConfig *common.HTTPConfig,
) (APIRestRealTimeHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "realtime-relay",
	}
	return APIRestRealTimeHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		channels:   channels,
		sessions:   sessions,
		tokens:     tokens,
		identity:   identity,
		capability: capability,
		config:     config,
		validate:   validator.New(),
	}, nil
}

// Write logging support
func (h APIRestRealTimeHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// resolveCaller establish the caller identity, or report why not
func (h APIRestRealTimeHandler) resolveCaller(r *http.Request) (auth.UserIdentity, error) {
	caller, err := h.identity.ResolveCaller(r)
	if err != nil {
		return auth.UserIdentity{}, err
	}
	return caller, nil
}

// userScopedChannel whether channel follows the caller's user-scoped
// channel naming convention
func userScopedChannel(channel, userID string) bool {
	return channel == fmt.Sprintf("user_%s", userID) ||
		channel == fmt.Sprintf("notifications_user_%s", userID)
}

// =======================================================================
// Channel subscription

// -----------------------------------------------------------------------

// APIRestReqChannel request naming a single channel
type APIRestReqChannel struct {
	// Channel is the target channel name
	Channel string `json:"channel" validate:"required"`
}

// APIRestRespSubscribe response for a channel subscribe
type APIRestRespSubscribe struct {
	goutils.RestAPIBaseResponse
	// Channel is the subscribed channel
	Channel string `json:"channel"`
	// SubscribedAt is when the subscription took effect
	SubscribedAt time.Time `json:"subscribed_at"`
}

// Subscribe godoc
// @Summary Subscribe to a channel
// @Description Subscribe the caller to a channel, creating the channel if new
// @tags Realtime
// @Accept json
// @Produce json
// @Param Httprelay-Request-ID header string false "User provided request ID to match against logs"
// @Param subscription body APIRestReqChannel true "Target channel"
// @Success 200 {object} APIRestRespSubscribe "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,401,500 {string} Httprelay-Request-ID "Request ID to match against logs"
// @Router /v1/realtime/subscribe [post]
func (h APIRestRealTimeHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	caller, err := h.resolveCaller(r)
	if err != nil {
		msg := "Caller not authenticated"
		log.WithError(err).WithFields(localLogTags).Info(msg)
		respCode = http.StatusUnauthorized
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, err.Error())
		return
	}

	var params APIRestReqChannel
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		msg := "Bad request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	if err := h.channels.Subscribe(r.Context(), params.Channel, caller.UserID); err != nil {
		if err == relay.ErrInvalidChannelName {
			msg := "Invalid channel name"
			log.WithError(err).WithFields(localLogTags).Info(msg)
			respCode = http.StatusBadRequest
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
			return
		}
		msg := fmt.Sprintf("Failed to subscribe to channel %s", params.Channel)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespSubscribe{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Channel:      params.Channel,
		SubscribedAt: time.Now(),
	}
}

// SubscribeHandler Wrapper around Subscribe
func (h APIRestRealTimeHandler) SubscribeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Subscribe(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespUnsubscribe response for a channel unsubscribe
type APIRestRespUnsubscribe struct {
	goutils.RestAPIBaseResponse
	// Channel is the unsubscribed channel
	Channel string `json:"channel"`
	// UnsubscribedAt is when the removal took effect
	UnsubscribedAt time.Time `json:"unsubscribed_at"`
}

// Unsubscribe godoc
// @Summary Unsubscribe from a channel
// @Description Remove the caller from a channel's subscriber set
// @tags Realtime
// @Accept json
// @Produce json
// @Param Httprelay-Request-ID header string false "User provided request ID to match against logs"
// @Param subscription body APIRestReqChannel true "Target channel"
// @Success 200 {object} APIRestRespUnsubscribe "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,401,500 {string} Httprelay-Request-ID "Request ID to match against logs"
// @Router /v1/realtime/unsubscribe [post]
func (h APIRestRealTimeHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	caller, err := h.resolveCaller(r)
	if err != nil {
		msg := "Caller not authenticated"
		log.WithError(err).WithFields(localLogTags).Info(msg)
		respCode = http.StatusUnauthorized
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, err.Error())
		return
	}

	var params APIRestReqChannel
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		msg := "Bad request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	if err := h.channels.Unsubscribe(r.Context(), params.Channel, caller.UserID); err != nil {
		if err == relay.ErrInvalidChannelName {
			msg := "Invalid channel name"
			log.WithError(err).WithFields(localLogTags).Info(msg)
			respCode = http.StatusBadRequest
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
			return
		}
		msg := fmt.Sprintf("Failed to unsubscribe from channel %s", params.Channel)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespUnsubscribe{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Channel:        params.Channel,
		UnsubscribedAt: time.Now(),
	}
}

// UnsubscribeHandler Wrapper around Unsubscribe
func (h APIRestRealTimeHandler) UnsubscribeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Unsubscribe(w, r)
	}
}

// =======================================================================
// Message fetch and publish

// -----------------------------------------------------------------------

// APIRestRespChannelMessages response for a channel message fetch
type APIRestRespChannelMessages struct {
	goutils.RestAPIBaseResponse
	// Channel is the fetched channel
	Channel string `json:"channel"`
	// Messages is the fetched message list, oldest first
	Messages []relay.Message `json:"messages"`
	// Timestamp is when the fetch was served
	Timestamp time.Time `json:"timestamp"`
}

// GetMessages godoc
// @Summary Fetch channel messages
// @Description Fetch the most recent messages of a channel the caller subscribes to.
// An optional RFC3339 'since' limits the result to messages received after that time.
// @tags Realtime
// @Produce json
// @Param Httprelay-Request-ID header string false "User provided request ID to match against logs"
// @Param channel query string true "Channel name"
// @Param since query string false "RFC3339 timestamp lower bound (exclusive)"
// @Success 200 {object} APIRestRespChannelMessages "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,401,403,500 {string} Httprelay-Request-ID "Request ID to match against logs"
// @Router /v1/realtime/messages [get]
func (h APIRestRealTimeHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	caller, err := h.resolveCaller(r)
	if err != nil {
		msg := "Caller not authenticated"
		log.WithError(err).WithFields(localLogTags).Info(msg)
		respCode = http.StatusUnauthorized
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, err.Error())
		return
	}

	channel := r.URL.Query().Get("channel")
	if channel == "" {
		msg := "No channel provided"
		log.WithFields(localLogTags).Info(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	var since *time.Time
	if sinceArg := r.URL.Query().Get("since"); sinceArg != "" {
		parsed, err := time.Parse(time.RFC3339Nano, sinceArg)
		if err != nil {
			msg := "Unable to parse 'since' timestamp"
			log.WithError(err).WithFields(localLogTags).Info(msg)
			respCode = http.StatusBadRequest
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
			return
		}
		since = &parsed
	}

	subscribed, err := h.channels.IsSubscribed(r.Context(), channel, caller.UserID)
	if err != nil {
		msg := fmt.Sprintf("Failed to check subscription on channel %s", channel)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	if !subscribed {
		msg := fmt.Sprintf("Caller not subscribed to channel %s", channel)
		log.WithFields(localLogTags).Info(msg)
		respCode = http.StatusForbidden
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusForbidden, msg, msg)
		return
	}

	messages, err := h.channels.GetMessages(r.Context(), channel, since)
	if err != nil {
		if err == relay.ErrInvalidChannelName {
			msg := "Invalid channel name"
			log.WithError(err).WithFields(localLogTags).Info(msg)
			respCode = http.StatusBadRequest
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
			return
		}
		msg := fmt.Sprintf("Failed to fetch messages of channel %s", channel)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespChannelMessages{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Channel:   channel,
		Messages:  messages,
		Timestamp: time.Now(),
	}
}

// GetMessagesHandler Wrapper around GetMessages
func (h APIRestRealTimeHandler) GetMessagesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetMessages(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestReqPublish message publish parameters
type APIRestReqPublish struct {
	// Channel is the target channel name
	Channel string `json:"channel" validate:"required"`
	// Data is the opaque message payload
	Data json.RawMessage `json:"data" validate:"required"`
	// Type is an optional message type tag
	Type string `json:"type,omitempty"`
}

// APIRestRespPublish response for a message publish
type APIRestRespPublish struct {
	goutils.RestAPIBaseResponse
	// Message is the stored message with server assigned fields
	Message relay.Message `json:"message"`
}

// Publish godoc
// @Summary Publish a message
// @Description Publish a message to a channel. The caller must hold elevated
// capability, own the user-scoped channel, or already subscribe to the channel.
// @tags Realtime
// @Accept json
// @Produce json
// @Param Httprelay-Request-ID header string false "User provided request ID to match against logs"
// @Param message body APIRestReqPublish true "Message parameters"
// @Success 200 {object} APIRestRespPublish "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,401,403,500 {string} Httprelay-Request-ID "Request ID to match against logs"
// @Router /v1/realtime/publish [post]
func (h APIRestRealTimeHandler) Publish(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	caller, err := h.resolveCaller(r)
	if err != nil {
		msg := "Caller not authenticated"
		log.WithError(err).WithFields(localLogTags).Info(msg)
		respCode = http.StatusUnauthorized
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, err.Error())
		return
	}

	var params APIRestReqPublish
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		msg := "Bad request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	permitted := h.capability.HasElevatedCapability(r.Context(), caller.UserID) ||
		userScopedChannel(params.Channel, caller.UserID)
	if !permitted {
		subscribed, err := h.channels.IsSubscribed(r.Context(), params.Channel, caller.UserID)
		if err != nil {
			msg := fmt.Sprintf("Failed to check subscription on channel %s", params.Channel)
			log.WithError(err).WithFields(localLogTags).Error(msg)
			respCode = http.StatusInternalServerError
			respBody = h.GetStdRESTErrorMsg(
				r.Context(), http.StatusInternalServerError, msg, err.Error(),
			)
			return
		}
		permitted = subscribed
	}
	if !permitted {
		msg := fmt.Sprintf("Caller not permitted to publish on channel %s", params.Channel)
		log.WithFields(localLogTags).Info(msg)
		respCode = http.StatusForbidden
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusForbidden, msg, msg)
		return
	}

	stored, err := h.channels.Publish(r.Context(), params.Channel, relay.Message{
		Type:   params.Type,
		Data:   params.Data,
		UserID: caller.UserID,
	})
	if err != nil {
		if err == relay.ErrInvalidChannelName {
			msg := "Invalid channel name"
			log.WithError(err).WithFields(localLogTags).Info(msg)
			respCode = http.StatusBadRequest
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
			return
		}
		msg := fmt.Sprintf("Failed to publish on channel %s", params.Channel)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespPublish{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Message: stored,
	}
}

// PublishHandler Wrapper around Publish
func (h APIRestRealTimeHandler) PublishHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Publish(w, r)
	}
}

// =======================================================================
// Polling sessions

// -----------------------------------------------------------------------

// APIRestReqSession session create or refresh parameters
type APIRestReqSession struct {
	// Channels is the session's channel set
	Channels []string `json:"channels" validate:"required,min=1"`
}

// APIRestRespSession response for a session create
type APIRestRespSession struct {
	goutils.RestAPIBaseResponse
	// SessionID handle to use on subsequent poll calls
	SessionID string `json:"session_id"`
	// Channels is the session's channel set
	Channels []string `json:"channels"`
	// PollInterval is the polling interval in seconds suggested to the client
	PollInterval int `json:"poll_interval_sec"`
}

// CreateSession godoc
// @Summary Create or refresh a polling session
// @Description Allocate a polling session for the caller. A repeated call
// updates the existing session's channel set and returns the same ID.
// @tags Realtime
// @Accept json
// @Produce json
// @Param Httprelay-Request-ID header string false "User provided request ID to match against logs"
// @Param session body APIRestReqSession true "Session parameters"
// @Success 200 {object} APIRestRespSession "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,401,500,503 {string} Httprelay-Request-ID "Request ID to match against logs"
// @Router /v1/realtime/session [post]
func (h APIRestRealTimeHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	caller, err := h.resolveCaller(r)
	if err != nil {
		msg := "Caller not authenticated"
		log.WithError(err).WithFields(localLogTags).Info(msg)
		respCode = http.StatusUnauthorized
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, err.Error())
		return
	}

	var params APIRestReqSession
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		msg := "Bad request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	sessionID, err := h.sessions.CreateSession(
		r.Context(), caller.UserID, params.Channels, polling.ClientInfo{
			IP:        r.RemoteAddr,
			UserAgent: r.UserAgent(),
		},
	)
	if err != nil {
		if err == polling.ErrSessionCapacity {
			msg := "Session capacity exceeded"
			log.WithError(err).WithFields(localLogTags).Warn(msg)
			respCode = http.StatusServiceUnavailable
			respBody = h.GetStdRESTErrorMsg(
				r.Context(), http.StatusServiceUnavailable, msg, err.Error(),
			)
			return
		}
		msg := "Failed to create polling session"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespSession{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		SessionID:    sessionID,
		Channels:     params.Channels,
		PollInterval: h.config.Sessions.PollInterval,
	}
}

// CreateSessionHandler Wrapper around CreateSession
func (h APIRestRealTimeHandler) CreateSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.CreateSession(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespPoll response for a session poll
type APIRestRespPoll struct {
	goutils.RestAPIBaseResponse
	// Messages is the merged list across the session's channel set, each
	// entry tagged with its source channel
	Messages []relay.Message `json:"messages"`
	// Channels is the session's channel set
	Channels []string `json:"channels"`
	// Timestamp is when the poll was served
	Timestamp time.Time `json:"timestamp"`
}

// Poll godoc
// @Summary Poll a session for new messages
// @Description Aggregate new messages across the session's channel set.
// An optional comma separated 'channels' replaces the session's channel set
// before aggregation. An unknown or expired session reports not found; the
// client should create a fresh session and continue polling.
// @tags Realtime
// @Produce json
// @Param Httprelay-Request-ID header string false "User provided request ID to match against logs"
// @Param session_id query string true "Polling session ID"
// @Param channels query string false "Comma separated replacement channel set"
// @Success 200 {object} APIRestRespPoll "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,401,404,500 {string} Httprelay-Request-ID "Request ID to match against logs"
// @Router /v1/realtime/poll [get]
func (h APIRestRealTimeHandler) Poll(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if _, err := h.resolveCaller(r); err != nil {
		msg := "Caller not authenticated"
		log.WithError(err).WithFields(localLogTags).Info(msg)
		respCode = http.StatusUnauthorized
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, err.Error())
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		msg := "No session ID provided"
		log.WithFields(localLogTags).Info(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	if channelsArg := r.URL.Query().Get("channels"); channelsArg != "" {
		channels := strings.Split(channelsArg, ",")
		if err := h.sessions.UpdateSession(r.Context(), sessionID, channels); err != nil {
			if err == polling.ErrSessionNotFound {
				msg := "Session unknown or expired"
				log.WithFields(localLogTags).Info(msg)
				respCode = http.StatusNotFound
				respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, msg)
				return
			}
			msg := "Failed to update session channels"
			log.WithError(err).WithFields(localLogTags).Error(msg)
			respCode = http.StatusInternalServerError
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
			return
		}
	}

	result, err := h.sessions.GetSessionMessages(r.Context(), sessionID)
	if err != nil {
		if err == polling.ErrSessionNotFound {
			msg := "Session unknown or expired"
			log.WithFields(localLogTags).Info(msg)
			respCode = http.StatusNotFound
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, msg)
			return
		}
		msg := "Failed to poll session"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespPoll{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Messages:  result.Messages,
		Channels:  result.Channels,
		Timestamp: result.Timestamp,
	}
}

// PollHandler Wrapper around Poll
func (h APIRestRealTimeHandler) PollHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Poll(w, r)
	}
}

// =======================================================================
// Tokens and status

// -----------------------------------------------------------------------

// APIRestRespToken response for a bearer token issue
type APIRestRespToken struct {
	goutils.RestAPIBaseResponse
	// Token is the opaque bearer credential
	Token string `json:"token"`
	// UserID is the user the token stands in for
	UserID string `json:"user_id"`
	// ExpiresAt is the nominal token expiry timestamp
	ExpiresAt time.Time `json:"expires_at"`
}

// IssueToken godoc
// @Summary Issue a bearer token
// @Description Generate a bearer credential usable in place of the trusted
// identity header on subsequent calls
// @tags Realtime
// @Produce json
// @Param Httprelay-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespToken "success"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,401,500 {string} Httprelay-Request-ID "Request ID to match against logs"
// @Router /v1/realtime/token [post]
func (h APIRestRealTimeHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	caller, err := h.resolveCaller(r)
	if err != nil {
		msg := "Caller not authenticated"
		log.WithError(err).WithFields(localLogTags).Info(msg)
		respCode = http.StatusUnauthorized
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, err.Error())
		return
	}

	token, err := h.tokens.IssueToken(r.Context(), caller.UserID)
	if err != nil {
		msg := "Failed to issue bearer token"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespToken{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Token:     token.Token,
		UserID:    token.UserID,
		ExpiresAt: token.ExpiresAt,
	}
}

// IssueTokenHandler Wrapper around IssueToken
func (h APIRestRealTimeHandler) IssueTokenHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.IssueToken(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespStatusConfig relay parameters echoed by the status end-point
type APIRestRespStatusConfig struct {
	// PollInterval is the polling interval in seconds suggested to clients
	PollInterval int `json:"poll_interval_sec"`
	// MessageRetention is the per-channel message retention cap
	MessageRetention int `json:"message_retention"`
	// PollFetchLimit is the per-fetch message cap
	PollFetchLimit int `json:"poll_fetch_limit"`
	// SessionIdleTimeout is the session idle timeout in seconds
	SessionIdleTimeout int `json:"session_idle_timeout_sec"`
	// SessionMaxDuration is the absolute session age limit in seconds
	SessionMaxDuration int `json:"session_max_duration_sec"`
}

// APIRestRespStatusStatistics aggregate relay counters
type APIRestRespStatusStatistics struct {
	// Channels aggregate channel counters
	Channels relay.ChannelStatistics `json:"channels"`
	// Sessions aggregate session counters
	Sessions polling.SessionStatistics `json:"sessions"`
}

// APIRestRespStatus response for the relay status query
type APIRestRespStatus struct {
	goutils.RestAPIBaseResponse
	// Status is the relay health marker
	Status string `json:"status"`
	// Version is the service release version
	Version string `json:"version"`
	// Type is the relay transport type
	Type string `json:"type"`
	// Statistics aggregate relay counters
	Statistics APIRestRespStatusStatistics `json:"statistics"`
	// Config relay parameters
	Config APIRestRespStatusConfig `json:"config"`
}

// GetStatus godoc
// @Summary Query relay status
// @Description Report relay health, aggregate counters, and config parameters
// @tags Realtime
// @Produce json
// @Param Httprelay-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespStatus "success"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,401,500 {string} Httprelay-Request-ID "Request ID to match against logs"
// @Router /v1/realtime/status [get]
func (h APIRestRealTimeHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if _, err := h.resolveCaller(r); err != nil {
		msg := "Caller not authenticated"
		log.WithError(err).WithFields(localLogTags).Info(msg)
		respCode = http.StatusUnauthorized
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, err.Error())
		return
	}

	channelStats, err := h.channels.GetStatistics(r.Context())
	if err != nil {
		msg := "Failed to read channel statistics"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	sessionStats, err := h.sessions.GetStatistics(r.Context())
	if err != nil {
		msg := "Failed to read session statistics"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespStatus{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Status:  "ok",
		Version: common.ServiceVersion,
		Type:    relayAPIType,
		Statistics: APIRestRespStatusStatistics{
			Channels: channelStats,
			Sessions: sessionStats,
		},
		Config: APIRestRespStatusConfig{
			PollInterval:       h.config.Sessions.PollInterval,
			MessageRetention:   h.config.Channels.MessageRetention,
			PollFetchLimit:     h.config.Channels.PollFetchLimit,
			SessionIdleTimeout: h.config.Sessions.IdleTimeout,
			SessionMaxDuration: h.config.Sessions.MaxDuration,
		},
	}
}

// GetStatusHandler Wrapper around GetStatus
func (h APIRestRealTimeHandler) GetStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetStatus(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For relay REST API liveness check
// @Description Will return success to indicate relay REST API module is live
// @tags Realtime
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/alive [get]
func (h APIRestRealTimeHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestRealTimeHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For relay REST API readiness check
// @Description Will return success if relay REST API module is ready for use
// @tags Realtime
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h APIRestRealTimeHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	// The relay is ready when the backing store responds
	if _, err := h.channels.GetStatistics(r.Context()); err != nil {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, "not ready", err.Error(),
		)
		return
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestRealTimeHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/httprelay/apis"
	"github.com/alwitt/httprelay/auth"
	"github.com/alwitt/httprelay/common"
	"github.com/alwitt/httprelay/polling"
	"github.com/alwitt/httprelay/relay"
	"github.com/alwitt/httprelay/storage"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// relayComponents the controllers making up the relay
type relayComponents struct {
	channels relay.ChannelController
	sessions polling.SessionController
	tokens   auth.TokenController
}

// defineRelayComponents build the relay controllers over a store
func defineRelayComponents(
	config *common.SystemConfig, instance string, store storage.KVStore,
) (relayComponents, error) {
	channels, err := relay.GetChannelController(store, config.Channels, instance)
	if err != nil {
		return relayComponents{}, err
	}
	sessions, err := polling.GetSessionController(store, channels, config.Sessions, instance)
	if err != nil {
		return relayComponents{}, err
	}
	tokens, err := auth.GetTokenController(store, config.Auth, instance)
	if err != nil {
		return relayComponents{}, err
	}
	return relayComponents{channels: channels, sessions: sessions, tokens: tokens}, nil
}

// RunRelayServer run the relay API server
func RunRelayServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	store storage.KVStore,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "relay",
		"instance":  instance,
	}

	if config.Relay == nil {
		return fmt.Errorf("relay server can't start without its configurations")
	}

	components, err := defineRelayComponents(config, instance, store)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define relay controllers")
		return err
	}

	identity, err := auth.GetRequestIdentityResolver(components.tokens, config.Auth, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define identity resolver")
		return err
	}
	capability, err := auth.GetStaticCapabilityChecker(config.Auth)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define capability checker")
		return err
	}

	httpHandler, err := apis.GetAPIRestRealTimeHandler(
		components.channels,
		components.sessions,
		components.tokens,
		identity,
		capability,
		*config,
		&config.Relay.HTTPSetting,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Periodic maintenance

	janitor, err := common.GetIntervalTimerInstance("relay-janitor", runTimeContext, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define maintenance timer")
		return err
	}
	channelMaxAge := time.Second * time.Duration(config.Cleanup.ChannelMaxAge)
	if err := janitor.Start(
		time.Second*time.Duration(config.Cleanup.Interval), func() error {
			return runMaintenancePass(runTimeContext, components, channelMaxAge)
		}, false,
	); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to start maintenance timer")
		return err
	}
	defer func() {
		_ = janitor.Stop()
	}()

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.Relay.Endpoints.PathPrefix, nil)

	// Channel subscription
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/realtime/subscribe", map[string]http.HandlerFunc{
			"post": httpHandler.SubscribeHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/realtime/unsubscribe", map[string]http.HandlerFunc{
			"post": httpHandler.UnsubscribeHandler(),
		},
	)

	// Message fetch and publish
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/realtime/messages", map[string]http.HandlerFunc{
			"get": httpHandler.GetMessagesHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/realtime/publish", map[string]http.HandlerFunc{
			"post": httpHandler.PublishHandler(),
		},
	)

	// Polling sessions
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/realtime/session", map[string]http.HandlerFunc{
			"post": httpHandler.CreateSessionHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/realtime/poll", map[string]http.HandlerFunc{
			"get": httpHandler.PollHandler(),
		},
	)

	// Tokens and status
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/realtime/token", map[string]http.HandlerFunc{
			"post": httpHandler.IssueTokenHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/realtime/status", map[string]http.HandlerFunc{
			"get": httpHandler.GetStatusHandler(),
		},
	)

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d",
		config.Relay.HTTPSetting.Server.ListenOn,
		config.Relay.HTTPSetting.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(config.Relay.HTTPSetting.Server.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(config.Relay.HTTPSetting.Server.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(config.Relay.HTTPSetting.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}

// runMaintenancePass one channel and session cleanup cycle
func runMaintenancePass(
	ctxt context.Context, components relayComponents, channelMaxAge time.Duration,
) error {
	if _, err := components.channels.Cleanup(ctxt, channelMaxAge); err != nil {
		return err
	}
	if _, err := components.sessions.ForceCleanup(ctxt); err != nil {
		return err
	}
	return nil
}

// RunCleanupPass run one maintenance pass and return
func RunCleanupPass(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	store storage.KVStore,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "cleanup",
		"instance":  instance,
	}

	components, err := defineRelayComponents(config, instance, store)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define relay controllers")
		return err
	}

	channelMaxAge := time.Second * time.Duration(config.Cleanup.ChannelMaxAge)
	report, err := components.channels.Cleanup(runTimeContext, channelMaxAge)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Channel cleanup failed")
		return err
	}
	removed, err := components.sessions.ForceCleanup(runTimeContext)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Session cleanup failed")
		return err
	}

	log.WithFields(logTags).Infof(
		"Cleanup pass removed %d channels, %d message groups, %d sessions",
		report.ChannelsRemoved,
		report.MessageGroupsRemoved,
		removed,
	)
	return nil
}

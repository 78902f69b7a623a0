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

package common

import (
	"fmt"
	"regexp"

	"github.com/apex/log"
)

// ServiceVersion the release version of this service
const ServiceVersion = "v0.1.0"

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// maxChannelNameLen channel names longer than this are rejected
const maxChannelNameLen = 100

// channelNameRegex channel names are limited to alphanumeric, '.', '_', '-'
var channelNameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ValidateChannelName verifies a channel name is acceptable
func ValidateChannelName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("channel name is empty")
	}
	if len(name) > maxChannelNameLen {
		return fmt.Errorf(
			"channel name exceeds %d characters: %d", maxChannelNameLen, len(name),
		)
	}
	if !channelNameRegex.MatchString(name) {
		return fmt.Errorf("channel name '%s' contains unsupported characters", name)
	}
	return nil
}

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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChannelNameValidation(t *testing.T) {
	assert := assert.New(t)

	// Case 0: acceptable names
	for _, name := range []string{
		"alerts", "user_1", "notifications_user_42", "a.b-c_d", "UPPER.lower-09",
	} {
		assert.Nilf(ValidateChannelName(name), "name %s", name)
	}

	// Case 1: unacceptable characters
	for _, name := range []string{
		"bad name!", "with space", "slash/name", "hash#tag", "percent%20", "",
	} {
		assert.NotNilf(ValidateChannelName(name), "name '%s'", name)
	}

	// Case 2: length limit
	assert.Nil(ValidateChannelName(strings.Repeat("a", 100)))
	assert.NotNil(ValidateChannelName(strings.Repeat("a", 101)))
}

// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHideAPIKey(t *testing.T) {
	assert.Equal(t, "sk-r...-key", HideAPIKey("sk-relay-key"))
	assert.Equal(t, "ab...ef", HideAPIKey("abcdef"))
	assert.Equal(t, "a...c", HideAPIKey("abc"))
	assert.Equal(t, "ab", HideAPIKey("ab"))
}

func TestMaskSensitiveHeaderValue(t *testing.T) {
	assert.Equal(t, "Bearer sk-r...-key", MaskSensitiveHeaderValue("Authorization", "Bearer sk-relay-key"))
	assert.Equal(t, "sk-r...-key", MaskSensitiveHeaderValue("x-api-key", "sk-relay-key"))
	assert.Equal(t, "sk-r...-key", MaskSensitiveHeaderValue("X-Goog-Api-Key", "sk-relay-key"))
	assert.Equal(t, "s3cr...-key", MaskSensitiveHeaderValue("X-Management-Key", "s3cret-admin-key"))
	assert.Equal(t, "application/json", MaskSensitiveHeaderValue("Content-Type", "application/json"))
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package request assembles outbound chat requests for the diagnosis server.
package request

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrEmptyMessage is returned when neither text nor an image was supplied.
var ErrEmptyMessage = errors.New("message text or image is required")

// ChatRequest is the JSON body POSTed to the streaming chat endpoint.
// Context values are strings or numbers.
type ChatRequest struct {
	SessionID string         `json:"session_id,omitempty"`
	Message   string         `json:"message"`
	ImageB64  string         `json:"image_b64,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// HasImage reports whether the request carries an image payload.
func (r ChatRequest) HasImage() bool {
	return r.ImageB64 != ""
}

// Build assembles a request from already-prepared inputs. It validates
// presence only; the context map is copied and otherwise passed through.
func Build(message, imageB64, sessionID string, context map[string]any) (ChatRequest, error) {
	if strings.TrimSpace(message) == "" && imageB64 == "" {
		return ChatRequest{}, ErrEmptyMessage
	}

	req := ChatRequest{
		SessionID: sessionID,
		Message:   message,
		ImageB64:  imageB64,
	}
	if len(context) > 0 {
		req.Context = make(map[string]any, len(context))
		for k, v := range context {
			req.Context[k] = v
		}
	}
	return req, nil
}

// EncodeImageFile reads an image from disk and base64-encodes it unchanged.
func EncodeImageFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read image: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("image %s is empty", path)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

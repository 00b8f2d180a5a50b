// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	clientIDKey contextKey = "client_id"
	tokenIDKey  contextKey = "token_id"
)

// SetClientID sets the authenticated ingest client in the context
func SetClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey, clientID)
}

// GetClientID retrieves the authenticated ingest client from the context
func GetClientID(ctx context.Context) (string, bool) {
	clientID, ok := ctx.Value(clientIDKey).(string)
	return clientID, ok && clientID != ""
}

// SetTokenID sets the JWT id (jti) used by the request
func SetTokenID(ctx context.Context, tokenID string) context.Context {
	return context.WithValue(ctx, tokenIDKey, tokenID)
}

// GetTokenID retrieves the JWT id from the context
func GetTokenID(ctx context.Context) (string, bool) {
	tokenID, ok := ctx.Value(tokenIDKey).(string)
	return tokenID, ok
}

// SetAuthContext sets client and token id in one call
func SetAuthContext(ctx context.Context, clientID, tokenID string) context.Context {
	ctx = SetClientID(ctx, clientID)
	ctx = SetTokenID(ctx, tokenID)
	return ctx
}

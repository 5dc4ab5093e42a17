// Copyright 2025 The Engram Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth resolves API keys to tenant claims. Every authenticated
// route sees exactly one org; handlers read it with GetOrg.
package auth

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/engramhq/engram/pkg/apierror"
	"github.com/engramhq/engram/pkg/store"
)

// HeaderAPIKey carries the tenant credential on every request.
const HeaderAPIKey = "x-api-key"

type contextKey struct{}

var orgContextKey contextKey

// Middleware authenticates requests by API key: the key is hashed and
// looked up, and the owning org lands in the request context. Missing or
// unknown keys fail with the AUTH code.
func Middleware(st *store.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderAPIKey)
			if key == "" {
				writeAuthError(w, apierror.Auth("missing %s header", HeaderAPIKey))
				return
			}

			org, err := st.LookupAPIKey(r.Context(), key)
			if err != nil {
				writeAuthError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), orgContextKey, org)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetOrg returns the authenticated org, or nil outside an authenticated
// request.
func GetOrg(ctx context.Context) *store.Org {
	org, _ := ctx.Value(orgContextKey).(*store.Org)
	return org
}

// WithOrg injects an org claim directly. Used by the MCP surface and
// tests, which authenticate once up front instead of per request.
func WithOrg(ctx context.Context, org *store.Org) context.Context {
	return context.WithValue(ctx, orgContextKey, org)
}

func writeAuthError(w http.ResponseWriter, err error) {
	code := apierror.CodeOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apierror.HTTPStatus(code))
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"code":    code,
		"message": err.Error(),
	})
}

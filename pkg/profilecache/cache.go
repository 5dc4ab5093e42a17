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

// Package profilecache keeps a per-tenant in-memory index of current
// profiles. Dedupe and sharing checks hit this index instead of scanning
// the store on every extraction; it is never authoritative and is
// rebuilt from pkg/store whenever it is stale.
package profilecache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/engramhq/engram/pkg/logger"
	"github.com/engramhq/engram/pkg/store"
)

// rebuildLimit bounds how many current profiles one tenant's index holds.
const rebuildLimit = 10000

// Hit is one nearest-neighbor result from the index.
type Hit struct {
	Profile    *store.Profile
	Similarity float64
}

type tenantIndex struct {
	collection *chromem.Collection
	profiles   map[string]*store.Profile // by profile id
}

// Cache is the process-wide profile index, one collection per org.
type Cache struct {
	mu      sync.Mutex
	store   *store.Store
	db      *chromem.DB
	tenants map[string]*tenantIndex
	log     *slog.Logger
}

func New(st *store.Store) *Cache {
	return &Cache{
		store:   st,
		db:      chromem.NewDB(),
		tenants: make(map[string]*tenantIndex),
		log:     logger.New("profilecache"),
	}
}

// Query returns the k nearest current profiles by embedding, optionally
// restricted to one user and/or extractor.
func (c *Cache) Query(ctx context.Context, orgID string, embedding []float32, k int, userID, extractorName string) ([]Hit, error) {
	idx, err := c.tenant(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if idx.collection.Count() == 0 {
		return nil, nil
	}

	where := make(map[string]string)
	if userID != "" {
		where["user_id"] = userID
	}

	// chromem rejects nResults beyond the collection size. The extractor
	// filter is applied after the query since extractor sets are lists.
	n := k
	if extractorName != "" {
		n = 3 * k
	}
	if count := idx.collection.Count(); n > count {
		n = count
	}

	results, err := idx.collection.QueryEmbedding(ctx, embedding, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("profile index query failed: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		p, ok := idx.profiles[r.ID]
		if !ok {
			continue
		}
		if extractorName != "" && !hasExtractor(p, extractorName) {
			continue
		}
		hits = append(hits, Hit{Profile: p, Similarity: float64(r.Similarity)})
		if len(hits) == k {
			break
		}
	}
	return hits, nil
}

// Profiles serves the get_profiles fast path from the index. With
// forceRefresh the index is discarded and rebuilt first.
func (c *Cache) Profiles(ctx context.Context, orgID, userID, extractorName string, forceRefresh bool) ([]*store.Profile, error) {
	if forceRefresh {
		c.Invalidate(orgID)
	}
	idx, err := c.tenant(ctx, orgID)
	if err != nil {
		return nil, err
	}

	var out []*store.Profile
	for _, p := range idx.profiles {
		if userID != "" && p.UserID != userID {
			continue
		}
		if extractorName != "" && !hasExtractor(p, extractorName) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Invalidate drops a tenant's index. Called on every profile write for
// the org; the next read rebuilds.
func (c *Cache) Invalidate(orgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tenants[orgID]; ok {
		delete(c.tenants, orgID)
		_ = c.db.DeleteCollection(collectionName(orgID))
	}
}

func (c *Cache) tenant(ctx context.Context, orgID string) (*tenantIndex, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if idx, ok := c.tenants[orgID]; ok {
		return idx, nil
	}

	profiles, err := c.store.ListProfiles(ctx, orgID, store.ProfileFilter{Limit: rebuildLimit})
	if err != nil {
		return nil, err
	}

	collection, err := c.db.GetOrCreateCollection(collectionName(orgID), nil, noEmbedding)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile collection: %w", err)
	}

	idx := &tenantIndex{
		collection: collection,
		profiles:   make(map[string]*store.Profile, len(profiles)),
	}
	for _, p := range profiles {
		idx.profiles[p.ProfileID] = p
		if len(p.Embedding) == 0 {
			continue
		}
		err := collection.AddDocument(ctx, chromem.Document{
			ID:        p.ProfileID,
			Content:   p.Content,
			Embedding: p.Embedding,
			Metadata:  map[string]string{"user_id": p.UserID},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to index profile: %w", err)
		}
	}

	c.tenants[orgID] = idx
	c.log.Debug("profile index rebuilt", "org_id", orgID, "profiles", len(profiles))
	return idx, nil
}

func collectionName(orgID string) string {
	return "profiles-" + orgID
}

// noEmbedding guards against accidental text queries; every document is
// added with its stored embedding.
func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("profile index requires precomputed embeddings")
}

func hasExtractor(p *store.Profile, name string) bool {
	for _, e := range p.ExtractorNames {
		if e == name {
			return true
		}
	}
	return false
}

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

package aggregate

import (
	"math"

	"github.com/engramhq/engram/pkg/store"
)

// cluster is one density-connected group of raw feedbacks.
type cluster struct {
	members  []*store.RawFeedback
	centroid []float32
}

func (c *cluster) memberIDs() []string {
	ids := make([]string, len(c.members))
	for i, m := range c.members {
		ids[i] = m.RawFeedbackID
	}
	return ids
}

// clusterByDensity groups raw feedbacks DBSCAN-style: two points are
// neighbors when their cosine distance is at most eps, a core point has at
// least minPts-1 neighbors, and clusters grow by connected expansion from
// core points. Points reachable from no core point are noise and stay
// unaggregated. Input order makes the result deterministic.
func clusterByDensity(items []*store.RawFeedback, eps float64, minPts int) []*cluster {
	n := len(items)
	if n == 0 {
		return nil
	}

	neighbors := make([][]int, n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if cosineDistance(items[i].Embedding, items[j].Embedding) <= eps {
				neighbors[i] = append(neighbors[i], j)
				neighbors[j] = append(neighbors[j], i)
			}
		}
	}

	core := make([]bool, n)
	for i := range items {
		core[i] = len(neighbors[i]) >= minPts-1
	}

	assigned := make([]bool, n)
	var clusters []*cluster
	for i := range items {
		if !core[i] || assigned[i] {
			continue
		}

		// Expand from this core point. Border points join the cluster but
		// never extend it.
		var member []int
		queue := []int{i}
		assigned[i] = true
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			member = append(member, cur)
			if !core[cur] {
				continue
			}
			for _, nb := range neighbors[cur] {
				if !assigned[nb] {
					assigned[nb] = true
					queue = append(queue, nb)
				}
			}
		}

		if len(member) < minPts {
			continue
		}
		c := &cluster{}
		for _, idx := range member {
			c.members = append(c.members, items[idx])
		}
		c.centroid = centroid(c.members)
		clusters = append(clusters, c)
	}
	return clusters
}

func centroid(members []*store.RawFeedback) []float32 {
	if len(members) == 0 {
		return nil
	}
	dim := len(members[0].Embedding)
	sum := make([]float64, dim)
	for _, m := range members {
		for i, v := range m.Embedding {
			if i < dim {
				sum[i] += float64(v)
			}
		}
	}
	out := make([]float32, dim)
	var norm float64
	for _, v := range sum {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return out
	}
	for i, v := range sum {
		out[i] = float32(v / norm)
	}
	return out
}

func cosineDistance(a, b []float32) float64 {
	return 1 - cosineSimilarity(a, b)
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// jaccard is the overlap between two id sets: |intersection| / |union|.
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	seen := make(map[string]bool, len(a))
	for _, id := range a {
		seen[id] = true
	}
	inter := 0
	union := len(seen)
	for _, id := range b {
		if seen[id] {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// subsetOf reports whether every id in a also appears in b.
func subsetOf(a, b []string) bool {
	if len(a) == 0 {
		return false
	}
	seen := make(map[string]bool, len(b))
	for _, id := range b {
		seen[id] = true
	}
	for _, id := range a {
		if !seen[id] {
			return false
		}
	}
	return true
}

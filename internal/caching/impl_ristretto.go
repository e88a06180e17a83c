// Copyright 2026 The Matrix.org Foundation C.I.C.
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

package caching

import (
	"encoding/json"
	"fmt"
	"time"
	"unsafe"

	"github.com/dgraph-io/ristretto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func NewRistrettoCache(maxCost CacheSize, enablePrometheus bool) (*Caches, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     int64(maxCost),
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, err
	}
	if enablePrometheus {
		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "tapestry",
			Subsystem: "caching_ristretto",
			Name:      "ratio",
		}, func() float64 {
			return float64(cache.Metrics.Ratio())
		})
		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "tapestry",
			Subsystem: "caching_ristretto",
			Name:      "cost",
		}, func() float64 {
			return float64(cache.Metrics.CostAdded() - cache.Metrics.CostEvicted())
		})
	}
	return &Caches{
		RoomEvents: &RistrettoCachePartition[string, json.RawMessage]{
			cache:   cache,
			Name:    "room_events",
			Mutable: true,
			MaxAge:  time.Minute * 5,
		},
	}, nil
}

type RistrettoCachePartition[K keyable, V any] struct {
	cache   *ristretto.Cache
	Name    string
	Mutable bool
	MaxAge  time.Duration
}

func (c *RistrettoCachePartition[K, V]) key(key K) string {
	return fmt.Sprintf("%v\000%s", key, c.Name)
}

func (c *RistrettoCachePartition[K, V]) Set(key K, value V) {
	strkey := c.key(key)
	if !c.Mutable {
		if _, ok := c.cache.Get(strkey); ok {
			panic(fmt.Sprintf("invalid use of immutable cache tries to change value of %v", strkey))
		}
	}
	var cost int64
	switch cv := any(value).(type) {
	case costable:
		cost = cv.CacheCost()
	case string:
		cost = int64(len(cv))
	case json.RawMessage:
		cost = int64(len(cv))
	default:
		cost = int64(unsafe.Sizeof(value))
	}
	c.cache.SetWithTTL(strkey, value, cost, c.MaxAge)
}

func (c *RistrettoCachePartition[K, V]) Unset(key K) {
	if !c.Mutable {
		panic(fmt.Sprintf("invalid use of immutable cache tries to unset value of %v", c.key(key)))
	}
	c.cache.Del(c.key(key))
}

func (c *RistrettoCachePartition[K, V]) Get(key K) (value V, ok bool) {
	v, ok := c.cache.Get(c.key(key))
	if !ok || v == nil {
		return value, false
	}
	value, ok = v.(V)
	return value, ok
}

// Copyright 2025 The Ensemble Authors
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

package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/consul/api"
)

// consulWaitTime is how long a blocking query waits for an index
// change before returning unchanged. Consul caps this at 10 minutes.
const consulWaitTime = 10 * time.Minute

// ConsulProvider loads config from a Consul KV key and watches it with
// blocking queries.
type ConsulProvider struct {
	kv   *api.KV
	path string
}

// NewConsulProvider creates a provider that reads the given KV key.
func NewConsulProvider(address, path string) (*ConsulProvider, error) {
	cfg := api.DefaultConfig()
	if address != "" {
		cfg.Address = address
	}
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}
	return &ConsulProvider{kv: client.KV(), path: path}, nil
}

// Type returns TypeConsul.
func (p *ConsulProvider) Type() Type {
	return TypeConsul
}

// Load reads the KV key.
func (p *ConsulProvider) Load(ctx context.Context) ([]byte, error) {
	pair, _, err := p.kv.Get(p.path, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to read consul key %s: %w", p.path, err)
	}
	if pair == nil {
		return nil, fmt.Errorf("consul key %s not found", p.path)
	}
	return pair.Value, nil
}

// Watch runs blocking queries against the key and signals whenever its
// modify index moves.
func (p *ConsulProvider) Watch(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	go p.watchLoop(ctx, ch)

	slog.Info("Watching consul key", "path", p.path)
	return ch, nil
}

func (p *ConsulProvider) watchLoop(ctx context.Context, ch chan<- struct{}) {
	defer close(ch)

	var lastIndex uint64
	for {
		opts := (&api.QueryOptions{
			WaitIndex: lastIndex,
			WaitTime:  consulWaitTime,
		}).WithContext(ctx)

		_, meta, err := p.kv.Get(p.path, opts)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Error("Consul blocking query failed", "path", p.path, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		// Consul resets indexes after data loss; restart from scratch.
		if meta.LastIndex < lastIndex {
			lastIndex = 0
			continue
		}
		// Wait timed out without a change.
		if meta.LastIndex == lastIndex {
			continue
		}

		first := lastIndex == 0
		lastIndex = meta.LastIndex
		if first {
			// Baseline fetch, not a change.
			continue
		}

		select {
		case ch <- struct{}{}:
			slog.Debug("Consul key changed", "path", p.path, "index", lastIndex)
		default:
			// Change already pending.
		}
	}
}

// Close releases resources. The Consul client has no connection state
// to tear down.
func (p *ConsulProvider) Close() error {
	return nil
}

var _ Provider = (*ConsulProvider)(nil)

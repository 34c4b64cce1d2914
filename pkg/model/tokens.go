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

package model

import (
	"fmt"
	"sync"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/pkoukk/tiktoken-go"
)

// messageOverheadTokens approximates the per-message framing cost.
const messageOverheadTokens = 3

// TokenEstimator counts tokens for history budgeting. Counts are exact for
// OpenAI encodings and an approximation for other providers, which is
// sufficient for trimming decisions.
type TokenEstimator struct {
	encoding *tiktoken.Tiktoken
	mu       sync.RWMutex
}

var (
	encodingCache   = map[string]*tiktoken.Tiktoken{}
	encodingCacheMu sync.Mutex
)

// NewTokenEstimator creates an estimator for the given model name, falling
// back to the cl100k_base encoding for models tiktoken does not know.
func NewTokenEstimator(modelName string) (*TokenEstimator, error) {
	encodingCacheMu.Lock()
	defer encodingCacheMu.Unlock()

	if enc, ok := encodingCache[modelName]; ok {
		return &TokenEstimator{encoding: enc}, nil
	}

	enc, err := tiktoken.EncodingForModel(modelName)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}
	encodingCache[modelName] = enc
	return &TokenEstimator{encoding: enc}, nil
}

// Count returns the token count for text.
func (e *TokenEstimator) Count(text string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.encoding.Encode(text, nil, nil))
}

// CountMessage returns the token count for one message including framing
// overhead. Non-text parts are charged a flat overhead only.
func (e *TokenEstimator) CountMessage(msg *a2a.Message) int {
	if msg == nil {
		return 0
	}
	total := messageOverheadTokens
	for _, part := range msg.Parts {
		if tp, ok := part.(a2a.TextPart); ok {
			total += e.Count(tp.Text)
		} else {
			total += messageOverheadTokens
		}
	}
	return total
}

// TrimToBudget returns the newest suffix of messages that fits within
// maxTokens. A non-positive budget disables trimming.
func (e *TokenEstimator) TrimToBudget(messages []*a2a.Message, maxTokens int) []*a2a.Message {
	if maxTokens <= 0 || len(messages) == 0 {
		return messages
	}

	used := messageOverheadTokens
	start := len(messages)
	for i := len(messages) - 1; i >= 0; i-- {
		cost := e.CountMessage(messages[i])
		if used+cost > maxTokens {
			break
		}
		used += cost
		start = i
	}
	return messages[start:]
}

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

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/ensembleworks/ensemble/pkg/httpclient"
)

// ListCmd queries a server's discovery endpoint and prints the agents
// it exposes.
type ListCmd struct {
	URL     string        `arg:"" help:"Server base URL (e.g. http://localhost:8080)."`
	Token   string        `help:"Bearer token for servers that require auth." env:"ENSEMBLE_TOKEN"`
	JSON    bool          `help:"Print the raw discovery document as JSON."`
	Timeout time.Duration `help:"Request timeout." default:"30s"`
}

// agentListing mirrors the discovery payload served at /agents.
type agentListing struct {
	Agents []a2a.AgentCard `json:"agents"`
	Total  int             `json:"total"`
}

func (c *ListCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	base := strings.TrimRight(c.URL, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/agents", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := httpclient.New().Do(req)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("list agents: %s returned %s", base, resp.Status)
	}

	var doc agentListing
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decode agent list: %w", err)
	}

	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	}
	renderAgentList(os.Stdout, doc.Agents)
	return nil
}

// renderAgentList prints one block per agent card.
func renderAgentList(w io.Writer, cards []a2a.AgentCard) {
	if len(cards) == 0 {
		fmt.Fprintln(w, "no agents exposed")
		return
	}
	for i, card := range cards {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w, card.Name)
		if card.Description != "" {
			fmt.Fprintf(w, "  %s\n", card.Description)
		}
		fmt.Fprintf(w, "  endpoint: %s\n", card.URL)
		if tags := skillTags(card); len(tags) > 0 {
			fmt.Fprintf(w, "  tags: %s\n", strings.Join(tags, ", "))
		}
	}
}

// skillTags collects the distinct tags across a card's skills, in
// first-seen order.
func skillTags(card a2a.AgentCard) []string {
	var tags []string
	seen := make(map[string]bool)
	for _, skill := range card.Skills {
		for _, tag := range skill.Tags {
			if !seen[tag] {
				seen[tag] = true
				tags = append(tags, tag)
			}
		}
	}
	return tags
}

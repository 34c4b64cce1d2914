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

// Package formatter normalizes raw model output.
//
// Models wrap JSON in markdown fences, prepend prose to structured
// replies, and emit control characters that break downstream consumers.
// This package cleans that up and converts the result to A2A parts and
// artifacts. Extraction never panics on malformed input.
package formatter

import (
	"strings"
	"unicode"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/google/uuid"
)

// StripFences removes a wrapping markdown code fence, including an
// optional language tag. Text that is not fully fenced is returned
// unchanged (inner fences stay intact).
func StripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return s
	}
	end := strings.LastIndex(trimmed, "```")
	if end <= 0 {
		return s
	}
	body := trimmed[3:end]
	// Drop the language tag on the opening fence line.
	if i := strings.IndexByte(body, '\n'); i >= 0 {
		firstLine := strings.TrimSpace(body[:i])
		if firstLine == "" || isLanguageTag(firstLine) {
			body = body[i+1:]
		}
	}
	return strings.TrimSpace(body)
}

func isLanguageTag(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' && r != '+' {
			return false
		}
	}
	return true
}

// ExtractJSON returns the first balanced JSON object or array in s.
// Fences are stripped first, so both bare and fenced payloads work.
// Returns ok=false when no balanced value exists.
func ExtractJSON(s string) (string, bool) {
	s = StripFences(s)

	start := -1
	var open, close rune
	for i, r := range s {
		if r == '{' || r == '[' {
			start = i
			open = r
			close = '}'
			if r == '[' {
				close = ']'
			}
			break
		}
	}
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := rune(s[i])
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// Sanitize drops control characters other than newline, carriage return
// and tab.
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// Preview condenses s to a single line of at most max runes for log
// output. Whitespace runs collapse to one space.
func Preview(s string, max int) string {
	condensed := strings.Join(strings.Fields(s), " ")
	if max <= 0 {
		max = 80
	}
	runes := []rune(condensed)
	if len(runes) <= max {
		return condensed
	}
	return string(runes[:max]) + "..."
}

// ToParts converts normalized output to A2A parts. Text becomes a
// TextPart; structured data, when present, follows as a DataPart.
func ToParts(text string, data map[string]any) []a2a.Part {
	var parts []a2a.Part
	if text != "" {
		parts = append(parts, a2a.TextPart{Text: text})
	}
	if len(data) > 0 {
		parts = append(parts, a2a.DataPart{Data: data})
	}
	return parts
}

// TextArtifact wraps text in a named artifact.
func TextArtifact(name, text string) a2a.Artifact {
	return a2a.Artifact{
		ID:    a2a.ArtifactID(uuid.NewString()),
		Name:  name,
		Parts: []a2a.Part{a2a.TextPart{Text: text}},
	}
}

// DataArtifact wraps structured data in a named artifact.
func DataArtifact(name string, data map[string]any) a2a.Artifact {
	return a2a.Artifact{
		ID:    a2a.ArtifactID(uuid.NewString()),
		Name:  name,
		Parts: []a2a.Part{a2a.DataPart{Data: data}},
	}
}

package embedding

import (
	"fmt"
	"sort"
	"strings"

	prose "github.com/jdkato/prose/v2"
)

const maxDescriptionKeywords = 12

// BehaviorSummary aggregates a user's recent behavior window into the
// features the embedding model sees.
type BehaviorSummary struct {
	ActionCounts map[string]int
	Categories   []string
	Brands       []string
}

// FeatureText renders the summary canonically: maps are emitted in sorted
// key order and lists are sorted and deduplicated, so the same window always
// produces the same text and therefore the same vector.
func (s BehaviorSummary) FeatureText() string {
	var sb strings.Builder
	sb.WriteString("user behavior profile.")

	if len(s.ActionCounts) > 0 {
		actions := make([]string, 0, len(s.ActionCounts))
		for action := range s.ActionCounts {
			actions = append(actions, action)
		}
		sort.Strings(actions)
		sb.WriteString(" actions:")
		for _, action := range actions {
			sb.WriteString(fmt.Sprintf(" %s=%d", action, s.ActionCounts[action]))
		}
		sb.WriteString(".")
	}

	if cats := sortedUnique(s.Categories); len(cats) > 0 {
		sb.WriteString(" categories: " + strings.Join(cats, ", ") + ".")
	}
	if brands := sortedUnique(s.Brands); len(brands) > 0 {
		sb.WriteString(" brands: " + strings.Join(brands, ", ") + ".")
	}

	return sb.String()
}

// ItemFeatures are the catalog attributes used for content similarity.
type ItemFeatures struct {
	ID          string
	Name        string
	Description string
	Category    string
}

// FeatureText renders the item canonically. Long descriptions are condensed
// to their noun keywords so minor copy edits don't shift the vector.
func (f ItemFeatures) FeatureText() string {
	parts := make([]string, 0, 3)
	if f.Name != "" {
		parts = append(parts, "name: "+f.Name)
	}
	if f.Category != "" {
		parts = append(parts, "category: "+f.Category)
	}
	if f.Description != "" {
		if keywords := descriptionKeywords(f.Description); len(keywords) > 0 {
			parts = append(parts, "keywords: "+strings.Join(keywords, ", "))
		} else {
			parts = append(parts, "description: "+f.Description)
		}
	}
	return strings.Join(parts, ". ")
}

// descriptionKeywords extracts up to maxDescriptionKeywords nouns in first
// occurrence order. Falls back to nothing on tagger failure; the caller then
// uses the raw description.
func descriptionKeywords(description string) []string {
	doc, err := prose.NewDocument(description, prose.WithExtraction(false), prose.WithSegmentation(false))
	if err != nil {
		return nil
	}

	seen := make(map[string]struct{})
	keywords := make([]string, 0, maxDescriptionKeywords)
	for _, tok := range doc.Tokens() {
		if !strings.HasPrefix(tok.Tag, "NN") {
			continue
		}
		word := strings.ToLower(strings.Trim(tok.Text, ".,;:!?\"'"))
		if len(word) < 3 {
			continue
		}
		if _, dup := seen[word]; dup {
			continue
		}
		seen[word] = struct{}{}
		keywords = append(keywords, word)
		if len(keywords) >= maxDescriptionKeywords {
			break
		}
	}
	return keywords
}

func sortedUnique(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

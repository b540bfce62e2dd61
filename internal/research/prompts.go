package research

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/blueprint-labs/blueprint-api/internal/llm"
)

// Prompt builders. Each returns the user-role messages for one generation
// call; the persona system prompt is injected by the gateway.

func buildClassifyPrompt(prompt string) []llm.Message {
	var sb strings.Builder
	sb.WriteString(`Classify the user's message into exactly one intent:
- "build": they want to build a new product and research the market first
- "explore": they want to understand an existing market or set of products
- "improve": they want to improve a product they already have
- "small_talk": greeting or chit-chat, not a research request
- "off_topic": unrelated to product research

Respond with JSON only:
{"intent": "...", "domain": "...", "quick_reply": "...", "questions": [...]}

Rules:
- "domain": for research intents, a short name for the product area (e.g. "note taking apps"). Omit otherwise.
- "quick_reply": only for small_talk/off_topic, a one-sentence friendly reply.
- "questions": for research intents, 2 to 4 clarification questions that narrow the research. Each question: {"id", "label", "options": [{"id", "label", "description"}], "allow_multiple", "allow_other"}. Omit for small_talk/off_topic.

User message:
`)
	sb.WriteString(prompt)
	return []llm.Message{{Role: "user", Content: sb.String()}}
}

// candidateEvidence is the bag of source material handed to the
// find-candidates synthesis.
type candidateEvidence struct {
	Domain        string
	Context       string
	Alternatives  json.RawMessage
	AppStore      any
	SearchResults any
	Community     any
}

func buildCandidatesPrompt(ev candidateEvidence) []llm.Message {
	var sb strings.Builder
	sb.WriteString(`Identify 5-10 notable competing products in the domain below. Weight products confirmed by multiple sources higher, and add well-known products from your own knowledge even if the sources missed them.

Respond with JSON only:
{"candidates": [{"id", "name", "description", "url", "category", "pricing_model"}], "sources": ["..."]}

Give each candidate a short stable id (slug of the name).`)

	fmt.Fprintf(&sb, "\n\n# Domain\n%s", ev.Domain)
	if ev.Context != "" {
		fmt.Fprintf(&sb, "\n\n# User Context\n%s", ev.Context)
	}
	appendJSONSection(&sb, "Alternatives Cache", ev.Alternatives)
	appendJSONSection(&sb, "App Store Listings", ev.AppStore)
	appendJSONSection(&sb, "Web Search Results", ev.SearchResults)
	appendJSONSection(&sb, "Community Discussion Results", ev.Community)

	return []llm.Message{{Role: "user", Content: sb.String()}}
}

func buildProfilePrompt(name, pageContent, communityContent string) []llm.Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, `Write a deep product profile of %q from the material below.

Respond with JSON only:
{"name", "content", "features": [...], "pricing_tiers", "target_audience", "strengths": [...], "weaknesses": [...], "community_voice", "sources": [...]}

"content" is 2-3 paragraphs of prose. "community_voice" summarizes user sentiment from the discussion excerpts, or is omitted when there are none.`, name)

	if pageContent != "" {
		fmt.Fprintf(&sb, "\n\n# Product Website\n%s", pageContent)
	}
	if communityContent != "" {
		fmt.Fprintf(&sb, "\n\n# Community Discussion\n%s", communityContent)
	}
	if pageContent == "" && communityContent == "" {
		sb.WriteString("\n\n# Material\nNo external material available. Profile the product from your own knowledge.")
	}
	return []llm.Message{{Role: "user", Content: sb.String()}}
}

func buildMarketSummaryPrompt(domain string, candidates []Candidate) []llm.Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, `Write a market summary for the %q domain covering the products below: overall landscape, dominant positioning patterns, and where the market is heading.

Respond with JSON only:
{"title", "content", "sources": [...]}

"content" is 2-3 paragraphs of prose.`, domain)

	sb.WriteString("\n\n# Products\n")
	for _, c := range candidates {
		fmt.Fprintf(&sb, "- %s: %s\n", c.Name, c.Description)
	}
	return []llm.Message{{Role: "user", Content: sb.String()}}
}

func buildGapPrompt(domain string, profiles []Profile, userContext string, market *MarketSummary) []llm.Message {
	var sb strings.Builder
	sb.WriteString(`Identify 3-6 underserved problem areas (market gaps) in the domain below, grounded in the weaknesses and omissions of the profiled products.

Respond with JSON only:
{"title", "problems": [{"id", "title", "description", "evidence": [...], "opportunity_size"}], "sources": [...]}

Give each problem a short stable id.`)

	fmt.Fprintf(&sb, "\n\n# Domain\n%s", domain)
	if userContext != "" {
		fmt.Fprintf(&sb, "\n\n# User Context\n%s", userContext)
	}
	appendJSONSection(&sb, "Product Profiles", profiles)
	if market != nil {
		appendJSONSection(&sb, "Market Summary", market)
	}
	return []llm.Message{{Role: "user", Content: sb.String()}}
}

func buildConclusionPrompt(problems []ProblemArea, domain string, competitorNames []string, userContext string) []llm.Message {
	var sb strings.Builder
	sb.WriteString(`Synthesize the selected problem areas into one focused problem statement for a new product.

Respond with JSON only:
{"title", "content", "target_user", "key_differentiators": [...], "validation_questions": [...]}

"content" is the problem statement itself, 2-3 paragraphs. "validation_questions" are concrete questions the founder should answer before building.`)

	fmt.Fprintf(&sb, "\n\n# Domain\n%s", domain)
	appendJSONSection(&sb, "Selected Problems", problems)
	if len(competitorNames) > 0 {
		fmt.Fprintf(&sb, "\n\n# Competitors Analyzed\n%s", strings.Join(competitorNames, ", "))
	}
	if userContext != "" {
		fmt.Fprintf(&sb, "\n\n# User Context\n%s", userContext)
	}
	return []llm.Message{{Role: "user", Content: sb.String()}}
}

// appendJSONSection adds a titled JSON dump, skipping empty material so the
// model never sees hollow sections.
func appendJSONSection(sb *strings.Builder, title string, v any) {
	if v == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil || len(raw) == 0 || string(raw) == "null" || string(raw) == "[]" || string(raw) == "{}" {
		return
	}
	fmt.Fprintf(sb, "\n\n# %s\n%s", title, raw)
}

package timeline

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventWorkflowUpdate is the envelope kind the normalizer recognizes. All
// other kinds are invisible to the timeline pipeline.
const EventWorkflowUpdate = "workflow-update"

// urlPattern matches http(s) URLs embedded in free text.
var urlPattern = regexp.MustCompile(`https?://[^\s"'<>\\]+`)

// imageExtensions marks URLs that reference images directly.
var imageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".bmp"}

// wktKeywords are geometry-type prefixes, longest first so MULTIPOLYGON is
// not matched as POLYGON.
var wktKeywords = []string{
	"GEOMETRYCOLLECTION",
	"MULTILINESTRING",
	"MULTIPOLYGON",
	"MULTIPOINT",
	"LINESTRING",
	"POLYGON",
	"POINT",
}

// Normalize converts one raw envelope into a canonical timeline event.
// Returns false for any envelope whose kind is not the workflow-update kind.
// Total and side-effect-free: malformed sub-fields degrade to defaults,
// never to an error.
func Normalize(eventName string, payload map[string]any) (*Event, bool) {
	if !isWorkflowUpdate(eventName) {
		return nil, false
	}
	if payload == nil {
		payload = map[string]any{}
	}

	phase := resolvePhase(payload)
	threadID := stringField(payload, "thread_id")
	timestamp := resolveTimestamp(payload)
	message := stringField(payload, "message")

	eventID := stringField(payload, "event_id")
	if eventID == "" {
		// Legacy producers omit ids; synthesize one. The random disambiguator
		// means identical envelopes stay distinct, so producers that care
		// about dedup must supply explicit ids.
		eventID = fmt.Sprintf("%s-%s-%d-%s",
			threadID, phase, timestamp.UnixMilli(), uuid.NewString()[:8])
	}

	event := &Event{
		EventID:         eventID,
		ParentEventID:   stringField(payload, "parent_event_id"),
		ThreadID:        threadID,
		Timestamp:       timestamp,
		Phase:           phase,
		Category:        CategoryOf(phase),
		AgentName:       stringField(payload, "agent_name"),
		Message:         message,
		Inputs:          mapField(payload, "inputs"),
		Outputs:         mapField(payload, "outputs"),
		ConsumesFrom:    stringSliceField(payload, "consumes_from"),
		ParallelGroupID: stringField(payload, "parallel_group_id"),
		RichPayload:     extractRichPayload(message, payload),
	}
	return event, true
}

// isWorkflowUpdate accepts both dash and underscore spellings of the kind.
func isWorkflowUpdate(eventName string) bool {
	return strings.ReplaceAll(eventName, "_", "-") == EventWorkflowUpdate
}

// resolvePhase reads the phase tag, falling back to the event's type field.
// Unrecognized tags normalize to the generic workflow_update phase.
func resolvePhase(payload map[string]any) Phase {
	tag := stringField(payload, "phase")
	if tag == "" {
		tag = stringField(payload, "type")
	}
	phase := Phase(tag)
	if !phase.IsValid() {
		return PhaseWorkflowUpdate
	}
	return phase
}

// resolveTimestamp accepts RFC3339 strings and numeric epochs (seconds or
// milliseconds). Anything else degrades to the zero time.
func resolveTimestamp(payload map[string]any) time.Time {
	switch v := payload["timestamp"].(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return ts
		}
	case float64:
		// Millisecond epochs are 13 digits; second epochs 10
		if v > 1e12 {
			return time.UnixMilli(int64(v)).UTC()
		}
		return time.Unix(int64(v), 0).UTC()
	}
	return time.Time{}
}

// extractRichPayload scans the message text and the serialized payload for
// URLs, image references and WKT geometry literals.
func extractRichPayload(message string, payload map[string]any) RichPayload {
	text := message
	if serialized, err := json.Marshal(payload); err == nil {
		text += " " + string(serialized)
	}

	urls := extractURLs(text)
	images := extractImages(urls, payload)
	wkt := extractWKT(text)

	return RichPayload{
		URLs:   urls,
		Images: images,
		WKT:    wkt,
		Data:   mapField(payload, "data"),
	}
}

// extractURLs finds URL substrings, trims trailing punctuation and
// de-duplicates preserving first-seen order.
func extractURLs(text string) []string {
	var urls []string
	seen := make(map[string]struct{})
	for _, match := range urlPattern.FindAllString(text, -1) {
		cleaned := strings.TrimRight(match, ".,;:!?)]}\"'")
		if cleaned == "" {
			continue
		}
		if _, dup := seen[cleaned]; dup {
			continue
		}
		seen[cleaned] = struct{}{}
		urls = append(urls, cleaned)
	}
	return urls
}

// extractImages filters URLs by image extension and unions in any explicitly
// declared image list from the payload.
func extractImages(urls []string, payload map[string]any) []string {
	var images []string
	seen := make(map[string]struct{})

	add := func(u string) {
		if u == "" {
			return
		}
		if _, dup := seen[u]; dup {
			return
		}
		seen[u] = struct{}{}
		images = append(images, u)
	}

	for _, u := range urls {
		path := u
		if i := strings.IndexAny(u, "?#"); i >= 0 {
			path = u[:i]
		}
		lower := strings.ToLower(path)
		for _, ext := range imageExtensions {
			if strings.HasSuffix(lower, ext) {
				add(u)
				break
			}
		}
	}

	for _, declared := range stringSliceField(payload, "images") {
		add(declared)
	}
	return images
}

// extractWKT locates geometry-type keywords followed by a balanced
// parenthesis group. Nesting depth is tracked explicitly since WKT nests
// collections. Results are de-duplicated preserving first-seen order.
func extractWKT(text string) []string {
	var literals []string
	seen := make(map[string]struct{})
	upper := strings.ToUpper(text)

	for i := 0; i < len(text); {
		keyword, at := nextWKTKeyword(upper, i)
		if at < 0 {
			break
		}

		literal, end := scanWKTLiteral(text, at, len(keyword))
		if literal == "" {
			i = at + len(keyword)
			continue
		}
		if _, dup := seen[literal]; !dup {
			seen[literal] = struct{}{}
			literals = append(literals, literal)
		}
		i = end
	}
	return literals
}

// nextWKTKeyword finds the earliest keyword occurrence at or after offset.
func nextWKTKeyword(upper string, offset int) (string, int) {
	best := -1
	var keyword string
	for _, kw := range wktKeywords {
		at := strings.Index(upper[offset:], kw)
		if at < 0 {
			continue
		}
		at += offset
		// Longest-first ordering handles prefixes like MULTIPOINT/POINT at
		// the same position; across positions take the earliest.
		if best < 0 || at < best {
			best = at
			keyword = kw
		}
	}
	return keyword, best
}

// scanWKTLiteral reads from the keyword through its balanced paren group.
// Returns the empty string when no well-formed group follows.
func scanWKTLiteral(text string, start, keywordLen int) (string, int) {
	i := start + keywordLen
	// Skip optional whitespace between keyword and opening paren
	for i < len(text) && (text[i] == ' ' || text[i] == '\t') {
		i++
	}
	if i >= len(text) || text[i] != '(' {
		return "", i
	}

	depth := 0
	for ; i < len(text); i++ {
		switch text[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return text[start : i+1], i + 1
			}
		}
	}
	// Unbalanced group: malformed input degrades to no extraction
	return "", len(text)
}

// stringField reads a string-typed field, or empty.
func stringField(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

// mapField reads an object-typed field, or nil.
func mapField(payload map[string]any, key string) map[string]any {
	m, _ := payload[key].(map[string]any)
	return m
}

// stringSliceField reads a list field, keeping only its string elements.
func stringSliceField(payload map[string]any, key string) []string {
	raw, ok := payload[key].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

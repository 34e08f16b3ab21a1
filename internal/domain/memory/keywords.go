package memory

import (
	"regexp"
	"sort"
	"strings"
)

// stopWords are filtered out during keyword extraction.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true,
	"and": true, "or": true, "but": true,
	"in": true, "on": true, "at": true, "to": true, "for": true, "of": true,
	"with": true, "by": true, "from": true, "up": true, "about": true,
	"into": true, "through": true, "during": true, "before": true, "after": true,
	"above": true, "below": true, "between": true, "under": true,
	"again": true, "further": true, "then": true, "once": true,
	"is": true, "am": true, "are": true, "was": true, "were": true,
	"be": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "do": true, "does": true, "did": true,
	"will": true, "would": true, "should": true, "could": true, "ought": true,
	"i": true, "me": true, "my": true, "myself": true,
	"we": true, "our": true, "ours": true, "ourselves": true,
	"you": true, "your": true, "yours": true, "yourself": true, "yourselves": true,
	"he": true, "him": true, "his": true, "himself": true,
	"she": true, "her": true, "hers": true, "herself": true,
	"it": true, "its": true, "itself": true,
	"they": true, "them": true, "their": true, "theirs": true, "themselves": true,
	"what": true, "which": true, "who": true, "whom": true,
	"this": true, "that": true, "these": true, "those": true,
	"as": true, "if": true, "each": true, "how": true, "than": true,
	"too": true, "very": true, "can": true, "just": true, "also": true,
}

var keywordStrip = regexp.MustCompile(`[^a-z0-9 ]+`)

// ExtractKeywords pulls the distinct meaningful terms out of a piece of
// text. Terms are lower-cased, stripped of punctuation, stop-word
// filtered, and sorted. The same extraction runs at ingest time (stored
// alongside the record) and at query time, so keyword retrieval never
// needs the plaintext content.
func ExtractKeywords(content string) []string {
	content = keywordStrip.ReplaceAllString(strings.ToLower(content), "")

	unique := make(map[string]struct{})
	for _, word := range strings.Fields(content) {
		if len(word) > 2 && !stopWords[word] {
			unique[word] = struct{}{}
		}
	}
	if len(unique) == 0 {
		return nil
	}
	keywords := make([]string, 0, len(unique))
	for word := range unique {
		keywords = append(keywords, word)
	}
	sort.Strings(keywords)
	return keywords
}

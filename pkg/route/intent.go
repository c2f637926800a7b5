package route

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/korelab/kora/internal/util"
	"github.com/korelab/kora/pkg/ai"
	"github.com/korelab/kora/pkg/logger"
)

// Intent captures the retrieval-relevant features of a query. Entities are
// mention spans copied verbatim from the query; SubQuestions is non-empty
// only for compound questions.
type Intent struct {
	Entities       []string `json:"entities" jsonschema_description:"Concrete named entities mentioned in the query, copied verbatim"`
	SummaryRequest bool     `json:"summary_request" jsonschema_description:"True when the query asks for a corpus-level summary or overview not anchored to specific entities"`
	SubQuestions   []string `json:"sub_questions" jsonschema_description:"Self-contained sub-questions when the query bundles several questions or requires chaining facts; empty for a single direct question"`
}

// extractIntent derives the query features through a structured completion,
// falling back to deterministic lexical extraction when the model is
// unavailable or fails. Routing never depends on model availability.
func (r *Router) extractIntent(ctx context.Context, query string) *Intent {
	if r.aiClient == nil {
		return lexicalIntent(query)
	}

	const maxRetries = 3
	prompt := fmt.Sprintf(ai.IntentPrompt, query)
	var intent Intent
	err := util.RetryErrWithContext(ctx, maxRetries, func(ctx context.Context) error {
		return r.aiClient.GenerateCompletionWithFormat(ctx, "query_intent", "Extract the retrieval features of the user query.", prompt, &intent)
	})
	if err != nil {
		logger.Warn("[Route] Intent extraction failed, using lexical features", "err", err)
		return lexicalIntent(query)
	}

	intent.Entities = cleanStrings(intent.Entities)
	intent.SubQuestions = cleanStrings(intent.SubQuestions)
	return &intent
}

func cleanStrings(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		key := strings.ToLower(s)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Question openers and other sentence-initial capitalized words that are
// not entity mentions.
var lexicalStopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "this": {}, "that": {}, "these": {},
	"what": {}, "which": {}, "who": {}, "whom": {}, "whose": {},
	"where": {}, "when": {}, "why": {}, "how": {},
	"is": {}, "are": {}, "was": {}, "were": {}, "do": {}, "does": {},
	"did": {}, "can": {}, "could": {}, "should": {}, "would": {},
	"list": {}, "give": {}, "show": {}, "find": {}, "tell": {},
	"describe": {}, "explain": {}, "compare": {}, "summarize": {},
	"if": {}, "in": {}, "on": {}, "for": {}, "of": {}, "and": {},
}

var summaryPhrases = []string{
	"summarize", "summary", "overview", "overall",
	"main themes", "main topics", "key points", "key takeaways",
	"across all", "in general", "big picture",
}

// lexicalIntent is the deterministic fallback feature extractor: quoted
// spans and capitalized token runs become entity mentions, summary phrasing
// sets the summary flag, and multiple question marks split the query into
// sub-questions.
func lexicalIntent(query string) *Intent {
	intent := &Intent{
		Entities:     lexicalMentions(query),
		SubQuestions: splitQuestions(query),
	}

	lower := strings.ToLower(query)
	for _, phrase := range summaryPhrases {
		if strings.Contains(lower, phrase) {
			intent.SummaryRequest = true
			break
		}
	}

	return intent
}

func lexicalMentions(query string) []string {
	mentions := make([]string, 0)

	rest := query
	for {
		open := strings.IndexAny(rest, `"'`)
		if open == -1 {
			break
		}
		quote := rest[open]
		close := strings.IndexByte(rest[open+1:], quote)
		if close == -1 {
			break
		}
		span := strings.TrimSpace(rest[open+1 : open+1+close])
		if span != "" {
			mentions = append(mentions, span)
		}
		rest = rest[open+1+close+1:]
	}

	run := make([]string, 0)
	flush := func() {
		kept := run
		run = run[:0]
		// Question openers at the head of a run are sentence casing, not
		// part of the mention.
		for len(kept) > 0 {
			if _, stop := lexicalStopwords[strings.ToLower(kept[0])]; !stop {
				break
			}
			kept = kept[1:]
		}
		if len(kept) == 0 {
			return
		}
		hasUpper := false
		for _, w := range kept {
			if unicode.IsUpper([]rune(w)[0]) {
				hasUpper = true
				break
			}
		}
		if !hasUpper {
			return
		}
		mentions = append(mentions, strings.Join(kept, " "))
	}
	for _, tok := range strings.Fields(query) {
		word := strings.TrimFunc(tok, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if word == "" {
			flush()
			continue
		}
		first := []rune(word)[0]
		if unicode.IsUpper(first) || unicode.IsDigit(first) {
			run = append(run, word)
			// Adjacent punctuation ends the run.
			if tok != word {
				flush()
			}
			continue
		}
		flush()
	}
	flush()

	return cleanStrings(mentions)
}

func splitQuestions(query string) []string {
	if strings.Count(query, "?") < 2 {
		return nil
	}
	parts := strings.Split(query, "?")
	questions := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		questions = append(questions, part+"?")
	}
	if len(questions) < 2 {
		return nil
	}
	return questions
}

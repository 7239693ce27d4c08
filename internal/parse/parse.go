// Package parse recovers a structured grade from the free form text a
// generative model returns. The text may contain markdown fences,
// conversational padding, or adversarial instructions, so extraction is
// defensive and never fails loudly.
package parse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/omjvalidator/grader-api/internal/logger"
	"github.com/omjvalidator/grader-api/internal/types"
)

const (
	// Shown when the model flags the solution as answering a different task.
	// Honest mistake, so the message is informative.
	WrongTaskFeedback = "Uwaga: Przesłane rozwiązanie prawdopodobnie nie dotyczy tego zadania. " +
		"Sprawdź numer zadania i prześlij poprawne rozwiązanie."

	// Shown when the model flags a prompt injection attempt. Deliberately
	// bland so the sender cannot tell detection happened.
	InjectionFeedback = "Nie udało się przeanalizować rozwiązania. " +
		"Upewnij się, że zdjęcia zawierają wyraźne rozwiązanie zadania matematycznego."

	// Filled in when the model returned a grade without feedback text.
	NoFeedback = "Brak informacji zwrotnej."
)

// FailureFeedback is the user facing message for a response no strategy
// could decode.
func FailureFeedback(provider string) string {
	if provider != "" {
		return fmt.Sprintf("Nie udało się przetworzyć odpowiedzi %s. Spróbuj ponownie.", provider)
	}
	return "Nie udało się przetworzyć odpowiedzi. Spróbuj ponownie."
}

var (
	fencedJSON  = regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```")
	fencedPlain = regexp.MustCompile("(?s)```\\s*(\\{.*?\\})\\s*```")
	scoreKey    = regexp.MustCompile(`"score"\s*:`)
	flatObject  = regexp.MustCompile(`(?s)\{[^{}]*"score"\s*:\s*\d+[^{}]*\}`)
)

// Response extracts {score, feedback, issue_type, abuse_score} from raw
// model output and post-processes it for the given stage. It always
// returns a usable result; undecodable input degrades to score 0 with a
// fixed message.
func Response(text string, stage types.Stage, provider string) types.GradeResult {
	raw, ok := extract(text)
	if !ok {
		preview := text
		if len(preview) > 500 {
			preview = preview[:500]
		}
		logger.Logger.Warn(
			"no decodable grade object in model response",
			"provider", provider,
			"response_length", len(text),
			"preview", preview,
		)
		return types.GradeResult{
			Score:     0,
			Feedback:  FailureFeedback(provider),
			IssueType: types.IssueNone,
		}
	}

	result := types.GradeResult{
		Score:      asInt(raw["score"], 0),
		Feedback:   asString(raw["feedback"], NoFeedback),
		IssueType:  types.CoerceIssueType(asString(raw["issue_type"], string(types.IssueNone))),
		AbuseScore: clamp(asInt(raw["abuse_score"], 0), 0, 100),
	}
	if s := asString(raw["issue_type"], string(types.IssueNone)); types.IssueType(s) != result.IssueType {
		logger.Logger.Warn("unknown issue_type in model response", "issue_type", s)
	}

	switch result.IssueType {
	case types.IssueWrongTask:
		result.Score = 0
		result.Feedback = WrongTaskFeedback
		logger.Logger.Info("wrong task detected", slog.Int("confidence", result.AbuseScore))
	case types.IssueInjection:
		result.Score = 0
		result.Feedback = InjectionFeedback
		logger.Logger.Warn("injection attempt detected", slog.Int("confidence", result.AbuseScore))
	default:
		result.Score = NormalizeScore(result.Score, stage)
	}

	return result
}

// NormalizeScore snaps a raw score to the nearest valid competition score
// for the stage. Stage one awards 0, 1 or 3 points; later stages award
// 0, 2, 5 or 6.
func NormalizeScore(score int, stage types.Stage) int {
	if stage == types.StageOne {
		switch {
		case score == 0 || score == 1 || score == 3:
			return score
		case score <= 0:
			return 0
		case score <= 2:
			return 1
		default:
			return 3
		}
	}

	switch {
	case score == 0 || score == 2 || score == 5 || score == 6:
		return score
	case score <= 1:
		return 0
	case score <= 3:
		return 2
	case score <= 5:
		return 5
	default:
		return 6
	}
}

// extract tries four strategies in order, first decodable match wins.
func extract(text string) (map[string]any, bool) {
	trimmed := strings.TrimSpace(text)

	if strings.HasPrefix(trimmed, "{") {
		if obj, ok := decode(trimmed); ok {
			return obj, true
		}
	}

	for _, pattern := range []*regexp.Regexp{fencedJSON, fencedPlain} {
		if m := pattern.FindStringSubmatch(text); m != nil {
			if obj, ok := decode(m[1]); ok {
				return obj, true
			}
		}
	}

	if span := balancedSpan(text); span != "" {
		if obj, ok := decode(span); ok {
			return obj, true
		}
	}

	if m := flatObject.FindString(text); m != "" {
		if obj, ok := decode(m); ok {
			return obj, true
		}
	}

	return nil, false
}

func decode(s string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// balancedSpan scans for a top level {...} span containing a "score" key,
// counting brace depth while skipping braces inside quoted strings.
func balancedSpan(s string) string {
	start := strings.IndexByte(s, '{')
	for start != -1 {
		depth := 0
		inString := false
		escaped := false

	scan:
		for i := start; i < len(s); i++ {
			c := s[i]

			if escaped {
				escaped = false
				continue
			}

			switch {
			case c == '\\' && inString:
				escaped = true
			case c == '"':
				inString = !inString
			case inString:
			case c == '{':
				depth++
			case c == '}':
				depth--
				if depth == 0 {
					candidate := s[start : i+1]
					if scoreKey.MatchString(candidate) {
						return candidate
					}
					break scan
				}
			}
		}

		next := strings.IndexByte(s[start+1:], '{')
		if next == -1 {
			return ""
		}
		start += 1 + next
	}

	return ""
}

func asInt(v any, def int) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case string:
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(n), "%g", &f); err == nil {
			return int(f)
		}
	}
	return def
}

func asString(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

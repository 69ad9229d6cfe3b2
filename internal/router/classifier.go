// Package router classifies incoming queries and plans which services should
// answer them. Classification is deterministic keyword/pattern scoring so the
// same text always yields the same plan.
package router

import (
	"regexp"
	"strings"

	"hivequery/internal/types"
)

// categoryRule scores one category. Rules are evaluated in declaration order
// and ties go to the earlier rule, so order is part of the contract.
type categoryRule struct {
	category types.Category
	keywords []string
	patterns []*regexp.Regexp
}

// classifierRules: narrow utility categories first so "weather in Tokyo"
// never drifts into factual, then the broad chat categories.
var classifierRules = []categoryRule{
	{
		category: types.CategoryWeather,
		keywords: []string{"weather", "temperature", "forecast", "rain", "snow", "sunny", "humidity", "windy", "climate today"},
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bhow (hot|cold|warm) is it\b`),
			regexp.MustCompile(`(?i)\b(celsius|fahrenheit)\b`),
		},
	},
	{
		category: types.CategoryNews,
		keywords: []string{"news", "headline", "headlines", "breaking", "latest on", "current events", "what happened"},
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bin the news\b`),
		},
	},
	{
		category: types.CategoryTranslation,
		keywords: []string{"translate", "translation", "in french", "in spanish", "in german", "in japanese", "in chinese", "how do you say"},
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bwhat does .+ mean in\b`),
		},
	},
	{
		category: types.CategoryCurrency,
		keywords: []string{"exchange rate", "convert", "currency", "usd", "eur", "gbp", "jpy", "dollars to", "euros to"},
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b\d+(\.\d+)?\s*(usd|eur|gbp|jpy|dollars|euros|pounds|yen)\b`),
		},
	},
	{
		category: types.CategoryTechnical,
		keywords: []string{"code", "function", "compile", "debug", "error message", "stack trace", "api", "algorithm", "regex", "sql", "kubernetes", "implement"},
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bin (go|golang|python|rust|javascript|typescript|java|c\+\+)\b`),
			regexp.MustCompile("```"),
		},
	},
	{
		category: types.CategoryAnalytical,
		keywords: []string{"compare", "versus", "pros and cons", "trade-off", "tradeoffs", "analyze", "analysis", "evaluate", "which is better", "advantages"},
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bvs\.?\b`),
		},
	},
	{
		category: types.CategoryCreative,
		keywords: []string{"write a", "poem", "story", "song", "lyrics", "brainstorm", "imagine", "creative", "slogan", "name ideas", "fictional"},
	},
	{
		category: types.CategoryFactual,
		keywords: []string{"who is", "who was", "when did", "when was", "where is", "what is the capital", "how many", "how tall", "how far", "population of", "define", "definition of"},
	},
}

var questionWords = []string{"who", "what", "when", "where", "why", "how", "which", "is", "are", "do", "does", "can", "did"}

// Classify assigns a category to the query text.
func Classify(text string) types.Category {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return types.CategoryGeneral
	}

	best := types.Category("")
	bestScore := 0
	for _, rule := range classifierRules {
		score := 0
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				score++
			}
		}
		for _, p := range rule.patterns {
			if p.MatchString(text) {
				score++
			}
		}
		// Strictly-greater keeps declaration order as the tiebreak.
		if score > bestScore {
			best = rule.category
			bestScore = score
		}
	}
	if bestScore > 0 {
		return best
	}

	if startsWithQuestionWord(lower) || strings.HasSuffix(lower, "?") {
		return types.CategoryFactual
	}
	return types.CategoryGeneral
}

func startsWithQuestionWord(lower string) bool {
	first, _, _ := strings.Cut(lower, " ")
	first = strings.TrimSuffix(first, "'s")
	for _, w := range questionWords {
		if first == w {
			return true
		}
	}
	return false
}

// IsUtility reports whether a category bypasses browser automation entirely.
func IsUtility(c types.Category) bool {
	switch c {
	case types.CategoryWeather, types.CategoryNews, types.CategoryTranslation, types.CategoryCurrency:
		return true
	}
	return false
}

package places

import (
	"sort"
	"strings"

	"github.com/kjstillabower/skyli-weather/internal/models"
)

// PopularLocations are boosted in ranking and preloaded at startup.
var PopularLocations = []string{
	"Zurich", "London", "New York", "Paris", "Tokyo",
	"Berlin", "Madrid", "Rome", "Vienna", "Amsterdam",
}

// Score returns the relevance of s for query. Components are additive.
func Score(s models.Suggestion, query string) int {
	q := strings.ToLower(query)
	main := s.MainText
	if main == "" {
		main = s.Description
	}
	main = strings.ToLower(main)
	secondary := strings.ToLower(s.SecondaryText)

	score := 0
	if main == q {
		score += 100
	}
	if strings.HasPrefix(main, q) {
		score += 50
	}
	if strings.Contains(main, q) {
		score += 25
	}
	if strings.Contains(secondary, q) {
		score += 10
	}
	if hasType(s.Types, "locality") {
		score += 20
	}
	if hasType(s.Types, "administrative_area_level_1") {
		score += 15
	}
	if hasType(s.Types, "country") {
		score += 10
	}
	for _, loc := range PopularLocations {
		if strings.Contains(main, strings.ToLower(loc)) {
			score += 15
			break
		}
	}
	return score
}

// Rank decorates suggestions with their score and history membership and orders them:
// history matches first, then by score descending. Equal suggestions keep provider order.
// The input slice is not modified.
func Rank(suggestions []models.Suggestion, query string, inHistory func(description string) bool) []models.Suggestion {
	out := make([]models.Suggestion, len(suggestions))
	for i, s := range suggestions {
		s.RelevanceScore = Score(s, query)
		if inHistory != nil {
			s.IsFromHistory = inHistory(s.Description)
		}
		out[i] = s
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsFromHistory != out[j].IsFromHistory {
			return out[i].IsFromHistory
		}
		return out[i].RelevanceScore > out[j].RelevanceScore
	})
	return out
}

func hasType(types []string, want string) bool {
	for _, t := range types {
		if t == want {
			return true
		}
	}
	return false
}

package sentiment

import (
	"context"
	"strings"
	"unicode"
)

// ToolLexicon is the built-in word list scorer
const ToolLexicon = "lexicon"

var positiveWords = []string{
	"amazing", "awesome", "beautiful", "best", "brilliant", "celebrate", "congrats",
	"congratulations", "cool", "delighted", "enjoy", "excellent", "excited", "fantastic",
	"fun", "glad", "good", "great", "happy", "helpful", "hope", "impressive", "incredible",
	"interesting", "joy", "kind", "like", "love", "lovely", "nice", "perfect", "pleased",
	"proud", "recommend", "right", "smart", "strong", "success", "support", "thank",
	"thanks", "true", "useful", "welcome", "well", "win", "wonderful", "wow", "yes",
}

var negativeWords = []string{
	"afraid", "angry", "annoying", "awful", "bad", "boring", "broken", "crap", "crisis",
	"dead", "disappointed", "disaster", "disgusting", "dumb", "fail", "failed", "fake",
	"fear", "hate", "horrible", "hurt", "idiot", "kill", "lie", "lies", "loss", "lost",
	"mad", "mess", "pathetic", "poor", "problem", "sad", "scam", "shame", "sick",
	"sorry", "stupid", "terrible", "threat", "ugly", "useless", "wrong", "worse", "worst",
}

var negations = map[string]bool{
	"not": true, "no": true, "never": true, "dont": true, "don't": true, "isnt": true,
	"isn't": true, "wasnt": true, "wasn't": true, "cant": true, "can't": true, "nicht": true,
	"kein": true, "keine": true,
}

// LexiconScorer scores text by counting positive and negative words, with
// a negation flipping the word that follows it
type LexiconScorer struct {
	positive map[string]bool
	negative map[string]bool
}

// NewLexiconScorer creates a scorer over the built-in word lists
func NewLexiconScorer() *LexiconScorer {
	s := &LexiconScorer{
		positive: make(map[string]bool, len(positiveWords)),
		negative: make(map[string]bool, len(negativeWords)),
	}
	for _, w := range positiveWords {
		s.positive[w] = true
	}
	for _, w := range negativeWords {
		s.negative[w] = true
	}
	return s
}

// Score returns (positive - negative) / (positive + negative), 0 for text
// without sentiment words, and ok=false for text without words at all
func (s *LexiconScorer) Score(ctx context.Context, text string) (float64, bool, error) {
	words := tokenize(text)
	if len(words) == 0 {
		return 0, false, nil
	}

	var positive, negative int
	negate := false
	for _, word := range words {
		polarity := 0
		switch {
		case s.positive[word]:
			polarity = 1
		case s.negative[word]:
			polarity = -1
		}

		if negate {
			polarity = -polarity
		}
		negate = negations[word]

		switch polarity {
		case 1:
			positive++
		case -1:
			negative++
		}
	}

	if positive+negative == 0 {
		return 0, true, nil
	}
	return float64(positive-negative) / float64(positive+negative), true, nil
}

func tokenize(text string) []string {
	text = strings.ToLower(text)
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
}

package parley

import "strings"

// Default repetition-detector parameters.
const (
	DefaultSimilarityThreshold   = 0.85
	DefaultMaxConsecutiveSimilar = 2
	DefaultRecentWindow          = 5

	shingleSize = 3
)

// Similarity computes word-shingle Jaccard similarity between two texts on
// lowercased, whitespace-split tokens. Exact match after normalization
// short-circuits to 1.0; an empty side yields 0.0.
func Similarity(a, b string) float64 {
	na := strings.Join(strings.Fields(strings.ToLower(a)), " ")
	nb := strings.Join(strings.Fields(strings.ToLower(b)), " ")
	if na == "" || nb == "" {
		return 0.0
	}
	if na == nb {
		return 1.0
	}

	sa := shingles(na)
	sb := shingles(nb)
	var inter, union int
	for s := range sa {
		if _, ok := sb[s]; ok {
			inter++
		}
	}
	union = len(sa) + len(sb) - inter
	if union == 0 {
		return 0.0
	}
	return float64(inter) / float64(union)
}

// shingles returns the set of word n-grams of text. Texts shorter than the
// shingle size collapse to a single whole-text shingle.
func shingles(text string) map[string]struct{} {
	words := strings.Fields(text)
	set := make(map[string]struct{})
	if len(words) < shingleSize {
		set[text] = struct{}{}
		return set
	}
	for i := 0; i+shingleSize <= len(words); i++ {
		set[strings.Join(words[i:i+shingleSize], " ")] = struct{}{}
	}
	return set
}

// RepetitionDetector tracks an agent's recent outputs and flags a repetition
// loop when new outputs stay too similar to recent responses for too many
// consecutive turns. It is deterministic: the same observation sequence always
// produces the same trigger state. Not safe for concurrent use; each agent
// owns one.
type RepetitionDetector struct {
	threshold      float64
	maxConsecutive int
	window         int

	recent      []string
	consecutive int
}

// NewRepetitionDetector builds a detector. Non-positive arguments fall back
// to the package defaults.
func NewRepetitionDetector(threshold float64, maxConsecutive, window int) *RepetitionDetector {
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	if maxConsecutive <= 0 {
		maxConsecutive = DefaultMaxConsecutiveSimilar
	}
	if window <= 0 {
		window = DefaultRecentWindow
	}
	return &RepetitionDetector{threshold: threshold, maxConsecutive: maxConsecutive, window: window}
}

// Observe feeds a new candidate output plus the peer responses currently
// visible in the context window. It returns true when the consecutive-similar
// count reaches the trigger threshold, recommending termination. The output
// is recorded into the detector's own window either way.
func (d *RepetitionDetector) Observe(output string, peers []string) bool {
	var maxSim float64
	for _, r := range peers {
		if s := Similarity(output, r); s > maxSim {
			maxSim = s
		}
	}
	for _, r := range d.recent {
		if s := Similarity(output, r); s > maxSim {
			maxSim = s
		}
	}

	if maxSim >= d.threshold {
		d.consecutive++
	} else {
		d.consecutive = 0
	}

	d.recent = append(d.recent, output)
	if len(d.recent) > d.window {
		d.recent = d.recent[len(d.recent)-d.window:]
	}

	return d.consecutive >= d.maxConsecutive
}

// Consecutive returns the current consecutive-similar count.
func (d *RepetitionDetector) Consecutive() int { return d.consecutive }

// DefaultTerminationPhrases is the agreed phrase set that ends a conversation
// when any agent emits one. Configurable per run.
var DefaultTerminationPhrases = []string{"[done]", "end of conversation", "goodbye and end"}

// TerminationPhrase returns the first configured phrase found in content
// (case-insensitive substring match), or "" when none matches.
func TerminationPhrase(content string, phrases []string) string {
	lower := strings.ToLower(content)
	for _, p := range phrases {
		if p == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(p)) {
			return p
		}
	}
	return ""
}

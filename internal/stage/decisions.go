package stage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/ashureev/agentcaptcha/internal/domain"
)

// Named CV threshold profiles for stage 2.
const (
	CVProfileStrict     = "strict"
	CVProfilePermissive = "permissive"
)

var cvProfiles = map[string]float64{
	CVProfileStrict:     0.4,
	CVProfilePermissive: 0.8,
}

// CVThreshold returns the response-time CV ceiling for a named profile.
func CVThreshold(profile string) (float64, error) {
	v, ok := cvProfiles[strings.ToLower(strings.TrimSpace(profile))]
	if !ok {
		return 0, fmt.Errorf("unknown CV profile %q (want %s or %s)", profile, CVProfileStrict, CVProfilePermissive)
	}
	return v, nil
}

// DecisionPolicy configures stage 2.
type DecisionPolicy struct {
	Rounds       int
	RoundTimeout time.Duration
	MinAccuracy  float64
	MaxCV        float64 // pass requires CV strictly below this
}

// DefaultDecisionPolicy returns the stage 2 defaults with the strict profile.
func DefaultDecisionPolicy() DecisionPolicy {
	return DecisionPolicy{
		Rounds:       10,
		RoundTimeout: 1500 * time.Millisecond,
		MinAccuracy:  0.70,
		MaxCV:        cvProfiles[CVProfileStrict],
	}
}

// AnswerHashLen is the number of hex characters kept from the answer digest.
const AnswerHashLen = 16

// accuracyEpsilon absorbs float rounding in correct/total.
const accuracyEpsilon = 1e-9

// AnswerHash returns the chain hash a client must echo in the next round.
func AnswerHash(answer string) string {
	sum := sha256.Sum256([]byte(answer))
	return hex.EncodeToString(sum[:])[:AnswerHashLen]
}

// ExpectedPrevHash returns the prev_answer_hash required for the round after
// the given rounds. The first round expects an empty hash.
func ExpectedPrevHash(rounds []domain.ChallengeRound) string {
	if len(rounds) == 0 {
		return ""
	}
	return AnswerHash(rounds[len(rounds)-1].ChosenAnswer)
}

// JustificationCheck is the rule a free-text justification must satisfy.
type JustificationCheck struct {
	MinLength int      `yaml:"min_length" json:"min_length"`
	Keywords  []string `yaml:"keywords" json:"keywords"`
}

// Satisfied reports whether justification meets the check. Keyword matching
// is case-insensitive and any one keyword suffices.
func (c JustificationCheck) Satisfied(justification string) bool {
	j := strings.TrimSpace(justification)
	if len([]rune(j)) < c.MinLength {
		return false
	}
	if len(c.Keywords) == 0 {
		return true
	}
	lower := strings.ToLower(j)
	for _, kw := range c.Keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// OptionLetter extracts the leading option label from an answer such as
// "B", "b)", or "B: check the pool". It returns 0 when the answer does not
// start with a standalone letter.
func OptionLetter(answer string) rune {
	a := []rune(strings.TrimSpace(answer))
	if len(a) == 0 || !unicode.IsLetter(a[0]) {
		return 0
	}
	if len(a) > 1 && (unicode.IsLetter(a[1]) || unicode.IsDigit(a[1])) {
		return 0
	}
	return unicode.ToUpper(a[0])
}

// ScoreAnswer reports whether a round answer is correct: it must name the
// correct option and its justification must satisfy the check.
func ScoreAnswer(correctOption string, check JustificationCheck, answer, justification string) bool {
	want := OptionLetter(correctOption)
	if want == 0 || OptionLetter(answer) != want {
		return false
	}
	if strings.TrimSpace(justification) == "" {
		// Allow the justification to ride along in the answer itself.
		justification = answer
	}
	return check.Satisfied(justification)
}

// EvaluateDecisions decides stage 2 once every round has been answered.
// Accuracy is checked before timing variance.
func EvaluateDecisions(p DecisionPolicy, rounds []domain.ChallengeRound) Outcome {
	times := make([]float64, len(rounds))
	correct := 0
	for i, r := range rounds {
		times[i] = r.ResponseTimeMS
		if r.Correct {
			correct++
		}
	}
	accuracy := 0.0
	if len(rounds) > 0 {
		accuracy = float64(correct) / float64(len(rounds))
	}
	cv := CoefficientOfVariation(times)
	detail := map[string]any{
		"rounds":   len(rounds),
		"correct":  correct,
		"accuracy": accuracy,
		"cv":       round4(cv),
		"mean_ms":  round4(Mean(times)),
		"max_cv":   p.MaxCV,
	}

	if len(rounds) < p.Rounds || accuracy+accuracyEpsilon < p.MinAccuracy {
		return fail(domain.ErrEvidenceInsufficient, domain.ReasonStage2LowAccuracy, detail)
	}
	if cv >= p.MaxCV {
		return fail(domain.ErrEvidenceInsufficient, domain.ReasonStage2HighVariance, detail)
	}
	return pass(detail)
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

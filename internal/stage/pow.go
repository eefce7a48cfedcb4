package stage

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/agentcaptcha/internal/domain"
)

// PoWPolicy configures stage 1.
type PoWPolicy struct {
	Difficulty int           // leading zero hex digits required
	Timeout    time.Duration // issuance to receipt
}

// DefaultPoWPolicy returns the stage 1 defaults.
func DefaultPoWPolicy() PoWPolicy {
	return PoWPolicy{Difficulty: 4, Timeout: 200 * time.Millisecond}
}

const nonceBytes = 16

// NewNonce returns a random hex nonce.
func NewNonce() (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Digest returns the lowercase hex sha256 of nonce followed by solution.
func Digest(nonce, solution string) string {
	sum := sha256.Sum256([]byte(nonce + solution))
	return hex.EncodeToString(sum[:])
}

// CheckSolution reports whether the digest of nonce‖solution starts with
// difficulty zero hex digits.
func CheckSolution(nonce, solution string, difficulty int) bool {
	if difficulty < 0 {
		return false
	}
	return strings.HasPrefix(Digest(nonce, solution), strings.Repeat("0", difficulty))
}

// Solve brute-forces a solution by counting upwards. It returns ctx.Err()
// if the context ends first.
func Solve(ctx context.Context, nonce string, difficulty int) (string, error) {
	prefix := strings.Repeat("0", difficulty)
	for i := uint64(0); ; i++ {
		if i&0xfff == 0 && ctx.Err() != nil {
			return "", ctx.Err()
		}
		candidate := strconv.FormatUint(i, 10)
		if strings.HasPrefix(Digest(nonce, candidate), prefix) {
			return candidate, nil
		}
	}
}

// EvaluatePoW decides stage 1 for a received solution. Elapsed equal to the
// timeout still passes.
func EvaluatePoW(p PoWPolicy, nonce, solution string, elapsed time.Duration) Outcome {
	detail := map[string]any{
		"difficulty": p.Difficulty,
		"elapsed_ms": domain.DurationMS(elapsed),
	}
	if elapsed > p.Timeout {
		return Timeout(domain.ReasonStage1Timeout, detail)
	}
	if solution == "" || !CheckSolution(nonce, solution, p.Difficulty) {
		return fail(domain.ErrEvidenceInsufficient, domain.ReasonStage1Invalid, detail)
	}
	return pass(detail)
}

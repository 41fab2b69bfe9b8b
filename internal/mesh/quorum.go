package mesh

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// QuorumPolicy decides how much of the expected set must arrive before
// finalization may proceed. The wire form is "all" or "fraction:<p>" with
// p in (0, 1].
type QuorumPolicy struct {
	All      bool
	Fraction float64
}

// ParseQuorumPolicy parses the wire form of a quorum policy.
func ParseQuorumPolicy(s string) (QuorumPolicy, error) {
	switch {
	case s == "" || s == "all":
		return QuorumPolicy{All: true}, nil
	case strings.HasPrefix(s, "fraction:"):
		raw := strings.TrimPrefix(s, "fraction:")
		p, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return QuorumPolicy{}, fmt.Errorf("quorum: invalid fraction %q: %w", raw, err)
		}
		if p <= 0 || p > 1 {
			return QuorumPolicy{}, fmt.Errorf("quorum: fraction %v out of range (0, 1]", p)
		}
		return QuorumPolicy{Fraction: p}, nil
	default:
		return QuorumPolicy{}, fmt.Errorf("quorum: unknown policy %q", s)
	}
}

// Satisfied reports whether received out of expected meets the policy.
// Evaluation is monotonic: received only grows, so a satisfied policy stays
// satisfied.
func (q QuorumPolicy) Satisfied(received, expected int) bool {
	if expected <= 0 {
		return false
	}
	// The zero value behaves as "all" so an unset policy never closes early.
	if q.All || q.Fraction <= 0 {
		return received >= expected
	}
	return float64(received)/float64(expected) >= q.Fraction
}

func (q QuorumPolicy) String() string {
	if q.All || q.Fraction <= 0 {
		return "all"
	}
	return "fraction:" + strconv.FormatFloat(q.Fraction, 'g', -1, 64)
}

func (q QuorumPolicy) MarshalJSON() ([]byte, error) {
	return json.Marshal(q.String())
}

func (q *QuorumPolicy) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseQuorumPolicy(s)
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}

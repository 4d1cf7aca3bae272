// Package knowledge accumulates dated symbol references and projects them
// into per-module scores with time decay and breadth regularization.
package knowledge

import (
	"math"
	"strings"
	"time"
)

// Reserved name components.
const (
	OverallKey = "__overall__"
	UnknownKey = "__unknown__"
	PrivateKey = "__private__"
	StdlibKey  = "__stdlib__"
	GrammarKey = "__grammar__"
)

// Version tags the on-disk shape of normalized knowledge. Stored knowledge
// with a different version is stale and must be recomputed.
const Version = "1"

// DefaultRepetitionPenalty is the K used when the configured penalty is
// missing or non-positive. Matches the config default.
const DefaultRepetitionPenalty = 20

// Reference is a single dated symbol-use attribution, stored as a proleptic
// Gregorian ordinal day. Only the distance to today matters for scoring.
type Reference int

// daysToUnixEpoch is the ordinal of 1970-01-01 minus one.
const daysToUnixEpoch = 719162

// NewReference truncates t to its UTC calendar day.
func NewReference(t time.Time) Reference {
	y, m, d := t.UTC().Date()
	u := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return Reference(int(u.Unix()/86400) + daysToUnixEpoch + 1)
}

// Activation weights a reference by its age in days relative to today,
// a sigmoid decaying from ~1 for recent work with a floor of 0.1:
//
//	a(d) = max(0.1, 1 / (1 + exp(d/300 - 4)))
func (r Reference) Activation(today Reference) float64 {
	daysago := float64(today - r)
	return math.Max(0.1, 1/(1+math.Exp(daysago/300-4)))
}

// Breadth dampens repeated references to the same name so that many uses of
// one module count less than a few uses of many:
//
//	r(x) = log1p(x/K) / log1p(1/K)
//
// K is the repetition penalty constant. Monotonic and concave with
// r(0) = 0 and r(1) = 1. A non-positive K would blow up both logarithms;
// REPETITION_PENALTY comes from the environment, so it is clamped here.
func Breadth(x, penalty float64) float64 {
	if penalty <= 0 {
		penalty = DefaultRepetitionPenalty
	}
	return math.Log1p(x/penalty) / math.Log1p(1/penalty)
}

// Normalized maps a depth-truncated dotted name to its score.
type Normalized map[string]float64

// Model holds raw references keyed by full dotted name. The first path
// component is the language tag. Not safe for concurrent use.
type Model struct {
	refs map[string][]Reference
	now  func() time.Time
}

func NewModel() *Model {
	return &Model{refs: map[string][]Reference{}, now: time.Now}
}

// NewModelAt fixes the model's notion of today. Scores are then a pure
// function of the stored references.
func NewModelAt(now func() time.Time) *Model {
	return &Model{refs: map[string][]Reference{}, now: now}
}

// AddReference appends count references for the dotted path on the given
// date. Paths carrying the private sentinel are dropped: private symbols
// prove nothing about transferable skills.
func (m *Model) AddReference(date time.Time, count int, path ...string) {
	if len(path) == 0 || count <= 0 {
		return
	}
	for _, component := range path {
		if component == PrivateKey {
			return
		}
	}
	name := strings.Join(path, ".")
	ref := NewReference(date)
	for i := 0; i < count; i++ {
		m.refs[name] = append(m.refs[name], ref)
	}
}

// Empty reports whether any references have been recorded.
func (m *Model) Empty() bool {
	return len(m.refs) == 0
}

// ReferenceCount returns the number of stored references for a dotted name.
func (m *Model) ReferenceCount(name string) int {
	return len(m.refs[name])
}

// Normalize projects the references to the given depth:
//
//  1. Bucket each reference under its first depth components, padding short
//     names with the unknown sentinel.
//  2. Score each bucket as round4(Breadth(sum of activations, penalty)).
//  3. Sum bucket scores into "<prefix>.__overall__" for every strict prefix.
//     The rollup is a plain sum; regularization does not commute with
//     addition, so re-applying it here would double-penalize.
func (m *Model) Normalize(depth int, penalty float64) Normalized {
	if depth < 1 {
		depth = 1
	}
	today := NewReference(m.now())

	buckets := map[string]float64{}
	for name, refs := range m.refs {
		components := strings.SplitN(name, ".", depth+1)
		if len(components) > depth {
			components = components[:depth]
		}
		for len(components) < depth {
			components = append(components, UnknownKey)
		}
		var activation float64
		for _, ref := range refs {
			activation += ref.Activation(today)
		}
		buckets[strings.Join(components, ".")] += activation
	}

	normalized := Normalized{}
	for name, activation := range buckets {
		score := round4(Breadth(activation, penalty))
		normalized[name] = score
		components := strings.Split(name, ".")
		for i := 1; i < len(components); i++ {
			prefix := strings.Join(components[:i], ".")
			normalized[prefix+"."+OverallKey] += score
		}
	}
	for name, score := range normalized {
		normalized[name] = round4(score)
	}
	return normalized
}

func round4(x float64) float64 {
	return math.Round(x*10000) / 10000
}

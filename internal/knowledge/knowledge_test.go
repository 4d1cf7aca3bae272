package knowledge

import (
	"math"
	"testing"
	"time"
)

func fixedNow() time.Time {
	return time.Date(2026, time.March, 14, 12, 0, 0, 0, time.UTC)
}

func daysAgo(n int) time.Time {
	return fixedNow().AddDate(0, 0, -n)
}

func TestReferenceOrdinalMatchesKnownDates(t *testing.T) {
	// 1970-01-01 is proleptic ordinal 719163.
	if got := NewReference(time.Date(1970, time.January, 1, 0, 0, 0, 0, time.UTC)); got != 719163 {
		t.Fatalf("epoch ordinal = %d, want 719163", got)
	}
	// Time of day and zone never change the day bucket.
	a := NewReference(time.Date(2026, time.March, 14, 23, 59, 0, 0, time.UTC))
	b := NewReference(time.Date(2026, time.March, 14, 0, 1, 0, 0, time.UTC))
	if a != b {
		t.Fatalf("same-day references differ: %d vs %d", a, b)
	}
}

func TestActivationDecaysWithFloor(t *testing.T) {
	today := NewReference(fixedNow())

	fresh := NewReference(fixedNow()).Activation(today)
	want := 1 / (1 + math.Exp(-4))
	if math.Abs(fresh-want) > 1e-12 {
		t.Fatalf("fresh activation = %v, want %v", fresh, want)
	}

	prev := fresh
	for _, days := range []int{30, 300, 900, 1800, 3600} {
		a := NewReference(daysAgo(days)).Activation(today)
		if a > prev {
			t.Fatalf("activation increased with age at %d days: %v > %v", days, a, prev)
		}
		prev = a
	}

	if old := NewReference(daysAgo(3600)).Activation(today); old != 0.1 {
		t.Fatalf("ancient activation = %v, want floor 0.1", old)
	}
}

func TestBreadthIsAnchoredMonotonicAndConcave(t *testing.T) {
	const k = 20.0
	if got := Breadth(0, k); got != 0 {
		t.Fatalf("r(0) = %v, want 0", got)
	}
	if got := Breadth(1, k); math.Abs(got-1) > 1e-12 {
		t.Fatalf("r(1) = %v, want 1", got)
	}
	prev, prevGain := 0.0, math.Inf(1)
	for x := 1.0; x <= 128; x *= 2 {
		r := Breadth(x, k)
		if r <= prev {
			t.Fatalf("r not increasing at x=%v: %v <= %v", x, r, prev)
		}
		if gain := r - prev; gain >= prevGain {
			t.Fatalf("r not concave at x=%v: gain %v >= %v", x, gain, prevGain)
		} else {
			prevGain = gain
		}
		prev = r
	}
}

func TestAddReferenceDropsPrivateSentinel(t *testing.T) {
	m := NewModelAt(fixedNow)
	m.AddReference(fixedNow(), 5, "python", PrivateKey)
	m.AddReference(fixedNow(), 5, "python", PrivateKey, "helper")
	if !m.Empty() {
		t.Fatal("private references were admitted")
	}

	m.AddReference(fixedNow(), 3, "python", "socket", "recv")
	if got := m.ReferenceCount("python.socket.recv"); got != 3 {
		t.Fatalf("reference count = %d, want 3", got)
	}
}

func TestNormalizePadsShortNamesWithUnknown(t *testing.T) {
	m := NewModelAt(fixedNow)
	m.AddReference(fixedNow(), 1, "python")

	n := m.Normalize(2, 20.0)
	if _, ok := n["python."+UnknownKey]; !ok {
		t.Fatalf("missing padded bucket, got %v", n)
	}
}

func TestNormalizeTruncatesAndMergesDeepNames(t *testing.T) {
	m := NewModelAt(fixedNow)
	m.AddReference(fixedNow(), 1, "python", "socket", "recv")
	m.AddReference(fixedNow(), 1, "python", "socket", "send")

	n := m.Normalize(2, 20.0)
	if _, ok := n["python.socket.recv"]; ok {
		t.Fatalf("depth-2 projection kept a depth-3 key: %v", n)
	}
	merged := n["python.socket"]

	// Both references land in one bucket, so the score reflects the summed
	// activation regularized once.
	today := NewReference(fixedNow())
	want := Breadth(2*NewReference(fixedNow()).Activation(today), 20.0)
	if math.Abs(merged-want) > 1e-4 {
		t.Fatalf("merged score = %v, want ~%v", merged, want)
	}
}

func TestNormalizeOverallIsPlainSumOfChildren(t *testing.T) {
	m := NewModelAt(fixedNow)
	m.AddReference(fixedNow(), 10, "python", "socket")
	m.AddReference(fixedNow(), 10, "python", "collections")
	m.AddReference(fixedNow(), 10, "javascript", "react")

	n := m.Normalize(2, 20.0)
	wantPython := n["python.socket"] + n["python.collections"]
	if math.Abs(n["python."+OverallKey]-wantPython) > 1e-4 {
		t.Fatalf("python overall = %v, want sum of children %v", n["python."+OverallKey], wantPython)
	}
	if math.Abs(n["javascript."+OverallKey]-n["javascript.react"]) > 1e-4 {
		t.Fatalf("javascript overall = %v, want %v", n["javascript."+OverallKey], n["javascript.react"])
	}
}

func TestNormalizeRollsUpEveryStrictPrefix(t *testing.T) {
	m := NewModelAt(fixedNow)
	m.AddReference(fixedNow(), 4, "python", "socket", "recv")

	n := m.Normalize(3, 20.0)
	leaf := n["python.socket.recv"]
	if leaf == 0 {
		t.Fatalf("missing leaf score: %v", n)
	}
	if n["python."+OverallKey] != leaf || n["python.socket."+OverallKey] != leaf {
		t.Fatalf("prefix rollups incomplete: %v", n)
	}
}

// Breadth beats repetition: eight modules touched ten times each outscore one
// module touched eighty times.
func TestBroadKnowledgeOutscoresNarrow(t *testing.T) {
	narrow := NewModelAt(fixedNow)
	narrow.AddReference(fixedNow(), 80, "python", "socket", "recv")

	broad := NewModelAt(fixedNow)
	for _, module := range []string{"socket", "collections", "itertools", "functools", "contextlib", "json", "re", "os"} {
		broad.AddReference(fixedNow(), 10, "python", module, "x")
	}

	narrowOverall := narrow.Normalize(2, 20.0)["python."+OverallKey]
	broadOverall := broad.Normalize(2, 20.0)["python."+OverallKey]
	if broadOverall <= narrowOverall {
		t.Fatalf("broad %v <= narrow %v", broadOverall, narrowOverall)
	}
}

func TestNormalizeRoundsToFourDecimals(t *testing.T) {
	m := NewModelAt(fixedNow)
	m.AddReference(daysAgo(700), 7, "python", "socket")

	for name, score := range m.Normalize(2, 20.0) {
		if rounded := math.Round(score*10000) / 10000; rounded != score {
			t.Fatalf("%s score %v not rounded to 4 decimals", name, score)
		}
	}
}

func TestBreadthClampsNonPositivePenalty(t *testing.T) {
	want := Breadth(3, DefaultRepetitionPenalty)
	for _, penalty := range []float64{0, -5} {
		got := Breadth(3, penalty)
		if math.IsNaN(got) || math.IsInf(got, 0) {
			t.Fatalf("Breadth(3, %v) = %v", penalty, got)
		}
		if got != want {
			t.Fatalf("Breadth(3, %v) = %v, want default-penalty %v", penalty, got, want)
		}
	}

	m := NewModelAt(fixedNow)
	m.AddReference(fixedNow(), 4, "python", "socket")
	for name, score := range m.Normalize(2, 0) {
		if math.IsNaN(score) || math.IsInf(score, 0) {
			t.Fatalf("%s score %v with zero penalty", name, score)
		}
	}
}

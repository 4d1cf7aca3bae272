package population

import (
	"math"
	"sort"
	"strings"

	"github.com/rebase-inc/skillscanner/internal/knowledge"
)

// Ranking is a user's standing for one dotted name.
type Ranking struct {
	// Rank counts users strictly ahead; 0 means top of the leaderboard.
	Rank int `json:"rank"`
	// Population is the number of scored users on the leaderboard.
	Population int `json:"population"`
	// Relevance is the floored sum of all scores including the user's own,
	// a rough measure of how contested the name is.
	Relevance int `json:"relevance"`
}

// RankingNode folds dotted names into a tree, one node per name component,
// with the rollup score's ranking attached to the parent node itself.
type RankingNode struct {
	Ranking
	Modules map[string]*RankingNode `json:"modules"`
}

func newRankingNode() *RankingNode {
	return &RankingNode{Modules: map[string]*RankingNode{}}
}

// insertRanking places one (dotted name, ranking) pair into the tree. A
// trailing overall sentinel attaches the ranking to the parent node.
func insertRanking(tree map[string]*RankingNode, name string, ranking Ranking) {
	components := strings.Split(name, ".")
	if components[len(components)-1] == knowledge.OverallKey {
		components = components[:len(components)-1]
	}
	if len(components) == 0 {
		return
	}

	node, ok := tree[components[0]]
	if !ok {
		node = newRankingNode()
		tree[components[0]] = node
	}
	for _, component := range components[1:] {
		child, ok := node.Modules[component]
		if !ok {
			child = newRankingNode()
			node.Modules[component] = child
		}
		node = child
	}
	node.Ranking = ranking
}

// bisectRight returns the insertion point for x in sorted keeping it sorted,
// after any existing entries equal to x.
func bisectRight(sorted []float64, x float64) int {
	return sort.Search(len(sorted), func(i int) bool { return sorted[i] > x })
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}

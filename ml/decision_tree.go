package ml

import (
	"errors"
	"fmt"
	"sort"
)

// maxBins caps the candidate thresholds evaluated per feature.
const maxBins = 32

// RegressionTree is a CART regression tree stored as a flat node slice with
// the root at index 0.
type RegressionTree struct {
	Nodes []TreeNode `json:"nodes"`
}

type TreeNode struct {
	FeatureIdx int     `json:"feature_idx"`
	Threshold  float64 `json:"threshold"`
	LeftChild  int     `json:"left_child"`
	RightChild int     `json:"right_child"`
	Value      float64 `json:"value"`
	IsLeaf     bool    `json:"is_leaf"`
}

// TreeConfig controls tree growth.
type TreeConfig struct {
	MaxDepth            int
	MinInstancesPerNode int
	// FeatureOrder fixes the order features are tried in, which decides ties
	// between equally good splits.
	FeatureOrder []int
}

func (t *RegressionTree) Train(features [][]float64, targets []float64, config TreeConfig) error {
	if len(features) == 0 || len(targets) == 0 {
		return errors.New("features or targets empty")
	}
	if len(features) != len(targets) {
		return errors.New("features and targets size mismatch")
	}
	if config.MaxDepth < 0 {
		config.MaxDepth = 0
	}
	if config.MinInstancesPerNode < 1 {
		config.MinInstancesPerNode = 1
	}
	if len(config.FeatureOrder) == 0 {
		config.FeatureOrder = make([]int, len(features[0]))
		for i := range config.FeatureOrder {
			config.FeatureOrder[i] = i
		}
	}
	rows := make([]int, len(features))
	for i := range rows {
		rows[i] = i
	}
	t.Nodes = buildRegressionNode(features, targets, rows, 0, config)
	return nil
}

func (t *RegressionTree) Predict(features []float64) (float64, error) {
	if len(t.Nodes) == 0 {
		return 0, errors.New("model not trained")
	}
	idx := 0
	// a path visits each node at most once
	for steps := 0; steps < len(t.Nodes); steps++ {
		node := t.Nodes[idx]
		if node.IsLeaf {
			return node.Value, nil
		}
		if node.FeatureIdx < 0 || node.FeatureIdx >= len(features) {
			return 0, errors.New("feature index out of range")
		}
		if features[node.FeatureIdx] <= node.Threshold {
			idx = node.LeftChild
		} else {
			idx = node.RightChild
		}
		if idx < 0 || idx >= len(t.Nodes) {
			return 0, errors.New("invalid tree state")
		}
	}
	return 0, errors.New("tree has a cycle")
}

// Validate checks the pre-order layout: every split node points forward to
// children inside the slice.
func (t *RegressionTree) Validate() error {
	if len(t.Nodes) == 0 {
		return errors.New("tree has no nodes")
	}
	for i, node := range t.Nodes {
		if node.IsLeaf {
			continue
		}
		for _, child := range []int{node.LeftChild, node.RightChild} {
			if child <= i || child >= len(t.Nodes) {
				return fmt.Errorf("node %d has child index %d out of order", i, child)
			}
		}
	}
	return nil
}

func leafNode(value float64) []TreeNode {
	return []TreeNode{{
		FeatureIdx: -1,
		LeftChild:  -1,
		RightChild: -1,
		Value:      value,
		IsLeaf:     true,
	}}
}

func buildRegressionNode(features [][]float64, targets []float64, rows []int, depth int, config TreeConfig) []TreeNode {
	mean, impurity := meanVariance(targets, rows)
	if depth >= config.MaxDepth || impurity == 0 || len(rows) < 2*config.MinInstancesPerNode {
		return leafNode(mean)
	}

	split, ok := findBestRegressionSplit(features, targets, rows, impurity, config)
	if !ok {
		return leafNode(mean)
	}

	left := make([]int, 0, split.leftCount)
	right := make([]int, 0, len(rows)-split.leftCount)
	for _, r := range rows {
		if features[r][split.feature] <= split.threshold {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}

	leftNodes := buildRegressionNode(features, targets, left, depth+1, config)
	rightNodes := buildRegressionNode(features, targets, right, depth+1, config)

	root := TreeNode{
		FeatureIdx: split.feature,
		Threshold:  split.threshold,
		LeftChild:  1,
		RightChild: 1 + len(leftNodes),
		Value:      mean,
	}
	// subtrees index their own nodes from 0; shift them to their final place
	nodes := make([]TreeNode, 0, 1+len(leftNodes)+len(rightNodes))
	nodes = append(nodes, root)
	nodes = appendShifted(nodes, leftNodes, root.LeftChild)
	nodes = appendShifted(nodes, rightNodes, root.RightChild)
	return nodes
}

func appendShifted(dst, subtree []TreeNode, offset int) []TreeNode {
	for _, node := range subtree {
		if !node.IsLeaf {
			node.LeftChild += offset
			node.RightChild += offset
		}
		dst = append(dst, node)
	}
	return dst
}

type regressionSplit struct {
	feature   int
	threshold float64
	gain      float64
	leftCount int
}

// findBestRegressionSplit picks the split with the largest variance
// reduction. Each side must keep at least MinInstancesPerNode rows.
func findBestRegressionSplit(features [][]float64, targets []float64, rows []int, impurity float64, config TreeConfig) (regressionSplit, bool) {
	best := regressionSplit{feature: -1}
	n := float64(len(rows))
	sorted := make([]int, len(rows))

	for _, feature := range config.FeatureOrder {
		copy(sorted, rows)
		sort.SliceStable(sorted, func(i, j int) bool {
			return features[sorted[i]][feature] < features[sorted[j]][feature]
		})

		var totalSum, totalSq float64
		for _, r := range sorted {
			totalSum += targets[r]
			totalSq += targets[r] * targets[r]
		}

		candidates := candidateThresholds(features, sorted, feature)
		var leftSum, leftSq float64
		pos := 0
		for _, threshold := range candidates {
			for pos < len(sorted) && features[sorted[pos]][feature] <= threshold {
				y := targets[sorted[pos]]
				leftSum += y
				leftSq += y * y
				pos++
			}
			leftN := float64(pos)
			rightN := n - leftN
			if pos < config.MinInstancesPerNode || len(sorted)-pos < config.MinInstancesPerNode {
				continue
			}
			leftVar := leftSq/leftN - (leftSum/leftN)*(leftSum/leftN)
			rightSum := totalSum - leftSum
			rightVar := (totalSq-leftSq)/rightN - (rightSum/rightN)*(rightSum/rightN)
			gain := impurity - (leftN/n)*leftVar - (rightN/n)*rightVar
			if gain > best.gain+1e-12 {
				best = regressionSplit{feature: feature, threshold: threshold, gain: gain, leftCount: pos}
			}
		}
	}
	return best, best.feature >= 0
}

// candidateThresholds returns midpoints between distinct sorted values,
// thinned to at most maxBins-1 quantile cut points.
func candidateThresholds(features [][]float64, sorted []int, feature int) []float64 {
	distinct := make([]float64, 0, len(sorted))
	for i, r := range sorted {
		v := features[r][feature]
		if i == 0 || v != distinct[len(distinct)-1] {
			distinct = append(distinct, v)
		}
	}
	if len(distinct) < 2 {
		return nil
	}
	cuts := make([]float64, 0, len(distinct)-1)
	for i := 0; i+1 < len(distinct); i++ {
		cuts = append(cuts, (distinct[i]+distinct[i+1])/2)
	}
	if len(cuts) < maxBins {
		return cuts
	}
	thinned := make([]float64, 0, maxBins-1)
	for b := 1; b < maxBins; b++ {
		c := cuts[b*len(cuts)/maxBins]
		if len(thinned) == 0 || c != thinned[len(thinned)-1] {
			thinned = append(thinned, c)
		}
	}
	return thinned
}

func meanVariance(targets []float64, rows []int) (float64, float64) {
	if len(rows) == 0 {
		return 0, 0
	}
	var sum, sq float64
	for _, r := range rows {
		sum += targets[r]
		sq += targets[r] * targets[r]
	}
	n := float64(len(rows))
	mean := sum / n
	variance := sq/n - mean*mean
	if variance < 1e-15 {
		variance = 0
	}
	return mean, variance
}

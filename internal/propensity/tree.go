package propensity

import "sort"

// regressionTree is a depth-limited CART regression tree fit to boosting
// gradients with case weights. Splits maximize weighted squared-error
// reduction; leaf values are the Newton step for the multinomial deviance,
// computed from the gradient numerators and hessian denominators the caller
// supplies.
type regressionTree struct {
	root *treeNode
}

type treeNode struct {
	leaf      bool
	value     float64
	feature   int
	threshold float64
	left      *treeNode
	right     *treeNode
}

type treeParams struct {
	maxDepth int
	minNode  int
}

// fitTree grows a tree on the subjects in idx. columns is the design in
// column-major form; grad and hess are per-subject gradient and hessian
// terms; w is the case weight vector.
func fitTree(columns [][]float64, grad, hess, w []float64, idx []int, params treeParams) *regressionTree {
	return &regressionTree{root: buildNode(columns, grad, hess, w, idx, 0, params)}
}

func buildNode(columns [][]float64, grad, hess, w []float64, idx []int, depth int, params treeParams) *treeNode {
	if depth >= params.maxDepth || len(idx) < 2*params.minNode {
		return leafNode(grad, hess, w, idx)
	}
	feature, threshold, ok := bestSplit(columns, grad, w, idx, params.minNode)
	if !ok {
		return leafNode(grad, hess, w, idx)
	}

	var left, right []int
	for _, i := range idx {
		if columns[feature][i] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	return &treeNode{
		feature:   feature,
		threshold: threshold,
		left:      buildNode(columns, grad, hess, w, left, depth+1, params),
		right:     buildNode(columns, grad, hess, w, right, depth+1, params),
	}
}

// leafNode computes the Newton-step leaf estimate sum(w*g) / sum(w*h)
func leafNode(grad, hess, w []float64, idx []int) *treeNode {
	var num, den float64
	for _, i := range idx {
		num += w[i] * grad[i]
		den += w[i] * hess[i]
	}
	value := 0.0
	if den > 1e-12 {
		value = num / den
	}
	// Clamp extreme leaf steps; a single near-pure leaf must not send the
	// score to infinity
	if value > 4 {
		value = 4
	} else if value < -4 {
		value = -4
	}
	return &treeNode{leaf: true, value: value}
}

// bestSplit scans every feature with a sorted prefix-sum sweep and returns
// the split with the largest weighted squared-error reduction
func bestSplit(columns [][]float64, grad, w []float64, idx []int, minNode int) (feature int, threshold float64, ok bool) {
	var totalW, totalS float64
	for _, i := range idx {
		totalW += w[i]
		totalS += w[i] * grad[i]
	}
	if totalW <= 0 {
		return 0, 0, false
	}
	baseScore := totalS * totalS / totalW

	bestGain := 1e-12
	order := make([]int, len(idx))

	for j := range columns {
		col := columns[j]
		copy(order, idx)
		sortByColumn(order, col)

		var leftW, leftS float64
		for pos := 0; pos < len(order)-1; pos++ {
			i := order[pos]
			leftW += w[i]
			leftS += w[i] * grad[i]

			// No valid threshold between identical values
			if col[order[pos+1]] == col[i] {
				continue
			}
			if pos+1 < minNode || len(order)-pos-1 < minNode {
				continue
			}
			rightW := totalW - leftW
			rightS := totalS - leftS
			if leftW <= 0 || rightW <= 0 {
				continue
			}
			gain := leftS*leftS/leftW + rightS*rightS/rightW - baseScore
			if gain > bestGain {
				bestGain = gain
				feature = j
				threshold = (col[i] + col[order[pos+1]]) / 2
				ok = true
			}
		}
	}
	return feature, threshold, ok
}

// sortByColumn orders subject indices by a feature column, breaking ties by
// index so the scan is deterministic
func sortByColumn(idx []int, col []float64) {
	sort.Slice(idx, func(a, b int) bool {
		if col[idx[a]] != col[idx[b]] {
			return col[idx[a]] < col[idx[b]]
		}
		return idx[a] < idx[b]
	})
}

// predict returns the tree's value for subject i of the column-major design
func (t *regressionTree) predict(columns [][]float64, i int) float64 {
	node := t.root
	for !node.leaf && node.left != nil {
		if columns[node.feature][i] <= node.threshold {
			node = node.left
		} else {
			node = node.right
		}
	}
	return node.value
}

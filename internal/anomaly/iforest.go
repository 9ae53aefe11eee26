package anomaly

import (
	"math"
	"math/rand"
)

// Параметры леса фиксированы, чтобы повторный прогон на тех же данных
// давал те же оценки
const (
	forestSeed   = 42
	forestTrees  = 100
	maxSubsample = 256
	eulerGamma   = 0.5772156649015329
)

// isolationForest оценивает аномальность одномерных наблюдений по
// средней глубине изоляции в ансамбле случайных деревьев
type isolationForest struct {
	trees     []*treeNode
	subsample int
}

type treeNode struct {
	split float64
	left  *treeNode
	right *treeNode
	size  int
}

// newIsolationForest строит ансамбль на случайных подвыборках данных
func newIsolationForest(data []float64) *isolationForest {
	subsample := len(data)
	if subsample > maxSubsample {
		subsample = maxSubsample
	}

	f := &isolationForest{
		trees:     make([]*treeNode, 0, forestTrees),
		subsample: subsample,
	}

	rng := rand.New(rand.NewSource(forestSeed))
	maxDepth := int(math.Ceil(math.Log2(float64(subsample)))) + 1

	for i := 0; i < forestTrees; i++ {
		sample := make([]float64, subsample)
		for j := range sample {
			sample[j] = data[rng.Intn(len(data))]
		}
		f.trees = append(f.trees, buildTree(sample, 0, maxDepth, rng))
	}
	return f
}

func buildTree(data []float64, depth, maxDepth int, rng *rand.Rand) *treeNode {
	if len(data) <= 1 || depth >= maxDepth {
		return &treeNode{size: len(data)}
	}

	lo, hi := data[0], data[0]
	for _, v := range data[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	// все значения равны, глубже изолировать нечего
	if lo == hi {
		return &treeNode{size: len(data)}
	}

	split := lo + rng.Float64()*(hi-lo)

	var left, right []float64
	for _, v := range data {
		if v < split {
			left = append(left, v)
		} else {
			right = append(right, v)
		}
	}
	return &treeNode{
		split: split,
		left:  buildTree(left, depth+1, maxDepth, rng),
		right: buildTree(right, depth+1, maxDepth, rng),
		size:  len(data),
	}
}

// pathLength возвращает глубину изоляции значения в одном дереве
func (n *treeNode) pathLength(v float64, depth float64) float64 {
	if n.left == nil && n.right == nil {
		return depth + averagePath(n.size)
	}
	if v < n.split {
		return n.left.pathLength(v, depth+1)
	}
	return n.right.pathLength(v, depth+1)
}

// score возвращает оценку аномальности в диапазоне (0, 1); значения
// ближе к 1 изолируются заметно быстрее среднего
func (f *isolationForest) score(v float64) float64 {
	var total float64
	for _, tree := range f.trees {
		total += tree.pathLength(v, 0)
	}
	mean := total / float64(len(f.trees))

	norm := averagePath(f.subsample)
	if norm == 0 {
		return 0
	}
	return math.Pow(2, -mean/norm)
}

// averagePath - ожидаемая глубина неудачного поиска в BST размера n,
// стандартная нормировка изоляционного леса
func averagePath(n int) float64 {
	if n <= 1 {
		return 0
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

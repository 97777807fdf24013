package analysis

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// NumSegments is the structural segment count requested from clustering
const NumSegments = 5

// frames are averaged into at most this many blocks before clustering
const maxSegmentBlocks = 512

// Segment is a labelled [Start, End) interval in seconds
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Label string  `json:"label"`
}

type cluster struct {
	start int // first frame
	count int // frames
	sum   []float64
}

func (c *cluster) mean() []float64 {
	m := append([]float64(nil), c.sum...)
	floats.Scale(1/float64(c.count), m)
	return m
}

// wardCost is the increase in within-cluster variance from merging a and b
func wardCost(a, b *cluster) float64 {
	d := floats.Distance(a.mean(), b.mean(), 2)
	na, nb := float64(a.count), float64(b.count)
	return na * nb / (na + nb) * d * d
}

// segmentBoundaries clusters feature frames into at most k temporally
// contiguous groups and returns the first frame of each group
func segmentBoundaries(frames [][]float64, k int) []int {
	if len(frames) == 0 || k <= 0 {
		return nil
	}

	blockSize := int(math.Ceil(float64(len(frames)) / maxSegmentBlocks))
	var clusters []*cluster
	for start := 0; start < len(frames); start += blockSize {
		end := min(start+blockSize, len(frames))
		c := &cluster{start: start, count: end - start, sum: make([]float64, len(frames[start]))}
		for _, f := range frames[start:end] {
			floats.Add(c.sum, f)
		}
		clusters = append(clusters, c)
	}

	for len(clusters) > k {
		best, bestCost := 0, math.Inf(1)
		for i := 0; i+1 < len(clusters); i++ {
			if cost := wardCost(clusters[i], clusters[i+1]); cost < bestCost {
				best, bestCost = i, cost
			}
		}
		a, b := clusters[best], clusters[best+1]
		floats.Add(a.sum, b.sum)
		a.count += b.count
		clusters = append(clusters[:best+1], clusters[best+2:]...)
	}

	out := make([]int, len(clusters))
	for i, c := range clusters {
		out[i] = c.start
	}
	return out
}

// buildSegments turns boundary frames into contiguous segments covering
// [0, duration)
func buildSegments(boundaries []int, frameRate, duration float64) []Segment {
	if duration <= 0 {
		return nil
	}
	starts := []float64{0}
	for _, b := range boundaries {
		t := float64(b) / frameRate
		if t > starts[len(starts)-1] && t < duration {
			starts = append(starts, t)
		}
	}

	segments := make([]Segment, len(starts))
	for i, s := range starts {
		end := duration
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		segments[i] = Segment{Start: s, End: end, Label: fmt.Sprintf("Segment %d", i+1)}
	}
	return segments
}

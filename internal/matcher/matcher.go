package matcher

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/dhconnelly/rtreego"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

var (
	// ErrArityMismatch is returned by BuildCandidateSet when the geometry
	// and attribute slices have different lengths.
	ErrArityMismatch = errors.New("matcher: geometry and attribute counts differ")

	// ErrInvalidGeometry is returned for points with NaN or infinite
	// coordinates.
	ErrInvalidGeometry = errors.New("matcher: geometry has non-finite coordinates")
)

type ProgressCallback func(current, total int, msg string)
type LoggerCallback func(msg string)

// Sets at or above this size get an R-tree; below it a linear scan wins.
const indexThreshold = 64

// Candidate pairs a point with the opaque attribute value carried
// alongside it (typically an identifier from the source dataset).
type Candidate struct {
	Point orb.Point
	Attr  any
}

// Match is the outcome of a nearest lookup: the winning candidate's point
// and attribute, plus the planar distance from the query.
type Match struct {
	Point    orb.Point
	Attr     any
	Distance float64
}

// CandidateSet is the fixed reference collection queries are matched
// against. It is immutable after construction and safe for concurrent
// lookups.
type CandidateSet struct {
	cands []Candidate
	tree  *rtreego.Rtree
}

// BuildCandidateSet pairs geometries with attributes by position. Both
// slices must have the same length and every point must have finite
// coordinates.
func BuildCandidateSet(points []orb.Point, attrs []any) (*CandidateSet, error) {
	if len(points) != len(attrs) {
		return nil, fmt.Errorf("%w: %d geometries, %d attributes", ErrArityMismatch, len(points), len(attrs))
	}
	cs := &CandidateSet{cands: make([]Candidate, len(points))}
	for i, p := range points {
		if !finite(p) {
			return nil, fmt.Errorf("%w: candidate %d (%v, %v)", ErrInvalidGeometry, i, p[0], p[1])
		}
		cs.cands[i] = Candidate{Point: p, Attr: attrs[i]}
	}
	if len(cs.cands) >= indexThreshold {
		cs.tree = rtreego.NewTree(2, 8, 16)
		for i := range cs.cands {
			cs.tree.Insert(&treeEntry{pt: cs.cands[i].Point, idx: i})
		}
	}
	return cs, nil
}

// Len reports the number of candidates.
func (cs *CandidateSet) Len() int { return len(cs.cands) }

// FindNearest returns the candidate minimizing Euclidean distance to the
// query. An empty set yields (nil, nil): an explicit no-result, never an
// error. Exact distance ties resolve to the earliest candidate in
// insertion order.
func (cs *CandidateSet) FindNearest(query orb.Point) (*Match, error) {
	if len(cs.cands) == 0 {
		return nil, nil
	}
	if !finite(query) {
		return nil, fmt.Errorf("%w: query (%v, %v)", ErrInvalidGeometry, query[0], query[1])
	}
	var idx int
	if cs.tree != nil {
		idx = cs.nearestIndexed(query)
	} else {
		idx = cs.nearestLinear(query)
	}
	c := cs.cands[idx]
	return &Match{Point: c.Point, Attr: c.Attr, Distance: planar.Distance(query, c.Point)}, nil
}

func (cs *CandidateSet) nearestLinear(q orb.Point) int {
	best := 0
	bestD := planar.DistanceSquared(q, cs.cands[0].Point)
	for i := 1; i < len(cs.cands); i++ {
		// Strict < keeps the first candidate on exact ties.
		if d := planar.DistanceSquared(q, cs.cands[i].Point); d < bestD {
			best, bestD = i, d
		}
	}
	return best
}

func (cs *CandidateSet) nearestIndexed(q orb.Point) int {
	hit, ok := cs.tree.NearestNeighbor(rtreego.Point{q[0], q[1]}).(*treeEntry)
	if !ok {
		return cs.nearestLinear(q)
	}
	d := planar.Distance(q, hit.pt)
	// Rescan every candidate within that radius so exact ties still
	// resolve to the earliest insertion, same as the linear path.
	half := d + 2*entryTol
	rect, err := rtreego.NewRect(rtreego.Point{q[0] - half, q[1] - half}, []float64{2 * half, 2 * half})
	if err != nil {
		return cs.nearestLinear(q)
	}
	best, bestD := hit.idx, d
	for _, s := range cs.tree.SearchIntersect(rect) {
		e := s.(*treeEntry)
		ed := planar.Distance(q, e.pt)
		if ed < bestD || (ed == bestD && e.idx < best) {
			best, bestD = e.idx, ed
		}
	}
	return best
}

// BatchResult holds one query's outcome: a Match, nil for no-result, or a
// per-row error.
type BatchResult struct {
	Match *Match
	Err   error
}

// FindNearestBatch applies FindNearest to each query, returning results in
// query order. Rows with invalid geometry fail individually; the batch
// keeps going. Work is split into per-CPU chunks since the set is
// read-only for the whole batch.
func (cs *CandidateSet) FindNearestBatch(queries []orb.Point, onProgress ProgressCallback, logger LoggerCallback) []BatchResult {
	total := len(queries)
	results := make([]BatchResult, total)
	if total == 0 {
		return results
	}

	numCPU := runtime.NumCPU()
	if numCPU < 1 {
		numCPU = 1
	}
	chunkSize := (total + numCPU - 1) / numCPU

	var wg sync.WaitGroup
	var processedCount int64

	if logger != nil {
		logger(fmt.Sprintf("Matching %d queries against %d candidates on %d CPUs", total, len(cs.cands), numCPU))
	}

	for i := 0; i < numCPU; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if start >= total {
			break
		}
		if end > total {
			end = total
		}

		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			for idx := s; idx < e; idx++ {
				m, err := cs.FindNearest(queries[idx])
				results[idx] = BatchResult{Match: m, Err: err}

				count := atomic.AddInt64(&processedCount, 1)
				if count%500 == 0 && onProgress != nil {
					onProgress(int(count), total, "")
				}
			}
		}(start, end)
	}

	wg.Wait()

	if onProgress != nil {
		onProgress(total, total, "")
	}
	if logger != nil {
		logger("Matching completed.")
	}
	return results
}

func finite(p orb.Point) bool {
	return !math.IsNaN(p[0]) && !math.IsInf(p[0], 0) &&
		!math.IsNaN(p[1]) && !math.IsInf(p[1], 0)
}

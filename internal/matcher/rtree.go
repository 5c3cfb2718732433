package matcher

import (
	"github.com/dhconnelly/rtreego"
	"github.com/paulmach/orb"
)

// Zero-area rects break R-tree splitting, so entries get a tiny pad. The
// indexed lookup compensates by rescanning with exact distances.
const entryTol = 1e-9

type treeEntry struct {
	pt  orb.Point
	idx int
}

func (e *treeEntry) Bounds() *rtreego.Rect {
	return rtreego.Point{e.pt[0], e.pt[1]}.ToRect(entryTol)
}

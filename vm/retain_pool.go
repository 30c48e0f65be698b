package vm

// ---------------------------------------------------------------------------
// RetainPool: stack-discipline roots for transient values
// ---------------------------------------------------------------------------
//
// Every allocation is retained in the current coroutine's pool, because the
// very next allocation is a safe point and an unlinked fresh object would
// otherwise be sweepable. Evaluation pushes a mark on entry and pops it on
// every exit path; popping releases everything above the mark except one
// exempted result, which is re-retained in the enclosing frame.

// RetainPool is a LIFO root set owned by one coroutine.
type RetainPool struct {
	collector *Collector
	refs      []Ref
	marks     []int
}

// NewRetainPool creates an empty pool rooted against the given collector.
func NewRetainPool(c *Collector) *RetainPool {
	return &RetainPool{collector: c}
}

// Retain roots r in the current frame. Retaining during marking shades it.
func (p *RetainPool) Retain(r Ref) {
	if r.IsNil() {
		return
	}
	p.refs = append(p.refs, r)
	p.collector.Shade(r)
}

// PushMark opens a new frame.
func (p *RetainPool) PushMark() {
	p.marks = append(p.marks, len(p.refs))
}

// PopMark closes the current frame, releasing every value retained since the
// matching PushMark except result, which survives into the enclosing frame.
// Pass NilRef to exempt nothing.
func (p *RetainPool) PopMark(result Ref) {
	if len(p.marks) == 0 {
		fatalf("PopMark on a pool with no marks")
	}
	base := p.marks[len(p.marks)-1]
	p.marks = p.marks[:len(p.marks)-1]
	p.refs = p.refs[:base]
	p.Retain(result)
}

// Depth returns the number of open frames.
func (p *RetainPool) Depth() int { return len(p.marks) }

// Len returns the number of currently rooted values.
func (p *RetainPool) Len() int { return len(p.refs) }

// forEach shades every rooted value; used during root enumeration.
func (p *RetainPool) forEach(shade func(Ref)) {
	for _, r := range p.refs {
		shade(r)
	}
}

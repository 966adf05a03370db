package fractal

// History is an undo/redo stack of parameter snapshots.
//
// Current is the editable head. Push freezes it on the undo stack and
// continues on a clone, so snapshots already handed to renderers are
// never modified. History is not safe for concurrent use.
type History struct {
	current *Params
	undo    []*Params
	redo    []*Params
}

// NewHistory starts a history at p.
func NewHistory(p *Params) *History {
	return &History{current: p}
}

// Current returns the head snapshot.
func (h *History) Current() *Params {
	return h.current
}

// Push saves the head and replaces it with a deep copy. Any redo entries
// are dropped.
func (h *History) Push() {
	h.undo = append(h.undo, h.current)
	h.redo = h.redo[:0]
	h.current = h.current.Clone()
}

// Undo restores the previous snapshot. It reports false when there is
// nothing to undo.
func (h *History) Undo() bool {
	if len(h.undo) == 0 {
		return false
	}
	h.redo = append(h.redo, h.current)
	h.current = h.undo[len(h.undo)-1]
	h.undo = h.undo[:len(h.undo)-1]
	return true
}

// Redo reapplies the last undone snapshot.
func (h *History) Redo() bool {
	if len(h.redo) == 0 {
		return false
	}
	h.undo = append(h.undo, h.current)
	h.current = h.redo[len(h.redo)-1]
	h.redo = h.redo[:len(h.redo)-1]
	return true
}

// Reset clears both stacks and makes p the head.
func (h *History) Reset(p *Params) {
	h.undo = nil
	h.redo = nil
	h.current = p
}

// Len returns the number of undo and redo entries.
func (h *History) Len() (undo, redo int) {
	return len(h.undo), len(h.redo)
}

package coordinator

// Cursor picks workers cyclically, blind to load. The counter is incremented
// before use, so with W workers the first dispatch goes to slot 1 % W.
type Cursor struct {
	n       uint64
	workers int
}

// NewCursor creates a cursor over the given number of workers
func NewCursor(workers int) *Cursor {
	if workers < 1 {
		workers = 1
	}
	return &Cursor{workers: workers}
}

// Next advances the cursor and returns the selected worker slot
func (c *Cursor) Next() int {
	c.n++
	return int(c.n % uint64(c.workers))
}

// Dispatches returns how many times Next was called
func (c *Cursor) Dispatches() uint64 {
	return c.n
}

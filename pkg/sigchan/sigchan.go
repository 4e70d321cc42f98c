package sigchan

// Chan is a non-blocking notification channel: it signals that something
// happened without carrying data. Emitting into a full buffer is a no-op.
type Chan struct {
	c chan struct{}
}

// New creates a signal channel with the given buffer size.
func New(bufferSize int) *Chan {
	return &Chan{c: make(chan struct{}, bufferSize)}
}

// Emit sends a signal without blocking.
func (c *Chan) Emit() {
	select {
	case c.c <- struct{}{}:
	default:
	}
}

// C returns the channel for select loops.
func (c *Chan) C() <-chan struct{} {
	return c.c
}

package memgo

// Close shuts the engine down: the segment cache stops its refresh
// worker and every partition's log is flushed, synced, and closed.
// Close is idempotent; operations after it return ErrClosed.
func (mg *Memgo) Close() error {
	if mg == nil {
		return nil
	}
	if !mg.closed.CompareAndSwap(false, true) {
		return nil
	}

	var firstErr error
	if mg.cache != nil {
		if err := mg.cache.Close(); err != nil {
			firstErr = err
		}
	}

	mg.mu.Lock()
	defer mg.mu.Unlock()
	for _, p := range mg.parts {
		if err := p.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

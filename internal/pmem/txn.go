package pmem

// Txn is an undo-log style transaction over the pool: mutating
// operations append a restore closure (the "undo log entry") for each
// state change they make, and either Commit (discard the log) or Abort
// (replay the log in reverse). The pre-image here is a closure that
// knows how to restore the map entry / arena pointer it guards, since
// the Index lives as an ordinary Go map rather than a flat byte region.
//
// Txn holds Pool.mu for its entire lifetime, so two transactions on the
// same pool never interleave: a mutation commits both the value pointer
// and the location tag, or leaves the prior state intact.
type Txn struct {
	pool  *Pool
	undo  []func()
	done  bool
}

// Begin starts a transaction and locks the pool for its duration. Callers
// must always call Commit or Abort exactly once.
func (p *Pool) Begin() *Txn {
	p.mu.Lock()
	return &Txn{pool: p}
}

// LogUndo records restore as the action to take if the transaction is
// aborted. Undo actions run in LIFO order, mirroring how a real undo log
// is replayed backwards from its tail.
func (t *Txn) LogUndo(restore func()) {
	t.undo = append(t.undo, restore)
}

// Commit discards the undo log and releases the pool lock.
func (t *Txn) Commit() {
	if t.done {
		return
	}
	t.done = true
	t.undo = nil
	t.pool.mu.Unlock()
}

// Abort replays the undo log in reverse (LIFO) order, restoring the
// state the transaction observed at its Begin, then releases the pool
// lock.
func (t *Txn) Abort() {
	if t.done {
		return
	}
	t.done = true
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	t.pool.mu.Unlock()
}

// Run executes fn inside a transaction, committing on a nil return and
// aborting (replaying the undo log) otherwise — including when fn
// panics, in which case the panic is re-raised after rollback so a crash
// mid-transaction can never leave a torn pointer/location-tag pair
// visible to readers.
func (p *Pool) Run(fn func(t *Txn) error) (err error) {
	t := p.Begin()
	defer func() {
		if r := recover(); r != nil {
			t.Abort()
			panic(r)
		}
	}()
	if err = fn(t); err != nil {
		t.Abort()
		return err
	}
	t.Commit()
	return nil
}

package cowdb

import "context"

// writerSlot serialises write transactions. Within the process a one-token
// channel hands the slot over; across processes the flock on the lock file
// does the same.
type writerSlot struct {
	sem  chan struct{}
	lock *lockFile
}

func newWriterSlot(lf *lockFile) *writerSlot {
	return &writerSlot{sem: make(chan struct{}, 1), lock: lf}
}

// acquire blocks until the slot is free or ctx is done.
func (w *writerSlot) acquire(ctx context.Context) error {
	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		return WrapError(ErrBusy, ctx.Err())
	}
	if err := w.lock.lockWriter(); err != nil {
		<-w.sem
		return WrapError(ErrInvalid, err)
	}
	return nil
}

// tryAcquire takes the slot only if nobody holds it.
func (w *writerSlot) tryAcquire() error {
	select {
	case w.sem <- struct{}{}:
	default:
		return NewError(ErrBusy)
	}
	ok, err := w.lock.tryLockWriter()
	if err != nil {
		<-w.sem
		return WrapError(ErrInvalid, err)
	}
	if !ok {
		<-w.sem
		return NewError(ErrBusy)
	}
	return nil
}

func (w *writerSlot) release() {
	_ = w.lock.unlockWriter()
	<-w.sem
}

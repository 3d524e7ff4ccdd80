package cowdb

import "context"

// TxnOp is a function that operates on a transaction.
// This is the callback type for View, Update, and RunTxn.
type TxnOp func(txn *Txn) error

// View executes a read-only transaction. The transaction always ends
// before View returns.
func (e *Env) View(fn TxnOp) error {
	return e.RunTxn(TxnReadOnly, fn)
}

// Update executes a read-write transaction.
// The transaction is committed when fn returns nil,
// or aborted when fn returns an error.
func (e *Env) Update(fn TxnOp) error {
	return e.RunTxn(TxnReadWrite, fn)
}

// UpdateContext is Update with a context bounding the wait for the writer.
func (e *Env) UpdateContext(ctx context.Context, fn TxnOp) error {
	return e.runTxn(ctx, TxnReadWrite, fn)
}

// RunTxn runs a transaction with the given flags.
// The transaction is committed when fn returns nil,
// or aborted when fn returns an error. A panic in fn aborts the
// transaction before propagating.
func (e *Env) RunTxn(flags uint, fn TxnOp) error {
	return e.runTxn(context.Background(), flags, fn)
}

func (e *Env) runTxn(ctx context.Context, flags uint, fn TxnOp) error {
	txn, err := e.BeginTxnContext(ctx, nil, flags)
	if err != nil {
		return err
	}
	defer txn.Abort()

	if err := fn(txn); err != nil {
		return err
	}
	_, err = txn.Commit()
	return err
}

// Bind attaches a closed cursor to a transaction and database, so one
// Cursor value can be reused across transactions.
func (c *Cursor) Bind(txn *Txn, dbi DBI) error {
	if c == nil {
		return NewError(ErrInvalid)
	}
	if err := txn.checkRead(); err != nil {
		return err
	}
	if _, err := txn.db(dbi); err != nil {
		return err
	}
	if c.signature == cursorSignature {
		c.txn.removeCursor(c)
	}
	*c = Cursor{
		signature: cursorSignature,
		top:       -1,
		dbi:       dbi,
		txn:       txn,
		cmp:       txn.env.compareFunc(dbi),
		key:       c.key[:0],
	}
	txn.cursors = append(txn.cursors, c)
	return nil
}

// Renew binds the cursor to a new read-only transaction on the same
// database.
func (c *Cursor) Renew(txn *Txn) error {
	if !txn.valid() {
		return NewError(ErrBadTxn)
	}
	if !txn.readOnly {
		return NewError(ErrIncompatible)
	}
	return c.Bind(txn, c.dbi)
}

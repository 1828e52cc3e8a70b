package es

// Transaction is a started transactional scope. Exactly one of Commit
// or Rollback must be called on every exit path.
type Transaction interface {
	Commit() error
	Rollback() error
}

// TransactionManager demarcates transactional scopes around multi-step
// storage mutations. Backends needing no demarcation use
// NoTransactionManager.
type TransactionManager interface {
	StartTransaction() (Transaction, error)
}

// TransactionManagerFunc adapts a function to a TransactionManager.
type TransactionManagerFunc func() (Transaction, error)

func (f TransactionManagerFunc) StartTransaction() (Transaction, error) { return f() }

// NoTransactionManager is a TransactionManager whose transactions are
// inert.
type NoTransactionManager struct{}

func (NoTransactionManager) StartTransaction() (Transaction, error) { return noTransaction{}, nil }

type noTransaction struct{}

func (noTransaction) Commit() error   { return nil }
func (noTransaction) Rollback() error { return nil }

// InTransaction runs task inside a scope from tm: committed on
// success, rolled back when the task errors or panics.
func InTransaction(tm TransactionManager, task func() error) (err error) {
	tx, err := tm.StartTransaction()
	if err != nil {
		return err
	}

	committing := false
	defer func() {
		if !committing {
			_ = tx.Rollback()
		}
	}()

	if err = task(); err != nil {
		return err
	}
	committing = true
	return tx.Commit()
}

var _ TransactionManager = NoTransactionManager{}

package sink

import (
	"context"
	"errors"
	"fmt"
)

// Outcome is the delivery state of one spool file.
type Outcome int

const (
	// Pending means delivery has not been confirmed. It is the zero value.
	Pending Outcome = iota
	// Delivered means the destination acknowledged the file.
	Delivered
	// Failed means the destination rejected the file and retrying cannot help.
	Failed
	// Exhausted means transient failures persisted past the retry ceiling.
	Exhausted
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Delivered:
		return "delivered"
	case Failed:
		return "failed"
	case Exhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Delivered reports whether the file may be removed by its owner.
func (o Outcome) Delivered() bool { return o == Delivered }

// Descriptor identifies a completed spool file. It never carries row data.
type Descriptor struct {
	Schema  string
	Table   string
	Path    string
	Columns []string
}

// Stage is a next-writer in a chain. It receives completed spool files and
// reports whether each one reached its destination.
type Stage interface {
	// Insert hands a completed file to the stage. It does not return errors:
	// failures are reported through the Outcome.
	Insert(ctx context.Context, d Descriptor) Outcome

	// Close performs graceful shutdown.
	Close() error
}

// Chain runs stages in order and stops at the first stage that does not deliver.
type Chain []Stage

// Insert implements Stage.
func (c Chain) Insert(ctx context.Context, d Descriptor) Outcome {
	out := Pending
	for _, st := range c {
		out = st.Insert(ctx, d)
		if !out.Delivered() {
			return out
		}
	}
	return out
}

// Close closes every stage and joins their errors.
func (c Chain) Close() error {
	var errs []error
	for _, st := range c {
		if err := st.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

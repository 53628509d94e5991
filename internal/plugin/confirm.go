package plugin

import "context"

// ConfirmRequest describes a cascading enable or disable awaiting approval.
type ConfirmRequest struct {
	// Target is the entry the user asked to change.
	Target *Entry
	// Enable is true for enable, false for disable.
	Enable bool
	// Affected lists the other entries that change with Target, in the
	// order they will be processed.
	Affected []*Entry
}

// Confirmer asks the user whether a cascading change may proceed.
type Confirmer interface {
	Confirm(ctx context.Context, req ConfirmRequest) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, req ConfirmRequest) (bool, error)

// Confirm calls f.
func (f ConfirmFunc) Confirm(ctx context.Context, req ConfirmRequest) (bool, error) {
	return f(ctx, req)
}

// AlwaysConfirm approves every request.
var AlwaysConfirm Confirmer = ConfirmFunc(func(context.Context, ConfirmRequest) (bool, error) {
	return true, nil
})

// NeverConfirm declines every request.
var NeverConfirm Confirmer = ConfirmFunc(func(context.Context, ConfirmRequest) (bool, error) {
	return false, nil
})

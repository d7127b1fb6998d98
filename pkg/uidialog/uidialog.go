// Package uidialog is a headless stand-in for the original's OkDlg
// (okDlg.h): a modal dialog with a label and an on-done callback. There
// is no UI here — the Dialog interface gives a component that would
// otherwise block on a user acknowledgment (an allocator-exhaustion
// warning, say) somewhere to call without pulling in a real UI toolkit.
// No package in this repository calls it.
package uidialog

// Dialog shows a titled message and invokes onDone once the user (or, in
// this headless implementation, the caller) has acknowledged it.
type Dialog interface {
	Show(title, label string, onDone func()) error
}

// Headless is a Dialog that never blocks: Show logs nothing, draws
// nothing, and invokes onDone immediately, synchronously, on the calling
// goroutine — the original's OkDlg::run shows a window and waits for a
// click before calling onDone; this collapses that wait to a no-op.
type Headless struct{}

func (Headless) Show(title, label string, onDone func()) error {
	if onDone != nil {
		onDone()
	}
	return nil
}

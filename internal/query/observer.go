package query

import "time"

// Observer receives query execution measurements.
type Observer interface {
	QueryStarted(kind Kind)
	QueryFinished(kind Kind, d time.Duration, results int, cancelled bool)
	HandlerFinished(id string, d time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) QueryStarted(Kind)                            {}
func (nopObserver) QueryFinished(Kind, time.Duration, int, bool) {}
func (nopObserver) HandlerFinished(string, time.Duration, error) {}

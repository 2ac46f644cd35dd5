package util

import (
	"sort"
	"strings"
	"sync"

	"go.minimaps.dev/infra/go/mmerr"
)

// NamedErrGroup is like errgroup.Group, except each function in the group gets
// a name, an optional concurrency limit applies, and the per-name errors stay
// retrievable after Wait. One failing member does not stop the others.
type NamedErrGroup struct {
	errs map[string]error
	mtx  sync.Mutex
	wg   sync.WaitGroup
	sem  chan struct{}
}

// NewNamedErrGroup returns a NamedErrGroup that runs at most limit functions
// concurrently. A limit < 1 means no limit.
func NewNamedErrGroup(limit int) *NamedErrGroup {
	var sem chan struct{}
	if limit > 0 {
		sem = make(chan struct{}, limit)
	}
	return &NamedErrGroup{
		errs: map[string]error{},
		sem:  sem,
	}
}

// Go runs the given function in a goroutine, blocking first if the
// concurrency limit has been reached.
func (g *NamedErrGroup) Go(name string, fn func() error) {
	g.wg.Add(1)
	if g.sem != nil {
		g.sem <- struct{}{}
	}
	go func() {
		defer func() {
			if g.sem != nil {
				<-g.sem
			}
			g.wg.Done()
		}()
		if err := fn(); err != nil {
			g.mtx.Lock()
			defer g.mtx.Unlock()
			g.errs[name] = err
		}
	}()
}

// Wait waits for all of the goroutines to finish and reports any errors.
func (g *NamedErrGroup) Wait() error {
	g.wg.Wait()
	if len(g.errs) == 0 {
		return nil
	}
	names := make([]string, 0, len(g.errs))
	for name := range g.errs {
		names = append(names, name)
	}
	sort.Strings(names)
	var msg strings.Builder
	msg.WriteString("NamedErrGroup encountered errors:\n")
	for _, name := range names {
		msg.WriteString("\t")
		msg.WriteString(name)
		msg.WriteString(": ")
		msg.WriteString(g.errs[name].Error())
		msg.WriteString("\n")
	}
	return mmerr.Fmt("%s", msg.String())
}

// Errors returns the per-name errors recorded so far. Only call after Wait.
func (g *NamedErrGroup) Errors() map[string]error {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	out := make(map[string]error, len(g.errs))
	for name, err := range g.errs {
		out[name] = err
	}
	return out
}

// Package tinfo tracks per-thread (per-goroutine) kernel state: whether
// a thread is alive, has been killed, and the killer's wakeup channel.
// Every scheduled thread is backed by exactly one goroutine for its
// lifetime, so "current thread" can be recovered from "current
// goroutine". The teacher's Current/SetCurrent relied on
// runtime.Gptr/Setgptr, fields its patched Go runtime added to the g
// struct for exactly this purpose; stock Go exposes no goroutine-local
// storage, so this core recovers the same mapping with
// github.com/petermattis/goid (already pulled in transitively by
// go-deadlock) keying a sync.Map instead.
package tinfo

import (
	"sync"

	"github.com/petermattis/goid"

	"defs"
)

// / Tnote_t stores per-thread state used by the scheduler.
type Tnote_t struct {
	State    interface{}
	Alive    bool
	Killed   bool
	Isdoomed bool
	// protects Killed, Killnaps.Cond and Kerr, and is a leaf lock
	sync.Mutex
	Killnaps struct {
		Killch chan bool
		Cond   *sync.Cond
		Kerr   defs.Err_t
	}
}

// / Doomed reports whether the thread is marked as doomed.
func (t *Tnote_t) Doomed() bool {
	return t.Isdoomed
}

// / Threadinfo_t tracks all thread notes.
type Threadinfo_t struct {
	Notes map[defs.Tid_t]*Tnote_t
	sync.Mutex
}

// / Init initializes the thread info map.
func (t *Threadinfo_t) Init() {
	t.Notes = make(map[defs.Tid_t]*Tnote_t)
}

var current sync.Map // goroutine id (int64) -> *Tnote_t

// / Current returns the calling goroutine's thread note. Panics if none
// / was installed with SetCurrent — every kernel-scheduled goroutine
// / must call SetCurrent before running thread code.
func Current() *Tnote_t {
	v, ok := current.Load(goid.Get())
	if !ok {
		panic("tinfo: no current thread note for this goroutine")
	}
	return v.(*Tnote_t)
}

// / SetCurrent installs p as the current goroutine's thread note.
func SetCurrent(p *Tnote_t) {
	if p == nil {
		panic("tinfo: nil thread note")
	}
	id := goid.Get()
	if _, exists := current.Load(id); exists {
		panic("tinfo: thread note already installed for this goroutine")
	}
	current.Store(id, p)
}

// / ClearCurrent removes the current goroutine's thread note, once it
// / has exited and its goroutine is about to return.
func ClearCurrent() {
	id := goid.Get()
	if _, exists := current.Load(id); !exists {
		panic("tinfo: no current thread note to clear")
	}
	current.Delete(id)
}

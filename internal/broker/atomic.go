package broker

import (
	"os"
	"sync/atomic"
	"time"
)

type atomicState struct{ v atomic.Int32 }

func (a *atomicState) Store(s State) { a.v.Store(int32(s)) }
func (a *atomicState) Load() State   { return State(a.v.Load()) }

type atomicTime struct{ v atomic.Int64 }

func (a *atomicTime) Store(t time.Time) { a.v.Store(t.UnixNano()) }
func (a *atomicTime) Load() time.Time   { return time.Unix(0, a.v.Load()) }

func readFile(path string) ([]byte, error) { return os.ReadFile(path) }

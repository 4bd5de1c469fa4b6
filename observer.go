package kdtree

import "time"

// Stats summarizes one successful generation.
type Stats struct {
	Device  string
	Levels  int
	Nodes   uint32
	Bytes   uint64
	Elapsed time.Duration
}

// Observer receives generation events. Methods are called synchronously
// from Generate and must not call back into the Generator.
type Observer interface {
	// LevelBuilt is called after the barrier following a level dispatch.
	LevelBuilt(level int, nodes uint32, elapsed time.Duration)

	// Generated is called when a tree is complete.
	Generated(s Stats)

	// Failed is called when Generate returns an error.
	Failed(err error)
}

type nopObserver struct{}

func (nopObserver) LevelBuilt(int, uint32, time.Duration) {}
func (nopObserver) Generated(Stats)                       {}
func (nopObserver) Failed(error)                          {}

package install

import "fmt"

type State int

const (
	Selecting State = iota
	Downloading
	Extracting
	Installing
	CleaningUp
	Done
	Failed
)

var stateNames = map[State]string{
	Selecting:   "selecting",
	Downloading: "downloading",
	Extracting:  "extracting",
	Installing:  "installing",
	CleaningUp:  "cleaning up",
	Done:        "done",
	Failed:      "failed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}

	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition can happen from s.
func (s State) Terminal() bool {
	return s == Done || s == Failed
}

// StateError is the failure that moved a pipeline into Failed, along with
// the state it was in at the time.
type StateError struct {
	Version string
	State   State
	Err     error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("install %s failed while %s: %s", e.Version, e.State, e.Err)
}

func (e *StateError) Unwrap() error {
	return e.Err
}

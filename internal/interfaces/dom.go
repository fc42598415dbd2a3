package interfaces

// Target is an opaque handle to a clickable element found by the executor.
type Target any

// Executor abstracts DOM lookup and interaction. Selector heuristics live
// entirely behind this boundary; the relay only decides where to run.
type Executor interface {
	// FindTarget locates the element for an action kind. index selects
	// among answer options and is ignored for other kinds.
	FindTarget(kind string, index int) (Target, bool)

	// Click activates the target.
	Click(t Target) error
}

package changelog

// NamedRef is a tag ID together with its resolved display name.
type NamedRef struct {
	ID   string
	Name string
}

// RenameStrategy decides whether the added and removed IDs of one tag
// collection should be recorded as a single rename instead of an add and a
// delete. It is only consulted when at least one ID changed.
type RenameStrategy func(added, removed []NamedRef) bool

// NoRename never reclassifies: every added ID is an Add and every removed ID
// is a Delete.
func NoRename(added, removed []NamedRef) bool {
	return false
}

// SingleSwapRename treats exactly one added and one removed ID with different
// names as a rename of the tag. Two unrelated simultaneous edits of a single
// tag each are indistinguishable from a rename under this rule.
func SingleSwapRename(added, removed []NamedRef) bool {
	return len(added) == 1 && len(removed) == 1 && added[0].Name != removed[0].Name
}

// RenameStrategyFor maps the configuration switch to a strategy.
func RenameStrategyFor(swapAsRename bool) RenameStrategy {
	if swapAsRename {
		return SingleSwapRename
	}
	return NoRename
}

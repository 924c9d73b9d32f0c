package changelog

import (
	"errors"
	"strings"
	"time"

	"planarian/api/internal/cave"
)

var (
	ErrMissingCaveID     = errors.New("changelog: cave id is required")
	ErrMissingEntranceID = errors.New("changelog: entrance change recorded without an entrance id")
)

// Names resolves a referenced ID to its display name. A miss is not an
// error: the builder treats the ID as its own display value.
type Names interface {
	Name(kind cave.LookupKind, id string) (string, bool)
}

// Meta is stamped on every entry the builder emits.
type Meta struct {
	AccountID        string
	CaveID           string
	ChangeRequestID  string
	ChangedByUserID  string
	ApprovedByUserID string
	CreatedOn        time.Time
}

type Option func(*buildState)

// WithOriginalNames resolves the original side of named-ID comparisons
// through a separate name source, such as names recorded in the audit log.
func WithOriginalNames(names Names) Option {
	return func(s *buildState) {
		if names != nil {
			s.originalNames = names
		}
	}
}

// WithRenameStrategy replaces the strategy used for single add/remove pairs
// in tag collections.
func WithRenameStrategy(strategy RenameStrategy) Option {
	return func(s *buildState) {
		if strategy != nil {
			s.rename = strategy
		}
	}
}

type buildState struct {
	meta          Meta
	names         Names
	originalNames Names
	rename        RenameStrategy
	entries       []Entry
	err           error
}

// Builder accumulates entries while a caller walks two graphs. Builders made
// with ForEntrance share the same accumulator.
type Builder struct {
	state      *buildState
	entranceID string
	scoped     bool
}

func NewBuilder(meta Meta, names Names, opts ...Option) *Builder {
	if names == nil {
		names = passThrough{}
	}
	state := &buildState{
		meta:          meta,
		names:         names,
		originalNames: names,
		rename:        NoRename,
	}
	for _, opt := range opts {
		opt(state)
	}
	return &Builder{state: state}
}

// ForEntrance returns a builder whose entries are scoped to entranceID.
func (b *Builder) ForEntrance(entranceID string) *Builder {
	return &Builder{state: b.state, entranceID: entranceID, scoped: true}
}

// Build returns the accumulated entries in emission order.
func (b *Builder) Build() ([]Entry, error) {
	if b.state.err != nil {
		return nil, b.state.err
	}
	if strings.TrimSpace(b.state.meta.CaveID) == "" {
		return nil, ErrMissingCaveID
	}
	out := make([]Entry, len(b.state.entries))
	copy(out, b.state.entries)
	return out, nil
}

// String compares ordinally. Only a nil pointer is absent; blank text is a value.
func (b *Builder) String(p Property, original, modified *string) {
	if equalPtr(original, modified) {
		return
	}
	b.emit(p, "", changeTypeFor(original != nil, modified != nil), stringPtrValue(modified), stringPtrValue(original))
}

func (b *Builder) Int(p Property, original, modified *int64) {
	if equalPtr(original, modified) {
		return
	}
	var value, orig Value
	if modified != nil {
		value = Int(*modified)
	}
	if original != nil {
		orig = Int(*original)
	}
	b.emit(p, "", changeTypeFor(original != nil, modified != nil), value, orig)
}

func (b *Builder) Double(p Property, original, modified *float64) {
	if equalPtr(original, modified) {
		return
	}
	var value, orig Value
	if modified != nil {
		value = Double(*modified)
	}
	if original != nil {
		orig = Double(*original)
	}
	b.emit(p, "", changeTypeFor(original != nil, modified != nil), value, orig)
}

func (b *Builder) Bool(p Property, original, modified *bool) {
	if equalPtr(original, modified) {
		return
	}
	var value, orig Value
	if modified != nil {
		value = Bool(*modified)
	}
	if original != nil {
		orig = Bool(*original)
	}
	b.emit(p, "", changeTypeFor(original != nil, modified != nil), value, orig)
}

func (b *Builder) DateTime(p Property, original, modified *time.Time) {
	if original == nil && modified == nil {
		return
	}
	if original != nil && modified != nil && original.Equal(*modified) {
		return
	}
	var value, orig Value
	if modified != nil {
		value = DateTime(*modified)
	}
	if original != nil {
		orig = DateTime(*original)
	}
	b.emit(p, "", changeTypeFor(original != nil, modified != nil), value, orig)
}

// Strings diffs a free-text collection as a set.
func (b *Builder) Strings(p Property, original, modified []string) {
	added, removed := setDiff(original, modified)
	for _, value := range added {
		b.emit(p, "", ChangeAdd, String(value), nil)
	}
	for _, value := range removed {
		b.emit(p, "", ChangeDelete, nil, String(value))
	}
}

// NamedID diffs a single reference whose display value comes from a lookup.
func (b *Builder) NamedID(p Property, kind cave.LookupKind, original, modified *string) {
	o, hasO := presentID(original)
	m, hasM := presentID(modified)
	if !hasO && !hasM {
		return
	}

	var oldName, newName string
	if hasO {
		oldName = b.originalName(kind, o)
	}
	if hasM {
		newName = b.modifiedName(kind, m)
	}

	if hasO && hasM && o == m {
		if oldName != newName {
			b.emit(p, m, ChangeRename, String(newName), String(oldName))
		}
		return
	}

	propertyID := m
	if !hasM {
		propertyID = o
	}
	b.emit(p, propertyID, changeTypeFor(hasO, hasM), stringValue(newName, hasM), stringValue(oldName, hasO))
}

// NamedIDs diffs a tag-ID collection at the ID level.
func (b *Builder) NamedIDs(p Property, kind cave.LookupKind, original, modified []string) {
	addedIDs, removedIDs := setDiff(original, modified)
	if len(addedIDs) == 0 && len(removedIDs) == 0 {
		return
	}

	added := make([]NamedRef, len(addedIDs))
	for i, id := range addedIDs {
		added[i] = NamedRef{ID: id, Name: b.modifiedName(kind, id)}
	}
	removed := make([]NamedRef, len(removedIDs))
	for i, id := range removedIDs {
		removed[i] = NamedRef{ID: id, Name: b.originalName(kind, id)}
	}

	if b.state.rename(added, removed) {
		b.emit(p, added[0].ID, ChangeRename, String(added[0].Name), String(removed[0].Name))
		return
	}
	for _, ref := range added {
		b.emit(p, ref.ID, ChangeAdd, String(ref.Name), nil)
	}
	for _, ref := range removed {
		b.emit(p, ref.ID, ChangeDelete, nil, String(ref.Name))
	}
}

func (b *Builder) EntranceAdded(entranceID string) {
	b.entranceMarker(entranceID, ChangeAdd, EntranceMarker{}, nil)
}

func (b *Builder) EntranceRemoved(entranceID string) {
	b.entranceMarker(entranceID, ChangeDelete, nil, EntranceMarker{})
}

func (b *Builder) CaveAdded() {
	b.emit(PropertyCave, b.state.meta.CaveID, ChangeAdd, CaveMarker{}, nil)
}

func (b *Builder) CaveRemoved() {
	b.emit(PropertyCave, b.state.meta.CaveID, ChangeDelete, nil, CaveMarker{})
}

func (b *Builder) entranceMarker(entranceID string, changeType ChangeType, value, original Value) {
	if strings.TrimSpace(entranceID) == "" {
		b.fail(ErrMissingEntranceID)
		return
	}
	b.ForEntrance(entranceID).emit(PropertyEntrance, entranceID, changeType, value, original)
}

func (b *Builder) emit(p Property, propertyID string, changeType ChangeType, value, original Value) {
	if b.scoped && strings.TrimSpace(b.entranceID) == "" {
		b.fail(ErrMissingEntranceID)
		return
	}
	meta := b.state.meta
	b.state.entries = append(b.state.entries, Entry{
		AccountID:        meta.AccountID,
		CaveID:           meta.CaveID,
		EntranceID:       b.entranceID,
		ChangeRequestID:  meta.ChangeRequestID,
		ChangedByUserID:  meta.ChangedByUserID,
		ApprovedByUserID: meta.ApprovedByUserID,
		Property:         p,
		PropertyID:       propertyID,
		ChangeType:       changeType,
		Value:            value,
		Original:         original,
		CreatedOn:        meta.CreatedOn,
	})
}

func (b *Builder) fail(err error) {
	if b.state.err == nil {
		b.state.err = err
	}
}

func (b *Builder) originalName(kind cave.LookupKind, id string) string {
	return resolve(b.state.originalNames, kind, id)
}

func (b *Builder) modifiedName(kind cave.LookupKind, id string) string {
	return resolve(b.state.names, kind, id)
}

func resolve(names Names, kind cave.LookupKind, id string) string {
	if name, ok := names.Name(kind, id); ok && name != "" {
		return name
	}
	return id
}

type passThrough struct{}

func (passThrough) Name(cave.LookupKind, string) (string, bool) { return "", false }

func changeTypeFor(hasOriginal, hasModified bool) ChangeType {
	switch {
	case !hasOriginal && hasModified:
		return ChangeAdd
	case hasOriginal && !hasModified:
		return ChangeDelete
	default:
		return ChangeUpdate
	}
}

func presentID(value *string) (string, bool) {
	if value == nil || strings.TrimSpace(*value) == "" {
		return "", false
	}
	return *value, true
}

func stringPtrValue(value *string) Value {
	if value == nil {
		return nil
	}
	return String(*value)
}

func stringValue(value string, present bool) Value {
	if !present {
		return nil
	}
	return String(value)
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// setDiff returns values only in modified (in modified order) and values only
// in original (in original order). Blank values and duplicates are ignored.
func setDiff(original, modified []string) (added, removed []string) {
	originalSet := toSet(original)
	modifiedSet := toSet(modified)

	seen := map[string]struct{}{}
	for _, value := range modified {
		if strings.TrimSpace(value) == "" {
			continue
		}
		if _, ok := originalSet[value]; ok {
			continue
		}
		if _, dup := seen[value]; dup {
			continue
		}
		seen[value] = struct{}{}
		added = append(added, value)
	}

	seen = map[string]struct{}{}
	for _, value := range original {
		if strings.TrimSpace(value) == "" {
			continue
		}
		if _, ok := modifiedSet[value]; ok {
			continue
		}
		if _, dup := seen[value]; dup {
			continue
		}
		seen[value] = struct{}{}
		removed = append(removed, value)
	}
	return added, removed
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, value := range values {
		set[value] = struct{}{}
	}
	return set
}

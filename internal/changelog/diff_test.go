package changelog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planarian/api/internal/cave"
)

func ptr[T any](v T) *T { return &v }

type nameTable map[cave.LookupKind]map[string]string

func (n nameTable) Name(kind cave.LookupKind, id string) (string, bool) {
	name, ok := n[kind][id]
	return name, ok
}

var testNames = nameTable{
	cave.LookupCounty: {"county-1": "Lee", "county-2": "Scott"},
	cave.LookupState:  {"state-1": "Virginia"},
	cave.LookupTag: {
		"A":    "Limestone",
		"B":    "Dolomite",
		"C":    "Sandstone",
		"D":    "Shale",
		"lq-1": "Surveyed",
		"lq-2": "Estimated",
		"st-1": "Gated",
	},
}

func testMeta() Meta {
	return Meta{
		AccountID:        "acct-1",
		CaveID:           "cave-1",
		ChangeRequestID:  "cr-1",
		ChangedByUserID:  "user-submitter",
		ApprovedByUserID: "user-reviewer",
		CreatedOn:        time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func sampleGraph() *cave.Graph {
	reported := time.Date(2019, 3, 14, 0, 0, 0, 0, time.UTC)
	return &cave.Graph{
		ID:                   "cave-1",
		AccountID:            "acct-1",
		Name:                 "Old Cave",
		AlternateNames:       []string{"Saltpeter Hole", "Blowing Cave"},
		CountyID:             "county-1",
		StateID:              "state-1",
		LengthFeet:           ptr(100.0),
		DepthFeet:            ptr(40.0),
		NumberOfPits:         ptr(int64(2)),
		Narrative:            ptr("Walking passage to a sump."),
		ReportedOn:           &reported,
		GeologyTagIDs:        []string{"A", "B", "C"},
		ReportedByNameTagIDs: []string{"Jane Doe"},
		Entrances: []cave.Entrance{
			{
				ID:                   "ent-1",
				Name:                 ptr("Main"),
				IsPrimary:            true,
				PitDepthFeet:         ptr(12.0),
				LocationQualityTagID: ptr("lq-1"),
				Latitude:             ptr(36.6),
				Longitude:            ptr(-83.1),
				StatusTagIDs:         []string{"st-1"},
			},
			{ID: "ent-2", Name: ptr("Upper")},
		},
	}
}

func diff(t *testing.T, original, modified *cave.Graph, opts ...Option) []Entry {
	t.Helper()
	entries, err := Diff(testMeta(), testNames, original, modified, opts...)
	require.NoError(t, err)
	return entries
}

func TestDiffIdenticalGraphsIsEmpty(t *testing.T) {
	original := sampleGraph()
	entries := diff(t, original, original.Clone())
	assert.Empty(t, entries)
}

func TestDiffNameScenario(t *testing.T) {
	original := &cave.Graph{ID: "cave-1", Name: "Old Cave", CountyID: "county-1", StateID: "state-1", LengthFeet: ptr(100.0)}
	modified := original.Clone()
	modified.Name = "New Cave"

	entries := diff(t, original, modified)
	require.Len(t, entries, 1)

	entry := entries[0]
	assert.Equal(t, PropertyName, entry.Property)
	assert.Equal(t, ChangeUpdate, entry.ChangeType)
	assert.Equal(t, ValueString, entry.ValueType())
	assert.Equal(t, String("New Cave"), entry.Value)
	assert.Equal(t, String("Old Cave"), entry.Original)
	assert.Empty(t, entry.EntranceID)
	assert.Equal(t, "cr-1", entry.ChangeRequestID)
	assert.Equal(t, "user-submitter", entry.ChangedByUserID)
	assert.Equal(t, "user-reviewer", entry.ApprovedByUserID)
}

func TestDiffScalarChangeTypesFollowPresence(t *testing.T) {
	original := sampleGraph()
	modified := original.Clone()
	modified.LengthFeet = ptr(250.0)
	modified.DepthFeet = nil
	modified.MaxPitDepthFeet = ptr(30.0)
	modified.NumberOfPits = ptr(int64(3))
	modified.Narrative = nil
	later := original.ReportedOn.Add(24 * time.Hour)
	modified.ReportedOn = &later

	entries := diff(t, original, modified)
	byProperty := map[Property]Entry{}
	for _, entry := range entries {
		byProperty[entry.Property] = entry
	}
	require.Len(t, byProperty, len(entries), "one entry per changed scalar")

	cases := []struct {
		property   Property
		changeType ChangeType
		valueType  ValueType
		value      Value
		original   Value
	}{
		{PropertyReportedOn, ChangeUpdate, ValueDateTime, DateTime(later), DateTime(*original.ReportedOn)},
		{PropertyLengthFeet, ChangeUpdate, ValueDouble, Double(250), Double(100)},
		{PropertyDepthFeet, ChangeDelete, ValueDouble, nil, Double(40)},
		{PropertyMaxPitDepthFeet, ChangeAdd, ValueDouble, Double(30), nil},
		{PropertyNumberOfPits, ChangeUpdate, ValueInt, Int(3), Int(2)},
		{PropertyNarrative, ChangeDelete, ValueString, nil, String("Walking passage to a sump.")},
	}
	require.Len(t, entries, len(cases))
	for _, tc := range cases {
		entry, ok := byProperty[tc.property]
		if !assert.True(t, ok, "missing entry for %s", tc.property) {
			continue
		}
		assert.Equal(t, tc.changeType, entry.ChangeType, tc.property)
		assert.Equal(t, tc.valueType, entry.ValueType(), tc.property)
		assert.Equal(t, tc.value, entry.Value, tc.property)
		assert.Equal(t, tc.original, entry.Original, tc.property)
	}
}

func TestDiffBlankStringIsAValue(t *testing.T) {
	original := sampleGraph()
	original.Narrative = ptr("   ")
	modified := original.Clone()
	modified.Narrative = ptr("x")

	entries := diff(t, original, modified)
	require.Len(t, entries, 1)
	assert.Equal(t, PropertyNarrative, entries[0].Property)
	assert.Equal(t, ChangeUpdate, entries[0].ChangeType)
	assert.Equal(t, String("x"), entries[0].Value)
	assert.Equal(t, String("   "), entries[0].Original)

	modified.Narrative = ptr("   ")
	assert.Empty(t, diff(t, original, modified))
}

func TestDiffDateTimeComparesInstants(t *testing.T) {
	original := sampleGraph()
	modified := original.Clone()
	local := original.ReportedOn.In(time.FixedZone("EST", -5*3600))
	modified.ReportedOn = &local

	assert.Empty(t, diff(t, original, modified))
}

func TestDiffTagArrayMinimality(t *testing.T) {
	original := sampleGraph()
	modified := original.Clone()
	modified.GeologyTagIDs = []string{"B", "C", "D"}

	entries := diff(t, original, modified)
	require.Len(t, entries, 2)

	assert.Equal(t, PropertyGeologyTags, entries[0].Property)
	assert.Equal(t, ChangeAdd, entries[0].ChangeType)
	assert.Equal(t, "D", entries[0].PropertyID)
	assert.Equal(t, String("Shale"), entries[0].Value)
	assert.Nil(t, entries[0].Original)

	assert.Equal(t, PropertyGeologyTags, entries[1].Property)
	assert.Equal(t, ChangeDelete, entries[1].ChangeType)
	assert.Equal(t, "A", entries[1].PropertyID)
	assert.Nil(t, entries[1].Value)
	assert.Equal(t, String("Limestone"), entries[1].Original)
}

func TestDiffSingleSwapStaysAddAndDeleteByDefault(t *testing.T) {
	original := sampleGraph()
	modified := original.Clone()
	modified.GeologyTagIDs = []string{"A", "B", "D"}

	entries := diff(t, original, modified)
	require.Len(t, entries, 2)
	assert.Equal(t, ChangeAdd, entries[0].ChangeType)
	assert.Equal(t, ChangeDelete, entries[1].ChangeType)
}

func TestDiffSingleSwapRenameStrategy(t *testing.T) {
	original := sampleGraph()
	modified := original.Clone()
	modified.GeologyTagIDs = []string{"A", "B", "D"}

	entries := diff(t, original, modified, WithRenameStrategy(SingleSwapRename))
	require.Len(t, entries, 1)
	assert.Equal(t, ChangeRename, entries[0].ChangeType)
	assert.Equal(t, "D", entries[0].PropertyID)
	assert.Equal(t, String("Shale"), entries[0].Value)
	assert.Equal(t, String("Sandstone"), entries[0].Original)

	// Two additions are never a rename.
	modified.GeologyTagIDs = []string{"B", "D", "lq-1"}
	entries = diff(t, original, modified, WithRenameStrategy(SingleSwapRename))
	assert.Len(t, entries, 4)
}

func TestDiffNamedIDChange(t *testing.T) {
	original := sampleGraph()
	modified := original.Clone()
	modified.CountyID = "county-2"

	entries := diff(t, original, modified)
	require.Len(t, entries, 1)
	assert.Equal(t, PropertyCounty, entries[0].Property)
	assert.Equal(t, ChangeUpdate, entries[0].ChangeType)
	assert.Equal(t, "county-2", entries[0].PropertyID)
	assert.Equal(t, String("Scott"), entries[0].Value)
	assert.Equal(t, String("Lee"), entries[0].Original)
}

func TestDiffNamedIDRenameWhenReferencedEntityRenamed(t *testing.T) {
	original := sampleGraph()
	modified := original.Clone()
	before := nameTable{
		cave.LookupCounty: {"county-1": "Lee County", "county-2": "Scott"},
		cave.LookupState:  testNames[cave.LookupState],
		cave.LookupTag:    testNames[cave.LookupTag],
	}

	entries, err := Diff(testMeta(), testNames, original, modified, WithOriginalNames(before))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, PropertyCounty, entries[0].Property)
	assert.Equal(t, ChangeRename, entries[0].ChangeType)
	assert.Equal(t, "county-1", entries[0].PropertyID)
	assert.Equal(t, String("Lee"), entries[0].Value)
	assert.Equal(t, String("Lee County"), entries[0].Original)
}

func TestDiffLookupMissPassesIDThrough(t *testing.T) {
	original := sampleGraph()
	modified := original.Clone()
	modified.ReportedByNameTagIDs = []string{"Jane Doe", "Bob Smith"}

	entries := diff(t, original, modified)
	require.Len(t, entries, 1)
	assert.Equal(t, PropertyReportedByNameTags, entries[0].Property)
	assert.Equal(t, ChangeAdd, entries[0].ChangeType)
	assert.Equal(t, "Bob Smith", entries[0].PropertyID)
	assert.Equal(t, String("Bob Smith"), entries[0].Value)
}

func TestDiffAlternateNamesAsSet(t *testing.T) {
	original := sampleGraph()
	modified := original.Clone()
	modified.AlternateNames = []string{"Blowing Cave", "Blowing Cave", "Dry Hollow Cave"}

	entries := diff(t, original, modified)
	require.Len(t, entries, 2)
	assert.Equal(t, Entry{
		AccountID: "acct-1", CaveID: "cave-1", ChangeRequestID: "cr-1",
		ChangedByUserID: "user-submitter", ApprovedByUserID: "user-reviewer",
		Property: PropertyAlternateNames, ChangeType: ChangeAdd,
		Value: String("Dry Hollow Cave"), CreatedOn: testMeta().CreatedOn,
	}, entries[0])
	assert.Equal(t, ChangeDelete, entries[1].ChangeType)
	assert.Equal(t, String("Saltpeter Hole"), entries[1].Original)
}

func TestDiffEntranceFieldsAreScoped(t *testing.T) {
	original := sampleGraph()
	modified := original.Clone()
	modified.Entrances[0].Name = ptr("Main Entrance")
	modified.Entrances[0].LocationQualityTagID = ptr("lq-2")
	modified.Entrances[0].IsPrimary = false
	modified.Entrances[1].IsPrimary = true

	entries := diff(t, original, modified)
	require.Len(t, entries, 4)

	assert.Equal(t, PropertyEntranceName, entries[0].Property)
	assert.Equal(t, "ent-1", entries[0].EntranceID)
	assert.Equal(t, PropertyEntranceIsPrimary, entries[1].Property)
	assert.Equal(t, Bool(false), entries[1].Value)
	assert.Equal(t, Bool(true), entries[1].Original)
	assert.Equal(t, PropertyEntranceLocationQuality, entries[2].Property)
	assert.Equal(t, String("Estimated"), entries[2].Value)
	assert.Equal(t, String("Surveyed"), entries[2].Original)
	assert.Equal(t, PropertyEntranceIsPrimary, entries[3].Property)
	assert.Equal(t, "ent-2", entries[3].EntranceID)
}

func TestDiffEntranceRemovalShortCircuits(t *testing.T) {
	original := sampleGraph()
	modified := original.Clone()
	modified.Entrances = modified.Entrances[1:]

	entries := diff(t, original, modified)
	require.Len(t, entries, 1)
	assert.Equal(t, PropertyEntrance, entries[0].Property)
	assert.Equal(t, ChangeDelete, entries[0].ChangeType)
	assert.Equal(t, ValueEntrance, entries[0].ValueType())
	assert.Equal(t, "ent-1", entries[0].EntranceID)
	assert.Equal(t, "ent-1", entries[0].PropertyID)
	assert.Nil(t, entries[0].Value)

	for _, entry := range entries {
		if entry.EntranceID == "ent-1" {
			assert.Equal(t, PropertyEntrance, entry.Property)
		}
	}
}

func TestDiffEntranceAdditionEmitsMarkerOnly(t *testing.T) {
	original := sampleGraph()
	modified := original.Clone()
	modified.Entrances = append(modified.Entrances, cave.Entrance{
		ID: "ent-3", Name: ptr("Lower"), StatusTagIDs: []string{"st-1"},
	})

	entries := diff(t, original, modified)
	require.Len(t, entries, 1)
	assert.Equal(t, PropertyEntrance, entries[0].Property)
	assert.Equal(t, ChangeAdd, entries[0].ChangeType)
	assert.Equal(t, EntranceMarker{}, entries[0].Value)
	assert.Equal(t, "ent-3", entries[0].EntranceID)
}

func TestDiffNewCaveThenEdit(t *testing.T) {
	created := sampleGraph()

	entries := diff(t, nil, created)
	require.Len(t, entries, 1)
	assert.Equal(t, PropertyCave, entries[0].Property)
	assert.Equal(t, ChangeAdd, entries[0].ChangeType)
	assert.Equal(t, ValueCave, entries[0].ValueType())
	assert.Equal(t, "cave-1", entries[0].PropertyID)

	edited := created.Clone()
	edited.Entrances[1].Description = ptr("Tight crawl")
	entries = diff(t, created, edited)
	require.Len(t, entries, 1)
	assert.Equal(t, PropertyEntranceDescription, entries[0].Property)
	assert.Equal(t, ChangeAdd, entries[0].ChangeType)
	assert.Equal(t, "ent-2", entries[0].EntranceID)
}

func TestDiffRemovedCave(t *testing.T) {
	entries := diff(t, sampleGraph(), nil)
	require.Len(t, entries, 1)
	assert.Equal(t, ChangeDelete, entries[0].ChangeType)
	assert.Equal(t, CaveMarker{}, entries[0].Original)
	assert.Nil(t, entries[0].Value)
}

func TestDiffIsDeterministic(t *testing.T) {
	original := sampleGraph()
	modified := original.Clone()
	modified.Name = "Renamed"
	modified.GeologyTagIDs = []string{"D"}
	modified.Entrances[0].StatusTagIDs = nil

	first := diff(t, original, modified)
	second := diff(t, original, modified)
	assert.Equal(t, first, second)
}

func TestBuildRequiresCaveID(t *testing.T) {
	meta := testMeta()
	meta.CaveID = ""
	_, err := Diff(meta, testNames, nil, sampleGraph())
	assert.ErrorIs(t, err, ErrMissingCaveID)
}

func TestBuildRejectsEntranceRowsWithoutEntranceID(t *testing.T) {
	original := sampleGraph()
	modified := original.Clone()
	modified.Entrances = append(modified.Entrances, cave.Entrance{Name: ptr("Unsaved")})

	_, err := Diff(testMeta(), testNames, original, modified)
	assert.ErrorIs(t, err, ErrMissingEntranceID)

	b := NewBuilder(testMeta(), nil)
	b.ForEntrance("").String(PropertyEntranceName, nil, ptr("x"))
	_, err = b.Build()
	assert.ErrorIs(t, err, ErrMissingEntranceID)
}

func TestSortEntriesByPropertyOrder(t *testing.T) {
	entries := []Entry{
		{Property: PropertyEntranceName, PropertyID: "1"},
		{Property: PropertyGeologyTags, PropertyID: "2"},
		{Property: PropertyName, PropertyID: "3"},
		{Property: PropertyGeologyTags, PropertyID: "4"},
	}
	SortEntries(entries)

	var ids []string
	for _, entry := range entries {
		ids = append(ids, entry.PropertyID)
	}
	assert.Equal(t, []string{"3", "2", "4", "1"}, ids)
}

func TestFlattenRoundTripsThroughSlots(t *testing.T) {
	when := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	for _, value := range []Value{String("x"), Int(7), Double(1.5), Bool(true), DateTime(when)} {
		assert.Equal(t, value, Unflatten(value.Type(), Flatten(value)))
	}
	assert.Equal(t, Slots{}, Flatten(EntranceMarker{}))
	assert.Nil(t, Unflatten(ValueInt, Slots{}))
}

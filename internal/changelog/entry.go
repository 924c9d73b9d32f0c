// Package changelog compares an original cave graph with a modified one and
// emits one typed audit entry per atomic difference.
package changelog

import (
	"sort"
	"time"

	"planarian/api/internal/cave"
)

type Property string

const (
	PropertyCave     Property = "Cave"
	PropertyEntrance Property = "Entrance"

	PropertyName                  Property = "Name"
	PropertyAlternateNames        Property = "AlternateNames"
	PropertyCounty                Property = "County"
	PropertyState                 Property = "State"
	PropertyReportedOn            Property = "ReportedOn"
	PropertyLengthFeet            Property = "LengthFeet"
	PropertyDepthFeet             Property = "DepthFeet"
	PropertyMaxPitDepthFeet       Property = "MaxPitDepthFeet"
	PropertyNumberOfPits          Property = "NumberOfPits"
	PropertyNarrative             Property = "Narrative"
	PropertyGeologyTags           Property = "GeologyTags"
	PropertyMapStatusTags         Property = "MapStatusTags"
	PropertyGeologicAgeTags       Property = "GeologicAgeTags"
	PropertyPhysiographicProvince Property = "PhysiographicProvinceTags"
	PropertyBiologyTags           Property = "BiologyTags"
	PropertyArcheologyTags        Property = "ArcheologyTags"
	PropertyCartographerNameTags  Property = "CartographerNameTags"
	PropertyReportedByNameTags    Property = "ReportedByNameTags"
	PropertyOtherTags             Property = "OtherTags"

	PropertyEntranceName               Property = "EntranceName"
	PropertyEntranceDescription        Property = "EntranceDescription"
	PropertyEntranceIsPrimary          Property = "EntranceIsPrimary"
	PropertyEntranceReportedOn         Property = "EntranceReportedOn"
	PropertyEntrancePitDepthFeet       Property = "EntrancePitDepthFeet"
	PropertyEntranceLatitude           Property = "EntranceLatitude"
	PropertyEntranceLongitude          Property = "EntranceLongitude"
	PropertyEntranceElevationFeet      Property = "EntranceElevationFeet"
	PropertyEntranceLocationQuality    Property = "EntranceLocationQuality"
	PropertyEntranceStatusTags         Property = "EntranceStatusTags"
	PropertyEntranceHydrologyTags      Property = "EntranceHydrologyTags"
	PropertyEntranceHydrologyFrequency Property = "EntranceHydrologyFrequencyTags"
	PropertyEntranceFieldIndication    Property = "EntranceFieldIndicationTags"
	PropertyEntranceReportedByNameTags Property = "EntranceReportedByNameTags"
	PropertyEntranceOtherTags          Property = "EntranceOtherTags"
)

// namedReferences are the single-reference properties diffed with NamedID.
var namedReferences = map[Property]cave.LookupKind{
	PropertyCounty:                  cave.LookupCounty,
	PropertyState:                   cave.LookupState,
	PropertyEntranceLocationQuality: cave.LookupTag,
}

// NamedReferences lists the properties whose rows record a referenced
// entity's display name under its ID.
func NamedReferences() []Property {
	return []Property{PropertyCounty, PropertyState, PropertyEntranceLocationQuality}
}

// LookupKind reports which lookup resolves the property's referenced ID.
func (p Property) LookupKind() (cave.LookupKind, bool) {
	kind, ok := namedReferences[p]
	return kind, ok
}

// PropertyOrder is the order Diff visits properties in. Renderers that need a
// stable per-property ordering sort by it.
var PropertyOrder = []Property{
	PropertyCave,
	PropertyName,
	PropertyAlternateNames,
	PropertyCounty,
	PropertyState,
	PropertyReportedOn,
	PropertyLengthFeet,
	PropertyDepthFeet,
	PropertyMaxPitDepthFeet,
	PropertyNumberOfPits,
	PropertyNarrative,
	PropertyGeologyTags,
	PropertyMapStatusTags,
	PropertyGeologicAgeTags,
	PropertyPhysiographicProvince,
	PropertyBiologyTags,
	PropertyArcheologyTags,
	PropertyCartographerNameTags,
	PropertyReportedByNameTags,
	PropertyOtherTags,
	PropertyEntrance,
	PropertyEntranceName,
	PropertyEntranceDescription,
	PropertyEntranceIsPrimary,
	PropertyEntranceReportedOn,
	PropertyEntrancePitDepthFeet,
	PropertyEntranceLatitude,
	PropertyEntranceLongitude,
	PropertyEntranceElevationFeet,
	PropertyEntranceLocationQuality,
	PropertyEntranceStatusTags,
	PropertyEntranceHydrologyTags,
	PropertyEntranceHydrologyFrequency,
	PropertyEntranceFieldIndication,
	PropertyEntranceReportedByNameTags,
	PropertyEntranceOtherTags,
}

var propertyRank = func() map[Property]int {
	ranks := make(map[Property]int, len(PropertyOrder))
	for i, p := range PropertyOrder {
		ranks[p] = i
	}
	return ranks
}()

// Rank returns the position of p in PropertyOrder; unknown properties sort last.
func (p Property) Rank() int {
	if rank, ok := propertyRank[p]; ok {
		return rank
	}
	return len(PropertyOrder)
}

// Entry is one immutable audit row.
type Entry struct {
	AccountID        string
	CaveID           string
	EntranceID       string
	ChangeRequestID  string
	ChangedByUserID  string
	ApprovedByUserID string
	Property         Property
	PropertyID       string
	ChangeType       ChangeType
	Value            Value
	Original         Value
	CreatedOn        time.Time
}

// ValueType reports which typed slot the entry uses.
func (e Entry) ValueType() ValueType {
	if e.Value != nil {
		return e.Value.Type()
	}
	if e.Original != nil {
		return e.Original.Type()
	}
	return ""
}

// SortEntries orders entries by property rank, keeping emission order for
// entries of the same property.
func SortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Property.Rank() < entries[j].Property.Rank()
	})
}

package changelog

import (
	"planarian/api/internal/cave"
)

// Diff compares original against modified and returns the entries in the
// order properties are visited. A nil original records a new cave and a nil
// modified records a removed cave; neither produces field-level rows.
func Diff(meta Meta, names Names, original, modified *cave.Graph, opts ...Option) ([]Entry, error) {
	b := NewBuilder(meta, names, opts...)
	switch {
	case original == nil && modified == nil:
	case original == nil:
		b.CaveAdded()
	case modified == nil:
		b.CaveRemoved()
	default:
		diffCave(b, original, modified)
	}
	return b.Build()
}

func diffCave(b *Builder, original, modified *cave.Graph) {
	b.String(PropertyName, &original.Name, &modified.Name)
	b.Strings(PropertyAlternateNames, original.AlternateNames, modified.AlternateNames)
	b.NamedID(PropertyCounty, cave.LookupCounty, &original.CountyID, &modified.CountyID)
	b.NamedID(PropertyState, cave.LookupState, &original.StateID, &modified.StateID)
	b.DateTime(PropertyReportedOn, original.ReportedOn, modified.ReportedOn)
	b.Double(PropertyLengthFeet, original.LengthFeet, modified.LengthFeet)
	b.Double(PropertyDepthFeet, original.DepthFeet, modified.DepthFeet)
	b.Double(PropertyMaxPitDepthFeet, original.MaxPitDepthFeet, modified.MaxPitDepthFeet)
	b.Int(PropertyNumberOfPits, original.NumberOfPits, modified.NumberOfPits)
	b.String(PropertyNarrative, original.Narrative, modified.Narrative)

	b.NamedIDs(PropertyGeologyTags, cave.LookupTag, original.GeologyTagIDs, modified.GeologyTagIDs)
	b.NamedIDs(PropertyMapStatusTags, cave.LookupTag, original.MapStatusTagIDs, modified.MapStatusTagIDs)
	b.NamedIDs(PropertyGeologicAgeTags, cave.LookupTag, original.GeologicAgeTagIDs, modified.GeologicAgeTagIDs)
	b.NamedIDs(PropertyPhysiographicProvince, cave.LookupTag, original.PhysiographicProvinceTagIDs, modified.PhysiographicProvinceTagIDs)
	b.NamedIDs(PropertyBiologyTags, cave.LookupTag, original.BiologyTagIDs, modified.BiologyTagIDs)
	b.NamedIDs(PropertyArcheologyTags, cave.LookupTag, original.ArcheologyTagIDs, modified.ArcheologyTagIDs)
	b.NamedIDs(PropertyCartographerNameTags, cave.LookupTag, original.CartographerNameTagIDs, modified.CartographerNameTagIDs)
	b.NamedIDs(PropertyReportedByNameTags, cave.LookupTag, original.ReportedByNameTagIDs, modified.ReportedByNameTagIDs)
	b.NamedIDs(PropertyOtherTags, cave.LookupTag, original.OtherTagIDs, modified.OtherTagIDs)

	for i := range modified.Entrances {
		entrance := &modified.Entrances[i]
		before := original.EntranceByID(entrance.ID)
		if before == nil {
			b.EntranceAdded(entrance.ID)
			continue
		}
		diffEntrance(b.ForEntrance(entrance.ID), before, entrance)
	}
	for i := range original.Entrances {
		entrance := &original.Entrances[i]
		if modified.EntranceByID(entrance.ID) == nil {
			b.EntranceRemoved(entrance.ID)
		}
	}
}

func diffEntrance(b *Builder, original, modified *cave.Entrance) {
	b.String(PropertyEntranceName, original.Name, modified.Name)
	b.String(PropertyEntranceDescription, original.Description, modified.Description)
	b.Bool(PropertyEntranceIsPrimary, &original.IsPrimary, &modified.IsPrimary)
	b.DateTime(PropertyEntranceReportedOn, original.ReportedOn, modified.ReportedOn)
	b.Double(PropertyEntrancePitDepthFeet, original.PitDepthFeet, modified.PitDepthFeet)
	b.Double(PropertyEntranceLatitude, original.Latitude, modified.Latitude)
	b.Double(PropertyEntranceLongitude, original.Longitude, modified.Longitude)
	b.Double(PropertyEntranceElevationFeet, original.ElevationFeet, modified.ElevationFeet)
	b.NamedID(PropertyEntranceLocationQuality, cave.LookupTag, original.LocationQualityTagID, modified.LocationQualityTagID)

	b.NamedIDs(PropertyEntranceStatusTags, cave.LookupTag, original.StatusTagIDs, modified.StatusTagIDs)
	b.NamedIDs(PropertyEntranceHydrologyTags, cave.LookupTag, original.HydrologyTagIDs, modified.HydrologyTagIDs)
	b.NamedIDs(PropertyEntranceHydrologyFrequency, cave.LookupTag, original.HydrologyFrequencyTagIDs, modified.HydrologyFrequencyTagIDs)
	b.NamedIDs(PropertyEntranceFieldIndication, cave.LookupTag, original.FieldIndicationTagIDs, modified.FieldIndicationTagIDs)
	b.NamedIDs(PropertyEntranceReportedByNameTags, cave.LookupTag, original.ReportedByNameTagIDs, modified.ReportedByNameTagIDs)
	b.NamedIDs(PropertyEntranceOtherTags, cave.LookupTag, original.OtherTagIDs, modified.OtherTagIDs)
}

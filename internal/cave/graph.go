// Package cave holds the cave and entrance graph submitted for review or
// loaded as the authoritative snapshot.
package cave

import (
	"strings"
	"time"
)

type LookupKind string

const (
	LookupCounty LookupKind = "county"
	LookupState  LookupKind = "state"
	LookupTag    LookupKind = "tag"
)

// TagKind is the tag_types.kind a tag-ID collection draws from.
type TagKind string

const (
	TagGeology               TagKind = "Geology"
	TagMapStatus             TagKind = "MapStatus"
	TagGeologicAge           TagKind = "GeologicAge"
	TagPhysiographicProvince TagKind = "PhysiographicProvince"
	TagBiology               TagKind = "Biology"
	TagArcheology            TagKind = "Archeology"
	TagCartographerName      TagKind = "CartographerName"
	TagPeopleName            TagKind = "PeopleName"
	TagCaveOther             TagKind = "CaveOther"
	TagLocationQuality       TagKind = "LocationQuality"
	TagEntranceStatus        TagKind = "EntranceStatus"
	TagEntranceHydrology     TagKind = "EntranceHydrology"
	TagHydrologyFrequency    TagKind = "EntranceHydrologyFrequency"
	TagFieldIndication       TagKind = "FieldIndication"
	TagEntranceOther         TagKind = "EntranceOther"
)

// AcceptsLiterals reports whether a collection of this kind may carry a
// free-text name that has not been persisted as a tag yet.
func (k TagKind) AcceptsLiterals() bool {
	return k == TagCartographerName || k == TagPeopleName
}

type Graph struct {
	ID              string     `json:"id,omitempty"`
	AccountID       string     `json:"accountId,omitempty"`
	Name            string     `json:"name"`
	AlternateNames  []string   `json:"alternateNames,omitempty"`
	CountyID        string     `json:"countyId"`
	StateID         string     `json:"stateId"`
	LengthFeet      *float64   `json:"lengthFeet,omitempty"`
	DepthFeet       *float64   `json:"depthFeet,omitempty"`
	MaxPitDepthFeet *float64   `json:"maxPitDepthFeet,omitempty"`
	NumberOfPits    *int64     `json:"numberOfPits,omitempty"`
	Narrative       *string    `json:"narrative,omitempty"`
	ReportedOn      *time.Time `json:"reportedOn,omitempty"`

	GeologyTagIDs               []string `json:"geologyTagIds,omitempty"`
	MapStatusTagIDs             []string `json:"mapStatusTagIds,omitempty"`
	GeologicAgeTagIDs           []string `json:"geologicAgeTagIds,omitempty"`
	PhysiographicProvinceTagIDs []string `json:"physiographicProvinceTagIds,omitempty"`
	BiologyTagIDs               []string `json:"biologyTagIds,omitempty"`
	ArcheologyTagIDs            []string `json:"archeologyTagIds,omitempty"`
	CartographerNameTagIDs      []string `json:"cartographerNameTagIds,omitempty"`
	ReportedByNameTagIDs        []string `json:"reportedByNameTagIds,omitempty"`
	OtherTagIDs                 []string `json:"otherTagIds,omitempty"`

	Entrances []Entrance `json:"entrances"`
}

type Entrance struct {
	ID                   string     `json:"id,omitempty"`
	Name                 *string    `json:"name,omitempty"`
	Description          *string    `json:"description,omitempty"`
	IsPrimary            bool       `json:"isPrimary"`
	PitDepthFeet         *float64   `json:"pitDepthFeet,omitempty"`
	ReportedOn           *time.Time `json:"reportedOn,omitempty"`
	LocationQualityTagID *string    `json:"locationQualityTagId,omitempty"`
	Latitude             *float64   `json:"latitude,omitempty"`
	Longitude            *float64   `json:"longitude,omitempty"`
	ElevationFeet        *float64   `json:"elevationFeet,omitempty"`

	StatusTagIDs             []string `json:"statusTagIds,omitempty"`
	HydrologyTagIDs          []string `json:"hydrologyTagIds,omitempty"`
	HydrologyFrequencyTagIDs []string `json:"hydrologyFrequencyTagIds,omitempty"`
	FieldIndicationTagIDs    []string `json:"fieldIndicationTagIds,omitempty"`
	ReportedByNameTagIDs     []string `json:"reportedByNameTagIds,omitempty"`
	OtherTagIDs              []string `json:"otherTagIds,omitempty"`
}

// TagCollection pairs a tag-ID slice with the kind it draws from.
type TagCollection struct {
	Kind TagKind
	IDs  *[]string
}

// TagCollections returns the cave-level tag collections in persistence order.
// The returned pointers alias g, so callers may rewrite IDs in place.
func (g *Graph) TagCollections() []TagCollection {
	return []TagCollection{
		{Kind: TagGeology, IDs: &g.GeologyTagIDs},
		{Kind: TagMapStatus, IDs: &g.MapStatusTagIDs},
		{Kind: TagGeologicAge, IDs: &g.GeologicAgeTagIDs},
		{Kind: TagPhysiographicProvince, IDs: &g.PhysiographicProvinceTagIDs},
		{Kind: TagBiology, IDs: &g.BiologyTagIDs},
		{Kind: TagArcheology, IDs: &g.ArcheologyTagIDs},
		{Kind: TagCartographerName, IDs: &g.CartographerNameTagIDs},
		{Kind: TagPeopleName, IDs: &g.ReportedByNameTagIDs},
		{Kind: TagCaveOther, IDs: &g.OtherTagIDs},
	}
}

// TagCollections returns the entrance-level tag collections in persistence order.
func (e *Entrance) TagCollections() []TagCollection {
	return []TagCollection{
		{Kind: TagEntranceStatus, IDs: &e.StatusTagIDs},
		{Kind: TagEntranceHydrology, IDs: &e.HydrologyTagIDs},
		{Kind: TagHydrologyFrequency, IDs: &e.HydrologyFrequencyTagIDs},
		{Kind: TagFieldIndication, IDs: &e.FieldIndicationTagIDs},
		{Kind: TagPeopleName, IDs: &e.ReportedByNameTagIDs},
		{Kind: TagEntranceOther, IDs: &e.OtherTagIDs},
	}
}

// TruncateTimes rounds every timestamp in the graph down to precision, the
// resolution the authoritative store keeps.
func (g *Graph) TruncateTimes(precision time.Duration) {
	if g == nil {
		return
	}
	if g.ReportedOn != nil {
		truncated := g.ReportedOn.Truncate(precision)
		g.ReportedOn = &truncated
	}
	for i := range g.Entrances {
		if reported := g.Entrances[i].ReportedOn; reported != nil {
			truncated := reported.Truncate(precision)
			g.Entrances[i].ReportedOn = &truncated
		}
	}
}

// EntranceByID returns the entrance with the given ID, or nil.
func (g *Graph) EntranceByID(id string) *Entrance {
	if g == nil || id == "" {
		return nil
	}
	for i := range g.Entrances {
		if g.Entrances[i].ID == id {
			return &g.Entrances[i]
		}
	}
	return nil
}

// ReferencedIDs collects every ID the graph references, grouped by the lookup
// collaborator that resolves it. Order follows first appearance.
func (g *Graph) ReferencedIDs() map[LookupKind][]string {
	out := map[LookupKind][]string{}
	if g == nil {
		return out
	}
	seen := map[LookupKind]map[string]struct{}{}
	add := func(kind LookupKind, id string) {
		id = strings.TrimSpace(id)
		if id == "" {
			return
		}
		if seen[kind] == nil {
			seen[kind] = map[string]struct{}{}
		}
		if _, ok := seen[kind][id]; ok {
			return
		}
		seen[kind][id] = struct{}{}
		out[kind] = append(out[kind], id)
	}

	add(LookupCounty, g.CountyID)
	add(LookupState, g.StateID)
	for _, collection := range g.TagCollections() {
		for _, id := range *collection.IDs {
			add(LookupTag, id)
		}
	}
	for i := range g.Entrances {
		entrance := &g.Entrances[i]
		if entrance.LocationQualityTagID != nil {
			add(LookupTag, *entrance.LocationQualityTagID)
		}
		for _, collection := range entrance.TagCollections() {
			for _, id := range *collection.IDs {
				add(LookupTag, id)
			}
		}
	}
	return out
}

// Clone returns a deep copy so a submitted graph can be rewritten with
// generated IDs without touching the stored proposal.
func (g *Graph) Clone() *Graph {
	if g == nil {
		return nil
	}
	out := *g
	out.AlternateNames = cloneStrings(g.AlternateNames)
	out.LengthFeet = cloneFloat(g.LengthFeet)
	out.DepthFeet = cloneFloat(g.DepthFeet)
	out.MaxPitDepthFeet = cloneFloat(g.MaxPitDepthFeet)
	if g.NumberOfPits != nil {
		value := *g.NumberOfPits
		out.NumberOfPits = &value
	}
	out.Narrative = cloneString(g.Narrative)
	out.ReportedOn = cloneTime(g.ReportedOn)
	for _, collection := range out.TagCollections() {
		*collection.IDs = cloneStrings(*collection.IDs)
	}
	if g.Entrances != nil {
		out.Entrances = make([]Entrance, len(g.Entrances))
		for i := range g.Entrances {
			out.Entrances[i] = g.Entrances[i].clone()
		}
	}
	return &out
}

func (e Entrance) clone() Entrance {
	out := e
	out.Name = cloneString(e.Name)
	out.Description = cloneString(e.Description)
	out.PitDepthFeet = cloneFloat(e.PitDepthFeet)
	out.ReportedOn = cloneTime(e.ReportedOn)
	out.LocationQualityTagID = cloneString(e.LocationQualityTagID)
	out.Latitude = cloneFloat(e.Latitude)
	out.Longitude = cloneFloat(e.Longitude)
	out.ElevationFeet = cloneFloat(e.ElevationFeet)
	for _, collection := range out.TagCollections() {
		*collection.IDs = cloneStrings(*collection.IDs)
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneString(in *string) *string {
	if in == nil {
		return nil
	}
	value := *in
	return &value
}

func cloneFloat(in *float64) *float64 {
	if in == nil {
		return nil
	}
	value := *in
	return &value
}

func cloneTime(in *time.Time) *time.Time {
	if in == nil {
		return nil
	}
	value := *in
	return &value
}

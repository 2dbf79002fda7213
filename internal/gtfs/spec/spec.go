// Package spec holds the table/field descriptors that drive GTFS merging.
//
// The descriptor set is loaded once at startup (either the compiled-in GTFS
// spec or a YAML override file) and is read-only afterwards, so it is safe
// for unsynchronized concurrent reads.
package spec

import "fmt"

// FieldType is the closed set of input types a descriptor may declare.
// Unknown types are rejected at load time rather than mishandled later.
type FieldType string

const (
	TypeText        FieldType = "TEXT"
	TypeURL         FieldType = "URL"
	TypeEmail       FieldType = "EMAIL"
	TypePhone       FieldType = "PHONE"
	TypeTimezone    FieldType = "TIMEZONE"
	TypeLanguage    FieldType = "LANGUAGE"
	TypeLatitude    FieldType = "LATITUDE"
	TypeLongitude   FieldType = "LONGITUDE"
	TypeDate        FieldType = "DATE"
	TypeTime        FieldType = "TIME"
	TypeColor       FieldType = "COLOR"
	TypeNumber      FieldType = "NUMBER"
	TypePositiveInt FieldType = "POSITIVE_INT"
	TypePositiveNum FieldType = "POSITIVE_NUM"
	TypeDayOfWeek   FieldType = "DAY_OF_WEEK_BOOLEAN"
	TypeDropdown    FieldType = "DROPDOWN"

	// Identifier types. TypeID declares an identifier owned by the feed;
	// the GTFS_* reference types point at one. All of them are namespaced
	// with the feed label during a merge so ids stay unique across feeds.
	TypeID         FieldType = "GTFS_ID"
	TypeAgencyRef  FieldType = "GTFS_AGENCY"
	TypeStopRef    FieldType = "GTFS_STOP"
	TypeRouteRef   FieldType = "GTFS_ROUTE"
	TypeTripRef    FieldType = "GTFS_TRIP"
	TypeServiceRef FieldType = "GTFS_SERVICE"
	TypeShapeRef   FieldType = "GTFS_SHAPE"
	TypeZoneRef    FieldType = "GTFS_ZONE"
	TypeFareRef    FieldType = "GTFS_FARE"
	TypeBlockRef   FieldType = "GTFS_BLOCK"
)

var knownTypes = map[FieldType]bool{
	TypeText: true, TypeURL: true, TypeEmail: true, TypePhone: true,
	TypeTimezone: true, TypeLanguage: true, TypeLatitude: true, TypeLongitude: true,
	TypeDate: true, TypeTime: true, TypeColor: true, TypeNumber: true,
	TypePositiveInt: true, TypePositiveNum: true, TypeDayOfWeek: true, TypeDropdown: true,
	TypeID: true, TypeAgencyRef: true, TypeStopRef: true, TypeRouteRef: true,
	TypeTripRef: true, TypeServiceRef: true, TypeShapeRef: true, TypeZoneRef: true,
	TypeFareRef: true, TypeBlockRef: true,
}

var identifierTypes = map[FieldType]bool{
	TypeID: true, TypeAgencyRef: true, TypeStopRef: true, TypeRouteRef: true,
	TypeTripRef: true, TypeServiceRef: true, TypeShapeRef: true, TypeZoneRef: true,
	TypeFareRef: true, TypeBlockRef: true,
}

// Identifier reports whether values of this type must be namespaced with the
// feed label on merge.
func (t FieldType) Identifier() bool { return identifierTypes[t] }

// ParseFieldType validates a raw descriptor inputType string.
func ParseFieldType(raw string) (FieldType, error) {
	t := FieldType(raw)
	if !knownTypes[t] {
		return "", fmt.Errorf("unknown inputType %q", raw)
	}
	return t, nil
}

// Field describes one column of a table.
type Field struct {
	Name     string
	Type     FieldType
	Required bool

	// Editor marks columns that exist only for the feed editor UI and are
	// excluded from merged output.
	Editor bool
}

// Table describes one tabular file within a feed archive. Field order
// defines output column order.
type Table struct {
	Name   string
	Fields []Field
}

// OutputFields returns the fields that appear in merged output, in
// declaration order.
func (t Table) OutputFields() []Field {
	out := make([]Field, 0, len(t.Fields))
	for _, f := range t.Fields {
		if !f.Editor {
			out = append(out, f)
		}
	}
	return out
}

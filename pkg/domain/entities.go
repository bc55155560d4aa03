// Package domain defines the entities, store contracts, filters and error
// taxonomy shared by the sensorhub transactional core.
package domain

import (
	"maps"
	"slices"
	"strings"
)

// Versioned is implemented by every entity stored with a validity period.
type Versioned interface {
	// UniqueID returns the globally unique key of the entity. For streams
	// this is the StreamUID of the owning procedure and stream name.
	UniqueID() string
	// Validity returns the declared validity period of this version.
	Validity() TimeExtent
}

// Searchable exposes the descriptive fields inspected by resource filters.
type Searchable interface {
	Versioned
	SearchText() []string
	Property(name string) (string, bool)
}

// Located is implemented by entities carrying a spatial extent.
type Located interface {
	Bounds() (BBox, bool)
}

// Entity is the constraint satisfied by values held in a versioned store.
type Entity[V any] interface {
	Searchable
	Clone() V
}

// Procedure describes a sensor, system or process.
type Procedure struct {
	UID         string            `json:"uid"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Type        string            `json:"type,omitempty"`
	ValidTime   TimeExtent        `json:"validTime"`
	Keywords    []string          `json:"keywords,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
	ParentUID   string            `json:"parentUid,omitempty"`
}

func (p Procedure) UniqueID() string     { return p.UID }
func (p Procedure) Validity() TimeExtent { return p.ValidTime }

// SearchText returns the fields matched by keyword filters.
func (p Procedure) SearchText() []string {
	return append([]string{p.Name, p.Description}, p.Keywords...)
}

// Property resolves a filterable property. Well-known names are checked
// before the free-form property map.
func (p Procedure) Property(name string) (string, bool) {
	switch name {
	case "uid":
		return p.UID, true
	case "name":
		return p.Name, true
	case "type":
		return p.Type, p.Type != ""
	case "parentUid":
		return p.ParentUID, p.ParentUID != ""
	}
	v, ok := p.Properties[name]
	return v, ok
}

// Clone returns a deep copy.
func (p Procedure) Clone() Procedure {
	p.Keywords = slices.Clone(p.Keywords)
	p.Properties = maps.Clone(p.Properties)
	return p
}

// BBox is an axis-aligned bounding box.
type BBox struct {
	MinX float64 `json:"minX"`
	MinY float64 `json:"minY"`
	MaxX float64 `json:"maxX"`
	MaxY float64 `json:"maxY"`
}

// Intersects reports whether the two boxes overlap, edges included.
func (b BBox) Intersects(other BBox) bool {
	return b.MinX <= other.MaxX && other.MinX <= b.MaxX &&
		b.MinY <= other.MaxY && other.MinY <= b.MaxY
}

// Feature is a feature of interest observed by a procedure.
type Feature struct {
	UID         string            `json:"uid"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	ValidTime   TimeExtent        `json:"validTime"`
	Keywords    []string          `json:"keywords,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
	Geometry    *BBox             `json:"geometry,omitempty"`
}

func (f Feature) UniqueID() string     { return f.UID }
func (f Feature) Validity() TimeExtent { return f.ValidTime }

func (f Feature) SearchText() []string {
	return append([]string{f.Name, f.Description}, f.Keywords...)
}

func (f Feature) Property(name string) (string, bool) {
	switch name {
	case "uid":
		return f.UID, true
	case "name":
		return f.Name, true
	}
	v, ok := f.Properties[name]
	return v, ok
}

// Bounds returns the feature geometry extent when one is set.
func (f Feature) Bounds() (BBox, bool) {
	if f.Geometry == nil {
		return BBox{}, false
	}
	return *f.Geometry, true
}

func (f Feature) Clone() Feature {
	f.Keywords = slices.Clone(f.Keywords)
	f.Properties = maps.Clone(f.Properties)
	if f.Geometry != nil {
		g := *f.Geometry
		f.Geometry = &g
	}
	return f
}

// FieldTypeTime marks the record field carrying the phenomenon time.
const FieldTypeTime = "time"

// Field is one component of a record structure.
type Field struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Definition string `json:"definition,omitempty"`
}

// RecordSchema is the record structure of a datastream or command stream.
type RecordSchema struct {
	Name        string  `json:"name"`
	Label       string  `json:"label,omitempty"`
	Description string  `json:"description,omitempty"`
	Fields      []Field `json:"fields"`
}

// Equivalent reports whether two schemas describe the same record layout.
// Labels and descriptions are informative and ignored.
func (s RecordSchema) Equivalent(other RecordSchema) bool {
	return s.Name == other.Name && slices.Equal(s.Fields, other.Fields)
}

// Equal reports whether both schemas are identical, informative fields included.
func (s RecordSchema) Equal(other RecordSchema) bool {
	return s.Equivalent(other) && s.Label == other.Label && s.Description == other.Description
}

// HasField reports whether the schema declares a field with the given name.
func (s RecordSchema) HasField(name string) bool {
	return slices.ContainsFunc(s.Fields, func(f Field) bool { return f.Name == name })
}

// TimeField returns the name of the first time-typed field, "" when none.
func (s RecordSchema) TimeField() string {
	for _, f := range s.Fields {
		if f.Type == FieldTypeTime {
			return f.Name
		}
	}
	return ""
}

func (s RecordSchema) clone() RecordSchema {
	s.Fields = slices.Clone(s.Fields)
	return s
}

// Encoding describes how records of a stream are serialized.
type Encoding struct {
	Type    string            `json:"type"`
	Options map[string]string `json:"options,omitempty"`
}

// Equal reports whether both encodings are identical.
func (e Encoding) Equal(other Encoding) bool {
	return e.Type == other.Type && maps.Equal(e.Options, other.Options)
}

func (e Encoding) clone() Encoding {
	e.Options = maps.Clone(e.Options)
	return e
}

// DataStream is an output channel of a procedure.
type DataStream struct {
	ProcedureID         int64        `json:"procedureId"`
	ProcedureUID        string       `json:"procedureUid"`
	OutputName          string       `json:"outputName"`
	Name                string       `json:"name"`
	Description         string       `json:"description,omitempty"`
	ValidTime           TimeExtent   `json:"validTime"`
	Schema              RecordSchema `json:"schema"`
	Encoding            Encoding     `json:"encoding"`
	ResultTimeRange     *TimeExtent  `json:"resultTimeRange,omitempty"`
	PhenomenonTimeRange *TimeExtent  `json:"phenomenonTimeRange,omitempty"`
}

func (d DataStream) UniqueID() string     { return StreamUID(d.ProcedureUID, d.OutputName) }
func (d DataStream) Validity() TimeExtent { return d.ValidTime }

func (d DataStream) SearchText() []string {
	return []string{d.Name, d.Description, d.Schema.Label, d.Schema.Description}
}

func (d DataStream) Property(name string) (string, bool) {
	switch name {
	case "outputName":
		return d.OutputName, true
	case "procedureUid":
		return d.ProcedureUID, true
	case "name":
		return d.Name, true
	case "encoding":
		return d.Encoding.Type, true
	}
	return "", false
}

// HasData reports whether observations were recorded against the stream.
func (d DataStream) HasData() bool {
	return d.ResultTimeRange != nil
}

// IsCompatible reports whether schema and encoding match the stream's own.
func (d DataStream) IsCompatible(schema RecordSchema, enc Encoding) bool {
	return d.Schema.Equivalent(schema) && d.Encoding.Equal(enc)
}

func (d DataStream) Clone() DataStream {
	d.Schema = d.Schema.clone()
	d.Encoding = d.Encoding.clone()
	d.ResultTimeRange = cloneExtent(d.ResultTimeRange)
	d.PhenomenonTimeRange = cloneExtent(d.PhenomenonTimeRange)
	return d
}

// CommandStream is a control input of a procedure.
type CommandStream struct {
	ProcedureID      int64        `json:"procedureId"`
	ProcedureUID     string       `json:"procedureUid"`
	ControlInputName string       `json:"controlInputName"`
	Name             string       `json:"name"`
	Description      string       `json:"description,omitempty"`
	ValidTime        TimeExtent   `json:"validTime"`
	Schema           RecordSchema `json:"schema"`
	Encoding         Encoding     `json:"encoding"`
	IssueTimeRange   *TimeExtent  `json:"issueTimeRange,omitempty"`
}

func (c CommandStream) UniqueID() string     { return StreamUID(c.ProcedureUID, c.ControlInputName) }
func (c CommandStream) Validity() TimeExtent { return c.ValidTime }

func (c CommandStream) SearchText() []string {
	return []string{c.Name, c.Description, c.Schema.Label, c.Schema.Description}
}

func (c CommandStream) Property(name string) (string, bool) {
	switch name {
	case "controlInputName":
		return c.ControlInputName, true
	case "procedureUid":
		return c.ProcedureUID, true
	case "name":
		return c.Name, true
	case "encoding":
		return c.Encoding.Type, true
	}
	return "", false
}

// HasData reports whether commands were issued on the stream.
func (c CommandStream) HasData() bool {
	return c.IssueTimeRange != nil
}

func (c CommandStream) IsCompatible(schema RecordSchema, enc Encoding) bool {
	return c.Schema.Equivalent(schema) && c.Encoding.Equal(enc)
}

func (c CommandStream) Clone() CommandStream {
	c.Schema = c.Schema.clone()
	c.Encoding = c.Encoding.clone()
	c.IssueTimeRange = cloneExtent(c.IssueTimeRange)
	return c
}

func cloneExtent(te *TimeExtent) *TimeExtent {
	if te == nil {
		return nil
	}
	cp := *te
	return &cp
}

// StreamDisplayName builds the default name of a stream owned by a procedure.
func StreamDisplayName(procedureName string, schema RecordSchema, localName string) string {
	label := strings.TrimSpace(schema.Label)
	if label == "" {
		label = localName
	}
	return procedureName + " - " + label
}

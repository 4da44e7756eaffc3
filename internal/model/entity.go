package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// GlobalOrganisation is the reserved scope visible to every tenant unless shadowed.
const GlobalOrganisation = "global"

// Links maps a target type name to the sorted set of linked ids.
type Links map[string][]string

// NormalizeIDs sorts ids and drops duplicates and empty values.
func NormalizeIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// IDs returns a copy of the ids linked under targetType.
func (l Links) IDs(targetType string) []string {
	ids := l[targetType]
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

func (l Links) Has(targetType, id string) bool {
	for _, existing := range l[targetType] {
		if existing == id {
			return true
		}
	}
	return false
}

// Set replaces the ids under targetType. An empty set removes the entry.
func (l Links) Set(targetType string, ids []string) {
	ids = NormalizeIDs(ids)
	if len(ids) == 0 {
		delete(l, targetType)
		return
	}
	l[targetType] = ids
}

func (l Links) Add(targetType string, ids ...string) {
	l.Set(targetType, append(l.IDs(targetType), ids...))
}

func (l Links) Remove(targetType string, ids ...string) {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := make([]string, 0, len(l[targetType]))
	for _, id := range l[targetType] {
		if _, ok := drop[id]; !ok {
			kept = append(kept, id)
		}
	}
	l.Set(targetType, kept)
}

// Empty reports whether no target type has any linked id.
func (l Links) Empty() bool {
	for _, ids := range l {
		if len(ids) > 0 {
			return false
		}
	}
	return true
}

func (l Links) Clone() Links {
	if l == nil {
		return nil
	}
	out := make(Links, len(l))
	for t, ids := range l {
		if len(ids) > 0 {
			out[t] = append([]string(nil), ids...)
		}
	}
	return out
}

// Union returns a new set holding every link of l and other.
func (l Links) Union(other Links) Links {
	out := l.Clone()
	if out == nil {
		out = Links{}
	}
	for t, ids := range other {
		out.Add(t, ids...)
	}
	return out
}

// Entity is one stored record of a logical type within a tenant scope.
type Entity struct {
	Type                  string
	ID                    string
	Revision              int64
	CreatedAt             time.Time
	UpdatedAt             time.Time
	Data                  map[string]any
	Links                 Links
	SecondaryGlobal       string
	SecondaryOrganisation string
	History               bool
	Deleted               bool

	// Where the record was read from. Set by the driver after every read or write.
	SourceTable          string
	SourceOrganisationID string
}

// NewEntity creates an uncommitted entity of the given type.
func NewEntity(entityType string, data map[string]any) *Entity {
	if data == nil {
		data = map[string]any{}
	}
	return &Entity{Type: entityType, Data: data, Links: Links{}}
}

// NewEntityFrom builds an entity whose payload is the JSON form of v.
func NewEntityFrom(entityType string, v any) (*Entity, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", entityType, err)
	}
	data := map[string]any{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("payload of %s is not an object: %w", entityType, err)
	}
	return NewEntity(entityType, data), nil
}

// Decode copies the payload into v.
func (e *Entity) Decode(v any) error {
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// Key returns the point-lookup identity of the entity within org.
func (e *Entity) Key(org string) DatabaseKey {
	return DatabaseKey{OrganisationID: org, Type: e.Type, ID: e.ID}
}

func (e *Entity) LinkIDs(targetType string) []string {
	return e.Links.IDs(targetType)
}

func (e *Entity) HasLinks() bool {
	return !e.Links.Empty()
}

func (e *Entity) SetSource(table, org string) {
	e.SourceTable = table
	e.SourceOrganisationID = org
}

func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	out := *e
	out.Links = e.Links.Clone()
	if e.Data != nil {
		out.Data = make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			out.Data[k] = v
		}
	}
	return &out
}

package store

import "sort"

// Attribute names usable in conditions.
const (
	AttrRevision = "revision"
	AttrLinks    = "links"
)

type ConditionKind int

const (
	AttributeExists ConditionKind = iota + 1
	AttributeNotExists
	RevisionEquals
)

// Condition is one conjunct of a write guard.
type Condition struct {
	Kind      ConditionKind
	Attribute string
	Revision  int64
}

func Exists(attr string) Condition {
	return Condition{Kind: AttributeExists, Attribute: attr}
}

func NotExists(attr string) Condition {
	return Condition{Kind: AttributeNotExists, Attribute: attr}
}

func RevisionIs(revision int64) Condition {
	return Condition{Kind: RevisionEquals, Attribute: AttrRevision, Revision: revision}
}

// Update mutates the link map and revision of a record in one atomic step.
type Update struct {
	// ReplaceLinks sets the whole link map to Links.
	ReplaceLinks bool
	Links        map[string][]string
	// SetLinks overwrites single link fields; an empty set removes the field.
	SetLinks map[string][]string
	// AddLinks adds ids to link fields.
	AddLinks map[string][]string
	// DeleteLinks removes ids from link fields.
	DeleteLinks       map[string][]string
	IncrementRevision bool
}

func attributeExists(rec *Record, attr string) bool {
	if rec == nil {
		return false
	}
	switch attr {
	case AttrRevision:
		return rec.Revision != 0
	case AttrLinks:
		return rec.Links != nil
	default:
		return false
	}
}

// CheckConditions evaluates conds against existing, which is nil when absent.
func CheckConditions(existing *Record, conds []Condition) bool {
	for _, c := range conds {
		switch c.Kind {
		case AttributeExists:
			if !attributeExists(existing, c.Attribute) {
				return false
			}
		case AttributeNotExists:
			if attributeExists(existing, c.Attribute) {
				return false
			}
		case RevisionEquals:
			if existing == nil || existing.Revision != c.Revision {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// ApplyUpdate returns the state of the record at key after update. existing is not modified.
func ApplyUpdate(existing *Record, key Key, update Update) *Record {
	rec := existing.Clone()
	if rec == nil {
		rec = &Record{OrganisationID: key.OrganisationID, ID: key.ID}
	}

	if update.ReplaceLinks {
		rec.Links = make(map[string][]string, len(update.Links))
		for t, ids := range update.Links {
			if set := normalize(ids); len(set) > 0 {
				rec.Links[t] = set
			}
		}
	}
	for t, ids := range update.SetLinks {
		if rec.Links == nil {
			rec.Links = map[string][]string{}
		}
		if set := normalize(ids); len(set) > 0 {
			rec.Links[t] = set
		} else {
			delete(rec.Links, t)
		}
	}
	for t, ids := range update.AddLinks {
		if rec.Links == nil {
			rec.Links = map[string][]string{}
		}
		rec.Links[t] = normalize(append(append([]string(nil), rec.Links[t]...), ids...))
	}
	for t, ids := range update.DeleteLinks {
		if rec.Links == nil {
			continue
		}
		drop := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			drop[id] = struct{}{}
		}
		var kept []string
		for _, id := range rec.Links[t] {
			if _, ok := drop[id]; !ok {
				kept = append(kept, id)
			}
		}
		if len(kept) > 0 {
			rec.Links[t] = kept
		} else {
			delete(rec.Links, t)
		}
	}
	if update.IncrementRevision {
		rec.Revision++
	}
	return rec
}

func normalize(ids []string) []string {
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
	return out
}

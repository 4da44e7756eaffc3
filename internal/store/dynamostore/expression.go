package dynamostore

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"

	"github.com/devrev/pairdb/entitystore/internal/store"
)

// exprBuilder allocates placeholder names and values for one request.
type exprBuilder struct {
	names  map[string]*string
	values map[string]*dynamodb.AttributeValue
}

func newExprBuilder() *exprBuilder {
	return &exprBuilder{
		names:  map[string]*string{},
		values: map[string]*dynamodb.AttributeValue{},
	}
}

func (b *exprBuilder) name(attr string) string {
	for placeholder, existing := range b.names {
		if *existing == attr {
			return placeholder
		}
	}
	placeholder := fmt.Sprintf("#n%d", len(b.names))
	b.names[placeholder] = aws.String(attr)
	return placeholder
}

func (b *exprBuilder) value(v *dynamodb.AttributeValue) string {
	placeholder := fmt.Sprintf(":v%d", len(b.values))
	b.values[placeholder] = v
	return placeholder
}

func (b *exprBuilder) attributeNames() map[string]*string {
	if len(b.names) == 0 {
		return nil
	}
	return b.names
}

func (b *exprBuilder) attributeValues() map[string]*dynamodb.AttributeValue {
	if len(b.values) == 0 {
		return nil
	}
	return b.values
}

func (b *exprBuilder) condition(conds []store.Condition) *string {
	if len(conds) == 0 {
		return nil
	}
	parts := make([]string, 0, len(conds))
	for _, c := range conds {
		switch c.Kind {
		case store.AttributeExists:
			parts = append(parts, fmt.Sprintf("attribute_exists(%s)", b.name(c.Attribute)))
		case store.AttributeNotExists:
			parts = append(parts, fmt.Sprintf("attribute_not_exists(%s)", b.name(c.Attribute)))
		case store.RevisionEquals:
			parts = append(parts, fmt.Sprintf("%s = %s", b.name(attrRevision), b.value(num(c.Revision))))
		}
	}
	return aws.String(strings.Join(parts, " AND "))
}

func sortedFields(m map[string][]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (b *exprBuilder) update(u store.Update) *string {
	var set, add, remove, del []string
	links := b.name(attrLinks)

	if u.ReplaceLinks {
		set = append(set, fmt.Sprintf("%s = %s", links, b.value(linksAttribute(u.Links))))
	}
	for _, t := range sortedFields(u.SetLinks) {
		field := links + "." + b.name(t)
		if ids := u.SetLinks[t]; len(ids) > 0 {
			set = append(set, fmt.Sprintf("%s = %s", field, b.value(stringSet(ids))))
		} else {
			remove = append(remove, field)
		}
	}
	for _, t := range sortedFields(u.AddLinks) {
		add = append(add, fmt.Sprintf("%s.%s %s", links, b.name(t), b.value(stringSet(u.AddLinks[t]))))
	}
	for _, t := range sortedFields(u.DeleteLinks) {
		del = append(del, fmt.Sprintf("%s.%s %s", links, b.name(t), b.value(stringSet(u.DeleteLinks[t]))))
	}
	if u.IncrementRevision {
		add = append(add, fmt.Sprintf("%s %s", b.name(attrRevision), b.value(num(1))))
	}

	var clauses []string
	if len(set) > 0 {
		clauses = append(clauses, "SET "+strings.Join(set, ", "))
	}
	if len(add) > 0 {
		clauses = append(clauses, "ADD "+strings.Join(add, ", "))
	}
	if len(remove) > 0 {
		clauses = append(clauses, "REMOVE "+strings.Join(remove, ", "))
	}
	if len(del) > 0 {
		clauses = append(clauses, "DELETE "+strings.Join(del, ", "))
	}
	return aws.String(strings.Join(clauses, " "))
}

// indexAttributes returns the partition and sort attribute names of an index.
func indexAttributes(index store.Index) (partition, sortKey string) {
	switch index {
	case store.IndexSecondaryGlobal:
		return attrSecondaryGlobal, ""
	case store.IndexSecondaryOrganisation:
		return attrOrganisationID, attrSecondaryOrganisation
	case store.IndexParallelHash:
		return attrOrganisationID, attrParallelHash
	default:
		return attrOrganisationID, attrID
	}
}

func historyIndexSortAttribute(index store.Index) string {
	switch index {
	case store.HistoryIndexIDDate:
		return attrIDDate
	case store.HistoryIndexUpdatedAt:
		return attrUpdatedAtID
	default:
		return attrIDRevision
	}
}

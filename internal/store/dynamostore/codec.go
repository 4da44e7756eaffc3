package dynamostore

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"

	"github.com/devrev/pairdb/entitystore/internal/store"
)

// Attribute names of the persisted layout.
const (
	attrOrganisationID        = "organisationId"
	attrID                    = "id"
	attrRevision              = "revision"
	attrItem                  = "item"
	attrLinks                 = "links"
	attrDeleted               = "deleted"
	attrHistory               = "history"
	attrHashed                = "hashed"
	attrParallelHash          = "parallelHash"
	attrSecondaryGlobal       = "secondaryGlobal"
	attrSecondaryOrganisation = "secondaryOrganisation"

	attrOrganisationIDType = "organisationIdType"
	attrIDRevision         = "idRevision"
	attrIDDate             = "idDate"
	attrUpdatedAtID        = "updatedAtId"
	attrUpdatedAt          = "updatedAt"
	attrCreatedAt          = "createdAt"
	attrData               = "data"
)

func str(s string) *dynamodb.AttributeValue {
	return &dynamodb.AttributeValue{S: aws.String(s)}
}

func num(n int64) *dynamodb.AttributeValue {
	return &dynamodb.AttributeValue{N: aws.String(strconv.FormatInt(n, 10))}
}

func stringSet(ids []string) *dynamodb.AttributeValue {
	return &dynamodb.AttributeValue{SS: aws.StringSlice(ids)}
}

func keyAttributes(key store.Key) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		attrOrganisationID: str(key.OrganisationID),
		attrID:             str(key.ID),
	}
}

func linksAttribute(links map[string][]string) *dynamodb.AttributeValue {
	m := make(map[string]*dynamodb.AttributeValue, len(links))
	for t, ids := range links {
		if len(ids) > 0 {
			m[t] = stringSet(ids)
		}
	}
	return &dynamodb.AttributeValue{M: m}
}

func encodePayload(p *store.Payload) (*dynamodb.AttributeValue, error) {
	m := map[string]*dynamodb.AttributeValue{
		attrID:        str(p.ID),
		attrCreatedAt: num(p.CreatedAt),
		attrUpdatedAt: num(p.UpdatedAt),
	}
	if len(p.Data) > 0 {
		data, err := dynamodbattribute.MarshalMap(p.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		m[attrData] = &dynamodb.AttributeValue{M: data}
	}
	return &dynamodb.AttributeValue{M: m}, nil
}

func encodeRecord(rec *store.Record) (map[string]*dynamodb.AttributeValue, error) {
	item := keyAttributes(rec.Key())
	if rec.Revision != 0 {
		item[attrRevision] = num(rec.Revision)
	}
	if rec.Item != nil {
		payload, err := encodePayload(rec.Item)
		if err != nil {
			return nil, err
		}
		item[attrItem] = payload
	}
	if rec.Links != nil {
		item[attrLinks] = linksAttribute(rec.Links)
	}
	if rec.Deleted {
		item[attrDeleted] = &dynamodb.AttributeValue{BOOL: aws.Bool(true)}
	}
	if rec.History {
		item[attrHistory] = &dynamodb.AttributeValue{BOOL: aws.Bool(true)}
	}
	if rec.Hashed {
		item[attrHashed] = &dynamodb.AttributeValue{BOOL: aws.Bool(true)}
	}
	if rec.ParallelHash != "" {
		item[attrParallelHash] = str(rec.ParallelHash)
	}
	if rec.SecondaryGlobal != "" {
		item[attrSecondaryGlobal] = str(rec.SecondaryGlobal)
	}
	if rec.SecondaryOrganisation != "" {
		item[attrSecondaryOrganisation] = str(rec.SecondaryOrganisation)
	}
	return item, nil
}

func getString(item map[string]*dynamodb.AttributeValue, name string) string {
	if v, ok := item[name]; ok && v.S != nil {
		return *v.S
	}
	return ""
}

func getNumber(item map[string]*dynamodb.AttributeValue, name string) (int64, error) {
	v, ok := item[name]
	if !ok || v.N == nil {
		return 0, nil
	}
	n, err := strconv.ParseInt(*v.N, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("attribute %s is not an integer: %w", name, err)
	}
	return n, nil
}

func getBool(item map[string]*dynamodb.AttributeValue, name string) bool {
	if v, ok := item[name]; ok && v.BOOL != nil {
		return *v.BOOL
	}
	return false
}

func decodePayload(av *dynamodb.AttributeValue) (*store.Payload, error) {
	if av == nil || av.M == nil {
		return nil, nil
	}
	p := &store.Payload{ID: getString(av.M, attrID)}
	var err error
	if p.CreatedAt, err = getNumber(av.M, attrCreatedAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = getNumber(av.M, attrUpdatedAt); err != nil {
		return nil, err
	}
	if data, ok := av.M[attrData]; ok && data.M != nil {
		p.Data = map[string]any{}
		if err := dynamodbattribute.UnmarshalMap(data.M, &p.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	return p, nil
}

func decodeRecord(item map[string]*dynamodb.AttributeValue) (*store.Record, error) {
	rec := &store.Record{
		OrganisationID:        getString(item, attrOrganisationID),
		ID:                    getString(item, attrID),
		Deleted:               getBool(item, attrDeleted),
		History:               getBool(item, attrHistory),
		Hashed:                getBool(item, attrHashed),
		ParallelHash:          getString(item, attrParallelHash),
		SecondaryGlobal:       getString(item, attrSecondaryGlobal),
		SecondaryOrganisation: getString(item, attrSecondaryOrganisation),
	}
	var err error
	if rec.Revision, err = getNumber(item, attrRevision); err != nil {
		return nil, err
	}
	if rec.Item, err = decodePayload(item[attrItem]); err != nil {
		return nil, err
	}
	if links, ok := item[attrLinks]; ok && links.M != nil {
		rec.Links = make(map[string][]string, len(links.M))
		for t, v := range links.M {
			ids := aws.StringValueSlice(v.SS)
			if len(ids) == 0 {
				continue
			}
			sort.Strings(ids)
			rec.Links[t] = ids
		}
	}
	return rec, nil
}

func decodeKey(item map[string]*dynamodb.AttributeValue) store.Key {
	return store.Key{OrganisationID: getString(item, attrOrganisationID), ID: getString(item, attrID)}
}

func encodeHistory(rec *store.HistoryRecord) (map[string]*dynamodb.AttributeValue, error) {
	item := map[string]*dynamodb.AttributeValue{
		attrOrganisationIDType: str(rec.OrganisationIDType),
		attrIDRevision:         str(rec.IDRevision),
		attrIDDate:             str(rec.IDDate),
		attrUpdatedAtID:        str(rec.UpdatedAtID),
		attrID:                 str(rec.ID),
		attrRevision:           num(rec.Revision),
		attrUpdatedAt:          num(rec.UpdatedAt),
	}
	if rec.Item != nil {
		payload, err := encodePayload(rec.Item)
		if err != nil {
			return nil, err
		}
		item[attrItem] = payload
	}
	return item, nil
}

func decodeHistory(item map[string]*dynamodb.AttributeValue) (*store.HistoryRecord, error) {
	rec := &store.HistoryRecord{
		OrganisationIDType: getString(item, attrOrganisationIDType),
		IDRevision:         getString(item, attrIDRevision),
		IDDate:             getString(item, attrIDDate),
		UpdatedAtID:        getString(item, attrUpdatedAtID),
		ID:                 getString(item, attrID),
	}
	var err error
	if rec.Revision, err = getNumber(item, attrRevision); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = getNumber(item, attrUpdatedAt); err != nil {
		return nil, err
	}
	if rec.Item, err = decodePayload(item[attrItem]); err != nil {
		return nil, err
	}
	return rec, nil
}

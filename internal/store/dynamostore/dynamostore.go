// Package dynamostore runs the Store contract against Amazon DynamoDB.
package dynamostore

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/entitystore/internal/store"
)

// Config holds DynamoDB connection settings
type Config struct {
	Region   string
	Endpoint string
	// Tables are probed by Ping.
	Tables []string
}

// Store is a DynamoDB-backed store.Store.
type Store struct {
	client dynamodbiface.DynamoDBAPI
	tables []string
	logger *zap.Logger
}

var _ store.Store = (*Store)(nil)

// New wraps an existing client, which lets tests substitute the API.
func New(client dynamodbiface.DynamoDBAPI, tables []string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{client: client, tables: tables, logger: logger}
}

// Open creates a client from an AWS session.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	awsCfg := &aws.Config{}
	if cfg.Region != "" {
		awsCfg.Region = aws.String(cfg.Region)
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("creating AWS session: %w", err)
	}
	return New(dynamodb.New(sess), cfg.Tables, logger), nil
}

// translate maps a failed conditional check onto store.ErrConditionFailed.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if aerr, ok := err.(awserr.Error); ok && aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException {
		return store.ErrConditionFailed
	}
	return err
}

func (s *Store) BatchGet(ctx context.Context, keys map[string][]store.Key) (*store.BatchGetOutput, error) {
	requestItems := make(map[string]*dynamodb.KeysAndAttributes, len(keys))
	for table, ks := range keys {
		attrs := make([]map[string]*dynamodb.AttributeValue, 0, len(ks))
		for _, k := range ks {
			attrs = append(attrs, keyAttributes(k))
		}
		requestItems[table] = &dynamodb.KeysAndAttributes{Keys: attrs, ConsistentRead: aws.Bool(true)}
	}

	resp, err := s.client.BatchGetItemWithContext(ctx, &dynamodb.BatchGetItemInput{RequestItems: requestItems})
	if err != nil {
		return nil, err
	}

	out := &store.BatchGetOutput{
		Responses:   make(map[string][]*store.Record),
		Unprocessed: make(map[string][]store.Key),
	}
	for table, items := range resp.Responses {
		for _, item := range items {
			rec, err := decodeRecord(item)
			if err != nil {
				return nil, err
			}
			out.Responses[table] = append(out.Responses[table], rec)
		}
	}
	for table, ka := range resp.UnprocessedKeys {
		for _, k := range ka.Keys {
			out.Unprocessed[table] = append(out.Unprocessed[table], decodeKey(k))
		}
	}
	return out, nil
}

func (s *Store) BatchWrite(ctx context.Context, requests map[string][]store.WriteRequest) (map[string][]store.WriteRequest, error) {
	requestItems := make(map[string][]*dynamodb.WriteRequest, len(requests))
	for table, reqs := range requests {
		for _, req := range reqs {
			var wr dynamodb.WriteRequest
			if req.Put != nil {
				item, err := encodeRecord(req.Put)
				if err != nil {
					return nil, err
				}
				wr.PutRequest = &dynamodb.PutRequest{Item: item}
			} else {
				wr.DeleteRequest = &dynamodb.DeleteRequest{Key: keyAttributes(*req.Delete)}
			}
			requestItems[table] = append(requestItems[table], &wr)
		}
	}

	resp, err := s.client.BatchWriteItemWithContext(ctx, &dynamodb.BatchWriteItemInput{RequestItems: requestItems})
	if err != nil {
		return nil, err
	}

	unprocessed := make(map[string][]store.WriteRequest)
	for table, wrs := range resp.UnprocessedItems {
		for _, wr := range wrs {
			switch {
			case wr.PutRequest != nil:
				rec, err := decodeRecord(wr.PutRequest.Item)
				if err != nil {
					return nil, err
				}
				unprocessed[table] = append(unprocessed[table], store.WriteRequest{Put: rec})
			case wr.DeleteRequest != nil:
				key := decodeKey(wr.DeleteRequest.Key)
				unprocessed[table] = append(unprocessed[table], store.WriteRequest{Delete: &key})
			}
		}
	}
	return unprocessed, nil
}

func (s *Store) Put(ctx context.Context, table string, record *store.Record, conds ...store.Condition) error {
	item, err := encodeRecord(record)
	if err != nil {
		return err
	}
	b := newExprBuilder()
	input := &dynamodb.PutItemInput{
		TableName:           aws.String(table),
		Item:                item,
		ConditionExpression: b.condition(conds),
	}
	input.ExpressionAttributeNames = b.attributeNames()
	input.ExpressionAttributeValues = b.attributeValues()

	_, err = s.client.PutItemWithContext(ctx, input)
	return translate(err)
}

func (s *Store) Update(ctx context.Context, table string, key store.Key, update store.Update, conds ...store.Condition) (*store.Record, error) {
	b := newExprBuilder()
	input := &dynamodb.UpdateItemInput{
		TableName:        aws.String(table),
		Key:              keyAttributes(key),
		UpdateExpression: b.update(update),
		ReturnValues:     aws.String(dynamodb.ReturnValueAllNew),
	}
	input.ConditionExpression = b.condition(conds)
	input.ExpressionAttributeNames = b.attributeNames()
	input.ExpressionAttributeValues = b.attributeValues()

	resp, err := s.client.UpdateItemWithContext(ctx, input)
	if err != nil {
		return nil, translate(err)
	}
	return decodeRecord(resp.Attributes)
}

func (s *Store) Delete(ctx context.Context, table string, key store.Key, conds ...store.Condition) error {
	b := newExprBuilder()
	input := &dynamodb.DeleteItemInput{
		TableName:           aws.String(table),
		Key:                 keyAttributes(key),
		ConditionExpression: b.condition(conds),
	}
	input.ExpressionAttributeNames = b.attributeNames()
	input.ExpressionAttributeValues = b.attributeValues()

	_, err := s.client.DeleteItemWithContext(ctx, input)
	return translate(err)
}

func (s *Store) Query(ctx context.Context, in store.QueryInput) (*store.QueryOutput, error) {
	partitionAttr, sortAttr := indexAttributes(in.Index)
	b := newExprBuilder()
	keyCond := fmt.Sprintf("%s = %s", b.name(partitionAttr), b.value(str(in.Partition)))
	if sortAttr != "" && in.SortPrefix != "" {
		keyCond += fmt.Sprintf(" AND begins_with(%s, %s)", b.name(sortAttr), b.value(str(in.SortPrefix)))
	}

	input := &dynamodb.QueryInput{
		TableName:              aws.String(in.Table),
		KeyConditionExpression: aws.String(keyCond),
		ConsistentRead:         aws.Bool(in.ConsistentRead && in.Index == store.IndexPrimary),
	}
	if in.Index != store.IndexPrimary {
		input.IndexName = aws.String(string(in.Index))
	}
	if in.FilterIDPrefix != "" {
		input.FilterExpression = aws.String(fmt.Sprintf("begins_with(%s, %s)", b.name(attrID), b.value(str(in.FilterIDPrefix))))
	}
	if in.Limit > 0 {
		input.Limit = aws.Int64(int64(in.Limit))
	}
	if in.ExclusiveStart != nil {
		start := keyAttributes(in.ExclusiveStart.Key)
		if sortAttr != "" && sortAttr != attrID {
			start[sortAttr] = str(in.ExclusiveStart.IndexSort)
		}
		if partitionAttr != attrOrganisationID {
			start[partitionAttr] = str(in.Partition)
		}
		input.ExclusiveStartKey = start
	}
	input.ExpressionAttributeNames = b.attributeNames()
	input.ExpressionAttributeValues = b.attributeValues()

	resp, err := s.client.QueryWithContext(ctx, input)
	if err != nil {
		return nil, err
	}
	out := &store.QueryOutput{}
	for _, item := range resp.Items {
		rec, err := decodeRecord(item)
		if err != nil {
			return nil, err
		}
		out.Records = append(out.Records, rec)
	}
	if len(resp.LastEvaluatedKey) > 0 {
		cursor := &store.Cursor{Key: decodeKey(resp.LastEvaluatedKey)}
		if sortAttr != "" && sortAttr != attrID {
			cursor.IndexSort = getString(resp.LastEvaluatedKey, sortAttr)
		}
		out.LastEvaluated = cursor
	}
	return out, nil
}

func (s *Store) Scan(ctx context.Context, in store.ScanInput) (*store.ScanOutput, error) {
	input := &dynamodb.ScanInput{
		TableName:      aws.String(in.Table),
		ConsistentRead: aws.Bool(true),
	}
	if in.TotalSegments > 1 {
		input.Segment = aws.Int64(int64(in.Segment))
		input.TotalSegments = aws.Int64(int64(in.TotalSegments))
	}
	if in.Limit > 0 {
		input.Limit = aws.Int64(int64(in.Limit))
	}
	if in.ExclusiveStart != nil {
		input.ExclusiveStartKey = keyAttributes(*in.ExclusiveStart)
	}

	resp, err := s.client.ScanWithContext(ctx, input)
	if err != nil {
		return nil, err
	}
	out := &store.ScanOutput{}
	for _, item := range resp.Items {
		rec, err := decodeRecord(item)
		if err != nil {
			return nil, err
		}
		out.Records = append(out.Records, rec)
	}
	if len(resp.LastEvaluatedKey) > 0 {
		key := decodeKey(resp.LastEvaluatedKey)
		out.LastEvaluated = &key
	}
	return out, nil
}

func (s *Store) BatchWriteHistory(ctx context.Context, table string, records []*store.HistoryRecord) ([]*store.HistoryRecord, error) {
	wrs := make([]*dynamodb.WriteRequest, 0, len(records))
	for _, rec := range records {
		item, err := encodeHistory(rec)
		if err != nil {
			return nil, err
		}
		wrs = append(wrs, &dynamodb.WriteRequest{PutRequest: &dynamodb.PutRequest{Item: item}})
	}
	resp, err := s.client.BatchWriteItemWithContext(ctx, &dynamodb.BatchWriteItemInput{
		RequestItems: map[string][]*dynamodb.WriteRequest{table: wrs},
	})
	if err != nil {
		return nil, err
	}
	var unprocessed []*store.HistoryRecord
	for _, wr := range resp.UnprocessedItems[table] {
		if wr.PutRequest == nil {
			continue
		}
		rec, err := decodeHistory(wr.PutRequest.Item)
		if err != nil {
			return nil, err
		}
		unprocessed = append(unprocessed, rec)
	}
	return unprocessed, nil
}

func (s *Store) QueryHistory(ctx context.Context, in store.HistoryQueryInput) (*store.HistoryQueryOutput, error) {
	sortAttr := historyIndexSortAttribute(in.Index)
	b := newExprBuilder()
	keyCond := fmt.Sprintf("%s = %s", b.name(attrOrganisationIDType), b.value(str(in.Partition)))
	switch {
	case in.SortFrom != "" && in.SortTo != "":
		keyCond += fmt.Sprintf(" AND %s BETWEEN %s AND %s", b.name(sortAttr), b.value(str(in.SortFrom)), b.value(str(in.SortTo)))
	case in.SortFrom != "":
		keyCond += fmt.Sprintf(" AND %s >= %s", b.name(sortAttr), b.value(str(in.SortFrom)))
	case in.SortTo != "":
		keyCond += fmt.Sprintf(" AND %s <= %s", b.name(sortAttr), b.value(str(in.SortTo)))
	}

	var filters []string
	if in.FilterIDPrefix != "" {
		filters = append(filters, fmt.Sprintf("begins_with(%s, %s)", b.name(attrID), b.value(str(in.FilterIDPrefix))))
	}
	if in.FilterUpdatedFrom != 0 {
		filters = append(filters, fmt.Sprintf("%s >= %s", b.name(attrUpdatedAt), b.value(num(in.FilterUpdatedFrom))))
	}
	if in.FilterUpdatedTo != 0 {
		filters = append(filters, fmt.Sprintf("%s <= %s", b.name(attrUpdatedAt), b.value(num(in.FilterUpdatedTo))))
	}

	input := &dynamodb.QueryInput{
		TableName:              aws.String(in.Table),
		KeyConditionExpression: aws.String(keyCond),
	}
	if in.Index != store.HistoryIndexRevision {
		input.IndexName = aws.String(string(in.Index))
	}
	if len(filters) > 0 {
		expr := filters[0]
		for _, f := range filters[1:] {
			expr += " AND " + f
		}
		input.FilterExpression = aws.String(expr)
	}
	if in.Limit > 0 {
		input.Limit = aws.Int64(int64(in.Limit))
	}
	if in.ExclusiveStart != nil {
		start := map[string]*dynamodb.AttributeValue{
			attrOrganisationIDType: str(in.Partition),
			attrIDRevision:         str(in.ExclusiveStart.IDRevision),
		}
		if sortAttr != attrIDRevision {
			start[sortAttr] = str(in.ExclusiveStart.IndexSort)
		}
		input.ExclusiveStartKey = start
	}
	input.ExpressionAttributeNames = b.attributeNames()
	input.ExpressionAttributeValues = b.attributeValues()

	resp, err := s.client.QueryWithContext(ctx, input)
	if err != nil {
		return nil, err
	}
	out := &store.HistoryQueryOutput{}
	for _, item := range resp.Items {
		rec, err := decodeHistory(item)
		if err != nil {
			return nil, err
		}
		out.Records = append(out.Records, rec)
	}
	if len(resp.LastEvaluatedKey) > 0 {
		out.LastEvaluated = &store.HistoryCursor{
			IDRevision: getString(resp.LastEvaluatedKey, attrIDRevision),
			IndexSort:  getString(resp.LastEvaluatedKey, sortAttr),
		}
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	for _, table := range s.tables {
		if _, err := s.client.DescribeTableWithContext(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)}); err != nil {
			return fmt.Errorf("table %s unavailable: %w", table, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return nil
}

package db

import (
	"context"
	"stashbin/pkg/domain"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/pkg/errors"
)

type dynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	dynamodb.ScanAPIClient
}

// DynamoDB stores paste records in a table whose partition key is "id".
type DynamoDB struct {
	client       dynamoAPI
	table        string
	queryTimeout time.Duration
}

type dynamoRecord struct {
	ID            string `dynamodbav:"id"`
	Extension     string `dynamodbav:"extension"`
	Tier          string `dynamodbav:"tier"`
	InlineContent []byte `dynamodbav:"inline_content,omitempty"`
	ObjectRef     string `dynamodbav:"object_ref,omitempty"`
	Size          int64  `dynamodbav:"size"`
	CreatedAt     int64  `dynamodbav:"created_at"`
	ExpiresAt     *int64 `dynamodbav:"expires_at,omitempty"`
}

func NewDynamoDB(ctx context.Context, table, region, endpoint string, queryTimeout time.Duration) (*DynamoDB, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return newDynamoDB(client, table, queryTimeout), nil
}
func newDynamoDB(client dynamoAPI, table string, queryTimeout time.Duration) *DynamoDB {
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	return &DynamoDB{client: client, table: table, queryTimeout: queryTimeout}
}
func toDynamoRecord(p *domain.Paste) dynamoRecord {
	rec := dynamoRecord{
		ID:        p.ID,
		Extension: p.Extension,
		Tier:      p.Tier().String(),
		Size:      p.Size,
		CreatedAt: p.CreatedAt.UnixNano(),
		ExpiresAt: unixNano(p.ExpiresAt),
	}
	switch c := p.Content.(type) {
	case domain.Inline:
		rec.InlineContent = c.Body
	case domain.Offloaded:
		rec.ObjectRef = c.Ref
	}
	return rec
}
func (r dynamoRecord) paste() (*domain.Paste, error) {
	p := &domain.Paste{
		ID:        r.ID,
		Extension: r.Extension,
		Size:      r.Size,
		CreatedAt: time.Unix(0, r.CreatedAt).UTC(),
		ExpiresAt: fromUnixNano(r.ExpiresAt),
	}
	switch r.Tier {
	case domain.TierInline.String():
		body := r.InlineContent
		if body == nil {
			body = []byte{}
		}
		p.Content = domain.Inline{Body: body}
	case domain.TierOffloaded.String():
		p.Content = domain.Offloaded{Ref: r.ObjectRef}
	default:
		return nil, errors.Errorf("paste %s has unknown tier %q", r.ID, r.Tier)
	}
	return p, nil
}
func (d *DynamoDB) key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: id},
	}
}
func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
func (d *DynamoDB) Insert(ctx context.Context, p *domain.Paste) error {
	if err := p.Validate(); err != nil {
		return err
	}
	item, err := attributevalue.MarshalMap(toDynamoRecord(p))
	if err != nil {
		return errors.Wrap(err, "marshal paste")
	}
	queryCtx, cancel := context.WithTimeout(ctx, d.queryTimeout)
	defer cancel()
	_, err = d.client.PutItem(queryCtx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if isConditionFailed(err) {
		return domain.ErrDuplicateID
	}
	if err != nil {
		return domain.Unavailable("dynamodb put", err)
	}
	return nil
}
func (d *DynamoDB) Get(ctx context.Context, id string) (*domain.Paste, error) {
	queryCtx, cancel := context.WithTimeout(ctx, d.queryTimeout)
	defer cancel()
	out, err := d.client.GetItem(queryCtx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            d.key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, domain.Unavailable("dynamodb get", err)
	}
	if len(out.Item) == 0 {
		return nil, domain.ErrPasteNotFound
	}
	var rec dynamoRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, errors.Wrap(err, "unmarshal paste")
	}
	p, err := rec.paste()
	if err != nil {
		return nil, err
	}
	if p.ExpiredAt(time.Now()) {
		return nil, domain.ErrPasteNotFound
	}
	return p, nil
}
func (d *DynamoDB) Delete(ctx context.Context, id string) error {
	queryCtx, cancel := context.WithTimeout(ctx, d.queryTimeout)
	defer cancel()
	_, err := d.client.DeleteItem(queryCtx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(d.table),
		Key:                 d.key(id),
		ConditionExpression: aws.String("attribute_exists(id)"),
	})
	if isConditionFailed(err) {
		return domain.ErrPasteNotFound
	}
	if err != nil {
		return domain.Unavailable("dynamodb delete", err)
	}
	return nil
}
// ListExpired scans in table order. after is used as the exclusive start key,
// so a page cut short resumes right behind its last returned record.
func (d *DynamoDB) ListExpired(ctx context.Context, asOf time.Time, after string, limit int) ([]*domain.Paste, error) {
	queryCtx, cancel := context.WithTimeout(ctx, d.queryTimeout)
	defer cancel()
	in := &dynamodb.ScanInput{
		TableName:            aws.String(d.table),
		FilterExpression:     aws.String("attribute_exists(#exp) AND #exp <= :asOf"),
		ProjectionExpression: aws.String("#id, #ext, #tier, #ref, #size, #created, #exp"),
		ExpressionAttributeNames: map[string]string{
			"#id":      "id",
			"#ext":     "extension",
			"#tier":    "tier",
			"#ref":     "object_ref",
			"#size":    "size",
			"#created": "created_at",
			"#exp":     "expires_at",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":asOf": &types.AttributeValueMemberN{Value: strconv.FormatInt(asOf.UnixNano(), 10)},
		},
		ConsistentRead: aws.Bool(true),
	}
	if after != "" {
		in.ExclusiveStartKey = d.key(after)
	}
	var out []*domain.Paste
	for len(out) < limit {
		page, err := d.client.Scan(queryCtx, in)
		if err != nil {
			return nil, domain.Unavailable("dynamodb scan", err)
		}
		var recs []dynamoRecord
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &recs); err != nil {
			return nil, errors.Wrap(err, "unmarshal expired pastes")
		}
		for _, rec := range recs {
			p, err := rec.paste()
			if err != nil {
				return nil, err
			}
			out = append(out, p)
			if len(out) == limit {
				break
			}
		}
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = page.LastEvaluatedKey
	}
	return out, nil
}
func (d *DynamoDB) Ping(ctx context.Context) error {
	queryCtx, cancel := context.WithTimeout(ctx, d.queryTimeout)
	defer cancel()
	_, err := d.client.DescribeTable(queryCtx, &dynamodb.DescribeTableInput{TableName: aws.String(d.table)})
	return errors.Wrap(err, "dynamodb describe table")
}

// Close is a no-op; the SDK client holds no connections that need releasing.
func (d *DynamoDB) Close() error {
	return nil
}

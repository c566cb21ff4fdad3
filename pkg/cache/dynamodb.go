package cache

import (
	"context"
	stderrors "errors"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	smithy "github.com/aws/smithy-go"

	"github.com/canopyhq/canopy/pkg/errors"
)

func init() {
	Register("dynamodb", func(ctx context.Context, params map[string]string) (Cache, error) {
		table := params["table"]
		if table == "" {
			return nil, errors.New(errors.ErrorTypeConfig, "dynamodb cache requires a 'table' parameter")
		}

		opts := []func(*awsconfig.LoadOptions) error{}
		if region := params["region"]; region != "" {
			opts = append(opts, awsconfig.WithRegion(region))
		}

		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to load AWS configuration")
		}

		client := dynamodb.NewFromConfig(awsCfg)
		if endpoint := params["endpoint"]; endpoint != "" {
			client = dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
				o.BaseEndpoint = aws.String(endpoint)
			})
		}

		return NewDynamoDB(client, table), nil
	})
}

const (
	ddbAttrKey     = "k"
	ddbAttrValue   = "v"
	ddbAttrVersion = "ver"
)

// DynamoDBAPI is the subset of the DynamoDB client used by the cache.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoDB is the durable distributed cache backend. Conditional writes
// map directly onto DynamoDB condition expressions, which makes the
// per-key CAS guarantee native rather than emulated.
type DynamoDB struct {
	client DynamoDBAPI
	table  string
}

// NewDynamoDB creates a DynamoDB cache over an existing table whose
// partition key is the string attribute "k".
func NewDynamoDB(client DynamoDBAPI, table string) *DynamoDB {
	return &DynamoDB{client: client, table: table}
}

// Get implements Cache.
func (d *DynamoDB) Get(ctx context.Context, key string) (Entry, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		ConsistentRead: aws.Bool(true),
		Key: map[string]types.AttributeValue{
			ddbAttrKey: &types.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil {
		return Entry{}, errors.Wrap(err, errors.ErrorTypeCache, "dynamodb get failed")
	}
	if out.Item == nil {
		return Entry{}, ErrNotFound(key)
	}

	entry := Entry{}
	if attr, ok := out.Item[ddbAttrValue].(*types.AttributeValueMemberB); ok {
		entry.Value = attr.Value
	}
	if attr, ok := out.Item[ddbAttrVersion].(*types.AttributeValueMemberN); ok {
		version, err := strconv.ParseInt(attr.Value, 10, 64)
		if err != nil {
			return Entry{}, errors.Wrap(err, errors.ErrorTypeCache, "dynamodb item has a malformed version")
		}
		entry.Version = version
	}
	return entry, nil
}

// Put implements Cache.
func (d *DynamoDB) Put(ctx context.Context, key string, value []byte, expected int64) (int64, error) {
	next := expected + 1
	input := &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item: map[string]types.AttributeValue{
			ddbAttrKey:     &types.AttributeValueMemberS{Value: key},
			ddbAttrValue:   &types.AttributeValueMemberB{Value: value},
			ddbAttrVersion: &types.AttributeValueMemberN{Value: strconv.FormatInt(next, 10)},
		},
	}

	if expected == VersionNone {
		input.ConditionExpression = aws.String("attribute_not_exists(#k)")
		input.ExpressionAttributeNames = map[string]string{"#k": ddbAttrKey}
	} else {
		input.ConditionExpression = aws.String("#ver = :expected")
		input.ExpressionAttributeNames = map[string]string{"#ver": ddbAttrVersion}
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(expected, 10)},
		}
	}

	if _, err := d.client.PutItem(ctx, input); err != nil {
		if isConditionFailure(err) {
			return 0, ErrVersionConflict(key, expected)
		}
		return 0, errors.Wrap(err, errors.ErrorTypeCache, "dynamodb put failed")
	}
	return next, nil
}

// Delete implements Cache.
func (d *DynamoDB) Delete(ctx context.Context, key string, expected int64) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key: map[string]types.AttributeValue{
			ddbAttrKey: &types.AttributeValueMemberS{Value: key},
		},
		ConditionExpression:      aws.String("attribute_not_exists(#ver) OR #ver = :expected"),
		ExpressionAttributeNames: map[string]string{"#ver": ddbAttrVersion},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(expected, 10)},
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			return ErrVersionConflict(key, expected)
		}
		return errors.Wrap(err, errors.ErrorTypeCache, "dynamodb delete failed")
	}
	return nil
}

// List implements Cache.
func (d *DynamoDB) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var startKey map[string]types.AttributeValue

	for {
		out, err := d.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:                aws.String(d.table),
			ProjectionExpression:     aws.String("#k"),
			FilterExpression:         aws.String("begins_with(#k, :prefix)"),
			ExpressionAttributeNames: map[string]string{"#k": ddbAttrKey},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":prefix": &types.AttributeValueMemberS{Value: prefix},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeCache, "dynamodb scan failed")
		}

		for _, item := range out.Items {
			if attr, ok := item[ddbAttrKey].(*types.AttributeValueMemberS); ok {
				keys = append(keys, attr.Value)
			}
		}

		if out.LastEvaluatedKey == nil {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return keys, nil
}

func isConditionFailure(err error) bool {
	var conditional *types.ConditionalCheckFailedException
	if stderrors.As(err, &conditional) {
		return true
	}
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "ConditionalCheckFailedException" ||
			strings.Contains(apiErr.ErrorCode(), "ConditionalCheckFailed")
	}
	return false
}

// Package dynamo stores matches in a single DynamoDB table. A match item
// (pk MATCH#<id>) holds the row; a pair item (pk PAIR#<a>#<b>) holds the id
// of the pair's match and is written in the same transaction, so a pair can
// only ever claim one match.
package dynamo

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/cozy/connections/internal/matching"
)

const (
	matchPrefix = "MATCH#"
	pairPrefix  = "PAIR#"

	kindMatch = "match"
	kindPair  = "pair"
)

// NewClient builds a DynamoDB client for region. A non-empty endpoint points
// the client at a local DynamoDB with static dummy credentials.
func NewClient(ctx context.Context, region, endpoint string) (*dynamodb.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if endpoint != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("local", "local", "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("dynamo: load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

// EnsureTable creates table with a string partition key "pk" if it does not
// exist yet and waits until it is active.
func EnsureTable(ctx context.Context, client *dynamodb.Client, table string) error {
	_, err := client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("pk"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("pk"), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	var inUse *types.ResourceInUseException
	if err != nil && !errors.As(err, &inUse) {
		return fmt.Errorf("dynamo: create table %s: %w", table, err)
	}

	waiter := dynamodb.NewTableExistsWaiter(client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)}, time.Minute); err != nil {
		return fmt.Errorf("dynamo: wait for table %s: %w", table, err)
	}
	return nil
}

type matchItem struct {
	PK        string    `dynamodbav:"pk"`
	Kind      string    `dynamodbav:"kind"`
	ID        string    `dynamodbav:"id"`
	UserA     string    `dynamodbav:"user_a"`
	UserB     string    `dynamodbav:"user_b"`
	Score     float64   `dynamodbav:"score"`
	Status    string    `dynamodbav:"status"`
	CreatedAt time.Time `dynamodbav:"created_at"`
	UpdatedAt time.Time `dynamodbav:"updated_at"`
}

type pairItem struct {
	PK      string `dynamodbav:"pk"`
	Kind    string `dynamodbav:"kind"`
	MatchID string `dynamodbav:"match_id"`
}

func (it matchItem) match() *matching.Match {
	return &matching.Match{
		ID:        it.ID,
		UserA:     it.UserA,
		UserB:     it.UserB,
		Score:     it.Score,
		Status:    matching.Status(it.Status),
		CreatedAt: it.CreatedAt.UTC(),
		UpdatedAt: it.UpdatedAt.UTC(),
	}
}

func matchKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: matchPrefix + id}}
}

func pairKey(a, b string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: pairPrefix + a + "#" + b}}
}

// Matches is the DynamoDB matching.Repository.
type Matches struct {
	client *dynamodb.Client
	table  string
}

// NewMatches creates a match repository on table.
func NewMatches(client *dynamodb.Client, table string) *Matches {
	return &Matches{client: client, table: table}
}

func (r *Matches) FindByPair(ctx context.Context, userA, userB string) (*matching.Match, error) {
	a, b := matching.CanonicalPair(userA, userB)
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.table),
		Key:            pairKey(a, b),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamo: find by pair: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}

	var pair pairItem
	if err := attributevalue.UnmarshalMap(out.Item, &pair); err != nil {
		return nil, fmt.Errorf("dynamo: unmarshal pair: %w", err)
	}
	return r.Get(ctx, pair.MatchID)
}

func (r *Matches) Get(ctx context.Context, matchID string) (*matching.Match, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.table),
		Key:            matchKey(matchID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamo: get match: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}

	var it matchItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("dynamo: unmarshal match: %w", err)
	}
	return it.match(), nil
}

// Insert writes the pair item and the match item in one transaction; both
// must not exist yet.
func (r *Matches) Insert(ctx context.Context, m *matching.Match) error {
	a, b := matching.CanonicalPair(m.UserA, m.UserB)

	pair, err := attributevalue.MarshalMap(pairItem{
		PK:      pairPrefix + a + "#" + b,
		Kind:    kindPair,
		MatchID: m.ID,
	})
	if err != nil {
		return fmt.Errorf("dynamo: marshal pair: %w", err)
	}
	item, err := attributevalue.MarshalMap(matchItem{
		PK:        matchPrefix + m.ID,
		Kind:      kindMatch,
		ID:        m.ID,
		UserA:     a,
		UserB:     b,
		Score:     m.Score,
		Status:    string(m.Status),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("dynamo: marshal match: %w", err)
	}

	notExists := aws.String("attribute_not_exists(pk)")
	_, err = r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{TableName: aws.String(r.table), Item: pair, ConditionExpression: notExists}},
			{Put: &types.Put{TableName: aws.String(r.table), Item: item, ConditionExpression: notExists}},
		},
	})

	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		reasons := canceled.CancellationReasons
		if len(reasons) > 0 && aws.ToString(reasons[0].Code) == "ConditionalCheckFailed" {
			return matching.ErrDuplicate
		}
		if len(reasons) > 1 && aws.ToString(reasons[1].Code) == "ConditionalCheckFailed" {
			return fmt.Errorf("dynamo: insert match: id %s already used", m.ID)
		}
	}
	if err != nil {
		return fmt.Errorf("dynamo: insert match: %w", err)
	}
	return nil
}

func (r *Matches) UpdateScore(ctx context.Context, matchID string, score float64) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.table),
		Key:                 matchKey(matchID),
		UpdateExpression:    aws.String("SET score = :score, updated_at = :now"),
		ConditionExpression: aws.String("attribute_exists(pk)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":score": &types.AttributeValueMemberN{Value: strconv.FormatFloat(score, 'f', -1, 64)},
			":now":   timestamp(),
		},
	})
	var failed *types.ConditionalCheckFailedException
	if errors.As(err, &failed) {
		return matching.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("dynamo: update score: %w", err)
	}
	return nil
}

// UpdateStatus moves a match from expected to next with a conditional
// update.
func (r *Matches) UpdateStatus(ctx context.Context, matchID string, expected, next matching.Status) (bool, error) {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(r.table),
		Key:                                 matchKey(matchID),
		UpdateExpression:                    aws.String("SET #status = :next, updated_at = :now"),
		ConditionExpression:                 aws.String("#status = :expected"),
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
		ExpressionAttributeNames:            map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberS{Value: string(expected)},
			":next":     &types.AttributeValueMemberS{Value: string(next)},
			":now":      timestamp(),
		},
	})

	var failed *types.ConditionalCheckFailedException
	if errors.As(err, &failed) {
		if len(failed.Item) == 0 {
			return false, matching.ErrNotFound
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dynamo: update status: %w", err)
	}
	return true, nil
}

// ListByUser scans the match items of userID and returns them ordered by id.
func (r *Matches) ListByUser(ctx context.Context, userID string) ([]matching.Match, error) {
	paginator := dynamodb.NewScanPaginator(r.client, &dynamodb.ScanInput{
		TableName:        aws.String(r.table),
		FilterExpression: aws.String("#kind = :kind AND (user_a = :user OR user_b = :user)"),
		ExpressionAttributeNames: map[string]string{
			"#kind": "kind",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":kind": &types.AttributeValueMemberS{Value: kindMatch},
			":user": &types.AttributeValueMemberS{Value: userID},
		},
		ConsistentRead: aws.Bool(true),
	})

	var out []matching.Match
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("dynamo: list matches: %w", err)
		}
		var items []matchItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("dynamo: unmarshal matches: %w", err)
		}
		for _, it := range items {
			out = append(out, *it.match())
		}
	}

	slices.SortFunc(out, func(x, y matching.Match) int {
		return cmp.Compare(x.ID, y.ID)
	})
	return out, nil
}

func timestamp() types.AttributeValue {
	return &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)}
}

var _ matching.Repository = (*Matches)(nil)

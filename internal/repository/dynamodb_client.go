package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/oklog/ulid/v2"

	"billsplit-agent/internal/domain"
)

const (
	skPrefixSession = "SESSION#"
	skPrefixArchive = "ARCHIVE#"
	archiveTTL      = 30 * 24 * time.Hour // 30-day retention for completed bills
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client wraps a single DynamoDB table holding conversation state, the
// contact directory, the payer index and conversation leases.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

type Option func(*Client)

// WithClock replaces the clock used for TTLs, ids and lease expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	c := &Client{api: api, tableName: tableName, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// convPK returns the DynamoDB partition key for a user's conversations.
func convPK(userID string) string {
	return "CONV#" + userID
}

func sessionSK(sessionID string) string {
	return skPrefixSession + sessionID
}

func keyAttrs(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// Load reads the active record for key. A missing record is
// domain.ErrNotFound.
func (c *Client) Load(ctx context.Context, key domain.ConversationKey) (domain.ConversationState, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            keyAttrs(convPK(key.UserID), sessionSK(key.SessionID)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.ConversationState{}, fmt.Errorf("repository: Load get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.ConversationState{}, domain.ErrNotFound
	}
	state, err := itemToState(out.Item)
	if err != nil {
		return state, fmt.Errorf("repository: Load decode: %w: %w", domain.ErrCorruptRecord, err)
	}
	return state, nil
}

// Save writes state if the stored version still equals expected (0 means
// the record must not exist) and returns the record with its new version.
func (c *Client) Save(ctx context.Context, state domain.ConversationState, expected int64) (domain.ConversationState, error) {
	next := state.Clone()
	next.Version = expected + 1
	item, err := stateItem(next, next.ExpiresAt)
	if err != nil {
		return domain.ConversationState{}, fmt.Errorf("repository: Save encode: %w", err)
	}

	in := &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	}
	if expected == 0 {
		in.ConditionExpression = aws.String("attribute_not_exists(PK)")
	} else {
		in.ConditionExpression = aws.String("version = :expected")
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":expected": numAttr(expected),
		}
	}
	if _, err := c.api.PutItem(ctx, in); err != nil {
		if isConditionFailure(err) {
			return domain.ConversationState{}, fmt.Errorf("repository: Save: %w", domain.ErrVersionConflict)
		}
		return domain.ConversationState{}, fmt.Errorf("repository: Save: %w", err)
	}
	return next, nil
}

// Archive moves a finished record out of the active slot in one
// transaction, conditioned on its version.
func (c *Client) Archive(ctx context.Context, state domain.ConversationState) error {
	now := c.now()
	archived := state.Clone()
	item, err := stateItem(archived, now.Add(archiveTTL))
	if err != nil {
		return fmt.Errorf("repository: Archive encode: %w", err)
	}
	id := ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
	item["SK"] = &types.AttributeValueMemberS{Value: skPrefixArchive + state.SessionID + "#" + id}

	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                item,
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Delete: &types.Delete{
					TableName:           aws.String(c.tableName),
					Key:                 keyAttrs(convPK(state.UserID), sessionSK(state.SessionID)),
					ConditionExpression: aws.String("version = :version"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":version": numAttr(state.Version),
					},
				},
			},
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			return fmt.Errorf("repository: Archive: %w", domain.ErrVersionConflict)
		}
		return fmt.Errorf("repository: Archive: %w", err)
	}
	return nil
}

func isConditionFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for _, reason := range canceled.CancellationReasons {
			if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
				return true
			}
		}
	}
	return false
}

func stateItem(s domain.ConversationState, expiry time.Time) (map[string]types.AttributeValue, error) {
	ctxJSON, err := json.Marshal(s.Context)
	if err != nil {
		return nil, fmt.Errorf("context: %w", err)
	}
	outJSON, err := json.Marshal(s.LastOutbound)
	if err != nil {
		return nil, fmt.Errorf("last outbound: %w", err)
	}
	item := map[string]types.AttributeValue{
		"PK":           &types.AttributeValueMemberS{Value: convPK(s.UserID)},
		"SK":           &types.AttributeValueMemberS{Value: sessionSK(s.SessionID)},
		"userId":       &types.AttributeValueMemberS{Value: s.UserID},
		"sessionId":    &types.AttributeValueMemberS{Value: s.SessionID},
		"step":         &types.AttributeValueMemberS{Value: string(s.CurrentStep)},
		"context":      &types.AttributeValueMemberS{Value: string(ctxJSON)},
		"retryCount":   numAttr(int64(s.RetryCount)),
		"version":      numAttr(s.Version),
		"lastEventId":  &types.AttributeValueMemberS{Value: s.LastEventID},
		"lastOutbound": &types.AttributeValueMemberS{Value: string(outJSON)},
		"createdAt":    timeAttr(s.CreatedAt),
		"updatedAt":    timeAttr(s.UpdatedAt),
		"expiresAt":    timeAttr(s.ExpiresAt),
		"ttl":          numAttr(expiry.Unix()),
	}
	if s.LastError != nil {
		raw, err := json.Marshal(s.LastError)
		if err != nil {
			return nil, fmt.Errorf("last error: %w", err)
		}
		item["lastError"] = &types.AttributeValueMemberS{Value: string(raw)}
	}
	return item, nil
}

// itemToState converts a DynamoDB attribute map to a ConversationState.
func itemToState(item map[string]types.AttributeValue) (domain.ConversationState, error) {
	var s domain.ConversationState
	var err error
	if s.UserID, err = strAttr(item, "userId"); err != nil {
		return s, err
	}
	if s.SessionID, err = strAttr(item, "sessionId"); err != nil {
		return s, err
	}
	step, err := strAttr(item, "step")
	if err != nil {
		return s, err
	}
	s.CurrentStep = domain.Step(step)
	version, err := intAttr(item, "version")
	if err != nil {
		return s, err
	}
	s.Version = int64(version)
	s.RetryCount, _ = intAttr(item, "retryCount")
	s.LastEventID, _ = strAttr(item, "lastEventId") // allow empty

	raw, err := strAttr(item, "context")
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal([]byte(raw), &s.Context); err != nil {
		return s, fmt.Errorf("repository: decode context: %w", err)
	}
	if s.Context == nil {
		s.Context = map[string]any{}
	}
	if raw, err := strAttr(item, "lastOutbound"); err == nil && raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &s.LastOutbound); err != nil {
			return s, fmt.Errorf("repository: decode last outbound: %w", err)
		}
	}
	if raw, err := strAttr(item, "lastError"); err == nil && raw != "" {
		s.LastError = &domain.FailureRecord{}
		if err := json.Unmarshal([]byte(raw), s.LastError); err != nil {
			return s, fmt.Errorf("repository: decode last error: %w", err)
		}
	}
	s.CreatedAt, _ = timeValue(item, "createdAt")
	s.UpdatedAt, _ = timeValue(item, "updatedAt")
	if s.ExpiresAt, err = timeValue(item, "expiresAt"); err != nil {
		return s, err
	}
	return s, nil
}

func numAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func timeAttr(t time.Time) *types.AttributeValueMemberS {
	return &types.AttributeValueMemberS{Value: t.UTC().Format(time.RFC3339Nano)}
}

func timeValue(item map[string]types.AttributeValue, key string) (time.Time, error) {
	raw, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

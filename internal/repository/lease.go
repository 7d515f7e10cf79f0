package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

const skLease = "LEASE"

// Leases serializes units of work on one conversation across Lambda
// instances with an expiring conditional item.
type Leases struct {
	client   *Client
	duration time.Duration
	poll     time.Duration
	owner    func() string
	logger   *slog.Logger
}

type LeaseOption func(*Leases)

func WithLeaseLogger(l *slog.Logger) LeaseOption {
	return func(ls *Leases) {
		if l != nil {
			ls.logger = l
		}
	}
}

func NewLeases(c *Client, duration, poll time.Duration, opts ...LeaseOption) *Leases {
	if duration <= 0 {
		duration = 30 * time.Second
	}
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	l := &Leases{client: c, duration: duration, poll: poll, owner: uuid.NewString, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func leasePK(key string) string {
	return "LEASE#" + key
}

// Acquire polls until the lease for key is free or expired, or ctx is done.
func (l *Leases) Acquire(ctx context.Context, key string) (func(), error) {
	owner := l.owner()
	for {
		ok, err := l.tryAcquire(ctx, key, owner)
		if err != nil {
			return nil, err
		}
		if ok {
			return func() { l.release(key, owner) }, nil
		}
		t := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func (l *Leases) tryAcquire(ctx context.Context, key, owner string) (bool, error) {
	now := l.client.now()
	_, err := l.client.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(l.client.tableName),
		Item: map[string]types.AttributeValue{
			"PK":          &types.AttributeValueMemberS{Value: leasePK(key)},
			"SK":          &types.AttributeValueMemberS{Value: skLease},
			"owner":       &types.AttributeValueMemberS{Value: owner},
			"leaseExpiry": numAttr(now.Add(l.duration).UnixMilli()),
			"ttl":         numAttr(now.Add(l.duration).Add(time.Hour).Unix()),
		},
		ConditionExpression: aws.String("attribute_not_exists(PK) OR leaseExpiry < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": numAttr(now.UnixMilli()),
		},
	})
	if err == nil {
		return true, nil
	}
	if isConditionFailure(err) {
		return false, nil
	}
	return false, fmt.Errorf("repository: Acquire lease: %w", err)
}

// release deletes the lease if this owner still holds it. It runs after the
// unit of work, so it uses its own short deadline. A lease left behind
// expires on its own.
func (l *Leases) release(key, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := l.client.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(l.client.tableName),
		Key:                 keyAttrs(leasePK(key), skLease),
		ConditionExpression: aws.String("#owner = :owner"),
		ExpressionAttributeNames: map[string]string{
			"#owner": "owner",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: owner},
		},
	})
	switch {
	case err == nil:
	case isConditionFailure(err):
		l.logger.Warn("lease expired before release", "lease_key", key, "owner", owner)
	default:
		l.logger.Warn("lease release failed", "lease_key", key, "owner", owner, "err", err)
	}
}

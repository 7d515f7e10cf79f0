package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/oklog/ulid/v2"

	"billsplit-agent/internal/domain"
)

const (
	skPrefixRequest = "REQ#"
	payerTTL        = 30 * 24 * time.Hour
)

func payerPK(phone string) string {
	return "PAYER#" + phone
}

// Register records that link.Key asked link.Phone for money. Sort keys are
// ULIDs so the newest request sorts last.
func (c *Client) Register(ctx context.Context, link domain.PaymentLink) error {
	if link.Phone == "" || link.Key.UserID == "" {
		return fmt.Errorf("repository: Register: phone and user are required")
	}
	created := link.CreatedAt
	if created.IsZero() {
		created = c.now()
	}
	id := ulid.MustNew(ulid.Timestamp(created), ulid.DefaultEntropy()).String()

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: payerPK(link.Phone)},
			"SK":        &types.AttributeValueMemberS{Value: skPrefixRequest + id},
			"phone":     &types.AttributeValueMemberS{Value: link.Phone},
			"userId":    &types.AttributeValueMemberS{Value: link.Key.UserID},
			"sessionId": &types.AttributeValueMemberS{Value: link.Key.SessionID},
			"reference": &types.AttributeValueMemberS{Value: link.Reference},
			"createdAt": timeAttr(created),
			"ttl":       numAttr(created.Add(payerTTL).Unix()),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: Register: %w", err)
	}
	return nil
}

// Lookup returns the newest payment request sent to phone.
func (c *Client) Lookup(ctx context.Context, phone string) (domain.PaymentLink, bool, error) {
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: payerPK(phone)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixRequest},
		},
		// Newest first; only the latest request routes a confirmation.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return domain.PaymentLink{}, false, fmt.Errorf("repository: Lookup query: %w", err)
	}
	if out == nil || len(out.Items) == 0 {
		return domain.PaymentLink{}, false, nil
	}
	item := out.Items[0]
	var link domain.PaymentLink
	if link.Key.UserID, err = strAttr(item, "userId"); err != nil {
		return domain.PaymentLink{}, false, fmt.Errorf("repository: Lookup decode: %w", err)
	}
	if link.Key.SessionID, err = strAttr(item, "sessionId"); err != nil {
		return domain.PaymentLink{}, false, fmt.Errorf("repository: Lookup decode: %w", err)
	}
	link.Phone = phone
	link.Reference, _ = strAttr(item, "reference")
	link.CreatedAt, _ = timeValue(item, "createdAt")
	return link, true, nil
}

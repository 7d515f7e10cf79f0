package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/oklog/ulid/v2"

	"billsplit-agent/internal/domain"
)

const skPrefixContact = "CONTACT#"

func userPK(userID string) string {
	return "USER#" + userID
}

func contactSK(name string) string {
	return skPrefixContact + domain.NameKey(name)
}

// Resolve returns the phone number userID last gave for name.
func (c *Client) Resolve(ctx context.Context, userID, name string) (domain.Contact, bool, error) {
	if strings.TrimSpace(name) == "" {
		return domain.Contact{}, false, nil
	}
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key:       keyAttrs(userPK(userID), contactSK(name)),
	})
	if err != nil {
		return domain.Contact{}, false, fmt.Errorf("repository: Resolve get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Contact{}, false, nil
	}
	var contact domain.Contact
	if contact.ID, err = strAttr(out.Item, "id"); err != nil {
		return domain.Contact{}, false, fmt.Errorf("repository: Resolve decode: %w", err)
	}
	if contact.Phone, err = strAttr(out.Item, "phone"); err != nil {
		return domain.Contact{}, false, fmt.Errorf("repository: Resolve decode: %w", err)
	}
	contact.Name, _ = strAttr(out.Item, "name")
	return contact, true, nil
}

// Store remembers phone for name and returns the contact id. Storing a
// name again replaces the number but keeps the id.
func (c *Client) Store(ctx context.Context, userID, name, phone string) (string, error) {
	if strings.TrimSpace(name) == "" || strings.TrimSpace(phone) == "" {
		return "", fmt.Errorf("repository: Store: name and phone are required")
	}
	id := ulid.MustNew(ulid.Timestamp(c.now()), ulid.DefaultEntropy()).String()
	existing, found, err := c.Resolve(ctx, userID, name)
	if err != nil {
		return "", fmt.Errorf("repository: Store: %w", err)
	}
	if found {
		id = existing.ID
	}

	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: userPK(userID)},
			"SK":        &types.AttributeValueMemberS{Value: contactSK(name)},
			"id":        &types.AttributeValueMemberS{Value: id},
			"name":      &types.AttributeValueMemberS{Value: strings.TrimSpace(name)},
			"phone":     &types.AttributeValueMemberS{Value: phone},
			"updatedAt": timeAttr(c.now()),
		},
	})
	if err != nil {
		return "", fmt.Errorf("repository: Store: %w", err)
	}
	return id, nil
}

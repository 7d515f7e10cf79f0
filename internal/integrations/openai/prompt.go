package openai

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"billsplit-agent/internal/domain"
)

// billResponse is the JSON object the model returns for a bill. Unknown
// fields are empty strings so the schema can stay strict.
type billResponse struct {
	Total        string   `json:"total"`
	Currency     string   `json:"currency"`
	Description  string   `json:"description"`
	Merchant     string   `json:"merchant"`
	Date         string   `json:"date"`
	Participants []string `json:"participants"`
}

type intentResponse struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

func billResponseFormat() *responseFormat {
	return &responseFormat{
		Type: "json_schema",
		JSONSchema: jsonSchemaConfig{
			Name:   "bill",
			Strict: true,
			Schema: json.RawMessage(`{
				"type":"object",
				"additionalProperties":false,
				"properties":{
					"total":{"type":"string"},
					"currency":{"type":"string"},
					"description":{"type":"string"},
					"merchant":{"type":"string"},
					"date":{"type":"string"},
					"participants":{"type":"array","items":{"type":"string"}}
				},
				"required":["total","currency","description","merchant","date","participants"]
			}`),
		},
	}
}

func intentResponseFormat() *responseFormat {
	return &responseFormat{
		Type: "json_schema",
		JSONSchema: jsonSchemaConfig{
			Name:   "intent",
			Strict: true,
			Schema: json.RawMessage(`{
				"type":"object",
				"additionalProperties":false,
				"properties":{
					"intent":{"type":"string","enum":["confirm","reject","unclear"]},
					"confidence":{"type":"number"}
				},
				"required":["intent","confidence"]
			}`),
		},
	}
}

func billSystemPrompt(defaultCurrency string) string {
	return strings.Join([]string{
		"Role:",
		"You read restaurant and shop bills that a user wants to split with friends.",
		"",
		"Task:",
		"Extract the bill total, the currency, a short description, the merchant, the date and",
		"the names of the people sharing the bill.",
		"",
		"Rules:",
		"1) total is the final amount paid including tax and tip, as a plain decimal string such as \"1250.50\".",
		"2) currency is an ISO 4217 code. Use " + defaultCurrency + " when the bill does not say.",
		"3) participants are only the people named by the user. Never invent names.",
		"4) Use an empty string or empty list for anything you cannot find.",
		"",
		"Output Contract:",
		"Return JSON only with keys total, currency, description, merchant, date and participants.",
	}, "\n")
}

func intentSystemPrompt(step domain.Step) string {
	question := "Is this information correct?"
	if step == domain.StepConfirmingSplits {
		question = "Should I send these payment requests?"
	}
	return strings.Join([]string{
		"Role:",
		"You classify a short chat reply to the yes/no question: \"" + question + "\"",
		"",
		"Output Contract:",
		"Return JSON only with keys intent (confirm, reject or unclear) and confidence (0 to 1).",
		"Use unclear when the reply neither agrees nor disagrees.",
	}, "\n")
}

func textBillMessages(defaultCurrency, text string) []domain.ChatMessage {
	return []domain.ChatMessage{
		{Role: "system", Content: billSystemPrompt(defaultCurrency)},
		{Role: "user", Content: normalizePromptInput(text)},
	}
}

func imageBillMessages(defaultCurrency, caption, imageURL string) []domain.ChatMessage {
	prompt := "Extract the bill from this photo."
	if caption = normalizePromptInput(caption); caption != "" {
		prompt += " The user wrote: " + caption
	}
	return []domain.ChatMessage{
		{Role: "system", Content: billSystemPrompt(defaultCurrency)},
		{Role: "user", Parts: []domain.ContentPart{
			{Type: "text", Text: prompt},
			{Type: "image_url", ImageURL: &domain.ImageURL{URL: imageURL}},
		}},
	}
}

func intentMessages(step domain.Step, text string) []domain.ChatMessage {
	return []domain.ChatMessage{
		{Role: "system", Content: intentSystemPrompt(step)},
		{Role: "user", Content: normalizePromptInput(text)},
	}
}

func normalizePromptInput(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}

func decodeStrict(raw string, out any) error {
	dec := json.NewDecoder(bytes.NewBufferString(strings.TrimSpace(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("multiple JSON values")
		}
		return fmt.Errorf("trailing data: %w", err)
	}
	return nil
}

func parseBill(raw, defaultCurrency string) (domain.BillData, error) {
	var out billResponse
	if err := decodeStrict(raw, &out); err != nil {
		return domain.BillData{}, fmt.Errorf("openai: decode bill: %w", err)
	}
	currency := strings.ToUpper(strings.TrimSpace(out.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	bill := domain.BillData{
		Currency:    currency,
		Description: strings.TrimSpace(out.Description),
		Merchant:    strings.TrimSpace(out.Merchant),
		Date:        strings.TrimSpace(out.Date),
	}
	if total := strings.TrimSpace(out.Total); total != "" {
		amt, err := domain.ParseAmount(total, domain.CurrencyExponent(currency))
		if err != nil {
			return domain.BillData{}, fmt.Errorf("openai: bill total: %w", err)
		}
		bill.Total = amt
	}
	for _, p := range out.Participants {
		if p = strings.TrimSpace(p); p != "" {
			bill.Participants = append(bill.Participants, p)
		}
	}
	return bill, nil
}

func parseIntent(raw string) (intentResponse, error) {
	var out intentResponse
	if err := decodeStrict(raw, &out); err != nil {
		return intentResponse{}, fmt.Errorf("openai: decode intent: %w", err)
	}
	switch out.Intent {
	case "confirm", "reject", "unclear":
	default:
		return intentResponse{}, fmt.Errorf("openai: unknown intent %q", out.Intent)
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return intentResponse{}, fmt.Errorf("openai: confidence %v out of range", out.Confidence)
	}
	return out, nil
}

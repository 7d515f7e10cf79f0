package steps

import (
	"fmt"
	"strings"

	"billsplit-agent/internal/domain"
)

const (
	msgWelcome = "Hi! I can split a bill for you. Send a photo of the bill, a voice note, " +
		"or type something like \"Dinner 900 with Alice and Bob\"."
	msgReset         = "Okay, I've cleared everything. Send a new bill whenever you're ready."
	msgSendBill      = "Send me the bill as a photo, a voice note, or text like \"Dinner 900 with Alice and Bob\"."
	msgTextOnly      = "Please type the bill details for now, e.g. \"Dinner 900 with Alice and Bob\"."
	msgTryAgain      = "I couldn't process that. Could you send it again?"
	msgNoBill        = "I couldn't find bill details in that. Please send the total amount and who to split it with."
	msgAskTotal      = "What was the total amount of the bill?"
	msgAskPeople     = "Who are you splitting this with? Send their names, e.g. \"Alice, Bob\"."
	msgRedoBill      = "No problem. Send the corrected bill details."
	msgRedoSplit     = "No problem. Reply \"equal\" for an equal split or send amounts like \"Alice 400, Bob 500\"."
	msgSplitPrompt   = "Reply \"equal\" to split equally, or send amounts like \"Alice 400, Bob 500\"."
	msgDegradedNote  = "(Smart replies are limited right now, so I read your reply by keywords.)"
	msgSettled       = "This bill is already settled. Send a new bill to start again."
	msgBasicParser   = "(Bill reading is limited right now, so I read your message with basic rules. Please check the details.)"
	msgNoDirectory   = "(I can't reach your saved contacts right now, so I'll need the numbers from you.)"
	msgZeroShare     = "Everyone in the split has to pay something, but %s has nothing to pay. Please send an amount above zero for them, or reply \"equal\"."
	msgTotalTooSmall = "The bill total is too small to split between everyone. Send the corrected bill details, or \"reset\" to start over."
)

func helpText(step domain.Step) string {
	var hint string
	switch step {
	case domain.StepInitial, domain.StepExtracting:
		hint = msgSendBill
	case domain.StepConfirmingExtraction:
		hint = "Reply yes if the bill details are right, or no to change them."
	case domain.StepCollectingContacts:
		hint = "Send phone numbers like \"Alice +91 98765 43210\"."
	case domain.StepCalculatingSplits:
		hint = msgSplitPrompt
	case domain.StepConfirmingSplits:
		hint = "Reply yes to send payment requests, or no to change the amounts."
	case domain.StepTrackingPayments:
		hint = "Send \"status\" to see who has paid, or \"Alice paid\" to mark a payment."
	}
	return hint + "\nSend \"reset\" at any time to start over."
}

func (b *base) billSummary(bill domain.BillData) string {
	var sb strings.Builder
	sb.WriteString("Here's what I found:\n")
	fmt.Fprintf(&sb, "Total: %s\n", b.money(bill.Total, bill))
	if bill.Description != "" {
		fmt.Fprintf(&sb, "For: %s\n", bill.Description)
	}
	if bill.Merchant != "" {
		fmt.Fprintf(&sb, "At: %s\n", bill.Merchant)
	}
	fmt.Fprintf(&sb, "Split between: %s\n\n", strings.Join(bill.Participants, ", "))
	sb.WriteString("Reply yes to confirm or no to change it.")
	return sb.String()
}

func (b *base) splitSummary(bill domain.BillData, people []domain.Participant) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Here's the split for %s (%s):\n", describe(bill), b.money(bill.Total, bill))
	for _, p := range people {
		fmt.Fprintf(&sb, "%s: %s\n", p.Name, b.money(p.Share, bill))
	}
	sb.WriteString("\nReply yes to send payment requests or no to change the amounts.")
	return sb.String()
}

func (b *base) paymentRequest(bill domain.BillData, p domain.Participant, ref string) string {
	return fmt.Sprintf("Hi %s, your share of %s is %s.\nPay here: %s\nReply \"paid\" once you've paid.",
		p.Name, describe(bill), b.money(p.Share, bill), ref)
}

func (b *base) paymentStatus(bill domain.BillData, people []domain.Participant) string {
	var sb strings.Builder
	paid := 0
	for _, p := range people {
		mark := "⏳"
		switch p.Status {
		case domain.PaymentPaid:
			mark = "✅"
			paid++
		case domain.PaymentFailed:
			mark = "⚠️"
		}
		fmt.Fprintf(&sb, "%s %s %s\n", mark, p.Name, b.money(p.Share, bill))
	}
	return fmt.Sprintf("Payments for %s: %d of %d paid.\n%s", describe(bill), paid, len(people), strings.TrimRight(sb.String(), "\n"))
}

func (b *base) completion(bill domain.BillData, people []domain.Participant) string {
	return fmt.Sprintf("🎉 All payments complete!\nAll %d participants have paid for %s.\nTotal collected: %s",
		len(people), describe(bill), b.money(bill.Total, bill))
}

func describe(bill domain.BillData) string {
	if d := strings.TrimSpace(bill.Description); d != "" {
		return d
	}
	if m := strings.TrimSpace(bill.Merchant); m != "" {
		return m
	}
	return "the bill"
}

func askPhone(name string) string {
	return fmt.Sprintf("What is %s's phone number?", name)
}

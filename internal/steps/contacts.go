package steps

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"billsplit-agent/internal/domain"
	"billsplit-agent/internal/recovery"
	"billsplit-agent/internal/workflow"
)

var (
	contactSeparator = regexp.MustCompile(`[\n;,]+`)
	contactFiller    = regexp.MustCompile(`(?i)\b(?:is|number|phone|no|mobile|'s)\b|[:=\-]`)
)

type contactsHandler struct{ *base }

func (h *contactsHandler) Handle(ctx context.Context, state domain.ConversationState, ev domain.InboundEvent) workflow.Outcome {
	bill, _, err := workflow.BillOf(state.Context)
	if err != nil {
		return workflow.Fatal(recovery.Wrap(recovery.Corrupt, "contacts", err))
	}
	people, ok, err := workflow.ParticipantsOf(state.Context)
	if err != nil {
		return workflow.Fatal(recovery.Wrap(recovery.Corrupt, "contacts", err))
	}
	directoryDown := false
	if !ok {
		people = make([]domain.Participant, 0, len(bill.Participants))
		for _, name := range bill.Participants {
			people = append(people, domain.Participant{Name: name, Status: domain.PaymentPending})
		}
		directoryDown = !h.resolveKnown(ctx, state, people)
	}

	var problems []domain.OutboundMessage
	flagged := map[int]bool{}
	if !ev.Entry {
		for _, a := range h.parseReply(ev.Text, people) {
			p := &people[a.index]
			phone, valid := h.phones.Normalize(a.raw)
			if !valid {
				problems = append(problems, domain.Reply(fmt.Sprintf(
					"%q doesn't look like a valid phone number for %s. Please send it with the country code, e.g. +91 98765 43210.",
					strings.TrimSpace(a.raw), p.Name)))
				flagged[a.index] = true
				continue
			}
			if other := ownerOf(people, phone, a.index); other >= 0 {
				problems = append(problems, domain.Reply(fmt.Sprintf(
					"%s already has %s. Please send a different number for %s.",
					people[other].Name, phone, p.Name)))
				flagged[a.index] = true
				continue
			}
			p.Phone = phone
			var stored bool
			p.ContactID, stored = h.remember(ctx, state, p.Name, phone)
			directoryDown = directoryDown || !stored
		}
	}

	missing := 0
	var questions []domain.OutboundMessage
	for i, p := range people {
		if p.Phone != "" {
			continue
		}
		missing++
		if !flagged[i] {
			questions = append(questions, domain.Reply(askPhone(p.Name)))
		}
	}

	var notes []domain.OutboundMessage
	if directoryDown {
		notes = append(notes, domain.Reply(msgNoDirectory))
	}

	if missing == 0 && len(problems) == 0 {
		names := make([]string, len(people))
		for i, p := range people {
			names[i] = p.Name
		}
		msgs := append([]domain.OutboundMessage{domain.Reply(
			fmt.Sprintf("I have numbers for %s.\n%s", strings.Join(names, ", "), msgSplitPrompt))}, notes...)
		return workflow.Advance(domain.StepCalculatingSplits, msgs...).
			Set(workflow.KeyParticipants, people)
	}

	msgs := append(append(notes, problems...), questions...)
	out := workflow.Stay(msgs...).Set(workflow.KeyParticipants, people)
	if len(problems) > 0 {
		out = out.WithFailure(recovery.NewFailure(recovery.UserInputError, "contacts", "invalid or duplicate phone"))
	}
	return out
}

// resolveKnown fills phones remembered from earlier bills and reports
// whether the directory answered. Directory failures only mean we ask the
// user.
func (h *contactsHandler) resolveKnown(ctx context.Context, state domain.ConversationState, people []domain.Participant) bool {
	if h.contacts == nil {
		return true
	}
	for i := range people {
		var (
			contact domain.Contact
			found   bool
		)
		err := h.policy.Do(ctx, "contacts.resolve", func(ctx context.Context) error {
			var err error
			contact, found, err = h.contacts.Resolve(ctx, state.UserID, people[i].Name)
			return err
		}, recovery.WithFallback())
		if err != nil {
			h.logFailure(state, recovery.AsFailure("contacts.resolve", err))
			return false
		}
		if !found {
			continue
		}
		phone, valid := h.phones.Normalize(contact.Phone)
		if !valid || ownerOf(people, phone, i) >= 0 {
			continue
		}
		people[i].Phone = phone
		people[i].ContactID = contact.ID
	}
	return true
}

func (h *contactsHandler) remember(ctx context.Context, state domain.ConversationState, name, phone string) (string, bool) {
	if h.contacts == nil {
		return "", true
	}
	var id string
	err := h.policy.Do(ctx, "contacts.store", func(ctx context.Context) error {
		var err error
		id, err = h.contacts.Store(ctx, state.UserID, name, phone)
		return err
	}, recovery.WithFallback())
	if err != nil {
		h.logFailure(state, recovery.AsFailure("contacts.store", err))
		return "", false
	}
	return id, true
}

type contactAssignment struct {
	index int
	raw   string
}

// parseReply reads "Name +91..." pairs. A bare number is assigned to the
// first participant still missing one.
func (h *contactsHandler) parseReply(text string, people []domain.Participant) []contactAssignment {
	var out []contactAssignment
	assigned := map[int]bool{}
	for _, segment := range contactSeparator.Split(text, -1) {
		raw, rest, ok := FindPhone(segment)
		if !ok {
			continue
		}
		name := strings.TrimSpace(contactFiller.ReplaceAllString(rest, " "))
		idx := matchParticipant(people, name)
		if idx < 0 && name == "" {
			idx = firstMissing(people, assigned)
		}
		if idx < 0 || assigned[idx] {
			continue
		}
		assigned[idx] = true
		out = append(out, contactAssignment{index: idx, raw: raw})
	}
	return out
}

func matchParticipant(people []domain.Participant, name string) int {
	key := domain.NameKey(name)
	if key == "" {
		return -1
	}
	for i, p := range people {
		if domain.NameKey(p.Name) == key {
			return i
		}
	}
	for i, p := range people {
		first := strings.Fields(domain.NameKey(p.Name))
		if len(first) > 0 && first[0] == key {
			return i
		}
	}
	return -1
}

func firstMissing(people []domain.Participant, skip map[int]bool) int {
	for i, p := range people {
		if p.Phone == "" && !skip[i] {
			return i
		}
	}
	return -1
}

func ownerOf(people []domain.Participant, phone string, except int) int {
	for i, p := range people {
		if i != except && p.Phone == phone {
			return i
		}
	}
	return -1
}

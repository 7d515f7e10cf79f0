package domain

// Step is a named stage of the bill-splitting conversation.
type Step string

const (
	StepInitial              Step = "INITIAL"
	StepExtracting           Step = "EXTRACTING"
	StepConfirmingExtraction Step = "CONFIRMING_EXTRACTION"
	StepCollectingContacts   Step = "COLLECTING_CONTACTS"
	StepCalculatingSplits    Step = "CALCULATING_SPLITS"
	StepConfirmingSplits     Step = "CONFIRMING_SPLITS"
	StepSendingRequests      Step = "SENDING_REQUESTS"
	StepTrackingPayments     Step = "TRACKING_PAYMENTS"
	StepCompleted            Step = "COMPLETED"
)

// Steps returns the closed step set in workflow order.
func Steps() []Step {
	return []Step{
		StepInitial,
		StepExtracting,
		StepConfirmingExtraction,
		StepCollectingContacts,
		StepCalculatingSplits,
		StepConfirmingSplits,
		StepSendingRequests,
		StepTrackingPayments,
		StepCompleted,
	}
}

// Index reports the position of s in workflow order, or -1 when s is not a
// known step.
func (s Step) Index() int {
	for i, step := range Steps() {
		if step == s {
			return i
		}
	}
	return -1
}

func (s Step) Valid() bool { return s.Index() >= 0 }

func (s Step) Terminal() bool { return s == StepCompleted }

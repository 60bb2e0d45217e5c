package orchestrator

import (
	"fmt"
	"time"

	"github.com/confirmbot/confirmd/internal/extract"
	"github.com/confirmbot/confirmd/internal/inbox"
)

// PolicyVersion names the rule set applied by this engine.
const PolicyVersion = "ack_policy_v1"

// Mode selects how far the orchestrator may go on its own.
type Mode string

const (
	ModeDryRun    Mode = "dry_run"
	ModeQueueOnly Mode = "queue_only"
	ModeAutoSend  Mode = "auto_send"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeDryRun || m == ModeQueueOnly || m == ModeAutoSend
}

// Action is what the policy decided to do.
type Action string

const (
	ActionNoOp              Action = "NO_OP"
	ActionDraftEmail        Action = "DRAFT_EMAIL"
	ActionSendEmail         Action = "SEND_EMAIL"
	ActionApplyUpdatesReady Action = "APPLY_UPDATES_READY"
	ActionNeedsHuman        Action = "NEEDS_HUMAN"
)

// Risk grades a decision for the human reviewing the queue.
type Risk string

const (
	RiskLow    Risk = "LOW"
	RiskMedium Risk = "MEDIUM"
	RiskHigh   Risk = "HIGH"
)

// sendCooldown suppresses outreach when a mail already went out recently.
const sendCooldown = 24 * time.Hour

// Decision is the policy outcome for one orchestrator run.
type Decision struct {
	Action            Action `json:"action"`
	Risk              Risk   `json:"risk"`
	Reason            string `json:"reason"`
	RequiresApproval  bool   `json:"requires_approval"`
}

// policyInput gathers everything the rule ladder looks at.
type policyInput struct {
	Mode          Mode
	Class         inbox.Classification
	Exception     string // exception class name, "" when none
	MissingFields []string
	Extraction    *extract.Result
	LastEmailSent *time.Time
	LastActionAt  *time.Time
	Now           time.Time
}

// missingRisk grades by how much is still unconfirmed: 1 missing is LOW,
// 2 MEDIUM, 3+ HIGH.
func missingRisk(n int) Risk {
	switch {
	case n <= 1:
		return RiskLow
	case n == 2:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// applyPolicy runs the ordered rules of ack_policy_v1.
func applyPolicy(in policyInput) Decision {
	// Rule 1: supplier exceptions force a human in, except the
	// exception-plus-partial-progress case which may still draft.
	if in.Exception != "" {
		if in.Class == inbox.FoundIncomplete {
			return Decision{
				Action:           ActionDraftEmail,
				Risk:             RiskHigh,
				Reason:           fmt.Sprintf("supplier exception: %s (partial confirmation in hand)", in.Exception),
				RequiresApproval: true,
			}
		}
		return Decision{
			Action: ActionNeedsHuman,
			Risk:   RiskHigh,
			Reason: fmt.Sprintf("supplier exception: %s", in.Exception),
		}
	}

	// Rule 2: cooldown after any sent mail.
	if in.LastEmailSent != nil && in.Now.Sub(*in.LastEmailSent) < sendCooldown {
		return Decision{
			Action: ActionNoOp,
			Risk:   RiskLow,
			Reason: fmt.Sprintf("email sent %s ago, inside cooldown", in.Now.Sub(*in.LastEmailSent).Round(time.Minute)),
		}
	}

	// Rule 3: shaky extraction goes to a human.
	if in.Extraction != nil && !in.Extraction.Empty() && in.Extraction.MinConfidence() < extract.LowConfidence {
		return Decision{
			Action: ActionNeedsHuman,
			Risk:   RiskHigh,
			Reason: fmt.Sprintf("extraction confidence %.2f below threshold", in.Extraction.MinConfidence()),
		}
	}

	// Rule 4: a complete confirmation with reference and date is ready to apply.
	if in.Class == inbox.FoundConfirmed && in.Extraction != nil &&
		in.Extraction.SupplierOrderNumber != nil && in.Extraction.ConfirmedDeliveryDate != nil {
		return Decision{
			Action: ActionApplyUpdatesReady,
			Risk:   RiskLow,
			Reason: "confirmed with supplier reference and delivery date",
		}
	}

	// Rule 5: partial confirmation: chase the remainder.
	if in.Class == inbox.FoundIncomplete {
		return upgradeToSend(in, Decision{
			Action:           ActionDraftEmail,
			Risk:             missingRisk(len(in.MissingFields)),
			Reason:           fmt.Sprintf("%d field(s) still missing after partial confirmation", len(in.MissingFields)),
			RequiresApproval: true,
		})
	}

	// Rule 6: nothing found: chase once a day.
	if in.Class == inbox.NotFound {
		if in.LastActionAt == nil || in.Now.Sub(*in.LastActionAt) > sendCooldown {
			return upgradeToSend(in, Decision{
				Action:           ActionDraftEmail,
				Risk:             missingRisk(len(in.MissingFields)),
				Reason:           "no supplier reply found, outreach due",
				RequiresApproval: true,
			})
		}
		return Decision{
			Action: ActionNoOp,
			Risk:   RiskLow,
			Reason: "no reply found and last action is recent",
		}
	}

	// Rule 7: fallback.
	return Decision{
		Action: ActionNeedsHuman,
		Risk:   RiskMedium,
		Reason: "no policy rule matched",
	}
}

// upgradeToSend promotes DRAFT_EMAIL to SEND_EMAIL in auto_send mode when
// risk is LOW and at most three fields are missing.
func upgradeToSend(in policyInput, d Decision) Decision {
	if in.Mode == ModeAutoSend && d.Action == ActionDraftEmail &&
		d.Risk == RiskLow && len(in.MissingFields) <= 3 {
		d.Action = ActionSendEmail
		d.RequiresApproval = false
	}
	return d
}

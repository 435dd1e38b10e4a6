// Package rules implements the deterministic first verification stage. Every
// check is a pure function of the dialogue and its candidate APIs.
package rules

// Severity orders findings. Critical and error findings are violations,
// warning and info findings are reported but never fail a dialogue.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

func (s Severity) Fails() bool {
	return s == SeverityCritical || s == SeverityError
}

// Rule describes one check.
type Rule struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Severity    Severity `json:"severity" yaml:"severity"`
}

var (
	RuleAPIName        = Rule{"API_001", "api name", "every candidate API has a non-empty name", SeverityCritical}
	RuleAPIDescription = Rule{"API_002", "api description", "every candidate API has a description", SeverityError}
	RuleAPIParameters  = Rule{"API_003", "api parameters", "every candidate API declares an object parameter schema", SeverityError}
	RuleAPIReturns     = Rule{"API_004", "api returns", "candidate APIs declare a return schema", SeverityWarning}

	RuleCallResolves   = Rule{"FUNC_001", "call resolves", "every call names an API in the candidate set", SeverityCritical}
	RuleCallRequired   = Rule{"FUNC_002", "required arguments", "every required parameter is supplied", SeverityCritical}
	RuleCallTypes      = Rule{"FUNC_003", "argument types", "every argument matches its declared type and constraints", SeverityError}
	RuleCallUndeclared = Rule{"FUNC_004", "undeclared arguments", "arguments are declared by the API schema", SeverityWarning}

	RuleDialogNonEmpty = Rule{"DIALOG_001", "non-empty dialogue", "the dialogue has at least one turn", SeverityCritical}
	RuleDialogOrder    = Rule{"DIALOG_002", "role order", "turns alternate requester, responder and executor correctly", SeverityCritical}
	RuleDialogRoles    = Rule{"DIALOG_003", "role usage", "roles are known, calls only on responder turns, results only on executor turns", SeverityError}
	RuleDialogContent  = Rule{"DIALOG_004", "turn content", "requester turns and final answers carry text", SeverityError}
	RuleDialogResults  = Rule{"DIALOG_005", "results answer calls", "each executor turn answers every call of the turn before it", SeverityError}

	RuleArchetypeKnown = Rule{"CONSIST_001", "archetype declared", "the dialogue declares a known archetype", SeverityCritical}
	RuleArchetypeShape = Rule{"CONSIST_002", "archetype shape", "the dialogue's calls match its archetype", SeverityError}
	RuleUnusedAPIs     = Rule{"CONSIST_003", "unused APIs", "tool-use dialogues use their candidate APIs", SeverityInfo}
)

// Catalog lists every rule in evaluation order.
var Catalog = []Rule{
	RuleAPIName, RuleAPIDescription, RuleAPIParameters, RuleAPIReturns,
	RuleCallResolves, RuleCallRequired, RuleCallTypes, RuleCallUndeclared,
	RuleDialogNonEmpty, RuleDialogOrder, RuleDialogRoles, RuleDialogContent, RuleDialogResults,
	RuleArchetypeKnown, RuleArchetypeShape, RuleUnusedAPIs,
}

// Finding is one itemized rule outcome.
type Finding struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Turn     int      `json:"turn"` // -1 when the finding is not about a turn
	API      string   `json:"api,omitempty"`
	Argument string   `json:"argument,omitempty"`
}

// Result is the Rule Gate's verdict.
type Result struct {
	Passed     bool      `json:"passed"`
	Violations []Finding `json:"violations,omitempty"`
	Warnings   []Finding `json:"warnings,omitempty"`
}

// Codes returns the rule ids of the violations, in order.
func (r Result) Codes() []string {
	ret := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		ret = append(ret, v.Rule)
	}
	return ret
}

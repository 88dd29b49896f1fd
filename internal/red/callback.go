package red

import (
	"github.com/ccagency/agency/internal/errkind"
)

// Phase is one of the three callback phases a batch passes through,
// matching agencysqlc.CallbackPhase.
type Phase string

const (
	PhaseInput  Phase = "input"
	PhaseMain   Phase = "main"
	PhaseOutput Phase = "output"
)

func (p Phase) Valid() bool {
	switch p {
	case PhaseInput, PhaseMain, PhaseOutput:
		return true
	default:
		return false
	}
}

// CallbackBody is the common shape of the three callback schemas
// (agent_result, inputconnector_result, outputconnector_result) spec.md's
// GLOSSARY names: each requires at minimum {state}, with inputs/outputs/
// command/returnCode populated according to which phase posted it.
type CallbackBody struct {
	State   string         `json:"state" validate:"required,oneof=succeeded failed"`
	Inputs  map[string]any `json:"inputs,omitempty"`
	Outputs map[string]any `json:"outputs,omitempty"`
	// ProducedFiles lists the files the agent actually wrote during the
	// output phase, present when a declared output names a glob pattern
	// rather than one exact file; the Broker resolves it against the
	// pattern with filexfr before writing Outputs back onto the batch.
	ProducedFiles []string `json:"producedFiles,omitempty"`
	DebugInfo     []string `json:"debugInfo,omitempty"`
	ReturnCode    *int     `json:"returnCode,omitempty"`
	Stdout        string   `json:"stdout,omitempty"`
	Stderr        string   `json:"stderr,omitempty"`
	Executed      bool     `json:"executed"`
	DisableRetry  bool     `json:"disableRetry,omitempty"`
}

// Succeeded reports whether the callback reports a successful phase.
func (b CallbackBody) Succeeded() bool { return b.State == "succeeded" }

// ValidateCallback checks body against the common callback schema.
func ValidateCallback(body *CallbackBody) error {
	if err := validate.Struct(body); err != nil {
		return errkind.Wrap(errkind.Validation, "callback body failed schema validation", err)
	}
	return nil
}

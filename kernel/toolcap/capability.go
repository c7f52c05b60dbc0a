package toolcap

import "slices"

// Operation is one normalized tool operation class.
type Operation string

const (
	OperationFileRead  Operation = "file_read"
	OperationFileWrite Operation = "file_write"
	OperationExec      Operation = "exec"
	OperationNetwork   Operation = "network"
	OperationUserIO    Operation = "user_io"
)

// RiskLevel is a coarse risk signal shown in approval prompts.
type RiskLevel string

const (
	RiskUnknown RiskLevel = "unknown"
	RiskLow     RiskLevel = "low"
	RiskMedium  RiskLevel = "medium"
	RiskHigh    RiskLevel = "high"
)

// Capability describes one tool's side-effect profile. Agent profiles use
// it to restrict the exposed tool set; the approval prompt displays risk.
type Capability struct {
	Operations []Operation `json:"operations,omitempty"`
	Risk       RiskLevel   `json:"risk,omitempty"`
}

// HasOperation reports whether one operation is declared.
func (c Capability) HasOperation(op Operation) bool {
	return slices.Contains(c.Operations, op)
}

// PermittedBy reports whether every declared operation is in the allowed
// set. A tool with no declared operations is treated as unknown and is
// NOT permitted by a restricted set.
func (c Capability) PermittedBy(allowed []Operation) bool {
	if allowed == nil {
		return true
	}
	if len(c.Operations) == 0 {
		return false
	}
	for _, op := range c.Operations {
		if !slices.Contains(allowed, op) {
			return false
		}
	}
	return true
}

// Provider allows a value to declare capabilities.
type Provider interface {
	Capability() Capability
}

// Of returns declared capability, or a default unknown profile. Declared
// operations are normalized: empty entries dropped, duplicates removed.
func Of(value any) Capability {
	provider, ok := value.(Provider)
	if !ok {
		return Capability{Risk: RiskUnknown}
	}
	cap := provider.Capability()
	if cap.Risk == "" {
		cap.Risk = RiskUnknown
	}
	var ops []Operation
	for _, op := range cap.Operations {
		if op != "" && !slices.Contains(ops, op) {
			ops = append(ops, op)
		}
	}
	cap.Operations = ops
	return cap
}

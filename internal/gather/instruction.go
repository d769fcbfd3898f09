package gather

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind discriminates Instruction variants.
type Kind string

const (
	KindChatGenerate       Kind = "chat-generate"
	KindUserInputChecklist Kind = "user-input-checklist"
)

// OutputKind says what a ChatGenerate step produces.
type OutputKind string

const (
	OutputDisplay   OutputKind = "display-message"
	OutputChecklist OutputKind = "user-checklist"
)

// ErrInvalidEdit is returned when an edit does not fit the instruction kind.
var ErrInvalidEdit = errors.New("gather: invalid instruction edit")

// Instruction is one step of a fusion chain. The set of implementations is
// closed: ChatGenerate and UserInputChecklist.
type Instruction interface {
	Kind() Kind
	instruction()
}

// ChatGenerate sandwiches the history and the ray outputs between a system
// and a user prompt, then makes one model call.
type ChatGenerate struct {
	Label        string     `json:"label"`
	SystemPrompt string     `json:"system_prompt"`
	UserPrompt   string     `json:"user_prompt"`
	Output       OutputKind `json:"output_kind"`
}

func (ChatGenerate) Kind() Kind   { return KindChatGenerate }
func (ChatGenerate) instruction() {}

func (c ChatGenerate) MarshalJSON() ([]byte, error) {
	type plain ChatGenerate
	return json.Marshal(struct {
		Type Kind `json:"type"`
		plain
	}{KindChatGenerate, plain(c)})
}

// UserInputChecklist pauses the chain until the user picks options from the
// previous step's checklist output.
type UserInputChecklist struct {
	Label string `json:"label"`
}

func (UserInputChecklist) Kind() Kind   { return KindUserInputChecklist }
func (UserInputChecklist) instruction() {}

func (u UserInputChecklist) MarshalJSON() ([]byte, error) {
	type plain UserInputChecklist
	return json.Marshal(struct {
		Type Kind `json:"type"`
		plain
	}{KindUserInputChecklist, plain(u)})
}

// LabelOf returns the display label of an instruction.
func LabelOf(in Instruction) string {
	switch v := in.(type) {
	case ChatGenerate:
		return v.Label
	case UserInputChecklist:
		return v.Label
	default:
		panic(fmt.Sprintf("gather: unsupported instruction %T", in))
	}
}

// InstructionEdit is a partial update to one instruction. Nil fields are
// left alone.
type InstructionEdit struct {
	Label        *string     `json:"label,omitempty"`
	SystemPrompt *string     `json:"system_prompt,omitempty"`
	UserPrompt   *string     `json:"user_prompt,omitempty"`
	OutputKind   *OutputKind `json:"output_kind,omitempty"`
}

// apply returns in with the edit merged. The result always has the same
// Kind as in.
func (e InstructionEdit) apply(in Instruction) (Instruction, error) {
	switch v := in.(type) {
	case ChatGenerate:
		if e.Label != nil {
			v.Label = *e.Label
		}
		if e.SystemPrompt != nil {
			v.SystemPrompt = *e.SystemPrompt
		}
		if e.UserPrompt != nil {
			v.UserPrompt = *e.UserPrompt
		}
		if e.OutputKind != nil {
			switch *e.OutputKind {
			case OutputDisplay, OutputChecklist:
				v.Output = *e.OutputKind
			default:
				return nil, fmt.Errorf("%w: unknown output kind %q", ErrInvalidEdit, *e.OutputKind)
			}
		}
		return v, nil
	case UserInputChecklist:
		if e.SystemPrompt != nil || e.UserPrompt != nil || e.OutputKind != nil {
			return nil, fmt.Errorf("%w: %s only has a label", ErrInvalidEdit, KindUserInputChecklist)
		}
		if e.Label != nil {
			v.Label = *e.Label
		}
		return v, nil
	default:
		panic(fmt.Sprintf("gather: unsupported instruction %T", in))
	}
}

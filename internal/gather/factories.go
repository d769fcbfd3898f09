package gather

// Factory ids, in registry order.
const (
	FactoryFuse    = "fuse"
	FactoryGuided  = "guided"
	FactoryCompare = "compare"
	FactoryPick    = "pick"
	FactoryCustom  = "custom"
)

// Factory is a named fusion strategy.
type Factory struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description"`
	Editable    bool   `json:"editable"`
	// Instructions returns a fresh copy of the strategy's template.
	Instructions func() []Instruction `json:"-"`
}

const mergeSystemPrompt = `You are an expert at synthesizing information. Below is a conversation, followed by {{N}} alternative assistant responses to its last user message. Each response was written independently.`

// Factories returns the built-in fusion strategies.
func Factories() []Factory {
	return []Factory{
		{
			ID:          FactoryFuse,
			Label:       "Fuse",
			Description: "Merge every response into one answer.",
			Instructions: func() []Instruction {
				return []Instruction{ChatGenerate{
					Label:        "Fuse",
					SystemPrompt: mergeSystemPrompt,
					UserPrompt: "Combine the {{N}} responses above into a single answer to the last user message. " +
						"Keep the strongest points of each, resolve contradictions, and drop repetition. " +
						"Reply with the combined answer only, without mentioning the individual responses.",
					Output: OutputDisplay,
				}}
			},
		},
		{
			ID:          FactoryGuided,
			Label:       "Guided",
			Description: "List the ideas across responses, let the user choose, then merge the chosen ones.",
			Instructions: func() []Instruction {
				return []Instruction{
					ChatGenerate{
						Label:        "Extract options",
						SystemPrompt: mergeSystemPrompt,
						UserPrompt: "List the distinct ideas, approaches or facts found across the {{N}} responses above. " +
							"Write one markdown checklist item per idea (\"- [ ] idea\") and nothing else.",
						Output: OutputChecklist,
					},
					UserInputChecklist{Label: "Choose options"},
					ChatGenerate{
						Label:        "Merge chosen",
						SystemPrompt: mergeSystemPrompt,
						UserPrompt: "Using the {{N}} responses above as source material, write a single answer to the last user message " +
							"that covers these selected points:\n{{SelectedOptions}}\nReply with the answer only.",
						Output: OutputDisplay,
					},
				}
			},
		},
		{
			ID:          FactoryCompare,
			Label:       "Compare",
			Description: "Compare the responses side by side.",
			Instructions: func() []Instruction {
				return []Instruction{ChatGenerate{
					Label:        "Compare",
					SystemPrompt: mergeSystemPrompt,
					UserPrompt: "Compare the {{N}} responses above in a markdown table, one column per response, " +
						"one row per aspect that matters for the last user message. Finish with one sentence on which is strongest and why.",
					Output: OutputDisplay,
				}}
			},
		},
		{
			ID:          FactoryPick,
			Label:       "Pick",
			Description: "Choose the single best response.",
			Instructions: func() []Instruction {
				return []Instruction{ChatGenerate{
					Label:        "Pick",
					SystemPrompt: mergeSystemPrompt,
					UserPrompt: "Decide which of the {{N}} responses above best answers the last user message. " +
						"Reply with that response reproduced exactly, and nothing else.",
					Output: OutputDisplay,
				}}
			},
		},
		{
			ID:          FactoryCustom,
			Label:       "Custom",
			Description: "Your own instructions.",
			Editable:    true,
			Instructions: func() []Instruction {
				return []Instruction{ChatGenerate{
					Label:        "Custom",
					SystemPrompt: mergeSystemPrompt,
					UserPrompt:   "Merge the {{N}} responses above into one answer.",
					Output:       OutputDisplay,
				}}
			},
		},
	}
}

// FactoryByID looks up a built-in factory.
func FactoryByID(id string) (Factory, bool) {
	for _, f := range Factories() {
		if f.ID == id {
			return f, true
		}
	}
	return Factory{}, false
}

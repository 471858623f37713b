package http

import "net/http"

// AgentCard is the machine-readable service descriptor served at
// /.well-known/agent.json so other agents can discover what this
// orchestrator offers.
type AgentCard struct {
	Name         string  `json:"name"`
	Description  string  `json:"description"`
	URL          string  `json:"url"`
	Version      string  `json:"version"`
	Skills       []Skill `json:"skills"`
	Capabilities struct {
		Streaming bool `json:"streaming"`
	} `json:"capabilities"`
}

// Skill describes a single capability of the agent.
type Skill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	InputModes  []string `json:"inputModes"`
	OutputModes []string `json:"outputModes"`
}

// AgentCardHandler builds the card from what is actually registered: the
// goal-solving loop, each local tool, and each workflow template.
func (h *Handlers) AgentCardHandler(baseURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		card := AgentCard{
			Name:        "RelayMind",
			Description: "LLM agent orchestration service",
			URL:         baseURL,
			Version:     "0.1.0",
		}
		card.Capabilities.Streaming = true

		card.Skills = append(card.Skills, Skill{
			ID:          "goal",
			Name:        "Goal Solving",
			Description: "Solve a free-form goal with a reason-act tool loop",
			InputModes:  []string{"text"},
			OutputModes: []string{"text"},
		})
		for _, name := range h.Tools.Names() {
			t, ok := h.Tools.Lookup(name)
			if !ok {
				continue
			}
			card.Skills = append(card.Skills, Skill{
				ID:          "tool." + name,
				Name:        name,
				Description: t.Description(),
				InputModes:  []string{"text"},
				OutputModes: []string{"text"},
			})
		}
		for _, t := range h.Engine.List() {
			card.Skills = append(card.Skills, Skill{
				ID:          "workflow." + t.Name,
				Name:        t.Name,
				Description: t.Description,
				InputModes:  []string{"text"},
				OutputModes: []string{"text"},
			})
		}

		writeJSON(w, http.StatusOK, card)
	}
}

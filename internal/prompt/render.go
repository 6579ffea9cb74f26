package prompt

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/abhisek/threadlab/internal/model"
)

// Keys recognised in prompt templates.
const (
	KeyConversationThread = "conversation_thread"
	KeyFinalMessage       = "final_reddit_message"
)

// noThread is substituted for units without prior thread context (posts).
const noThread = "None"

// Render replaces every {{key}} marker in tmpl with vars[key]. Markers
// without a matching key are left as they are. There is no expression
// language; substitution is an exact string replace.
func Render(tmpl string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	pairs := make([]string, 0, 2*len(vars))
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// UnitVariables returns the template variables for one cluster unit.
func UnitVariables(unit *model.ClusterUnit) map[string]string {
	return map[string]string{
		KeyConversationThread: conversationThread(unit.ThreadPathText),
		KeyFinalMessage:       unit.Text,
	}
}

func conversationThread(path *[]string) string {
	if path == nil {
		return noThread
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(*path); err != nil {
		return noThread
	}
	return strings.TrimRight(buf.String(), "\n")
}

// Build renders the system and user messages for one unit. The label
// template's response format block is appended to the system prompt.
func Build(p *model.Prompt, tmpl *model.LabelTemplate, unit *model.ClusterUnit) (system, user string) {
	vars := UnitVariables(unit)

	system = Render(p.SystemPrompt, vars)
	if block := ResponseFormatBlock(tmpl); block != "" {
		if system != "" {
			system += "\n\n"
		}
		system += block
	}
	user = Render(p.Prompt, vars)
	return system, user
}

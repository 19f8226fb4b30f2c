package llm

import (
	"fmt"
	"strings"

	"github.com/verdemuse/assistant/memory"
)

const DefaultSystemPrompt = "You are the VerdeMuse Customer Support Assistant, an AI designed to help customers with questions about VerdeMuse's sustainable products. Be friendly, concise, and helpful. Always prioritize accurate information and admit when you don't know something rather than making up answers."

const contextPreamble = "You are the VerdeMuse Customer Support Assistant, an AI designed to help customers with questions about VerdeMuse's sustainable products. Be friendly, concise, and helpful."

const contextInstructions = "Use the following context to answer the user's question. If the context doesn't contain relevant information, admit that you don't know rather than making up an answer.\n\nContext:\n"

// ContextSystemPrompt embeds passages verbatim, labelled "Document N:" and
// separated by blank lines. A custom base prompt replaces the preamble.
func ContextSystemPrompt(base string, passages []string) string {
	preamble := contextPreamble
	if base != "" && base != DefaultSystemPrompt {
		preamble = base
	}
	docs := make([]string, len(passages))
	for i, p := range passages {
		docs[i] = fmt.Sprintf("Document %d: %s", i+1, p)
	}
	return preamble + "\n\n" + contextInstructions + strings.Join(docs, "\n\n")
}

// BuildMessages orders a completion request: the system prompt once, then
// history in stored order, then the current user message. System entries
// and unknown roles found in history are skipped.
func BuildMessages(system string, history []memory.Message, user string) []Message {
	out := make([]Message, 0, len(history)+2)
	out = append(out, Message{Role: memory.RoleSystem, Content: system})
	for _, h := range history {
		if h.Role != memory.RoleUser && h.Role != memory.RoleAssistant {
			continue
		}
		out = append(out, Message{Role: h.Role, Content: h.Content})
	}
	return append(out, Message{Role: memory.RoleUser, Content: user})
}

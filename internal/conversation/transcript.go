package conversation

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/dennisdiepolder/livedesk/internal/types"
	"github.com/yuin/goldmark"
)

// Transcript renders the full message log, oldest first, as Markdown
func (s *Session) Transcript(ctx context.Context) (string, error) {
	var msgs []types.Message
	for msg, err := range s.ListMessages(ctx, 0, 0) {
		if err != nil {
			return "", fmt.Errorf("reading messages: %w", err)
		}
		msgs = append(msgs, msg)
	}
	slices.Reverse(msgs)

	conv := s.Conversation()

	var b strings.Builder
	fmt.Fprintf(&b, "# Conversation %d\n\n", conv.ID)
	fmt.Fprintf(&b, "- Status: %s\n", conv.Status)
	fmt.Fprintf(&b, "- Started: %s\n", conv.CreatedAt.Format("2006-01-02 15:04 MST"))
	if conv.AgentID != "" {
		fmt.Fprintf(&b, "- Agent: %s\n", conv.AgentID)
	}
	if conv.SlotTime != nil {
		fmt.Fprintf(&b, "- Scheduled: %s\n", conv.SlotTime.Format("2006-01-02 15:04 MST"))
	}
	if conv.ClosedAt != nil {
		fmt.Fprintf(&b, "- Closed: %s\n", conv.ClosedAt.Format("2006-01-02 15:04 MST"))
	}
	b.WriteString("\n")

	for _, msg := range msgs {
		fmt.Fprintf(&b, "**%s** (%s): %s\n\n", senderLabel(msg.Sender), msg.CreatedAt.Format("15:04"), bodyText(msg.Body))
	}
	return b.String(), nil
}

// TranscriptHTML renders the transcript as an HTML fragment
func (s *Session) TranscriptHTML(ctx context.Context) (string, error) {
	md, err := s.Transcript(ctx)
	if err != nil {
		return "", err
	}

	var htmlBuf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &htmlBuf); err != nil {
		return "", fmt.Errorf("rendering transcript: %w", err)
	}
	return htmlBuf.String(), nil
}

func senderLabel(sender types.Sender) string {
	switch sender.Kind {
	case types.SenderSystem:
		return "Support"
	case types.SenderAgent:
		return "Agent " + sender.ID
	default:
		return "Visitor"
	}
}

func bodyText(body types.MessageBody) string {
	if body.File != nil {
		return fmt.Sprintf("[file: %s] (%s, %d bytes)", escapeMarkdown(body.File.Name), body.File.MimeType, body.File.Size)
	}
	return escapeMarkdown(body.Text)
}

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`, "*", `\*`, "_", `\_`, "`", "\\`", "[", `\[`, "]", `\]`, "#", `\#`, "<", `\<`, ">", `\>`,
)

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(strings.ReplaceAll(s, "\n", "  \n"))
}

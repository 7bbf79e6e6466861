package orchestrator

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"AgentHub-Chain/internal/agent"
	"AgentHub-Chain/internal/conversation"
	"AgentHub-Chain/internal/fetch"
	"AgentHub-Chain/internal/llm"
)

const (
	baseTemperature  = 0.7
	creativityWeight = 0.3
	topP             = 0.9
	penalty          = 0.5

	// maxSourceChars 限制单个网页在提示词中的长度。
	maxSourceChars = 6000

	genericInstructions = "You are a helpful AI assistant on the AgentHub marketplace. " +
		"Answer clearly and accurately, and say so when you are not sure."

	unreachableSegment = "The content at the referenced URL(s) could not be retrieved. " +
		"Tell the user the page was unreachable and answer from general knowledge where possible."

	apologyFragment = "\n\nSorry, the response was interrupted by a connection problem. Please try again."

	receiptTrailer = "\n\n---\nStored in IPFS: %s\nView at: %s"
	archiveFailed  = "\n\n---\nFailed to store chat history in IPFS. Please try again later."
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"'` + "`" + `]+`)

// extractURLs 按出现顺序返回消息中的去重地址，去掉句末标点。
func extractURLs(message string) []string {
	matches := urlPattern.FindAllString(message, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		m = strings.TrimRight(m, ".,;:!?)]}")
		if _, dup := seen[m]; dup || m == "" {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

func temperature(p *agent.Profile) float64 {
	return baseTemperature + p.CreativityIndex*creativityWeight
}

// contentSegment 把抓取结果渲染为提示词片段，结果为空时返回固定的不可达说明。
func contentSegment(results []*fetch.Result) string {
	if len(results) == 0 {
		return unreachableSegment
	}
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Source: %s\nTitle: %s\n", r.URL, r.Title)
		if r.Metadata.Description != "" {
			fmt.Fprintf(&b, "Description: %s\n", r.Metadata.Description)
		}
		content := r.Content
		if runes := []rune(content); len(runes) > maxSourceChars {
			content = string(runes[:maxSourceChars]) + "..."
		}
		b.WriteString("\n")
		b.WriteString(content)
	}
	return b.String()
}

func renderUserProfile(u agent.UserProfile) string {
	var lines []string
	if len(u.Interests) > 0 {
		lines = append(lines, "Interests: "+strings.Join(u.Interests, ", "))
	}
	if u.CommunicationStyle != "" {
		lines = append(lines, "Communication style: "+u.CommunicationStyle)
	}
	if u.Expertise != "" {
		lines = append(lines, "Expertise: "+u.Expertise)
	}
	if len(u.Preferences) > 0 {
		keys := make([]string, 0, len(u.Preferences))
		for k := range u.Preferences {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			lines = append(lines, fmt.Sprintf("Preference %s: %s", k, u.Preferences[k]))
		}
	}
	return strings.Join(lines, "\n")
}

// buildPrompt 拼装发送给补全服务的请求。
func buildPrompt(p *agent.Profile, history []conversation.Message, user agent.UserProfile, segment, message string) llm.Request {
	instructions := strings.TrimSpace(p.Instructions)
	if instructions == "" {
		instructions = genericInstructions
	}

	var b strings.Builder
	if rendered := conversation.Render(history); rendered != "" {
		b.WriteString("## Recent conversation\n")
		b.WriteString(rendered)
		b.WriteString("\n\n")
	}
	if profile := renderUserProfile(user); profile != "" {
		b.WriteString("## About the user\n")
		b.WriteString(profile)
		b.WriteString("\n\n")
	}
	if segment != "" {
		b.WriteString("## Referenced content\n")
		b.WriteString(segment)
		b.WriteString("\n\n")
	}
	b.WriteString("## Message\n")
	b.WriteString(message)

	return llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: instructions},
			{Role: llm.RoleUser, Content: b.String()},
		},
		Temperature:      temperature(p),
		TopP:             topP,
		FrequencyPenalty: penalty,
		PresencePenalty:  penalty,
	}
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package activity

import (
	"fmt"
	"html"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/bureau-foundation/spark/messaging"
)

const (
	mentionOpen  = "<spark-mention"
	mentionClose = "</spark-mention>"
)

// EncodeMentions wraps each mentioned range of content.PlainText in a
// mention span. Mentions may be given in any order but must be in
// range and must not overlap. Text inside and outside spans is
// HTML-escaped so it cannot be read back as markup. With no mentions
// the markup is content.MarkupText if set, otherwise the escaped plain
// text.
func EncodeMentions(content MessageContent) (string, error) {
	if len(content.Mentions) == 0 {
		if content.MarkupText != "" {
			return content.MarkupText, nil
		}
		return html.EscapeString(content.PlainText), nil
	}

	mentions := make([]Mention, len(content.Mentions))
	copy(mentions, content.Mentions)
	sort.SliceStable(mentions, func(i, j int) bool { return mentions[i].Start < mentions[j].Start })

	runes := []rune(content.PlainText)
	previousEnd := -1
	for _, mention := range mentions {
		if mention.Start < 0 || mention.End < mention.Start || mention.End >= len(runes) {
			return "", fmt.Errorf("mention [%d, %d] is outside text of length %d", mention.Start, mention.End, len(runes))
		}
		if mention.Start <= previousEnd {
			return "", fmt.Errorf("mention [%d, %d] overlaps the previous mention", mention.Start, mention.End)
		}
		if _, err := openTag(mention); err != nil {
			return "", err
		}
		previousEnd = mention.End
	}

	var builder strings.Builder
	cursor := 0
	for _, mention := range mentions {
		tag, _ := openTag(mention)
		builder.WriteString(html.EscapeString(string(runes[cursor:mention.Start])))
		builder.WriteString(tag)
		builder.WriteString(html.EscapeString(string(runes[mention.Start : mention.End+1])))
		builder.WriteString(mentionClose)
		cursor = mention.End + 1
	}
	builder.WriteString(html.EscapeString(string(runes[cursor:])))
	return builder.String(), nil
}

func openTag(mention Mention) (string, error) {
	switch mention.Type {
	case MentionPerson, "":
		if mention.ID == "" || strings.ContainsAny(mention.ID, " <>\"") {
			return "", fmt.Errorf("person mention id %q is not usable in markup", mention.ID)
		}
		return fmt.Sprintf("%s data-object-id=%s data-object-type=%s>", mentionOpen, mention.ID, messaging.ObjectPerson), nil
	case MentionAll:
		return fmt.Sprintf("%s data-object-type=%s data-group-type=%s>", mentionOpen, messaging.ObjectGroupMention, messaging.GroupMentionAll), nil
	default:
		return "", fmt.Errorf("unknown mention type %q", mention.Type)
	}
}

// MarkupError lists mention spans that were skipped while decoding.
type MarkupError struct {
	Problems []MarkupProblem
}

// MarkupProblem is one skipped span. Offset is the byte offset of the
// span in the markup.
type MarkupProblem struct {
	Offset int
	Reason string
}

func (e *MarkupError) Error() string {
	reasons := make([]string, len(e.Problems))
	for index, problem := range e.Problems {
		reasons[index] = fmt.Sprintf("at %d: %s", problem.Offset, problem.Reason)
	}
	return "activity: skipped mentions: " + strings.Join(reasons, "; ")
}

// DecodeMarkup strips mention spans from markup in document order,
// unescapes HTML entities and computes each mention's range in the
// resulting plain text. A span
// that cannot be parsed is skipped and recorded in the returned
// *MarkupError; the other mentions are still decoded. An unterminated
// span is kept as literal text.
func DecodeMarkup(markup string) (MessageContent, error) {
	content := MessageContent{MarkupText: markup}
	var plain strings.Builder
	var problems []MarkupProblem
	plainLength := 0

	emit := func(text string) int {
		text = html.UnescapeString(text)
		plain.WriteString(text)
		count := utf8.RuneCountInString(text)
		plainLength += count
		return count
	}

	cursor := 0
	for cursor < len(markup) {
		start := strings.Index(markup[cursor:], mentionOpen)
		if start < 0 {
			emit(markup[cursor:])
			break
		}
		start += cursor
		emit(markup[cursor:start])

		tagEnd := strings.IndexByte(markup[start:], '>')
		closeAt := -1
		if tagEnd >= 0 {
			tagEnd += start
			if index := strings.Index(markup[tagEnd+1:], mentionClose); index >= 0 {
				closeAt = tagEnd + 1 + index
			}
		}
		if tagEnd < 0 || closeAt < 0 || strings.Contains(markup[tagEnd+1:closeAt], mentionOpen) {
			problems = append(problems, MarkupProblem{Offset: start, Reason: "unterminated mention span"})
			emit(mentionOpen)
			cursor = start + len(mentionOpen)
			continue
		}

		mention, err := parseOpenTag(markup[start+len(mentionOpen) : tagEnd])
		mentionStart := plainLength
		length := emit(markup[tagEnd+1 : closeAt])
		switch {
		case err != nil:
			problems = append(problems, MarkupProblem{Offset: start, Reason: err.Error()})
		case length == 0:
			problems = append(problems, MarkupProblem{Offset: start, Reason: "mention span is empty"})
		default:
			mention.Start = mentionStart
			mention.End = mentionStart + length - 1
			content.Mentions = append(content.Mentions, mention)
		}
		cursor = closeAt + len(mentionClose)
	}

	content.PlainText = plain.String()
	if len(problems) > 0 {
		return content, &MarkupError{Problems: problems}
	}
	return content, nil
}

func parseOpenTag(attributes string) (Mention, error) {
	values := make(map[string]string)
	for _, field := range strings.Fields(attributes) {
		key, value, found := strings.Cut(field, "=")
		if !found {
			return Mention{}, fmt.Errorf("attribute %q has no value", field)
		}
		values[key] = strings.Trim(value, `"'`)
	}

	switch objectType := values["data-object-type"]; objectType {
	case messaging.ObjectPerson:
		if values["data-object-id"] == "" {
			return Mention{}, fmt.Errorf("person mention has no data-object-id")
		}
		return Mention{ID: values["data-object-id"], Type: MentionPerson}, nil
	case messaging.ObjectGroupMention:
		if groupType := values["data-group-type"]; groupType != messaging.GroupMentionAll {
			return Mention{}, fmt.Errorf("unsupported group mention %q", groupType)
		}
		return Mention{Type: MentionAll}, nil
	default:
		return Mention{}, fmt.Errorf("unknown mention type %q", objectType)
	}
}

// Package transcript reads session transcript JSONL files. Each line is an
// independent JSON entry; malformed lines are skipped rather than failing the
// whole read, since transcripts are written concurrently by another process.
package transcript

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Transcript lines can carry entire tool outputs; the default scanner
// buffer of 64KB is far too small.
const maxLineBytes = 10 * 1024 * 1024

// sidechainScanLimit bounds how many leading lines are inspected for the
// session_start marker.
const sidechainScanLimit = 10

type entry struct {
	Type        string          `json:"type"`
	IsSidechain bool            `json:"isSidechain"`
	Message     json.RawMessage `json:"message"`
}

type message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Name      string          `json:"name"`
	ID        string          `json:"id"`
	ToolUseID string          `json:"tool_use_id"`
	Input     json.RawMessage `json:"input"`
	Content   json.RawMessage `json:"content"`
}

// IsSubagentPath reports whether the transcript filename follows the
// agent-<id>.jsonl convention used for subagent sidechains.
func IsSubagentPath(path string) bool {
	name := filepath.Base(path)
	return strings.HasPrefix(name, "agent-") && strings.HasSuffix(name, ".jsonl")
}

// HasSidechainMarker reports whether the transcript's session_start entry
// carries isSidechain: true. Only the first few lines are inspected.
// Missing or unreadable files report false.
func HasSidechainMarker(path string) bool {
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	defer file.Close()

	scanner := newLineScanner(file)
	for i := 0; i < sidechainScanLimit && scanner.Scan(); i++ {
		var item entry
		if err := json.Unmarshal(scanner.Bytes(), &item); err != nil {
			continue
		}
		if item.Type == "session_start" {
			return item.IsSidechain
		}
	}
	return false
}

// CountLines returns the number of lines in the transcript. A missing file
// counts as zero lines.
func CountLines(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("open transcript %q: %w", path, err)
	}
	defer file.Close()

	count := 0
	scanner := newLineScanner(file)
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan transcript %q: %w", path, err)
	}
	return count, nil
}

// LastAssistantText returns the text of the last assistant message in the
// transcript. Text blocks within one message are concatenated. A missing
// file or a transcript without assistant text returns "".
func LastAssistantText(path string) (string, error) {
	var last string
	err := forEachEntry(path, func(item entry) {
		if item.Type != "assistant" {
			return
		}
		msg, ok := decodeMessage(item.Message)
		if !ok || msg.Role != "assistant" {
			return
		}
		if text := flattenText(msg.Content); text != "" {
			last = text
		}
	})
	if err != nil {
		return "", err
	}
	return last, nil
}

// TaskPrompt returns the prompt of the most recent Task tool invocation in
// the parent transcript, or "" when no Task call exists.
func TaskPrompt(path string) (string, error) {
	var last string
	err := forEachEntry(path, func(item entry) {
		if item.Type != "assistant" {
			return
		}
		msg, ok := decodeMessage(item.Message)
		if !ok {
			return
		}
		for _, block := range decodeBlocks(msg.Content) {
			if block.Type != "tool_use" || block.Name != "Task" {
				continue
			}
			var input struct {
				Prompt string `json:"prompt"`
			}
			if err := json.Unmarshal(block.Input, &input); err != nil {
				continue
			}
			if input.Prompt != "" {
				last = input.Prompt
			}
		}
	})
	if err != nil {
		return "", err
	}
	return last, nil
}

// TaskResult returns the content of a Task tool result from the parent
// transcript. With a non-empty agentID only results whose text ends with an
// "agentId: <id>" line match; concurrent subagents all report through the
// same parent transcript, so the unfiltered last result may belong to a
// sibling. With an empty agentID the most recent Task result wins.
func TaskResult(path, agentID string) (string, error) {
	taskToolIDs, err := collectTaskToolIDs(path)
	if err != nil {
		return "", err
	}
	if len(taskToolIDs) == 0 {
		return "", nil
	}

	var agentPattern *regexp.Regexp
	if agentID != "" {
		agentPattern = regexp.MustCompile(`(?m)agentId:\s*` + regexp.QuoteMeta(agentID) + `\s*$`)
	}

	var lastResult, lastMatching string
	err = forEachEntry(path, func(item entry) {
		if item.Type != "user" {
			return
		}
		msg, ok := decodeMessage(item.Message)
		if !ok {
			return
		}
		for _, block := range decodeBlocks(msg.Content) {
			if block.Type != "tool_result" || !taskToolIDs[block.ToolUseID] {
				continue
			}
			content := flattenResultContent(block.Content)
			if content == "" {
				continue
			}
			lastResult = content
			if agentPattern != nil && agentPattern.MatchString(content) {
				lastMatching = content
			}
		}
	})
	if err != nil {
		return "", err
	}

	if agentID != "" {
		return lastMatching, nil
	}
	return lastResult, nil
}

// collectTaskToolIDs maps out which tool_use IDs belong to Task calls so
// tool_result blocks can be attributed on a second pass.
func collectTaskToolIDs(path string) (map[string]bool, error) {
	ids := make(map[string]bool)
	err := forEachEntry(path, func(item entry) {
		if item.Type != "assistant" {
			return
		}
		msg, ok := decodeMessage(item.Message)
		if !ok {
			return
		}
		for _, block := range decodeBlocks(msg.Content) {
			if block.Type == "tool_use" && block.Name == "Task" && block.ID != "" {
				ids[block.ID] = true
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// forEachEntry streams parseable entries to fn. A missing file is treated as
// an empty transcript.
func forEachEntry(path string, fn func(entry)) error {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open transcript %q: %w", path, err)
	}
	defer file.Close()

	scanner := newLineScanner(file)
	for scanner.Scan() {
		var item entry
		if err := json.Unmarshal(scanner.Bytes(), &item); err != nil {
			continue
		}
		fn(item)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan transcript %q: %w", path, err)
	}
	return nil
}

func newLineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	return scanner
}

func decodeMessage(raw json.RawMessage) (message, bool) {
	var msg message
	if len(raw) == 0 || json.Unmarshal(raw, &msg) != nil {
		return message{}, false
	}
	return msg, true
}

func decodeBlocks(raw json.RawMessage) []contentBlock {
	var blocks []contentBlock
	if len(raw) == 0 || json.Unmarshal(raw, &blocks) != nil {
		return nil
	}
	return blocks
}

// flattenText joins the text blocks of an assistant message. Content is
// either a plain string or an array of typed blocks.
func flattenText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain
	}

	var parts []string
	for _, block := range decodeBlocks(raw) {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "")
}

// flattenResultContent normalizes tool_result content, which is either a
// string or an array mixing typed text blocks and plain strings.
func flattenResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return ""
	}

	var parts []string
	for _, item := range items {
		var text string
		if err := json.Unmarshal(item, &text); err == nil {
			parts = append(parts, text)
			continue
		}
		var block contentBlock
		if err := json.Unmarshal(item, &block); err == nil && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "")
}

package usagewatcher

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"time"
)

// claudeLine is the subset of a Claude Code transcript JSONL line this
// watcher cares about.
type claudeLine struct {
	Timestamp string `json:"timestamp"`
	Message   struct {
		ID    string `json:"id"`
		Model string `json:"model"`
		Usage struct {
			InputTokens              int64 `json:"input_tokens"`
			OutputTokens             int64 `json:"output_tokens"`
			CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
			CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	RequestID string `json:"requestId"`
}

// codexLine is the subset of a Codex CLI session JSONL line this watcher
// cares about.
type codexLine struct {
	Timestamp string `json:"timestamp"`
	ID        string `json:"id"`
	Model     string `json:"model"`
	Usage     struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
		CachedTokens int64 `json:"cached_input_tokens"`
	} `json:"usage"`
}

func parseJSONLLine(kind AgentKind, path string, line []byte) (Entry, bool) {
	switch kind {
	case AgentClaudeCode:
		return parseClaudeLine(path, line)
	case AgentCodexCLI:
		return parseCodexLine(path, line)
	default:
		return Entry{}, false
	}
}

func parseClaudeLine(path string, line []byte) (Entry, bool) {
	var l claudeLine
	if err := json.Unmarshal(line, &l); err != nil {
		return Entry{}, false
	}
	if l.Message.ID == "" {
		return Entry{}, false
	}
	tokens := Tokens{
		Input:         l.Message.Usage.InputTokens,
		Output:        l.Message.Usage.OutputTokens,
		CacheCreation: l.Message.Usage.CacheCreationInputTokens,
		CacheRead:     l.Message.Usage.CacheReadInputTokens,
	}
	if !tokens.nonZero() {
		return Entry{}, false
	}
	return Entry{
		Timestamp:   parseTimestamp(l.Timestamp),
		AgentKind:   AgentClaudeCode,
		MessageID:   l.Message.ID,
		RequestID:   l.RequestID,
		Model:       l.Message.Model,
		Tokens:      tokens,
		ProjectPath: projectPathFromFile(path),
	}, true
}

func parseCodexLine(path string, line []byte) (Entry, bool) {
	var l codexLine
	if err := json.Unmarshal(line, &l); err != nil {
		return Entry{}, false
	}
	if l.ID == "" {
		return Entry{}, false
	}
	tokens := Tokens{
		Input:     l.Usage.InputTokens,
		Output:    l.Usage.OutputTokens,
		CacheRead: l.Usage.CachedTokens,
	}
	if !tokens.nonZero() {
		return Entry{}, false
	}
	return Entry{
		Timestamp:   parseTimestamp(l.Timestamp),
		AgentKind:   AgentCodexCLI,
		MessageID:   l.ID,
		Model:       l.Model,
		Tokens:      tokens,
		ProjectPath: projectPathFromFile(path),
	}, true
}

// openCodeSession is the subset of an OpenCode storage session file this
// watcher cares about: a session groups several assistant messages, each
// carrying its own usage figures.
type openCodeSession struct {
	ProjectPath string `json:"project_path"`
	Messages    []struct {
		ID        string `json:"id"`
		RequestID string `json:"request_id"`
		Model     string `json:"model"`
		Timestamp string `json:"timestamp"`
		Tokens    struct {
			Input  int64 `json:"input"`
			Output int64 `json:"output"`
			Cache  struct {
				Write int64 `json:"write"`
				Read  int64 `json:"read"`
			} `json:"cache"`
		} `json:"tokens"`
		CostUSD *float64 `json:"cost"`
	} `json:"messages"`
}

func parseOpenCodeFile(path string, data []byte) []Entry {
	var s openCodeSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil
	}

	projectPath := s.ProjectPath
	if projectPath == "" {
		projectPath = projectPathFromFile(path)
	}

	var entries []Entry
	for _, m := range s.Messages {
		if m.ID == "" {
			continue
		}
		tokens := Tokens{
			Input:         m.Tokens.Input,
			Output:        m.Tokens.Output,
			CacheCreation: m.Tokens.Cache.Write,
			CacheRead:     m.Tokens.Cache.Read,
		}
		if !tokens.nonZero() {
			continue
		}
		entries = append(entries, Entry{
			Timestamp:   parseTimestamp(m.Timestamp),
			AgentKind:   AgentOpenCode,
			MessageID:   m.ID,
			RequestID:   m.RequestID,
			Model:       m.Model,
			Tokens:      tokens,
			CostUSD:     m.CostUSD,
			ProjectPath: projectPath,
		})
	}
	return entries
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Now()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Now()
}

// projectPathFromFile derives a best-effort project path from the
// containing directory name when the entry itself doesn't carry one.
func projectPathFromFile(path string) string {
	dir := filepath.Dir(path)
	return strings.TrimSuffix(dir, string(filepath.Separator))
}

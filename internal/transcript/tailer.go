// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package transcript tails agent CLI transcript files: JSONL logs written
// incrementally by an external process that this one only ever reads.
package transcript

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/wingedpig/lattice/internal/session"
)

// Record is one assistant text message extracted from a transcript.
type Record struct {
	UUID      string
	Text      string
	Model     string
	Timestamp time.Time
}

// transcriptLine is the JSON structure of a single JSONL line.
type transcriptLine struct {
	Type      string          `json:"type"`
	UUID      string          `json:"uuid"`
	Message   *messagePayload `json:"message"`
	Timestamp string          `json:"timestamp"`
}

type messagePayload struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Model   string          `json:"model"`
}

// Tail reads transcript content past the cursor and returns newly completed
// assistant text records plus the advanced cursor. An unterminated final
// line is consumed if it already parses as JSON (the writer may have
// finished exactly at EOF); otherwise it is left for the next call, so
// calling Tail twice in a row is safe and the second call returns nothing
// new. A file smaller than the cursor offset was truncated or rotated and is
// re-read from the start. A missing file is empty, not an error.
func Tail(path string, cursor session.TranscriptCursor) ([]Record, session.TranscriptCursor, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cursor, nil
		}
		return nil, cursor, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, cursor, fmt.Errorf("stat transcript: %w", err)
	}

	offset := cursor.Offset
	if info.Size() < offset {
		log.Printf("transcript: %s shrank below offset %d, re-reading from start", path, offset)
		offset = 0
	}

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, cursor, fmt.Errorf("seek transcript: %w", err)
		}
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, cursor, fmt.Errorf("read transcript: %w", err)
	}

	// A trailing line without a newline is either finished exactly at EOF or
	// still being written. Parse decides: a valid JSON fragment is consumed,
	// anything else is held back for the next call.
	consumed := len(data)
	if consumed > 0 && data[consumed-1] != '\n' {
		i := bytes.LastIndexByte(data, '\n')
		var tl transcriptLine
		if json.Unmarshal(data[i+1:], &tl) != nil {
			consumed = i + 1
			data = data[:consumed]
		}
	}

	next := session.TranscriptCursor{
		LastUUID: cursor.LastUUID,
		Offset:   offset + int64(consumed),
	}

	// startAt trims records already delivered: after a truncation re-read,
	// everything up to and including the cursor marker is a replay. If the
	// marker never reappears the file is genuinely new content and nothing
	// is trimmed.
	var records []Record
	startAt := 0
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}

		var tl transcriptLine
		if err := json.Unmarshal(line, &tl); err != nil {
			log.Printf("transcript: skipping malformed line in %s: %v", path, err)
			continue
		}

		if tl.Message != nil && tl.Message.Role == "assistant" {
			if text := extractText(tl.Message.Content); text != "" {
				records = append(records, Record{
					UUID:      tl.UUID,
					Text:      text,
					Model:     tl.Message.Model,
					Timestamp: parseTimestamp(tl.Timestamp),
				})
			}
		}
		if cursor.LastUUID != "" && tl.UUID == cursor.LastUUID {
			startAt = len(records)
		}
	}

	records = records[startAt:]
	if len(records) > 0 && records[len(records)-1].UUID != "" {
		next.LastUUID = records[len(records)-1].UUID
	}
	return records, next, nil
}

// extractText pulls human-readable text from a message's content field.
// User messages carry a plain string; assistant messages carry an array of
// content blocks of which only the text blocks matter here.
func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []json.RawMessage
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}

	var parts []string
	for _, block := range blocks {
		var obj struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(block, &obj); err != nil {
			continue
		}
		if obj.Type == "text" && obj.Text != "" {
			parts = append(parts, obj.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func parseTimestamp(raw string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t
	}
	return time.Now().UTC()
}

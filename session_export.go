package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// ========================================
// Session Export/Import
// ========================================

const exportFormatVersion = 1

// SessionExport is the document written by ExportSession
type SessionExport struct {
	FormatVersion int            `json:"formatVersion"`
	AppVersion    string         `json:"appVersion"`
	ExportTime    int64          `json:"exportTime"` // Unix ms
	Session       SessionRecord  `json:"session"`
	Actions       []StoredAction `json:"actions"`
	Status        []StoredStatus `json:"status"`
}

// exportCodec picks the compression for path by extension: .br is brotli,
// .zst is zstd, anything else is plain JSON.
type exportCodec string

const (
	codecJSON   exportCodec = "json"
	codecBrotli exportCodec = "br"
	codecZstd   exportCodec = "zst"
)

func codecFor(path string) exportCodec {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".br":
		return codecBrotli
	case ".zst", ".zstd":
		return codecZstd
	default:
		return codecJSON
	}
}

// ExportSession writes a session with its actions and status signals to
// outputPath and returns the absolute path written
func ExportSession(store *EventStore, sessionID, outputPath string) (string, error) {
	session, err := store.GetSession(sessionID)
	if err != nil {
		return "", fmt.Errorf("failed to get session: %w", err)
	}
	actions, err := store.GetActions(sessionID, 0)
	if err != nil {
		return "", fmt.Errorf("failed to get actions: %w", err)
	}
	status, err := store.GetStatusEvents(sessionID)
	if err != nil {
		return "", fmt.Errorf("failed to get status events: %w", err)
	}

	doc := SessionExport{
		FormatVersion: exportFormatVersion,
		AppVersion:    Version,
		ExportTime:    time.Now().UnixMilli(),
		Session:       *session,
		Actions:       actions,
		Status:        status,
	}
	if doc.Actions == nil {
		doc.Actions = []StoredAction{}
	}
	if doc.Status == nil {
		doc.Status = []StoredStatus{}
	}

	absPath, err := filepath.Abs(outputPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	// Write to a temp file first so a failed export leaves nothing behind
	tmpPath := absPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("failed to create export file: %w", err)
	}
	if err := writeExport(f, codecFor(absPath), &doc); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	if err := os.Rename(tmpPath, absPath); err != nil {
		os.Remove(tmpPath)
		return "", err
	}

	LogInfo("export").
		Str("session", sessionID).
		Str("path", absPath).
		Int("actions", len(doc.Actions)).
		Msg("Session exported")
	return absPath, nil
}

func writeExport(w io.Writer, codec exportCodec, doc *SessionExport) error {
	var out io.WriteCloser
	switch codec {
	case codecBrotli:
		out = brotli.NewWriterLevel(w, brotli.DefaultCompression)
	case codecZstd:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		out = enc
	default:
		out = nopWriteCloser{w}
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		out.Close()
		return fmt.Errorf("failed to encode export: %w", err)
	}
	return out.Close()
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// ReadExport decodes a file written by ExportSession
func ReadExport(path string) (*SessionExport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var in io.Reader = f
	switch codecFor(path) {
	case codecBrotli:
		in = brotli.NewReader(f)
	case codecZstd:
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		defer dec.Close()
		in = dec
	}

	var doc SessionExport
	if err := json.NewDecoder(in).Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid export file: %w", err)
	}
	if doc.FormatVersion > exportFormatVersion {
		return nil, fmt.Errorf("unsupported export format version %d", doc.FormatVersion)
	}
	return &doc, nil
}

// ImportSession loads an export into the store. The session keeps its id;
// importing the same file twice fails on the duplicate key.
func ImportSession(store *EventStore, path string) (string, error) {
	doc, err := ReadExport(path)
	if err != nil {
		return "", err
	}

	rec := doc.Session
	if err := store.CreateSession(&rec); err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	if !rec.Active() {
		_, err := store.db.Exec(
			`UPDATE sessions SET ended_at = ?, outcome = ?, message = ?, cycles = ?, attempts = ? WHERE id = ?`,
			rec.EndedAt, rec.Outcome, rec.Message, rec.Cycles, rec.Attempts, rec.ID,
		)
		if err != nil {
			return "", fmt.Errorf("failed to restore session result: %w", err)
		}
	}

	store.writeBufferMu.Lock()
	store.writeBuffer = append(store.writeBuffer, doc.Actions...)
	store.writeBufferMu.Unlock()
	store.Flush()

	for _, st := range doc.Status {
		if _, err := store.stmtInsertStatus.Exec(rec.ID, st.Time, st.Signal, st.Outcome, st.Message); err != nil {
			return "", fmt.Errorf("failed to import status: %w", err)
		}
	}

	LogInfo("export").Str("session", rec.ID).Str("path", path).Msg("Session imported")
	return rec.ID, nil
}

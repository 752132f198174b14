// Package decisionlog appends every decision to an audit CSV file.
//
// The column layout is fixed; arrays are semicolon-joined and free-text
// fields are quoted with internal quotes doubled. Appends are serialised
// so rows are never interleaved.
package decisionlog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"krakenbot/pkg/types"
)

// header is the fixed first row of the audit file.
const header = "timestamp,pair,action,size_pct,entry_type,entry_offset_bps,stop_atr,tp_atr,followups,comment,price,confluence_score,volatility_regime,trend_regime,momentum_regime,reasons,dry_run"

// Record is one audited decision with its context.
type Record struct {
	Timestamp time.Time
	Pair      string
	Decision  types.Decision
	Price     float64
	Snapshot  *types.FeatureSnapshot
	Reasons   []string
	DryRun    bool
}

// Sink appends records to the audit file.
type Sink struct {
	mu     sync.Mutex
	f      *os.File
	logger *slog.Logger
}

// Open creates or reopens the audit file, writing the header row when
// the file is new or empty.
func Open(path string, logger *slog.Logger) (*Sink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open decision log: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat decision log: %w", err)
	}
	if info.Size() == 0 {
		if _, err := f.WriteString(header + "\n"); err != nil {
			f.Close()
			return nil, fmt.Errorf("write header: %w", err)
		}
	}
	return &Sink{f: f, logger: logger.With("component", "decisionlog")}, nil
}

// Close flushes and closes the file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// Append writes one record as a single CSV row.
func (s *Sink) Append(rec Record) error {
	row := encodeRow(rec)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.WriteString(row + "\n"); err != nil {
		return fmt.Errorf("append decision: %w", err)
	}
	return nil
}

func encodeRow(rec Record) string {
	d := rec.Decision

	var entryType, entryOffset string
	if d.Entry != nil {
		entryType = string(d.Entry.Type)
		entryOffset = formatFloat(d.Entry.OffsetBps)
	}

	var score int
	var vol, trend, mom string
	if rec.Snapshot != nil {
		score = rec.Snapshot.Confluence.Score
		vol = string(rec.Snapshot.Regime.Volatility)
		trend = string(rec.Snapshot.Regime.Trend)
		mom = string(rec.Snapshot.Regime.Momentum)
	}

	fields := []string{
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.Pair,
		string(d.Action),
		formatOptFloat(d.SizePct),
		entryType,
		entryOffset,
		formatOptFloat(d.StopATR),
		formatOptFloat(d.TPATR),
		strings.Join(d.Followups, ";"),
		d.Comment,
		formatFloat(rec.Price),
		strconv.Itoa(score),
		vol,
		trend,
		mom,
		strings.Join(rec.Reasons, ";"),
		strconv.FormatBool(rec.DryRun),
	}

	for i, f := range fields {
		fields[i] = escapeField(f)
	}
	return strings.Join(fields, ",")
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func formatOptFloat(f *float64) string {
	if f == nil {
		return ""
	}
	return formatFloat(*f)
}

// escapeField quotes a field containing quotes, commas or newlines,
// doubling any internal quotes.
func escapeField(s string) string {
	if !strings.ContainsAny(s, "\",\n") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// unescapeField reverses escapeField.
func unescapeField(s string) string {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return s
	}
	return strings.ReplaceAll(s[1:len(s)-1], `""`, `"`)
}

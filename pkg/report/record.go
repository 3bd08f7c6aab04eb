package report

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// Status is the outcome of one backup attempt as persisted in the report.
type Status int

const (
	StatusSuccess Status = iota
	StatusFailure
)

var statusToString = map[Status]string{
	StatusSuccess: "sucesso",
	StatusFailure: "falha",
}

var stringToStatus = util.InvertMap(statusToString)

// String returns the persisted name of the status.
func (s Status) String() string {
	if str, ok := statusToString[s]; ok {
		return str
	}
	return fmt.Sprintf("unknown_status(%d)", s)
}

// MarshalJSON implements the json.Marshaler interface for Status.
func (s Status) MarshalJSON() ([]byte, error) {
	str, ok := statusToString[s]
	if !ok {
		return nil, fmt.Errorf("invalid status %d", s)
	}
	return json.Marshal(str)
}

// UnmarshalJSON implements the json.Unmarshaler interface for Status.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("status should be a string, got %s", data)
	}
	status, ok := stringToStatus[str]
	if !ok {
		return fmt.Errorf("invalid status %q", str)
	}
	*s = status
	return nil
}

// Timestamp is a point in time persisted as an ISO-8601 UTC string with
// millisecond precision.
type Timestamp time.Time

func (ts Timestamp) Time() time.Time { return time.Time(ts) }

func (ts Timestamp) String() string { return util.FormatISOTime(time.Time(ts)) }

// MarshalJSON implements the json.Marshaler interface for Timestamp.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(ts.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for Timestamp.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("timestamp should be a string, got %s", data)
	}
	t, err := time.Parse(time.RFC3339Nano, str)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", str, err)
	}
	*ts = Timestamp(t)
	return nil
}

// Record is the outcome of one backup. Records are immutable once created.
type Record struct {
	Path   string    `json:"arquivo"`
	Status Status    `json:"status"`
	Time   Timestamp `json:"dataBackup"`
}

// NewRecord returns a record for relPath at t.
func NewRecord(relPath string, status Status, t time.Time) Record {
	return Record{Path: relPath, Status: status, Time: Timestamp(t)}
}

// Ledger is the append-only, process-lifetime sequence of records. It is safe
// for concurrent use; records are kept in append order.
type Ledger struct {
	mu      sync.Mutex
	records []Record
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{records: []Record{}}
}

// Append adds r to the end of the ledger.
func (l *Ledger) Append(r Record) {
	l.mu.Lock()
	l.records = append(l.records, r)
	l.mu.Unlock()
}

// Snapshot returns a copy of all records appended so far.
func (l *Ledger) Snapshot() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// Len returns the number of records.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

package chain

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Issue severities, ordered from worst to mildest.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Issue types.
const (
	IssueGap             = "gap"
	IssueHashMismatch    = "hash-mismatch"
	IssueChainBreak      = "chain-break"
	IssueTimestampSkew   = "timestamp-skew"
	IssueAlgorithmChange = "algorithm-change"
)

// timestampTolerance is how far a chain clock may move backwards before
// the verifier reports a skew.
const timestampTolerance = time.Second

// Issue is a single integrity finding.
type Issue struct {
	Sequence int64  `json:"sequence"`
	Severity string `json:"severity"`
	Type     string `json:"type"`
	Message  string `json:"message"`
}

// SequenceRange is the inclusive window of sequences observed.
type SequenceRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// TimeRange spans the first and last entry timestamps observed.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Stats summarizes what the verifier looked at.
type Stats struct {
	TotalEntries      int64          `json:"totalEntries"`
	EntriesVerified   int64          `json:"entriesVerified"`
	SequenceRange     *SequenceRange `json:"sequenceRange,omitempty"`
	TimeRange         *TimeRange     `json:"timeRange,omitempty"`
	ContinuityPercent float64        `json:"continuityPercent"`
	GapsDetected      int            `json:"gapsDetected"`
	MissingEntries    int64          `json:"missingEntries"`
	AlgorithmsUsed    []string       `json:"algorithmsUsed"`
}

// EntryDetail is per-entry verification output, emitted only on request.
type EntryDetail struct {
	Sequence  int64  `json:"sequence"`
	EntryID   string `json:"entryId"`
	ContentOK bool   `json:"contentOk"`
	LinkOK    bool   `json:"linkOk"`
}

// Report is the outcome of one verification pass.
type Report struct {
	TenantID     string        `json:"tenantId"`
	VerifiedAt   time.Time     `json:"verifiedAt"`
	Valid        bool          `json:"valid"`
	Summary      string        `json:"summary"`
	Stats        Stats         `json:"stats"`
	Issues       []Issue       `json:"issues"`
	EntryDetails []EntryDetail `json:"entryDetails,omitempty"`
}

// VerifyOptions narrows and tunes a verification pass. Nil sequence
// bounds mean unbounded.
type VerifyOptions struct {
	StartSequence       *int64
	EndSequence         *int64
	MaxEntries          int
	VerifyTimestamps    bool
	IncludeEntryDetails bool
	StopOnFirstError    bool
}

// Health is the fast chain summary.
type Health struct {
	TenantID     string     `json:"tenantId"`
	TotalEntries int64      `json:"totalEntries"`
	HeadSequence int64      `json:"headSequence"`
	LastEntryAt  *time.Time `json:"lastEntryAt,omitempty"`
	TailValid    bool       `json:"tailValid"`
}

// healthTailWindow is how many trailing entries GetChainHealth rechecks.
const healthTailWindow = 32

// Verifier replays chains and reports integrity findings.
type Verifier struct {
	store Store
	now   func() time.Time
}

// NewVerifier creates a verifier over store.
func NewVerifier(store Store, opts ...VerifierOption) *Verifier {
	v := &Verifier{store: store, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithVerifierClock overrides the report timestamp source.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// Verify replays the selected window of the tenant's chain, recomputing
// every content hash and chain link.
//
// A gap resets the link expectation: the entry after a gap cannot have
// its prevHash checked against a missing predecessor, so only the gap
// itself is reported.
func (v *Verifier) Verify(ctx context.Context, tenantID string, opts VerifyOptions) (Report, error) {
	w := AllEntries()
	if opts.StartSequence != nil {
		w.Start = *opts.StartSequence
	}
	if opts.EndSequence != nil {
		w.End = *opts.EndSequence
	}
	w.Max = opts.MaxEntries

	entries, err := v.store.Entries(ctx, tenantID, w)
	if err != nil {
		return Report{}, err
	}

	report := Report{
		TenantID:   tenantID,
		VerifiedAt: v.now().UTC(),
		Valid:      true,
		Issues:     []Issue{},
	}
	report.Stats.TotalEntries = int64(len(entries))
	if len(entries) == 0 {
		report.Summary = "empty chain: nothing to verify"
		report.Stats.ContinuityPercent = 100
		report.Stats.AlgorithmsUsed = []string{}
		return report, nil
	}

	algorithms := map[string]bool{}
	var prev *Entry
	afterGap := false

	for i := range entries {
		e := entries[i]
		algorithms[e.Algorithm] = true
		detail := EntryDetail{Sequence: e.Sequence, EntryID: e.EntryID, ContentOK: true, LinkOK: true}

		recomputed, err := ContentHash(AlgorithmSHA256, e.Payload)
		if err != nil {
			return Report{}, fmt.Errorf("chain: verify entry %d: %w", e.Sequence, err)
		}
		if recomputed != e.ContentHash {
			detail.ContentOK = false
			report.addIssue(Issue{
				Sequence: e.Sequence,
				Severity: SeverityCritical,
				Type:     IssueHashMismatch,
				Message:  fmt.Sprintf("content hash mismatch at sequence %d: stored %s, recomputed %s", e.Sequence, e.ContentHash, recomputed),
			})
		}

		if prev == nil {
			// Nothing to link against: either the genesis entry or the
			// start of a requested sub-window.
			if e.Sequence == 0 && e.PrevHash != GenesisPrevHash {
				detail.LinkOK = false
				report.addIssue(Issue{
					Sequence: e.Sequence,
					Severity: SeverityCritical,
					Type:     IssueChainBreak,
					Message:  fmt.Sprintf("genesis entry carries prev hash %s, want %s", e.PrevHash, GenesisPrevHash),
				})
			}
		} else {
			if jump := e.Sequence - prev.Sequence; jump > 1 {
				afterGap = true
				report.Stats.GapsDetected++
				report.Stats.MissingEntries += jump - 1
				report.addIssue(Issue{
					Sequence: e.Sequence,
					Severity: SeverityHigh,
					Type:     IssueGap,
					Message:  fmt.Sprintf("sequence gap: %d entries missing between %d and %d", jump-1, prev.Sequence, e.Sequence),
				})
			}
			if !afterGap {
				// Recompute the link from the recomputed content hash so a
				// tampered predecessor also breaks the chain here.
				expected := canonicalLink(recomputedOrStored(*prev), prev.PrevHash)
				if e.PrevHash != expected {
					detail.LinkOK = false
					report.addIssue(Issue{
						Sequence: e.Sequence,
						Severity: SeverityCritical,
						Type:     IssueChainBreak,
						Message:  fmt.Sprintf("chain break at sequence %d: prev hash %s does not match predecessor", e.Sequence, e.PrevHash),
					})
				}
			}
			afterGap = false

			if opts.VerifyTimestamps && e.Timestamp.Before(prev.Timestamp.Add(-timestampTolerance)) {
				report.addIssue(Issue{
					Sequence: e.Sequence,
					Severity: SeverityMedium,
					Type:     IssueTimestampSkew,
					Message:  fmt.Sprintf("timestamp at sequence %d precedes sequence %d by more than %s", e.Sequence, prev.Sequence, timestampTolerance),
				})
			}

			if e.Algorithm != prev.Algorithm && !isResealEntry(e) {
				report.addIssue(Issue{
					Sequence: e.Sequence,
					Severity: SeverityLow,
					Type:     IssueAlgorithmChange,
					Message:  fmt.Sprintf("algorithm changed from %s to %s without a re-seal entry", prev.Algorithm, e.Algorithm),
				})
			}
		}

		report.Stats.EntriesVerified++
		if opts.IncludeEntryDetails {
			report.EntryDetails = append(report.EntryDetails, detail)
		}
		prev = &entries[i]

		if opts.StopOnFirstError && len(report.Issues) > 0 {
			break
		}
	}

	first, last := entries[0], entries[len(entries)-1]
	report.Stats.SequenceRange = &SequenceRange{Start: first.Sequence, End: last.Sequence}
	if opts.VerifyTimestamps {
		report.Stats.TimeRange = &TimeRange{Start: first.Timestamp, End: last.Timestamp}
	}
	span := last.Sequence - first.Sequence + 1
	report.Stats.ContinuityPercent = 100 * float64(span-report.Stats.MissingEntries) / float64(span)
	for a := range algorithms {
		report.Stats.AlgorithmsUsed = append(report.Stats.AlgorithmsUsed, a)
	}
	sort.Strings(report.Stats.AlgorithmsUsed)

	if report.Valid {
		report.Summary = fmt.Sprintf("chain valid: %d entries verified", report.Stats.EntriesVerified)
	} else {
		report.Summary = fmt.Sprintf("chain invalid: %d issues across %d entries", len(report.Issues), report.Stats.EntriesVerified)
	}
	return report, nil
}

func (r *Report) addIssue(i Issue) {
	r.Issues = append(r.Issues, i)
	// Medium and low findings are advisories and do not invalidate
	// the chain on their own.
	if i.Severity == SeverityCritical || i.Severity == SeverityHigh {
		r.Valid = false
	}
}

// recomputedOrStored returns the content hash the verifier trusts for
// link recomputation. The stored hash is only trusted if it matches the
// payload, otherwise the recomputed value is used so the break
// propagates to the successor.
func recomputedOrStored(e Entry) string {
	recomputed, err := ContentHash(AlgorithmSHA256, e.Payload)
	if err != nil {
		return e.ContentHash
	}
	return recomputed
}

func canonicalLink(contentHash, prevHash string) string {
	return LinkHash(Entry{ContentHash: contentHash, PrevHash: prevHash})
}

// IsChainValid is the boolean shortcut over Verify with defaults.
func (v *Verifier) IsChainValid(ctx context.Context, tenantID string) (bool, error) {
	report, err := v.Verify(ctx, tenantID, VerifyOptions{})
	if err != nil {
		return false, err
	}
	return report.Valid, nil
}

// GetChainHealth reports chain size and head position, rechecking only
// the trailing entries for integrity.
func (v *Verifier) GetChainHealth(ctx context.Context, tenantID string) (Health, error) {
	count, err := v.store.Count(ctx, tenantID)
	if err != nil {
		return Health{}, err
	}
	head, err := v.store.Head(ctx, tenantID)
	if err != nil {
		return Health{}, err
	}
	h := Health{TenantID: tenantID, TotalEntries: count, HeadSequence: -1, TailValid: true}
	if head == nil {
		return h, nil
	}
	h.HeadSequence = head.Sequence
	at := head.Timestamp
	h.LastEntryAt = &at

	start := head.Sequence - healthTailWindow + 1
	if start < 0 {
		start = 0
	}
	report, err := v.Verify(ctx, tenantID, VerifyOptions{StartSequence: &start})
	if err != nil {
		return Health{}, err
	}
	h.TailValid = report.Valid
	return h, nil
}

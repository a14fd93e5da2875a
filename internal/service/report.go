package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/coldchain/coldchain-ledger/internal/ledger"
)

// CustodyReport renders a batch and its audit trail as markdown.
func CustodyReport(b ledger.Batch, entries []ledger.AuditEntry, threshold float64) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("# Batch %d Custody Report\n\n", b.ID))
	sb.WriteString(fmt.Sprintf("- Created: %s\n", b.CreatedAt.Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("- Originator: %s\n", b.Originator))
	sb.WriteString(fmt.Sprintf("- Current owner: %s\n", b.Owner))
	sb.WriteString(fmt.Sprintf("- Status: **%s**\n", b.Status))
	sb.WriteString(fmt.Sprintf("- Compromised: %s\n", yesNo(b.Compromised)))
	sb.WriteString(fmt.Sprintf("- Safety threshold: %.2f C\n", threshold))

	var readings, breaches, handovers int
	var peak *float64
	for _, e := range entries {
		switch e.Kind {
		case ledger.KindBreach:
			breaches++
		case ledger.KindHandover:
			handovers++
		}
		if e.Reading != nil {
			readings++
			if peak == nil || *e.Reading > *peak {
				v := *e.Reading
				peak = &v
			}
		}
	}
	sb.WriteString("\n## Summary\n\n")
	sb.WriteString(fmt.Sprintf("- Entries: %d\n", len(entries)))
	sb.WriteString(fmt.Sprintf("- Readings: %d\n", readings))
	sb.WriteString(fmt.Sprintf("- Breach entries: %d\n", breaches))
	sb.WriteString(fmt.Sprintf("- Handovers: %d\n", handovers))
	if peak != nil {
		sb.WriteString(fmt.Sprintf("- Peak reading: %.2f C\n", *peak))
	}

	sb.WriteString("\n## Audit Trail\n\n")
	sb.WriteString("| # | Time | Kind | Actor | Reading | Custodian | Status | Details |\n")
	sb.WriteString("|---|---|---|---|---|---|---|---|\n")
	for _, e := range entries {
		reading := "-"
		if e.Reading != nil {
			reading = fmt.Sprintf("%.2f", *e.Reading)
		}
		sb.WriteString(fmt.Sprintf("| %d | %s | %s | %s | %s | %s | %s | %s |\n",
			e.Index, e.Timestamp.Format(time.RFC3339), e.Kind, e.Actor, reading, e.Custodian, e.Status, cell(e.Details)))
	}
	return sb.String()
}

func (s *LedgerService) Report(batchID uint64) (string, error) {
	b, entries, err := s.engine.History(batchID)
	if err != nil {
		return "", FromLedgerError("batch report", err)
	}
	return CustodyReport(b, entries, s.engine.Threshold()), nil
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func cell(s string) string {
	return strings.NewReplacer("|", "\\|", "\n", " ").Replace(s)
}

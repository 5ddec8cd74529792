package auth

import (
	"context"
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"

	"idsync.org/internal/obs"
)

// EmployeeIDs allocates role-prefixed employee identifiers from per-role
// store counters. Values are formatted prefix + at least two digits.
type EmployeeIDs struct {
	log *logrus.Entry
}

func newEmployeeIDs() *EmployeeIDs {
	return &EmployeeIDs{log: obs.Logger().WithField("component", "employee_ids")}
}

// FormatEmployeeID renders counter n for role.
func FormatEmployeeID(role Role, n int64) string {
	return fmt.Sprintf("%s%02d", role.EmployeePrefix(), n)
}

// PlaceholderEmployeeID is assigned when the counter cannot be advanced.
func PlaceholderEmployeeID(role Role) string {
	return role.EmployeePrefix() + "01"
}

// Next advances the counter for role. Identity creation never fails on
// numbering: when the counter is unreachable the placeholder is returned and
// degraded is true.
func (e *EmployeeIDs) Next(ctx context.Context, seq SequenceStore, role Role) (id string, degraded bool) {
	n, err := seq.Next(ctx, role.sequenceName())
	if err != nil {
		id = PlaceholderEmployeeID(role)
		obs.EmployeeIDFallbacks.WithLabelValues(string(role)).Inc()
		e.log.WithError(err).WithFields(logrus.Fields{
			"role":        role,
			"employee_id": id,
		}).Warn("employee id counter unavailable, assigned placeholder")
		return id, true
	}
	return FormatEmployeeID(role, n), false
}

// Compact renumbers table's surrogate keys densely. Employee ids are never touched.
func (e *EmployeeIDs) Compact(ctx context.Context, seq SequenceStore, table string) (int64, error) {
	if !slices.Contains(CompactableTables, table) {
		return 0, invalid("table", fmt.Sprintf("unknown table %q", table))
	}
	n, err := seq.Compact(ctx, table)
	if err != nil {
		return 0, fmt.Errorf("compact %s: %w", table, err)
	}
	e.log.WithFields(logrus.Fields{"table": table, "rows": n}).Info("table compacted")
	return n, nil
}

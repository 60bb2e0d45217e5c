package sqlite

import (
	"database/sql"
	"time"
)

// Timestamps are stored as RFC3339 TEXT. The driver auto-converts only for
// columns declared DATETIME, so scanning goes through NullString and these
// helpers to stay driver-agnostic.

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTimeString(s string) time.Time {
	for _, layout := range []string{timeLayout, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func parseNullableTimeString(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTimeString(ns.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func stringOrEmpty(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func int64OrZero(ni sql.NullInt64) int64 {
	if ni.Valid {
		return ni.Int64
	}
	return 0
}

// epochMillisPtr converts a nullable INTEGER epoch-ms column to *time.Time.
func epochMillisPtr(ni sql.NullInt64) *time.Time {
	if !ni.Valid {
		return nil
	}
	t := time.UnixMilli(ni.Int64).UTC()
	return &t
}

// toEpochMillis converts *time.Time to a nullable epoch-ms value.
func toEpochMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

package postgres

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/uptrace/bun"

	"turnos/backend/internal/domain"
	"turnos/backend/internal/store"
)

// Runs against a throwaway schema in the database named by
// TURNOS_TEST_DATABASE_URL; skipped otherwise. The pool is pinned to one
// connection so the per-session search_path sticks.
func TestPostgresIntegration_BookingOverlapIdempotencyAndExpiry(t *testing.T) {
	databaseURL := strings.TrimSpace(os.Getenv("TURNOS_TEST_DATABASE_URL"))
	if databaseURL == "" {
		t.Skip("TURNOS_TEST_DATABASE_URL not set")
	}

	db, err := Open(databaseURL, PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() {
		_ = Close(db)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	schema := "turnos_test_" + randomHex(t, 8)
	if _, err := db.NewRaw("CREATE SCHEMA " + schema).Exec(ctx); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cleanupCancel()
		_, _ = db.NewRaw("DROP SCHEMA IF EXISTS " + schema + " CASCADE").Exec(cleanupCtx)
	})
	if _, err := db.NewRaw("SET search_path TO " + schema + ", public").Exec(ctx); err != nil {
		t.Fatalf("set search_path: %v", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	schedules := NewScheduleRepo(db)
	appointments := NewAppointmentRepo(db)

	providerID := "prov-itest"
	subjectID := "subj-itest"

	t.Run("schedule config and exceptions", func(t *testing.T) {
		if _, err := schedules.GetConfig(ctx, providerID); err != store.ErrNotFound {
			t.Fatalf("GetConfig err = %v, want ErrNotFound", err)
		}

		cfg, err := schedules.UpsertConfig(ctx, domain.SchedulingConfig{
			ProviderID:          providerID,
			SlotDurationMinutes: 30,
			LeadTimeHours:       0,
			HorizonDays:         60,
			Timezone:            "America/Argentina/Buenos_Aires",
		})
		if err != nil {
			t.Fatalf("UpsertConfig error: %v", err)
		}
		if cfg.SlotDurationMinutes != 30 {
			t.Fatalf("stored duration = %d, want 30", cfg.SlotDurationMinutes)
		}

		rules, err := schedules.ReplaceRules(ctx, providerID, []domain.WeeklyRule{
			{ProviderID: providerID, Weekday: 1, StartTime: "09:00", EndTime: "12:00", Active: true},
			{ProviderID: providerID, Weekday: 2, StartTime: "14:00", EndTime: "18:00", Active: true},
		})
		if err != nil {
			t.Fatalf("ReplaceRules error: %v", err)
		}
		if len(rules) != 2 {
			t.Fatalf("rules = %d, want 2", len(rules))
		}

		rules, err = schedules.ReplaceRules(ctx, providerID, []domain.WeeklyRule{
			{ProviderID: providerID, Weekday: 1, StartTime: "10:00", EndTime: "13:00", Active: true},
		})
		if err != nil {
			t.Fatalf("second ReplaceRules error: %v", err)
		}
		if len(rules) != 1 {
			t.Fatalf("rules after replace = %d, want 1", len(rules))
		}

		if _, err := schedules.CreateException(ctx, domain.DateException{
			ProviderID: providerID,
			Date:       "2026-03-16",
			Kind:       domain.ExceptionKindClosed,
		}); err != nil {
			t.Fatalf("CreateException error: %v", err)
		}
		_, err = schedules.CreateException(ctx, domain.DateException{
			ProviderID: providerID,
			Date:       "2026-03-16",
			Kind:       domain.ExceptionKindCustom,
			Windows:    []domain.TimeWindow{{Start: "09:00", End: "10:00"}},
		})
		if err != store.ErrConflict {
			t.Fatalf("duplicate exception err = %v, want ErrConflict", err)
		}
	})

	start := time.Date(2026, 3, 16, 12, 0, 0, 0, time.UTC)
	deadline := time.Now().UTC().Add(30 * time.Minute)

	t.Run("booking overlap and idempotency", func(t *testing.T) {
		appt, attempt, err := appointments.CreateBooking(ctx,
			domain.Appointment{
				ProviderID:      providerID,
				SubjectID:       subjectID,
				StartTime:       start,
				EndTime:         start.Add(30 * time.Minute),
				Status:          domain.AppointmentStatusPendingPayment,
				PaymentDeadline: deadline,
			},
			domain.PaymentAttempt{
				Kind:           domain.PaymentKindAppointment,
				SubjectID:      subjectID,
				Status:         domain.PaymentStatusPending,
				Amount:         5000,
				Currency:       "ARS",
				IdempotencyKey: "itest-key-1",
				PreferenceID:   "pref-1",
				ExpiresAt:      deadline,
			},
		)
		if err != nil {
			t.Fatalf("CreateBooking error: %v", err)
		}
		if attempt.AppointmentID == nil || *attempt.AppointmentID != appt.ID {
			t.Fatalf("attempt not linked to appointment")
		}

		_, _, err = appointments.CreateBooking(ctx,
			domain.Appointment{
				ProviderID:      providerID,
				SubjectID:       "subj-other",
				StartTime:       start.Add(15 * time.Minute),
				EndTime:         start.Add(45 * time.Minute),
				Status:          domain.AppointmentStatusPendingPayment,
				PaymentDeadline: deadline,
			},
			domain.PaymentAttempt{
				Kind:      domain.PaymentKindAppointment,
				SubjectID: "subj-other",
				Status:    domain.PaymentStatusPending,
				Amount:    5000,
				Currency:  "ARS",
				ExpiresAt: deadline,
			},
		)
		if err != store.ErrConflict {
			t.Fatalf("overlap err = %v, want ErrConflict", err)
		}

		// Same key on a different slot: the attempt insert must trip the
		// partial unique index and roll back the whole booking.
		_, _, err = appointments.CreateBooking(ctx,
			domain.Appointment{
				ProviderID:      providerID,
				SubjectID:       subjectID,
				StartTime:       start.Add(time.Hour),
				EndTime:         start.Add(90 * time.Minute),
				Status:          domain.AppointmentStatusPendingPayment,
				PaymentDeadline: deadline,
			},
			domain.PaymentAttempt{
				Kind:           domain.PaymentKindAppointment,
				SubjectID:      subjectID,
				Status:         domain.PaymentStatusPending,
				Amount:         5000,
				Currency:       "ARS",
				IdempotencyKey: "itest-key-1",
				ExpiresAt:      deadline,
			},
		)
		if err != store.ErrIdempotencyConflict {
			t.Fatalf("idempotency err = %v, want ErrIdempotencyConflict", err)
		}

		found, err := appointments.FindAttemptByKey(ctx, subjectID, domain.PaymentKindAppointment, "itest-key-1")
		if err != nil {
			t.Fatalf("FindAttemptByKey error: %v", err)
		}
		if found.PreferenceID != "pref-1" {
			t.Fatalf("found preference = %q, want pref-1", found.PreferenceID)
		}

		// Back to back is allowed.
		_, _, err = appointments.CreateBooking(ctx,
			domain.Appointment{
				ProviderID:      providerID,
				SubjectID:       "subj-other",
				StartTime:       start.Add(30 * time.Minute),
				EndTime:         start.Add(time.Hour),
				Status:          domain.AppointmentStatusPendingPayment,
				PaymentDeadline: deadline,
			},
			domain.PaymentAttempt{
				Kind:      domain.PaymentKindAppointment,
				SubjectID: "subj-other",
				Status:    domain.PaymentStatusPending,
				Amount:    5000,
				Currency:  "ARS",
				ExpiresAt: deadline,
			},
		)
		if err != nil {
			t.Fatalf("adjacent CreateBooking error: %v", err)
		}
	})

	t.Run("expiry sweep frees the slot", func(t *testing.T) {
		overdue := time.Date(2026, 3, 17, 15, 0, 0, 0, time.UTC)
		appt, _, err := appointments.CreateBooking(ctx,
			domain.Appointment{
				ProviderID:      providerID,
				SubjectID:       subjectID,
				StartTime:       overdue,
				EndTime:         overdue.Add(30 * time.Minute),
				Status:          domain.AppointmentStatusPendingPayment,
				PaymentDeadline: time.Now().UTC().Add(-time.Minute),
			},
			domain.PaymentAttempt{
				Kind:      domain.PaymentKindAppointment,
				SubjectID: subjectID,
				Status:    domain.PaymentStatusPending,
				Amount:    5000,
				Currency:  "ARS",
				ExpiresAt: time.Now().UTC().Add(-time.Minute),
			},
		)
		if err != nil {
			t.Fatalf("CreateBooking error: %v", err)
		}

		n, err := appointments.ExpireOverdue(ctx, store.Scope{ProviderID: providerID}, time.Now().UTC())
		if err != nil {
			t.Fatalf("ExpireOverdue error: %v", err)
		}
		if n != 1 {
			t.Fatalf("expired = %d, want 1", n)
		}

		got, err := appointments.GetAppointment(ctx, appt.ID)
		if err != nil {
			t.Fatalf("GetAppointment error: %v", err)
		}
		if got.Status != domain.AppointmentStatusCancelled {
			t.Fatalf("status = %q, want cancelled", got.Status)
		}
		if got.CancelReason != domain.CancelReasonPaymentExpired {
			t.Fatalf("reason = %q, want %q", got.CancelReason, domain.CancelReasonPaymentExpired)
		}

		// The freed slot is bookable again.
		_, _, err = appointments.CreateBooking(ctx,
			domain.Appointment{
				ProviderID:      providerID,
				SubjectID:       "subj-other",
				StartTime:       overdue,
				EndTime:         overdue.Add(30 * time.Minute),
				Status:          domain.AppointmentStatusPendingPayment,
				PaymentDeadline: time.Now().UTC().Add(30 * time.Minute),
			},
			domain.PaymentAttempt{
				Kind:      domain.PaymentKindAppointment,
				SubjectID: "subj-other",
				Status:    domain.PaymentStatusPending,
				Amount:    5000,
				Currency:  "ARS",
				ExpiresAt: time.Now().UTC().Add(30 * time.Minute),
			},
		)
		if err != nil {
			t.Fatalf("rebooking freed slot error: %v", err)
		}
	})

	t.Run("expiry fires at the deadline instant", func(t *testing.T) {
		at := time.Date(2026, 3, 17, 16, 0, 0, 0, time.UTC)
		deadline := time.Now().UTC().Truncate(time.Microsecond)
		appt, _, err := appointments.CreateBooking(ctx,
			domain.Appointment{
				ProviderID:      providerID,
				SubjectID:       subjectID,
				StartTime:       at,
				EndTime:         at.Add(30 * time.Minute),
				Status:          domain.AppointmentStatusPendingPayment,
				PaymentDeadline: deadline,
			},
			domain.PaymentAttempt{
				Kind:      domain.PaymentKindAppointment,
				SubjectID: subjectID,
				Status:    domain.PaymentStatusPending,
				Amount:    5000,
				Currency:  "ARS",
				ExpiresAt: deadline,
			},
		)
		if err != nil {
			t.Fatalf("CreateBooking error: %v", err)
		}

		// deadline == now counts as overdue.
		got, err := appointments.ExpireAppointment(ctx, appt.ID, deadline)
		if err != nil {
			t.Fatalf("ExpireAppointment error: %v", err)
		}
		if got.Status != domain.AppointmentStatusCancelled {
			t.Fatalf("status = %q, want cancelled", got.Status)
		}
		if got.CancelReason != domain.CancelReasonPaymentExpired {
			t.Fatalf("reason = %q, want %q", got.CancelReason, domain.CancelReasonPaymentExpired)
		}
	})

	t.Run("cancel is terminal", func(t *testing.T) {
		at := time.Date(2026, 3, 18, 15, 0, 0, 0, time.UTC)
		appt, _, err := appointments.CreateBooking(ctx,
			domain.Appointment{
				ProviderID:      providerID,
				SubjectID:       subjectID,
				StartTime:       at,
				EndTime:         at.Add(30 * time.Minute),
				Status:          domain.AppointmentStatusPendingPayment,
				PaymentDeadline: time.Now().UTC().Add(30 * time.Minute),
			},
			domain.PaymentAttempt{
				Kind:      domain.PaymentKindAppointment,
				SubjectID: subjectID,
				Status:    domain.PaymentStatusPending,
				Amount:    5000,
				Currency:  "ARS",
				ExpiresAt: time.Now().UTC().Add(30 * time.Minute),
			},
		)
		if err != nil {
			t.Fatalf("CreateBooking error: %v", err)
		}

		cancelled, err := appointments.CancelAppointment(ctx, appt.ID, "changed plans", time.Now().UTC())
		if err != nil {
			t.Fatalf("CancelAppointment error: %v", err)
		}
		if cancelled.Status != domain.AppointmentStatusCancelled || cancelled.CancelledAt == nil {
			t.Fatalf("cancelled = %+v", cancelled)
		}

		if _, err := appointments.CancelAppointment(ctx, appt.ID, "again", time.Now().UTC()); err == nil || !strings.Contains(err.Error(), "already cancelled") {
			t.Fatalf("second cancel err = %v, want already cancelled conflict", err)
		}

		attempts, err := appointments.AttemptsForAppointment(ctx, appt.ID)
		if err != nil {
			t.Fatalf("AttemptsForAppointment error: %v", err)
		}
		for _, a := range attempts {
			if a.Status == domain.PaymentStatusPending {
				t.Fatalf("pending attempt survived cancellation: %+v", a)
			}
		}
	})
}

func randomHex(t *testing.T, bytesLen int) string {
	t.Helper()
	b := make([]byte, bytesLen)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand.Read error: %v", err)
	}
	return hex.EncodeToString(b)
}

type rawExecutor interface {
	NewRaw(query string, args ...any) *bun.RawQuery
}

func applyMigrations(ctx context.Context, exec rawExecutor) error {
	dir, err := migrationsDir()
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	type mig struct {
		name string
		path string
	}
	migs := make([]mig, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		migs = append(migs, mig{name: e.Name(), path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(migs, func(i, j int) bool { return migs[i].name < migs[j].name })

	for _, m := range migs {
		b, err := os.ReadFile(m.path)
		if err != nil {
			return err
		}
		upSQL, err := extractGooseUp(string(b))
		if err != nil {
			return err
		}
		for _, stmt := range splitSQLStatements(upSQL) {
			if normalized, ok := normalizeExtensionStatement(stmt); ok {
				stmt = normalized
			}
			if _, err := exec.NewRaw(stmt).Exec(ctx); err != nil {
				return fmt.Errorf("%s: %w", m.name, err)
			}
		}
	}
	return nil
}

func migrationsDir() (string, error) {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("runtime.Caller failed")
	}
	return filepath.Join(filepath.Dir(file), "migrations"), nil
}

func extractGooseUp(sql string) (string, error) {
	upMarker := "-- +goose Up"
	downMarker := "-- +goose Down"

	upIdx := strings.Index(sql, upMarker)
	if upIdx < 0 {
		return "", fmt.Errorf("missing goose up marker")
	}
	afterUp := sql[upIdx+len(upMarker):]
	afterUp = strings.TrimLeft(afterUp, "\r\n")

	downIdx := strings.Index(afterUp, downMarker)
	if downIdx < 0 {
		return strings.TrimSpace(afterUp), nil
	}
	return strings.TrimSpace(afterUp[:downIdx]), nil
}

// btree_gist must land in a shared schema so the exclusion constraint finds
// its operator classes regardless of the test schema.
func normalizeExtensionStatement(stmt string) (string, bool) {
	s := strings.TrimSpace(stmt)
	upper := strings.ToUpper(s)
	if !strings.HasPrefix(upper, "CREATE EXTENSION") {
		return "", false
	}
	if !strings.Contains(upper, "BTREE_GIST") {
		return "", false
	}
	if strings.Contains(upper, " SCHEMA ") {
		return "", false
	}
	return s + " SCHEMA public", true
}

func splitSQLStatements(sql string) []string {
	parts := strings.Split(sql, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}

package bec

import (
	"context"
	"database/sql"
	"reflect"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ignite/ices-pipeline/internal/models"
)

func setupBECStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	st := NewStore(db)
	st.ready = true
	return st, mock
}

func expectSchema(mock sqlmock.Sqlmock) {
	for _, pattern := range []string{
		"CREATE TABLE IF NOT EXISTS sender_profiles",
		"CREATE TABLE IF NOT EXISTS sender_recipient_pairs",
		"CREATE INDEX IF NOT EXISTS idx_sp_tenant_domain",
		"CREATE INDEX IF NOT EXISTS idx_srp_tenant_sender_recip",
		"CREATE INDEX IF NOT EXISTS idx_srp_tenant_domain_recip",
	} {
		mock.ExpectExec(pattern).WillReturnResult(sqlmock.NewResult(0, 0))
	}
}

func updateEvent() *models.EmailEvent {
	ev := &models.EmailEvent{
		MessageID:  "msg-9",
		TenantID:   "t1",
		UserID:     "user-1",
		Sender:     "Finance@Acme.Example",
		SenderName: "Acme Finance",
		To: []models.EmailAddress{
			{Address: "ops@corp.example"},
			{Address: "ap@corp.example"},
		},
		Subject:    "Invoice",
		Body:       models.EmailBody{ContentType: "text", Content: "Invoice attached."},
		ReceivedAt: "2026-03-10T09:15:00Z",
		Headers:    map[string]string{"Reply-To": "pay@other.example"},
	}
	ev.Normalize()
	return ev
}

// ===== Schema =====

func TestBECStore_SchemaInitialisedOnce(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()
	st := NewStore(db)

	expectSchema(mock)
	mock.ExpectQuery("SELECT tenant_id, sender_domain, email_count").
		WithArgs("t1", "acme.example").
		WillReturnRows(sqlmock.NewRows(profileColumns))
	mock.ExpectQuery("SELECT tenant_id, sender_domain, email_count").
		WithArgs("t1", "acme.example").
		WillReturnRows(sqlmock.NewRows(profileColumns))

	for i := 0; i < 2; i++ {
		profile, err := st.GetProfile(context.Background(), "t1", "acme.example")
		if err != nil {
			t.Fatalf("GetProfile() call %d error = %v", i+1, err)
		}
		if profile != nil {
			t.Errorf("GetProfile() call %d = %+v, want nil for unknown domain", i+1, profile)
		}
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestBECStore_SchemaFailureRetried(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()
	st := NewStore(db)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS sender_profiles").
		WillReturnError(sql.ErrConnDone)

	if _, err := st.GetProfile(context.Background(), "t1", "acme.example"); err == nil {
		t.Fatal("GetProfile() error = nil, want schema failure")
	}

	// Next call retries the full schema and succeeds.
	expectSchema(mock)
	mock.ExpectQuery("SELECT tenant_id, sender_domain, email_count").
		WithArgs("t1", "acme.example").
		WillReturnRows(sqlmock.NewRows(profileColumns))

	profile, err := st.GetProfile(context.Background(), "t1", "acme.example")
	if err != nil {
		t.Fatalf("GetProfile() after retry error = %v", err)
	}
	if profile != nil {
		t.Errorf("GetProfile() = %+v, want nil", profile)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestBECStore_NoDatabase(t *testing.T) {
	st := NewStore(nil)

	if _, err := st.GetProfile(context.Background(), "t1", "acme.example"); err == nil {
		t.Error("GetProfile() error = nil, want no-database failure")
	}
	if err := st.UpdateProfiles(context.Background(), updateEvent(), &models.Verdict{}); err == nil {
		t.Error("UpdateProfiles() error = nil, want no-database failure")
	}
}

// ===== Profile lookups =====

func TestBECStore_GetProfile(t *testing.T) {
	st, mock := setupBECStore(t)

	firstSeen := time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)
	lastSeen := time.Date(2026, 3, 9, 16, 30, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT tenant_id, sender_domain, email_count").
		WithArgs("t1", "acme.example").
		WillReturnRows(sqlmock.NewRows(profileColumns).AddRow(
			"t1", "acme.example", 55, firstSeen, lastSeen,
			[]byte(`["Acme Finance"]`),
			[]byte(`{"informational":40,"transactional":15}`),
			[]byte(`{"9":6,"10":6}`),
			nil,
		))

	profile, err := st.GetProfile(context.Background(), "t1", "acme.example")
	if err != nil {
		t.Fatalf("GetProfile() error = %v", err)
	}
	if profile == nil {
		t.Fatal("GetProfile() = nil, want profile")
	}
	if profile.EmailCount != 55 {
		t.Errorf("EmailCount = %d, want 55", profile.EmailCount)
	}
	if !profile.FirstSeenAt.Equal(firstSeen) {
		t.Errorf("FirstSeenAt = %v, want %v", profile.FirstSeenAt, firstSeen)
	}
	if !reflect.DeepEqual(profile.KnownDisplayNames, []string{"Acme Finance"}) {
		t.Errorf("KnownDisplayNames = %v", profile.KnownDisplayNames)
	}
	if profile.TypicalCategories["informational"] != 40 {
		t.Errorf("TypicalCategories = %v", profile.TypicalCategories)
	}
	if profile.TypicalSendHours["9"] != 6 {
		t.Errorf("TypicalSendHours = %v", profile.TypicalSendHours)
	}
	if profile.ReplyToDomains != nil {
		t.Errorf("ReplyToDomains = %v, want nil for NULL column", profile.ReplyToDomains)
	}
}

func TestBECStore_GetProfileNullTimes(t *testing.T) {
	st, mock := setupBECStore(t)

	mock.ExpectQuery("SELECT tenant_id, sender_domain, email_count").
		WithArgs("t1", "acme.example").
		WillReturnRows(sqlmock.NewRows(profileColumns).AddRow(
			"t1", "acme.example", 1, nil, nil, nil, nil, nil, nil,
		))

	profile, err := st.GetProfile(context.Background(), "t1", "acme.example")
	if err != nil {
		t.Fatalf("GetProfile() error = %v", err)
	}
	if !profile.FirstSeenAt.IsZero() {
		t.Errorf("FirstSeenAt = %v, want zero for NULL column", profile.FirstSeenAt)
	}
	if got := profile.TenureDays(); got != 0 {
		t.Errorf("TenureDays() = %v, want 0 when first seen is unknown", got)
	}
	if !profile.IsNew() {
		t.Error("IsNew() = false, want true when first seen is unknown")
	}
}

// ===== Pair lookups =====

func TestBECStore_GetPair(t *testing.T) {
	st, mock := setupBECStore(t)

	mock.ExpectQuery("SELECT tenant_id, sender_addr").
		WithArgs("t1", "alice@acme.example", "bob@corp.example").
		WillReturnRows(sqlmock.NewRows(pairColumns))

	pair, err := st.GetPair(context.Background(), "t1", "alice@acme.example", "bob@corp.example")
	if err != nil {
		t.Fatalf("GetPair() error = %v", err)
	}
	if pair != nil {
		t.Errorf("GetPair() = %+v, want nil for unknown pair", pair)
	}

	firstContact := time.Date(2025, 11, 2, 10, 0, 0, 0, time.UTC)
	lastContact := time.Date(2026, 3, 8, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT tenant_id, sender_addr").
		WithArgs("t1", "alice@acme.example", "bob@corp.example").
		WillReturnRows(sqlmock.NewRows(pairColumns).AddRow(
			"t1", "alice@acme.example", "acme.example", "bob@corp.example",
			8, firstContact, lastContact,
			[]byte(`{"informational":7,"transactional":1}`),
		))

	pair, err = st.GetPair(context.Background(), "t1", "alice@acme.example", "bob@corp.example")
	if err != nil {
		t.Fatalf("GetPair() error = %v", err)
	}
	if pair == nil {
		t.Fatal("GetPair() = nil, want pair")
	}
	if pair.MessageCount != 8 {
		t.Errorf("MessageCount = %d, want 8", pair.MessageCount)
	}
	if pair.IsFirstContact() {
		t.Error("IsFirstContact() = true, want false at 8 messages")
	}
	if !pair.FirstContactAt.Equal(firstContact) {
		t.Errorf("FirstContactAt = %v, want %v", pair.FirstContactAt, firstContact)
	}
	if pair.CategoryDistribution["informational"] != 7 {
		t.Errorf("CategoryDistribution = %v", pair.CategoryDistribution)
	}
}

func TestBECStore_GetDomainPairNoHistory(t *testing.T) {
	st, mock := setupBECStore(t)

	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("t1", "acme.example", "bob@corp.example").
		WillReturnRows(sqlmock.NewRows([]string{"total_count", "first_contact", "last_contact"}).
			AddRow(0, nil, nil))

	pair, err := st.GetDomainPair(context.Background(), "t1", "acme.example", "bob@corp.example")
	if err != nil {
		t.Fatalf("GetDomainPair() error = %v", err)
	}
	if pair != nil {
		t.Errorf("GetDomainPair() = %+v, want nil when domain has no history", pair)
	}

	// No category aggregation when the sum is zero.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestBECStore_GetDomainPairAggregates(t *testing.T) {
	st, mock := setupBECStore(t)

	firstContact := time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)
	lastContact := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("t1", "acme.example", "bob@corp.example").
		WillReturnRows(sqlmock.NewRows([]string{"total_count", "first_contact", "last_contact"}).
			AddRow(14, firstContact, lastContact))
	mock.ExpectQuery("jsonb_each_text").
		WithArgs("t1", "acme.example", "bob@corp.example").
		WillReturnRows(sqlmock.NewRows([]string{"key", "sum"}).
			AddRow("informational", 11).
			AddRow("financial_request", 3))

	pair, err := st.GetDomainPair(context.Background(), "t1", "acme.example", "bob@corp.example")
	if err != nil {
		t.Fatalf("GetDomainPair() error = %v", err)
	}
	if pair == nil {
		t.Fatal("GetDomainPair() = nil, want aggregate pair")
	}
	if pair.SenderAddr != "*@acme.example" {
		t.Errorf("SenderAddr = %q, want wildcard address", pair.SenderAddr)
	}
	if pair.MessageCount != 14 {
		t.Errorf("MessageCount = %d, want 14", pair.MessageCount)
	}
	want := map[string]int{"informational": 11, "financial_request": 3}
	if !reflect.DeepEqual(pair.CategoryDistribution, want) {
		t.Errorf("CategoryDistribution = %v, want %v", pair.CategoryDistribution, want)
	}
	if !pair.FirstContactAt.Equal(firstContact) {
		t.Errorf("FirstContactAt = %v, want %v", pair.FirstContactAt, firstContact)
	}
}

// ===== Profile updates =====

func TestBECStore_UpdateProfiles(t *testing.T) {
	st, mock := setupBECStore(t)

	verdict := &models.Verdict{
		MessageID: "msg-9",
		TenantID:  "t1",
		Results: []models.AnalysisResult{{
			Analyzer: "bec_detector",
			Observations: []models.Observation{
				models.Text("intent_category", "financial_request"),
			},
		}},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO sender_profiles").
		WithArgs("t1", "acme.example", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("SET known_display_names").
		WithArgs("t1", "acme.example", []byte(`"Acme Finance"`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("SET typical_categories").
		WithArgs("t1", "acme.example", "{financial_request}", "financial_request").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("SET typical_send_hours").
		WithArgs("t1", "acme.example", "{9}", "9").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("SET reply_to_domains").
		WithArgs("t1", "acme.example", []byte(`"other.example"`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	for _, recipient := range []string{"ops@corp.example", "ap@corp.example"} {
		mock.ExpectExec("INSERT INTO sender_recipient_pairs").
			WithArgs("t1", "finance@acme.example", "acme.example", recipient, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("SET category_distribution").
			WithArgs("t1", "finance@acme.example", recipient, "{financial_request}", "financial_request").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	if err := st.UpdateProfiles(context.Background(), updateEvent(), verdict); err != nil {
		t.Fatalf("UpdateProfiles() error = %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestBECStore_UpdateProfilesSkipsEmptyFields(t *testing.T) {
	st, mock := setupBECStore(t)

	ev := updateEvent()
	ev.SenderName = ""
	ev.ReceivedAt = ""
	ev.Headers["Reply-To"] = "billing@acme.example" // sender's own domain
	ev.To = ev.To[:1]

	// No bec_detector result: the intent falls back to informational.
	verdict := &models.Verdict{MessageID: "msg-9", TenantID: "t1"}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO sender_profiles").
		WithArgs("t1", "acme.example", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("SET typical_categories").
		WithArgs("t1", "acme.example", "{informational}", "informational").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO sender_recipient_pairs").
		WithArgs("t1", "finance@acme.example", "acme.example", "ops@corp.example", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("SET category_distribution").
		WithArgs("t1", "finance@acme.example", "ops@corp.example", "{informational}", "informational").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := st.UpdateProfiles(context.Background(), ev, verdict); err != nil {
		t.Fatalf("UpdateProfiles() error = %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestBECStore_UpdateProfilesRollsBackOnError(t *testing.T) {
	st, mock := setupBECStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO sender_profiles").
		WithArgs("t1", "acme.example", sqlmock.AnyArg()).
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	if err := st.UpdateProfiles(context.Background(), updateEvent(), &models.Verdict{}); err == nil {
		t.Fatal("UpdateProfiles() error = nil, want write failure")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

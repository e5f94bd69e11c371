package analyzers

import (
	"context"
	"strings"
	"testing"

	"github.com/ignite/ices-pipeline/internal/classify"
	"github.com/ignite/ices-pipeline/internal/models"
)

// =============================================================================
// SAAS USAGE TESTS
// =============================================================================

type fakeClassifier struct {
	result *classify.Result
	err    error

	called    bool
	gotText   string
	gotLabels []string
	gotMulti  bool
}

func (f *fakeClassifier) Classify(_ context.Context, text string, labels []string, multiLabel bool) (*classify.Result, error) {
	f.called = true
	f.gotText = text
	f.gotLabels = labels
	f.gotMulti = multiLabel
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func usageResult(score float64) *classify.Result {
	return &classify.Result{
		Labels: []string{usageLabels[0], usageLabels[1]},
		Scores: []float64{score, 1 - score},
	}
}

func marketingResult(score float64) *classify.Result {
	return &classify.Result{
		Labels: []string{usageLabels[1], usageLabels[0]},
		Scores: []float64{score, 1 - score},
	}
}

func testVendorCatalog() *Catalog {
	return NewCatalog(
		map[string]string{
			"slack.com":    "app-1",
			"sendgrid.net": "app-2",
		},
		map[string]VendorApp{
			"app-1": {Name: "Slack", Category: "Collaboration", Organization: "Salesforce"},
			"app-2": {Name: "SendGrid", Category: "Email Delivery"},
		},
	)
}

func TestSaaSUsage_HeaderSignals(t *testing.T) {
	a := &saasAnalyzer{catalog: NewCatalog(nil, nil)}
	email := &models.EmailEvent{
		Sender: "news@unknown.example",
		Headers: map[string]string{
			"List-Unsubscribe": "<mailto:unsub@unknown.example>",
			"Precedence":       "Bulk",
			"Auto-Submitted":   "auto-generated",
			"X-Mailer":         "MailChimp Mailer v3.2",
		},
	}

	obs, err := a.Analyze(context.Background(), email)
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}

	for _, key := range []string{"list_unsubscribe", "bulk_precedence", "auto_submitted"} {
		v, ok := findObs(t, obs, key).Bool()
		if !ok || !v {
			t.Errorf("%s = %v, want true", key, v)
		}
	}
	if got := findObs(t, obs, "marketing_mailer").String(); got != "mailchimp" {
		t.Errorf("marketing_mailer = %q, want %q", got, "mailchimp")
	}

	isSaaS, _ := findObs(t, obs, "is_saas").Bool()
	if isSaaS {
		t.Error("is_saas = true for unknown sender")
	}
	if hasObs(obs, "category") || hasObs(obs, "saas_confidence") {
		t.Error("classification keys emitted for non-SaaS sender")
	}
}

func TestSaaSUsage_AutoSubmittedNoIsIgnored(t *testing.T) {
	a := &saasAnalyzer{catalog: NewCatalog(nil, nil)}
	email := &models.EmailEvent{
		Sender:  "ops@unknown.example",
		Headers: map[string]string{"Auto-Submitted": "No"},
	}

	obs, err := a.Analyze(context.Background(), email)
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	if hasObs(obs, "auto_submitted") {
		t.Error("auto_submitted emitted for Auto-Submitted: No")
	}
}

func TestSaaSUsage_UnknownSenderSkipsClassifier(t *testing.T) {
	fake := &fakeClassifier{result: usageResult(0.9)}
	a := &saasAnalyzer{catalog: testVendorCatalog(), classifier: fake}
	email := &models.EmailEvent{Sender: "someone@random.example", Headers: map[string]string{}}

	if _, err := a.Analyze(context.Background(), email); err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	if fake.called {
		t.Error("classifier invoked for unknown sender")
	}
}

func TestSaaSUsage_KnownVendor(t *testing.T) {
	fake := &fakeClassifier{result: usageResult(0.92)}
	a := &saasAnalyzer{catalog: testVendorCatalog(), classifier: fake}
	email := &models.EmailEvent{
		// Subdomain matches the slack.com catalog entry.
		Sender:  "alerts@mail.slack.com",
		Subject: "Password changed",
		Body:    models.EmailBody{ContentType: "text", Content: "Your password was changed."},
		Headers: map[string]string{},
	}

	obs, err := a.Analyze(context.Background(), email)
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}

	if got := findObs(t, obs, "provider").String(); got != "Slack" {
		t.Errorf("provider = %q", got)
	}
	if got := findObs(t, obs, "provider_category").String(); got != "Collaboration" {
		t.Errorf("provider_category = %q", got)
	}
	if got := findObs(t, obs, "provider_org").String(); got != "Salesforce" {
		t.Errorf("provider_org = %q", got)
	}
	if isSaaS, _ := findObs(t, obs, "is_saas").Bool(); !isSaaS {
		t.Error("is_saas = false for catalog match")
	}
	if got := findObs(t, obs, "saas_confidence").String(); got != "known" {
		t.Errorf("saas_confidence = %q", got)
	}
	if got := findObs(t, obs, "category").String(); got != "usage" {
		t.Errorf("category = %q, want usage", got)
	}
	if got := numObs(t, obs, "confidence"); got != 92 {
		t.Errorf("confidence = %v, want 92", got)
	}

	if !fake.called {
		t.Fatal("classifier not invoked for known vendor")
	}
	if fake.gotMulti {
		t.Error("usage classification should be single-label")
	}
	if len(fake.gotLabels) != 2 || fake.gotLabels[0] != usageLabels[0] {
		t.Errorf("labels = %v", fake.gotLabels)
	}
	if !strings.HasPrefix(fake.gotText, "Subject: Password changed\n\n") {
		t.Errorf("classifier text = %q", fake.gotText)
	}
}

func TestSaaSUsage_OrgDefaultsToUnknown(t *testing.T) {
	a := &saasAnalyzer{catalog: testVendorCatalog(), classifier: &fakeClassifier{result: usageResult(0.8)}}
	email := &models.EmailEvent{Sender: "bounce@sendgrid.net", Headers: map[string]string{}}

	obs, err := a.Analyze(context.Background(), email)
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	if got := findObs(t, obs, "provider_org").String(); got != "unknown" {
		t.Errorf("provider_org = %q, want unknown", got)
	}
}

func TestSaaSUsage_ClassifierUnavailable(t *testing.T) {
	a := &saasAnalyzer{catalog: testVendorCatalog()}
	email := &models.EmailEvent{Sender: "alerts@slack.com", Headers: map[string]string{}}

	obs, err := a.Analyze(context.Background(), email)
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	if got := findObs(t, obs, "category").String(); got != "unknown" {
		t.Errorf("category = %q, want unknown", got)
	}
	if got := numObs(t, obs, "confidence"); got != 0 {
		t.Errorf("confidence = %v, want 0", got)
	}
}

func TestSaaSUsage_ClassifierErrorDegrades(t *testing.T) {
	fake := &fakeClassifier{err: context.DeadlineExceeded}
	a := &saasAnalyzer{catalog: testVendorCatalog(), classifier: fake}
	email := &models.EmailEvent{Sender: "alerts@slack.com", Headers: map[string]string{}}

	obs, err := a.Analyze(context.Background(), email)
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	if got := findObs(t, obs, "category").String(); got != "unknown" {
		t.Errorf("category = %q, want unknown", got)
	}
}

func TestSaaSUsage_HeaderAdjustments(t *testing.T) {
	cases := []struct {
		name    string
		result  *classify.Result
		headers map[string]string
		want    float64
	}{
		{
			name:    "marketing corroborated by bulk headers",
			result:  marketingResult(0.80),
			headers: map[string]string{"List-Unsubscribe": "<x>", "Precedence": "list"},
			want:    90,
		},
		{
			name:    "usage corroborated by auto-submitted",
			result:  usageResult(0.70),
			headers: map[string]string{"Auto-Submitted": "auto-replied"},
			want:    75,
		},
		{
			name:    "usage contradicted by marketing signals",
			result:  usageResult(0.90),
			headers: map[string]string{"List-Unsubscribe": "<x>", "Precedence": "bulk"},
			want:    80,
		},
		{
			name:    "contradiction floors at 40",
			result:  usageResult(0.42),
			headers: map[string]string{"List-Unsubscribe": "<x>", "Precedence": "bulk"},
			want:    40,
		},
		{
			name:    "corroboration caps at 100",
			result:  marketingResult(0.98),
			headers: map[string]string{"List-Unsubscribe": "<x>", "Precedence": "bulk"},
			want:    100,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := &saasAnalyzer{catalog: testVendorCatalog(), classifier: &fakeClassifier{result: tc.result}}
			email := &models.EmailEvent{Sender: "alerts@slack.com", Headers: tc.headers}

			obs, err := a.Analyze(context.Background(), email)
			if err != nil {
				t.Fatalf("Analyze() error: %v", err)
			}
			if got := numObs(t, obs, "confidence"); got != tc.want {
				t.Errorf("confidence = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSaaSUsage_EmptySubjectPlaceholder(t *testing.T) {
	fake := &fakeClassifier{result: usageResult(0.6)}
	a := &saasAnalyzer{catalog: testVendorCatalog(), classifier: fake}
	email := &models.EmailEvent{Sender: "alerts@slack.com", Headers: map[string]string{}}

	if _, err := a.Analyze(context.Background(), email); err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	if !strings.HasPrefix(fake.gotText, "Subject: (no subject)\n\n") {
		t.Errorf("classifier text = %q", fake.gotText)
	}
}

func TestSaaSUsage_HTMLBodyStripped(t *testing.T) {
	fake := &fakeClassifier{result: usageResult(0.6)}
	a := &saasAnalyzer{catalog: testVendorCatalog(), classifier: fake}
	email := &models.EmailEvent{
		Sender:  "alerts@slack.com",
		Subject: "Security alert",
		Body: models.EmailBody{
			ContentType: "html",
			Content:     "<style>p{color:red}</style><p>New sign-in detected</p>",
		},
		Headers: map[string]string{},
	}

	if _, err := a.Analyze(context.Background(), email); err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	if !strings.Contains(fake.gotText, "New sign-in detected") {
		t.Errorf("classifier text missing body: %q", fake.gotText)
	}
	if strings.Contains(fake.gotText, "<p>") || strings.Contains(fake.gotText, "color:red") {
		t.Errorf("classifier text kept markup: %q", fake.gotText)
	}
}

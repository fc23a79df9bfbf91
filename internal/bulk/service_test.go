package bulk_test

import (
	"context"
	"errors"
	"image"
	"image/color"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/praveen-singh01/whatsapp-automation/internal/bulk"
	"github.com/praveen-singh01/whatsapp-automation/internal/compositor"
	"github.com/praveen-singh01/whatsapp-automation/internal/delivery"
	"github.com/praveen-singh01/whatsapp-automation/internal/directory"
	"github.com/praveen-singh01/whatsapp-automation/internal/storage"
	"github.com/praveen-singh01/whatsapp-automation/pkg/logx"
)

type fakeResolver struct {
	mu         sync.Mutex
	recipients []directory.Recipient
	err        error
	calls      int
}

func (f *fakeResolver) FindByRoles(_ context.Context, _ []directory.Role) ([]directory.Recipient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.recipients, f.err
}

type sentMessage struct {
	To  string
	Msg delivery.Message
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []sentMessage
	errBy map[string]error // phone -> forced failure
	next  int
}

func (f *fakeSender) Send(_ context.Context, to string, msg delivery.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errBy[to]; err != nil {
		return "", err
	}
	f.next++
	f.sent = append(f.sent, sentMessage{To: to, Msg: msg})
	return "wamid." + itoa(f.next), nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}

type fakeAssets struct {
	mu   sync.Mutex
	blob map[string][]byte
}

func (f *fakeAssets) Put(_ context.Context, key string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blob == nil {
		f.blob = map[string][]byte{}
	}
	f.blob[key] = append([]byte(nil), data...)
	return "http://assets.local/" + key, nil
}

type fakeFetcher struct {
	failURL string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (image.Image, error) {
	if f.failURL != "" && url == f.failURL {
		return nil, &compositor.FetchError{URL: url, Err: errors.New("connection refused")}
	}
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 0x7f
	}
	return img, nil
}

func posterPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 600, 400))
	for y := 0; y < 400; y++ {
		for x := 0; x < 600; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 0x20, G: 0x40, B: 0x80, A: 0xff})
		}
	}
	data, err := compositor.EncodePNG(img)
	if err != nil {
		t.Fatalf("encoding poster fixture: %v", err)
	}
	return data
}

func recipientsFixture(n int) []directory.Recipient {
	roles := []directory.Role{directory.RoleTeacher, directory.RoleStudent}
	out := make([]directory.Recipient, 0, n)
	for i := 0; i < n; i++ {
		id := "u" + itoa(i+1)
		out = append(out, directory.Recipient{
			ID:        id,
			Name:      "User " + itoa(i+1),
			Phone:     "+9190000000" + itoa(i+1),
			Role:      roles[i%len(roles)],
			AvatarURL: "http://avatars.local/" + id + ".png",
		})
	}
	return out
}

type pipeline struct {
	svc      *bulk.Service
	store    storage.Store
	resolver *fakeResolver
	sender   *fakeSender
	assets   *fakeAssets
	fetcher  *fakeFetcher
}

func startPipeline(t *testing.T, resolver *fakeResolver) *pipeline {
	t.Helper()
	p := &pipeline{
		store:    storage.NewMemory(),
		resolver: resolver,
		sender:   &fakeSender{},
		assets:   &fakeAssets{},
		fetcher:  &fakeFetcher{},
	}
	p.svc = bulk.New(bulk.Config{Workers: 2, RatePerSec: 10000, Burst: 100}, bulk.Deps{
		Store:    p.store,
		Resolver: p.resolver,
		Sender:   p.sender,
		Assets:   p.assets,
		Fetcher:  p.fetcher,
	}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	p.svc.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		p.svc.Stop(stopCtx)
		stopCancel()
		cancel()
	})
	return p
}

func checkSummary(t *testing.T, op *bulk.Operation) {
	t.Helper()
	s := op.Summary
	if s.SuccessCount+s.FailureCount+s.PendingCount != s.TotalTargeted {
		t.Errorf("summary counters do not add up: %+v", s)
	}
	if len(op.Results) != s.TotalTargeted {
		t.Errorf("results = %d, total_targeted = %d", len(op.Results), s.TotalTargeted)
	}
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	t.Parallel()
	resolver := &fakeResolver{recipients: recipientsFixture(2)}
	p := startPipeline(t, resolver)

	cases := []struct {
		name  string
		req   bulk.Request
		field string
	}{
		{"no roles", bulk.Request{MessageBody: "hi"}, "target_roles"},
		{"unknown role", bulk.Request{Roles: []directory.Role{"alumni"}, MessageBody: "hi"}, "target_roles"},
		{"empty body", bulk.Request{Roles: []directory.Role{directory.RoleStaff}}, "message_content"},
		{"oversized body", bulk.Request{
			Roles:       []directory.Role{directory.RoleStaff},
			MessageBody: strings.Repeat("x", bulk.MaxMessageLen+1),
		}, "message_content"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.svc.Submit(context.Background(), tc.req)
			var ve *bulk.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if _, ok := ve.Fields[tc.field]; !ok {
				t.Errorf("fields = %v, want %q flagged", ve.Fields, tc.field)
			}
		})
	}

	// Validation failures must not touch the directory.
	resolver.mu.Lock()
	calls := resolver.calls
	resolver.mu.Unlock()
	if calls != 0 {
		t.Errorf("resolver called %d times for invalid requests", calls)
	}
}

func TestSubmitPlainTextBroadcast(t *testing.T) {
	t.Parallel()
	p := startPipeline(t, &fakeResolver{recipients: recipientsFixture(3)})

	op, err := p.svc.Submit(context.Background(), bulk.Request{
		Roles:       []directory.Role{directory.RoleTeacher, directory.RoleStudent},
		MessageBody: "Hello {{name}}, term starts Monday.",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if op.Status != bulk.StatusCompleted {
		t.Fatalf("status = %q, want completed", op.Status)
	}
	checkSummary(t, op)
	if op.Summary.SuccessCount != 3 || op.Summary.PendingCount != 0 {
		t.Errorf("summary = %+v, want 3 successes", op.Summary)
	}
	if op.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	for _, r := range op.Results {
		if r.Status != bulk.ResultSuccess || r.ProviderMessageID == "" || r.AttemptedAt == nil {
			t.Errorf("result %s = %+v", r.RecipientID, r)
		}
	}

	p.sender.mu.Lock()
	defer p.sender.mu.Unlock()
	if len(p.sender.sent) != 3 {
		t.Fatalf("sent %d messages, want 3", len(p.sender.sent))
	}
	if got := p.sender.sent[0].Msg.Text; got != "Hello User 1, term starts Monday." {
		t.Errorf("substituted body = %q", got)
	}
}

func TestSubmitPersonalizedTemplate(t *testing.T) {
	t.Parallel()
	p := startPipeline(t, &fakeResolver{recipients: recipientsFixture(2)})

	op, err := p.svc.Submit(context.Background(), bulk.Request{
		Roles:        []directory.Role{directory.RoleTeacher},
		MessageBody:  "event invite",
		TemplateName: "event_invite",
		Personalize:  true,
		Poster:       posterPNG(t),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if op.Status != bulk.StatusCompleted || op.Summary.SuccessCount != 2 {
		t.Fatalf("op = %+v", op)
	}

	for _, r := range op.Results {
		want := "http://assets.local/operations/" + op.ID + "/" + r.RecipientID + ".png"
		if r.ImageURL != want {
			t.Errorf("image url = %q, want %q", r.ImageURL, want)
		}
	}

	p.assets.mu.Lock()
	stored := len(p.assets.blob)
	_, hasPoster := p.assets.blob["operations/"+op.ID+"/poster.png"]
	p.assets.mu.Unlock()
	if !hasPoster {
		t.Error("shared poster was not stored")
	}
	if stored != 3 { // poster + one composite per recipient
		t.Errorf("stored %d assets, want 3", stored)
	}

	p.sender.mu.Lock()
	defer p.sender.mu.Unlock()
	for _, s := range p.sender.sent {
		tpl := s.Msg.Template
		if tpl == nil || tpl.Name != "event_invite" || tpl.ImageURL == "" {
			t.Errorf("template message = %+v", s.Msg)
		}
		if len(tpl.BodyParams) != 1 || !strings.HasPrefix(tpl.BodyParams[0], "User ") {
			t.Errorf("body params = %v", tpl.BodyParams)
		}
	}
}

func TestSubmitPersonalizedWithoutTemplate(t *testing.T) {
	t.Parallel()
	recs := recipientsFixture(2)
	p := startPipeline(t, &fakeResolver{recipients: recs})

	op, err := p.svc.Submit(context.Background(), bulk.Request{
		Roles:       []directory.Role{directory.RoleTeacher},
		MessageBody: "hi {{name}}",
		Personalize: true,
		Poster:      posterPNG(t),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if op.Status != bulk.StatusCompleted || op.Summary.SuccessCount != 2 {
		t.Fatalf("op = %+v", op)
	}

	// The composited image must reach the wire even with no template
	// configured: an image message carrying the caption.
	wantURL := map[string]string{} // phone -> composited image url
	byID := map[string]directory.Recipient{}
	for _, rec := range recs {
		byID[rec.ID] = rec
	}
	for _, r := range op.Results {
		if r.ImageURL == "" {
			t.Fatalf("result %s has no image url", r.RecipientID)
		}
		wantURL[byID[r.RecipientID].Phone] = r.ImageURL
	}

	p.sender.mu.Lock()
	defer p.sender.mu.Unlock()
	if len(p.sender.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(p.sender.sent))
	}
	for _, s := range p.sender.sent {
		img := s.Msg.Image
		if img == nil || s.Msg.Template != nil || s.Msg.Text != "" {
			t.Fatalf("message to %s = %+v, want image message", s.To, s.Msg)
		}
		if img.URL != wantURL[s.To] {
			t.Errorf("image url = %q, want %q", img.URL, wantURL[s.To])
		}
		if !strings.HasPrefix(img.Caption, "hi User ") {
			t.Errorf("caption = %q, want substituted body", img.Caption)
		}
	}
}

func TestSubmitTemplateWithoutPersonalize(t *testing.T) {
	t.Parallel()
	p := startPipeline(t, &fakeResolver{recipients: recipientsFixture(2)})

	op, err := p.svc.Submit(context.Background(), bulk.Request{
		Roles:        []directory.Role{directory.RoleStudent},
		MessageBody:  "hello {{name}}",
		TemplateName: "event_invite",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if op.Summary.SuccessCount != 2 {
		t.Fatalf("summary = %+v", op.Summary)
	}

	// Without personalization there is no image to hang a template on, so
	// the body goes out as plain text and no assets are generated.
	p.sender.mu.Lock()
	for _, s := range p.sender.sent {
		if s.Msg.Template != nil || s.Msg.Image != nil || !strings.HasPrefix(s.Msg.Text, "hello User ") {
			t.Errorf("message = %+v, want plain text", s.Msg)
		}
	}
	p.sender.mu.Unlock()

	p.assets.mu.Lock()
	if len(p.assets.blob) != 0 {
		t.Errorf("stored %d assets, want none", len(p.assets.blob))
	}
	p.assets.mu.Unlock()
}

func TestSubmitPartialFailure(t *testing.T) {
	t.Parallel()
	recs := recipientsFixture(5)
	p := startPipeline(t, &fakeResolver{recipients: recs})
	p.fetcher.failURL = recs[2].AvatarURL

	op, err := p.svc.Submit(context.Background(), bulk.Request{
		Roles:       []directory.Role{directory.RoleTeacher, directory.RoleStudent},
		MessageBody: "hello {{name}}",
		Personalize: true,
		Poster:      posterPNG(t),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if op.Status != bulk.StatusCompleted {
		t.Fatalf("status = %q, want completed despite failures", op.Status)
	}
	checkSummary(t, op)
	if op.Summary.SuccessCount != 4 || op.Summary.FailureCount != 1 {
		t.Fatalf("summary = %+v, want 4/1", op.Summary)
	}

	bad := op.Results[2]
	if bad.Status != bulk.ResultFailed || bad.ErrorCode != "FETCH_ERROR" || bad.Error == "" {
		t.Errorf("failed result = %+v", bad)
	}
	if bad.ProviderMessageID != "" {
		t.Error("failed recipient must not carry a provider message id")
	}
	for i, r := range op.Results {
		if i == 2 {
			continue
		}
		if r.Status != bulk.ResultSuccess {
			t.Errorf("result %d = %q, want success", i, r.Status)
		}
	}
}

func TestSubmitProviderFailureDoesNotAbort(t *testing.T) {
	t.Parallel()
	recs := recipientsFixture(3)
	p := startPipeline(t, &fakeResolver{recipients: recs})
	p.sender.errBy = map[string]error{
		recs[1].Phone: &delivery.ProviderError{Code: "131026", Message: "recipient not on whatsapp", StatusCode: 400},
	}

	op, err := p.svc.Submit(context.Background(), bulk.Request{
		Roles:       []directory.Role{directory.RoleTeacher},
		MessageBody: "hi",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	checkSummary(t, op)
	if op.Summary.SuccessCount != 2 || op.Summary.FailureCount != 1 {
		t.Fatalf("summary = %+v", op.Summary)
	}
	if op.Results[1].ErrorCode != "131026" {
		t.Errorf("error code = %q, want provider code", op.Results[1].ErrorCode)
	}
}

func TestSubmitNoRecipients(t *testing.T) {
	t.Parallel()
	p := startPipeline(t, &fakeResolver{})

	op, err := p.svc.Submit(context.Background(), bulk.Request{
		Roles:       []directory.Role{directory.RoleStaff},
		MessageBody: "hi",
	})
	var nr *bulk.NoRecipientsError
	if !errors.As(err, &nr) {
		t.Fatalf("err = %v, want NoRecipientsError", err)
	}
	if op == nil || op.Status != bulk.StatusCompleted {
		t.Fatalf("op = %+v, want completed with empty results", op)
	}
	if len(op.Results) != 0 || op.Summary.TotalTargeted != 0 {
		t.Errorf("op = %+v, want empty outcome", op)
	}
}

func TestSubmitResolverFailure(t *testing.T) {
	t.Parallel()
	p := startPipeline(t, &fakeResolver{err: errors.New("directory unavailable")})

	op, err := p.svc.Submit(context.Background(), bulk.Request{
		Roles:       []directory.Role{directory.RoleStaff},
		MessageBody: "hi",
	})
	var oe *bulk.BulkOperationError
	if !errors.As(err, &oe) {
		t.Fatalf("err = %v, want BulkOperationError", err)
	}
	if op == nil || op.Status != bulk.StatusFailed {
		t.Fatalf("op status = %v, want failed", op)
	}
}

func TestGetStatusIsStable(t *testing.T) {
	t.Parallel()
	p := startPipeline(t, &fakeResolver{recipients: recipientsFixture(2)})

	op, err := p.svc.Submit(context.Background(), bulk.Request{
		Roles:       []directory.Role{directory.RoleTeacher},
		MessageBody: "hi {{name}}",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	a, err := p.svc.GetStatus(context.Background(), op.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	a.Summary.SuccessCount = 99
	a.Results[0].Status = bulk.ResultFailed

	b, err := p.svc.GetStatus(context.Background(), op.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if b.Summary.SuccessCount != 2 || b.Results[0].Status != bulk.ResultSuccess {
		t.Errorf("terminal snapshot changed between queries: %+v", b)
	}

	_, err = p.svc.GetStatus(context.Background(), "nope")
	var nf *bulk.NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("err = %v, want NotFoundError", err)
	}
}

func TestValidateCountsCharactersNotBytes(t *testing.T) {
	t.Parallel()

	// Multi-byte text up to the limit is fine.
	req := bulk.Request{
		Roles:       []directory.Role{directory.RoleStaff},
		MessageBody: strings.Repeat("日", bulk.MaxMessageLen),
	}
	if err := req.Validate(); err != nil {
		t.Fatalf("Validate rejected a %d-character body: %v", bulk.MaxMessageLen, err)
	}

	req.MessageBody = strings.Repeat("日", bulk.MaxMessageLen+1)
	var ve *bulk.ValidationError
	if err := req.Validate(); !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if _, ok := ve.Fields["message_content"]; !ok {
		t.Errorf("fields = %v, want message_content flagged", ve.Fields)
	}
}

// countingStore wraps a real store to count and optionally fail record
// creation.
type countingStore struct {
	bulk.OperationStore

	mu      sync.Mutex
	creates int
	fail    error
}

func (s *countingStore) CreateOperation(ctx context.Context, op *bulk.Operation) error {
	s.mu.Lock()
	s.creates++
	fail := s.fail
	s.mu.Unlock()
	if fail != nil {
		return fail
	}
	return s.OperationStore.CreateOperation(ctx, op)
}

func TestSubmitRequiresRunningPipeline(t *testing.T) {
	t.Parallel()
	store := &countingStore{OperationStore: storage.NewMemory()}
	svc := bulk.New(bulk.Config{Workers: 1}, bulk.Deps{
		Store:    store,
		Resolver: &fakeResolver{recipients: recipientsFixture(1)},
		Sender:   &fakeSender{},
		Assets:   &fakeAssets{},
		Fetcher:  &fakeFetcher{},
	}, logx.Nop())

	// Never started: the submission must be refused before anything is
	// persisted, so no record is left stuck at pending.
	_, err := svc.Submit(context.Background(), bulk.Request{
		Roles:       []directory.Role{directory.RoleStaff},
		MessageBody: "hi",
	})
	var oe *bulk.BulkOperationError
	if !errors.As(err, &oe) {
		t.Fatalf("err = %v, want BulkOperationError", err)
	}
	if oe.Provider {
		t.Error("refused submission flagged as provider failure")
	}

	store.mu.Lock()
	creates := store.creates
	store.mu.Unlock()
	if creates != 0 {
		t.Errorf("CreateOperation called %d times on a stopped pipeline", creates)
	}
}

func TestSubmitWrapsStoreFailure(t *testing.T) {
	t.Parallel()
	sentinel := errors.New("disk full")
	store := &countingStore{OperationStore: storage.NewMemory(), fail: sentinel}
	svc := bulk.New(bulk.Config{Workers: 1, RatePerSec: 10000, Burst: 100}, bulk.Deps{
		Store:    store,
		Resolver: &fakeResolver{recipients: recipientsFixture(1)},
		Sender:   &fakeSender{},
		Assets:   &fakeAssets{},
		Fetcher:  &fakeFetcher{},
	}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		svc.Stop(stopCtx)
		stopCancel()
		cancel()
	})

	_, err := svc.Submit(context.Background(), bulk.Request{
		Roles:       []directory.Role{directory.RoleStaff},
		MessageBody: "hi",
	})
	var oe *bulk.BulkOperationError
	if !errors.As(err, &oe) {
		t.Fatalf("err = %v, want BulkOperationError", err)
	}
	if !errors.Is(err, sentinel) {
		t.Errorf("err = %v, does not wrap the store failure", err)
	}
}

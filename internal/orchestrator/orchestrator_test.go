package orchestrator

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AgentHub-Chain/internal/agent"
	"AgentHub-Chain/internal/archive"
	"AgentHub-Chain/internal/conversation"
	xerrors "AgentHub-Chain/internal/errors"
	"AgentHub-Chain/internal/fetch"
	"AgentHub-Chain/internal/llm"
	"AgentHub-Chain/internal/realtime"
	"AgentHub-Chain/internal/web3"
)

type stubLimiter struct {
	allow    bool
	recorded int32
}

func (l *stubLimiter) Allow(context.Context, string) bool { return l.allow }
func (l *stubLimiter) Record(context.Context, string)     { atomic.AddInt32(&l.recorded, 1) }
func (l *stubLimiter) Close() error                       { return nil }

type sliceStream struct {
	ctx    context.Context
	chunks []string
	tail   error
	closed atomic.Bool
}

func (s *sliceStream) Recv() (llm.Chunk, error) {
	if err := s.ctx.Err(); err != nil {
		return llm.Chunk{}, err
	}
	if len(s.chunks) == 0 {
		if s.tail != nil {
			return llm.Chunk{}, s.tail
		}
		return llm.Chunk{}, io.EOF
	}
	next := s.chunks[0]
	s.chunks = s.chunks[1:]
	return llm.Chunk{Text: next}, nil
}

func (s *sliceStream) Close() error {
	s.closed.Store(true)
	return nil
}

type stubCompletion struct {
	chunks  []string
	tail    error
	openErr error
	pingErr error

	mu     sync.Mutex
	calls  int
	last   llm.Request
	stream *sliceStream
}

func (c *stubCompletion) Name() string { return "stub" }

func (c *stubCompletion) Stream(ctx context.Context, req llm.Request) (llm.ChunkStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.last = req
	if c.openErr != nil {
		return nil, c.openErr
	}
	c.stream = &sliceStream{ctx: ctx, chunks: append([]string(nil), c.chunks...), tail: c.tail}
	return c.stream, nil
}

func (c *stubCompletion) Ping(context.Context) error { return c.pingErr }

func (c *stubCompletion) request() llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

type memoryHistory struct {
	mu       sync.Mutex
	messages []conversation.Message
}

func (h *memoryHistory) Append(_ context.Context, msg conversation.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
	return nil
}

func (h *memoryHistory) ListLatest(_ context.Context, userID string, limit int) ([]conversation.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []conversation.Message
	for _, m := range h.messages {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return conversation.Tail(out, limit), nil
}

func (h *memoryHistory) assistant() []conversation.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []conversation.Message
	for _, m := range h.messages {
		if m.AgentID != "" {
			out = append(out, m)
		}
	}
	return out
}

type stubFetcher struct {
	results []*fetch.Result
	urls    []string
}

func (f *stubFetcher) FetchMany(_ context.Context, urls []string, _ fetch.Options) []*fetch.Result {
	f.urls = urls
	return f.results
}

type stubArchive struct {
	receipt archive.Receipt
	err     error

	mu        sync.Mutex
	submitted []archive.Interaction
}

func (a *stubArchive) Submit(_ context.Context, in archive.Interaction) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submitted = append(a.submitted, in)
	return "job-1", a.err
}

func (a *stubArchive) ArchiveNow(_ context.Context, in archive.Interaction) (archive.Receipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submitted = append(a.submitted, in)
	return a.receipt, a.err
}

type stubBroadcaster struct {
	mu       sync.Mutex
	messages []realtime.Message
}

func (b *stubBroadcaster) Broadcast(msg realtime.Message) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, msg)
	return 1
}

func (b *stubBroadcaster) Healthy() bool { return true }

type stubPayments struct{ confirmed bool }

func (p stubPayments) Confirmed(context.Context, common.Hash) (bool, error) { return p.confirmed, nil }

func newRegistry(t *testing.T) *agent.Registry {
	t.Helper()
	r, err := agent.NewRegistry([]*agent.Profile{
		agent.Definition{
			ID:              "writer",
			Name:            "Writer",
			Instructions:    "You write things.",
			CreativityIndex: 0.5,
			Performance:     agent.Metrics{SuccessRate: 0.5, Satisfaction: 0.5},
		}.Profile(),
		agent.Definition{
			ID:              "website",
			Name:            "Talk To Website",
			ContentAnalysis: true,
			Performance:     agent.Metrics{SuccessRate: 0.5, Satisfaction: 0.5},
		}.Profile(),
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func newOrchestrator(t *testing.T, completion *stubCompletion, history *memoryHistory, opts ...Option) (*Orchestrator, *stubLimiter) {
	t.Helper()
	limiter := &stubLimiter{allow: true}
	o, err := New(newRegistry(t), limiter, completion, history, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o, limiter
}

func drain(s *Stream) []string {
	var out []string
	for f := range s.Fragments() {
		out = append(out, f)
	}
	return out
}

func TestProcessStreamsFragmentsInOrder(t *testing.T) {
	completion := &stubCompletion{chunks: []string{"Hel", "lo"}}
	history := &memoryHistory{}
	o, limiter := newOrchestrator(t, completion, history)
	before := o.registry.List()[0].Performance()

	stream, err := o.Process(context.Background(), Request{Message: "hi", AgentID: "writer", UserID: "u1"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	got := drain(stream)
	out := stream.Wait()

	if strings.Join(got, "|") != "Hel|lo" {
		t.Fatalf("unexpected fragments: %q", got)
	}
	if out.Status != StatusCompleted || out.Text != "Hello" || out.Stopped {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	replies := history.assistant()
	if len(replies) != 1 || replies[0].Body != "Hello" || replies[0].AgentID != "writer" {
		t.Fatalf("assistant message not recorded once: %+v", replies)
	}
	if len(history.messages) != 2 {
		t.Fatalf("expected user and assistant messages, got %d", len(history.messages))
	}
	if atomic.LoadInt32(&limiter.recorded) != 1 {
		t.Fatalf("request not recorded in limiter")
	}
	after := o.registry.List()[0].Performance()
	if after.SuccessRate <= before.SuccessRate {
		t.Fatalf("success rate not updated: %v -> %v", before.SuccessRate, after.SuccessRate)
	}
	if !completion.stream.closed.Load() {
		t.Fatalf("upstream stream not closed")
	}

	req := completion.request()
	if req.Temperature < 0.849 || req.Temperature > 0.851 {
		t.Fatalf("unexpected temperature %v", req.Temperature)
	}
	if req.TopP != 0.9 || req.FrequencyPenalty != 0.5 || req.PresencePenalty != 0.5 {
		t.Fatalf("unexpected sampling parameters: %+v", req)
	}
	if req.Messages[0].Role != llm.RoleSystem || req.Messages[0].Content != "You write things." {
		t.Fatalf("instructions missing: %+v", req.Messages[0])
	}
}

func TestProcessIncludesHistoryInPrompt(t *testing.T) {
	completion := &stubCompletion{chunks: []string{"ok"}}
	history := &memoryHistory{}
	_ = history.Append(context.Background(), conversation.NewUserMessage("u1", "earlier question"))
	o, _ := newOrchestrator(t, completion, history)

	stream, err := o.Process(context.Background(), Request{
		Message: "follow up",
		AgentID: "writer",
		UserID:  "u1",
		Profile: agent.UserProfile{Interests: []string{"defi"}, CommunicationStyle: "technical"},
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	drain(stream)
	stream.Wait()

	prompt := completion.request().Messages[1].Content
	for _, want := range []string{"[user] earlier question", "Interests: defi", "Communication style: technical", "## Message\nfollow up"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestProcessRateLimitedMakesNoUpstreamCall(t *testing.T) {
	completion := &stubCompletion{chunks: []string{"x"}}
	history := &memoryHistory{}
	o, limiter := newOrchestrator(t, completion, history)
	limiter.allow = false

	_, err := o.Process(context.Background(), Request{Message: "hi", AgentID: "writer", UserID: "u1"})
	if !xerrors.HasCode(err, xerrors.CodeRateLimited) {
		t.Fatalf("expected RATE_LIMITED, got %v", err)
	}
	if completion.calls != 0 || len(history.messages) != 0 || limiter.recorded != 0 {
		t.Fatalf("rate limited request mutated state")
	}
}

func TestProcessUnknownAgent(t *testing.T) {
	completion := &stubCompletion{}
	o, _ := newOrchestrator(t, completion, &memoryHistory{})

	_, err := o.Process(context.Background(), Request{Message: "hi", AgentID: "ghost", UserID: "u1"})
	if !xerrors.HasCode(err, xerrors.CodeAgentNotFound) {
		t.Fatalf("expected AGENT_NOT_FOUND, got %v", err)
	}
	if completion.calls != 0 {
		t.Fatalf("upstream called for unknown agent")
	}
}

func TestProcessUpstreamUnavailableBeforeOutput(t *testing.T) {
	completion := &stubCompletion{openErr: errors.New("connection refused")}
	history := &memoryHistory{}
	o, _ := newOrchestrator(t, completion, history)

	_, err := o.Process(context.Background(), Request{Message: "hi", AgentID: "writer", UserID: "u1"})
	if !xerrors.HasCode(err, xerrors.CodeUpstreamUnavailable) {
		t.Fatalf("expected UPSTREAM_UNAVAILABLE, got %v", err)
	}
	if len(history.messages) != 0 {
		t.Fatalf("messages recorded after failed open")
	}
}

func TestStopAfterFirstFragmentKeepsPartialText(t *testing.T) {
	completion := &stubCompletion{chunks: []string{"Hel", "lo", " world"}}
	history := &memoryHistory{}
	o, _ := newOrchestrator(t, completion, history)

	stream, err := o.Process(context.Background(), Request{Message: "hi", AgentID: "writer", UserID: "u1"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	first := <-stream.Fragments()
	if first != "Hel" {
		t.Fatalf("unexpected first fragment %q", first)
	}
	stream.Stop()
	out := stream.Wait()

	if rest := drain(stream); len(rest) != 0 {
		t.Fatalf("fragments delivered after stop: %q", rest)
	}
	if !out.Stopped || out.Status != StatusStopped || out.Text != "Hel" || out.Err != nil {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if !completion.stream.closed.Load() {
		t.Fatalf("upstream stream not released")
	}
	if replies := history.assistant(); len(replies) != 1 || replies[0].Body != "Hel" {
		t.Fatalf("partial text not preserved: %+v", replies)
	}
}

func TestCallerCancellationStopsStream(t *testing.T) {
	completion := &stubCompletion{chunks: []string{"a", "b"}}
	o, _ := newOrchestrator(t, completion, &memoryHistory{})
	ctx, cancel := context.WithCancel(context.Background())

	stream, err := o.Process(ctx, Request{Message: "hi", AgentID: "writer", UserID: "u1"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	<-stream.Fragments()
	cancel()
	out := stream.Wait()
	if !out.Stopped || out.Text != "a" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestMidStreamErrorYieldsApology(t *testing.T) {
	completion := &stubCompletion{chunks: []string{"Hel"}, tail: errors.New("connection reset by peer")}
	history := &memoryHistory{}
	o, _ := newOrchestrator(t, completion, history)

	stream, err := o.Process(context.Background(), Request{Message: "hi", AgentID: "writer", UserID: "u1"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	got := drain(stream)
	out := stream.Wait()

	if len(got) != 2 || got[0] != "Hel" || got[1] != apologyFragment {
		t.Fatalf("unexpected fragments: %q", got)
	}
	if out.Status != StatusFailed || !xerrors.HasCode(out.Err, xerrors.CodeUpstreamUnavailable) {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.Text != "Hel" {
		t.Fatalf("delivered text lost: %q", out.Text)
	}
}

func TestUnreachableContentUsesFallbackSegment(t *testing.T) {
	completion := &stubCompletion{chunks: []string{"summary"}}
	fetcher := &stubFetcher{}
	o, _ := newOrchestrator(t, completion, &memoryHistory{}, WithContentFetcher(fetcher, fetch.Options{}))

	stream, err := o.Process(context.Background(), Request{
		Message: "Summarize https://example.com/post.",
		AgentID: "website",
		UserID:  "u1",
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	drain(stream)
	out := stream.Wait()

	if len(fetcher.urls) != 1 || fetcher.urls[0] != "https://example.com/post" {
		t.Fatalf("unexpected urls: %v", fetcher.urls)
	}
	if !strings.Contains(completion.request().Messages[1].Content, unreachableSegment) {
		t.Fatalf("fallback segment missing from prompt")
	}
	if !out.Degraded || out.Status != StatusCompleted {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if completion.request().Messages[0].Content != genericInstructions {
		t.Fatalf("generic instructions not used")
	}
}

func TestFetchedContentReachesPrompt(t *testing.T) {
	completion := &stubCompletion{chunks: []string{"summary"}}
	fetcher := &stubFetcher{results: []*fetch.Result{{URL: "https://example.com", Title: "Example", Content: "Body text"}}}
	o, _ := newOrchestrator(t, completion, &memoryHistory{}, WithContentFetcher(fetcher, fetch.Options{}))

	stream, err := o.Process(context.Background(), Request{Message: "read https://example.com", AgentID: "website", UserID: "u1"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	drain(stream)
	out := stream.Wait()

	prompt := completion.request().Messages[1].Content
	if !strings.Contains(prompt, "Title: Example") || !strings.Contains(prompt, "Body text") {
		t.Fatalf("fetched content missing:\n%s", prompt)
	}
	if out.Degraded || len(out.Sources) != 1 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestNonContentAgentSkipsFetch(t *testing.T) {
	fetcher := &stubFetcher{}
	o, _ := newOrchestrator(t, &stubCompletion{chunks: []string{"x"}}, &memoryHistory{}, WithContentFetcher(fetcher, fetch.Options{}))

	stream, err := o.Process(context.Background(), Request{Message: "see https://example.com", AgentID: "writer", UserID: "u1"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	drain(stream)
	stream.Wait()
	if fetcher.urls != nil {
		t.Fatalf("fetch invoked for non content agent")
	}
}

func TestReceiptTrailerAppended(t *testing.T) {
	store := &stubArchive{receipt: archive.Receipt{CID: "bafy123", URL: "https://gateway/ipfs/bafy123"}}
	bus := &stubBroadcaster{}
	o, _ := newOrchestrator(t, &stubCompletion{chunks: []string{"answer"}}, &memoryHistory{},
		WithArchive(store, true), WithRealtime(bus))

	stream, err := o.Process(context.Background(), Request{Message: "hi", AgentID: "writer", UserID: "u1"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	got := drain(stream)
	out := stream.Wait()

	want := "\n\n---\nStored in IPFS: bafy123\nView at: https://gateway/ipfs/bafy123"
	if len(got) != 2 || got[1] != want {
		t.Fatalf("unexpected fragments: %q", got)
	}
	if out.Receipt == nil || out.Receipt.CID != "bafy123" || out.Text != "answer" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(store.submitted) != 1 || store.submitted[0].WalletAddress != web3.AnonymousWallet {
		t.Fatalf("unexpected archived interaction: %+v", store.submitted)
	}
	if len(bus.messages) != 1 || bus.messages[0].Type != EventInteractionCompleted {
		t.Fatalf("completion event not broadcast: %+v", bus.messages)
	}
}

func TestArchiveFailureDoesNotRetractAnswer(t *testing.T) {
	store := &stubArchive{err: xerrors.New(xerrors.CodeArchiveFailure, "pinata down")}
	history := &memoryHistory{}
	o, _ := newOrchestrator(t, &stubCompletion{chunks: []string{"answer"}}, history, WithArchive(store, true))

	stream, err := o.Process(context.Background(), Request{Message: "hi", AgentID: "writer", UserID: "u1"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	got := drain(stream)
	out := stream.Wait()

	if len(got) != 2 || got[1] != archiveFailed {
		t.Fatalf("unexpected fragments: %q", got)
	}
	if out.Status != StatusCompleted || out.Receipt != nil {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(history.assistant()) != 1 {
		t.Fatalf("answer not recorded")
	}
}

func TestUnconfirmedPaymentArchivedAsTrial(t *testing.T) {
	store := &stubArchive{}
	o, _ := newOrchestrator(t, &stubCompletion{chunks: []string{"answer"}}, &memoryHistory{},
		WithArchive(store, false), WithPaymentVerifier(stubPayments{confirmed: false}, time.Second))

	hash := "0x" + strings.Repeat("ab", 32)
	stream, err := o.Process(context.Background(), Request{Message: "hi", AgentID: "writer", UserID: "u1", TransactionHash: hash})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	drain(stream)
	stream.Wait()

	if len(store.submitted) != 1 {
		t.Fatalf("interaction not submitted")
	}
	if got := store.submitted[0].TransactionType; got != web3.TransactionTrial {
		t.Fatalf("unconfirmed payment classified as %s", got)
	}
}

func TestExtractURLs(t *testing.T) {
	got := extractURLs("see https://a.com/x, and (http://b.org/y). again https://a.com/x")
	if len(got) != 2 || got[0] != "https://a.com/x" || got[1] != "http://b.org/y" {
		t.Fatalf("unexpected urls: %v", got)
	}
	if extractURLs("no links here") != nil {
		t.Fatalf("expected no urls")
	}
}

func TestHealthReportsFailingCompletion(t *testing.T) {
	completion := &stubCompletion{pingErr: errors.New("down")}
	o, _ := newOrchestrator(t, completion, &memoryHistory{}, WithRealtime(&stubBroadcaster{}))
	o.healthTimeout = time.Second

	report := o.Health(context.Background())
	if report.Completion || !report.Fetch || !report.Realtime || !report.Persistence {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.Healthy() {
		t.Fatalf("report should not be healthy")
	}
}

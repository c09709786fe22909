package pump

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blesync/internal/stream"
	"github.com/srg/blesync/internal/testutils"
)

var errSendFailed = errors.New("send failed")

type mockSender struct {
	mock.Mock
	mu   sync.Mutex
	sent []string
}

func (m *mockSender) Send(ctx context.Context, body string) error {
	err := m.Called(body).Error(0)
	if err == nil {
		m.mu.Lock()
		m.sent = append(m.sent, body)
		m.mu.Unlock()
	}
	return err
}

func (m *mockSender) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

type chanProvider struct {
	ch chan string

	mu   sync.Mutex
	ctxs []context.Context
}

func newChanProvider(size int) *chanProvider {
	return &chanProvider{ch: make(chan string, size)}
}

func (p *chanProvider) Subscribe(ctx context.Context) <-chan string {
	p.mu.Lock()
	p.ctxs = append(p.ctxs, ctx)
	p.mu.Unlock()
	return p.ch
}

func (p *chanProvider) subscription(i int) context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ctxs[i]
}

type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) {
	r.mu.Lock()
	r.sleeps = append(r.sleeps, d)
	r.mu.Unlock()
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.sleeps...)
}

type PumpSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	sender *mockSender
	sleeps *sleepRecorder
}

func TestPumpSuite(t *testing.T) {
	suite.Run(t, new(PumpSuite))
}

func (s *PumpSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.sender = &mockSender{}
	s.sleeps = &sleepRecorder{}
}

func (s *PumpSuite) newPump(opts Options) *Pump {
	p := New(s.sender, opts, s.helper.Logger)
	p.sleep = s.sleeps.sleep
	return p
}

func (s *PumpSuite) TestDefaults() {
	p := New(s.sender, Options{}, nil)
	s.Equal(10, p.Options().MaxBatch)
	s.Equal(800*time.Millisecond, p.Options().FlushInterval)
	s.Equal(DefaultSchedule, p.Options().Schedule)
}

func (s *PumpSuite) TestDeliverRetriesOnScheduleUntilSuccess() {
	s.sender.On("Send", "r1").Return(errSendFailed).Times(3)
	s.sender.On("Send", "r1").Return(nil).Once()

	p := s.newPump(Options{})
	s.True(p.deliver(context.Background(), "b", "r1"), "record MUST be delivered on the fourth attempt")

	s.sender.AssertNumberOfCalls(s.T(), "Send", 4)
	s.Equal([]time.Duration{500 * time.Millisecond, 1500 * time.Millisecond, 3000 * time.Millisecond}, s.sleeps.recorded())
}

func (s *PumpSuite) TestDeliverAbandonsAfterFourAttempts() {
	s.sender.On("Send", "r1").Return(errSendFailed)

	p := s.newPump(Options{})
	s.False(p.deliver(context.Background(), "b", "r1"))

	s.sender.AssertNumberOfCalls(s.T(), "Send", 4)
	s.Len(s.sleeps.recorded(), 3)
}

func (s *PumpSuite) TestFlushesWhenBatchIsFull() {
	s.sender.On("Send", mock.Anything).Return(nil)
	provider := newChanProvider(3)
	provider.ch <- "a"
	provider.ch <- "b"
	provider.ch <- "c"

	p := s.newPump(Options{MaxBatch: 3, FlushInterval: time.Hour})
	p.Start(provider)
	defer p.Stop()

	s.Eventually(func() bool { return len(s.sender.Sent()) == 3 }, 2*time.Second, 5*time.Millisecond)
	s.Equal([]string{"a", "b", "c"}, s.sender.Sent(), "records in a batch MUST be sent in arrival order")
}

func (s *PumpSuite) TestFlushesOnInterval() {
	s.sender.On("Send", mock.Anything).Return(nil)
	provider := newChanProvider(2)
	provider.ch <- "a"
	provider.ch <- "b"

	p := s.newPump(Options{MaxBatch: 10, FlushInterval: 20 * time.Millisecond})
	p.Start(provider)
	defer p.Stop()

	s.Eventually(func() bool { return len(s.sender.Sent()) == 2 }, 2*time.Second, 5*time.Millisecond)
}

func (s *PumpSuite) TestEmptyBatchesAreNotSent() {
	p := s.newPump(Options{FlushInterval: 5 * time.Millisecond})
	p.Start(newChanProvider(0))

	time.Sleep(50 * time.Millisecond)
	p.Stop()
	p.Wait()

	s.sender.AssertNotCalled(s.T(), "Send", mock.Anything)
}

func (s *PumpSuite) TestQueueDropsOldestOnOverflow() {
	p := s.newPump(Options{MaxBatch: 3})
	records := make(chan string, 5)
	for _, r := range []string{"a", "b", "c", "d", "e"} {
		records <- r
	}
	close(records)

	queue := stream.NewRingChannel[string](3)
	p.ingest(context.Background(), records, queue)

	var kept []string
	for r := range queue.C() {
		kept = append(kept, r)
	}
	s.Equal([]string{"c", "d", "e"}, kept)
	s.EqualValues(2, queue.Dropped())
}

func (s *PumpSuite) TestFailingBatchDoesNotBlockLaterBatches() {
	release := make(chan struct{})
	firstAttempt := make(chan struct{})
	var firstOnce sync.Once
	s.sender.On("Send", "stuck").Return(errSendFailed).Run(func(mock.Arguments) {
		firstOnce.Do(func() { close(firstAttempt) })
	})
	s.sender.On("Send", "next").Return(nil)

	provider := newChanProvider(1)
	p := New(s.sender, Options{MaxBatch: 1, FlushInterval: time.Hour}, s.helper.Logger)
	p.sleep = func(ctx context.Context, d time.Duration) { <-release }

	p.Start(provider)
	provider.ch <- "stuck"
	// a one-slot queue drops "stuck" if "next" arrives before it is batched
	select {
	case <-firstAttempt:
	case <-time.After(2 * time.Second):
		s.FailNow("first batch MUST be sent")
	}
	provider.ch <- "next"

	s.Eventually(func() bool { return len(s.sender.Sent()) == 1 }, 2*time.Second, 5*time.Millisecond,
		"a retrying batch MUST NOT hold back the next one")

	close(release)
	p.Stop()
	p.Wait()

	s.Equal([]string{"next"}, s.sender.Sent())
	s.sender.AssertNumberOfCalls(s.T(), "Send", 5)
}

func (s *PumpSuite) TestStopDropsBufferedRecords() {
	provider := newChanProvider(2)
	provider.ch <- "a"
	provider.ch <- "b"

	p := s.newPump(Options{MaxBatch: 10, FlushInterval: time.Hour})
	p.Start(provider)
	p.Stop()
	p.Wait()

	s.sender.AssertNotCalled(s.T(), "Send", mock.Anything)
}

func (s *PumpSuite) TestProviderEndFlushesPending() {
	s.sender.On("Send", mock.Anything).Return(nil)
	provider := newChanProvider(2)
	provider.ch <- "a"
	provider.ch <- "b"
	close(provider.ch)

	p := s.newPump(Options{MaxBatch: 10, FlushInterval: time.Hour})
	p.Start(provider)
	p.Wait()

	s.Equal([]string{"a", "b"}, s.sender.Sent())
}

func (s *PumpSuite) TestStartReplacesSubscription() {
	provider := newChanProvider(0)
	p := s.newPump(Options{})
	p.Start(provider)
	p.Start(provider)
	defer p.Stop()

	s.Error(provider.subscription(0).Err(), "restarting MUST cancel the previous subscription")
	s.NoError(provider.subscription(1).Err())
}

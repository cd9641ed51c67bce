package signal

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"skytrader/internal/core"
	"skytrader/internal/trading/lifecycle"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               {}
func (m *mockLogger) Info(msg string, f ...interface{})                {}
func (m *mockLogger) Warn(msg string, f ...interface{})                {}
func (m *mockLogger) Error(msg string, f ...interface{})               {}
func (m *mockLogger) Fatal(msg string, f ...interface{})               {}
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *recordingNotifier) Alert(ctx context.Context, title, message string, level core.AlertLevel, fields map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
}

func (n *recordingNotifier) count(title string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, t := range n.titles {
		if t == title {
			c++
		}
	}
	return c
}

var errVenueDown = errors.New("venue down")

type fakeCommander struct {
	mu       sync.Mutex
	opens    []lifecycle.OpenRequest
	closes   int
	openErr  error
	closeRes *lifecycle.Result
}

func (c *fakeCommander) Open(ctx context.Context, req lifecycle.OpenRequest) (*lifecycle.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opens = append(c.opens, req)
	if c.openErr != nil {
		return nil, c.openErr
	}
	lev := req.Leverage
	if lev == 0 {
		lev = 20
	}
	return &lifecycle.Result{
		Outcome:   lifecycle.OutcomeConfirmed,
		Direction: req.Direction,
		Price:     decimal.RequireFromString("0.2"),
		Quantity:  decimal.NewFromInt(100),
		Leverage:  lev,
	}, nil
}

func (c *fakeCommander) Close(ctx context.Context) (*lifecycle.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	if c.closeRes != nil {
		return c.closeRes, nil
	}
	return &lifecycle.Result{Outcome: lifecycle.OutcomeNothingToClose}, nil
}

func (c *fakeCommander) openCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.opens)
}

func (c *fakeCommander) lastOpen() lifecycle.OpenRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens[len(c.opens)-1]
}

// fakeSource is a timeframe source that blocks until cancelled
type fakeSource struct {
	name string
	tf   string
	err  error
	runs atomic.Int32
}

func (s *fakeSource) Name() string      { return s.name }
func (s *fakeSource) Timeframe() string { return s.tf }

func (s *fakeSource) Run(ctx context.Context) error {
	s.runs.Add(1)
	if s.err != nil {
		return s.err
	}
	<-ctx.Done()
	return nil
}

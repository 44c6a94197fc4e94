package gateway_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/painlessmesh/gomesh/pkg/mesh/callback"
	"github.com/painlessmesh/gomesh/pkg/mesh/gateway"
	"github.com/painlessmesh/gomesh/pkg/mesh/ids"
	"github.com/painlessmesh/gomesh/pkg/mesh/protocol"
	"github.com/painlessmesh/gomesh/pkg/mesh/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestClassifySuccessStatuses(t *testing.T) {
	for _, status := range []int{200, 201, 202, 204} {
		outcome := gateway.Classify(status, nil)
		assert.True(t, outcome.Success, "status %d", status)
		assert.False(t, outcome.Retryable, "status %d", status)
	}
}

func TestClassify203IsFailureButRetryable(t *testing.T) {
	outcome := gateway.Classify(203, nil)
	assert.False(t, outcome.Success)
	assert.True(t, outcome.Retryable)
}

func TestClassify429IsRetryable(t *testing.T) {
	outcome := gateway.Classify(429, nil)
	assert.False(t, outcome.Success)
	assert.True(t, outcome.Retryable)
}

func TestClassifyOther4xxIsNonRetryable(t *testing.T) {
	outcome := gateway.Classify(404, nil)
	assert.False(t, outcome.Success)
	assert.False(t, outcome.Retryable)
}

func TestClassify5xxIsRetryable(t *testing.T) {
	outcome := gateway.Classify(503, nil)
	assert.False(t, outcome.Success)
	assert.True(t, outcome.Retryable)
}

func TestClassifyTransportErrorIsRetryable(t *testing.T) {
	outcome := gateway.Classify(0, errors.New("connection reset"))
	assert.False(t, outcome.Success)
	assert.True(t, outcome.Retryable)
}

type fakeSender struct {
	selfId ids.NodeId
	sent   chan protocol.GatewayDataPayload
}

func (f *fakeSender) SelfId() ids.NodeId { return f.selfId }

func (f *fakeSender) SendSingle(dest ids.NodeId, t ids.MessageType, priority ids.Priority, payload interface{}) error {
	if req, ok := payload.(protocol.GatewayDataPayload); ok {
		f.sent <- req
	}
	return nil
}

func ackVariant(t *testing.T, ack protocol.GatewayAckPayload) protocol.Variant {
	t.Helper()
	data, err := protocol.Build(ids.TypeGatewayAck, 2, 1, ids.RoutingNeighbor, ack)
	require.NoError(t, err)
	v, err := protocol.Parse(data)
	require.NoError(t, err)
	return v
}

func TestClientDoReturnsImmediatelyOnSuccess(t *testing.T) {
	defer goleak.VerifyNone(t)
	sender := &fakeSender{selfId: 1, sent: make(chan protocol.GatewayDataPayload, 1)}
	sched := scheduler.New(time.Now)
	callbacks := callback.NewList()
	lookup := func() (ids.NodeId, bool) { return 2, true }

	client := gateway.NewClient(sender, lookup, sched, callbacks, nil)

	go func() {
		req := <-sender.sent
		callbacks.Dispatch(ackVariant(t, protocol.GatewayAckPayload{
			MessageId: req.MessageId, Success: true, HTTPStatus: 200,
		}), nil, 0)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ack, err := client.Do(ctx, "GET", "http://example.invalid", "")
	require.NoError(t, err)
	assert.True(t, ack.Success)
}

func TestClientDoFailsFastWithNoUplink(t *testing.T) {
	sender := &fakeSender{selfId: 1, sent: make(chan protocol.GatewayDataPayload, 1)}
	sched := scheduler.New(time.Now)
	callbacks := callback.NewList()
	lookup := func() (ids.NodeId, bool) { return 0, false }

	client := gateway.NewClient(sender, lookup, sched, callbacks, nil)
	_, err := client.Do(context.Background(), "GET", "http://example.invalid", "")
	assert.ErrorIs(t, err, gateway.ErrNoUplink)
}

// serverFakeSender captures GATEWAY_ACK payloads sent by a Server under
// test instead of requiring a real connection.
type serverFakeSender struct {
	selfId ids.NodeId
	acks   chan protocol.GatewayAckPayload
}

func (f *serverFakeSender) SelfId() ids.NodeId { return f.selfId }

func (f *serverFakeSender) SendSingle(dest ids.NodeId, t ids.MessageType, priority ids.Priority, payload interface{}) error {
	if ack, ok := payload.(protocol.GatewayAckPayload); ok {
		f.acks <- ack
	}
	return nil
}

type fakeHTTPDoer struct {
	called bool
	resp   *http.Response
	err    error
}

func (f *fakeHTTPDoer) Do(req *http.Request) (*http.Response, error) {
	f.called = true
	return f.resp, f.err
}

func dataRequestVariant(t *testing.T, req protocol.GatewayDataPayload) protocol.Variant {
	t.Helper()
	data, err := protocol.Build(ids.TypeGatewayData, 2, 1, ids.RoutingSingle, req)
	require.NoError(t, err)
	v, err := protocol.Parse(data)
	require.NoError(t, err)
	return v
}

func TestHandleRequestRepliesWiFiNotConnectedWithoutCallingHTTPClient(t *testing.T) {
	sender := &serverFakeSender{selfId: 1, acks: make(chan protocol.GatewayAckPayload, 1)}
	client := &fakeHTTPDoer{}
	callbacks := callback.NewList()
	wifiConnected := func() bool { return false }

	gateway.NewServer(sender, client, wifiConnected, callbacks, nil)

	v := dataRequestVariant(t, protocol.GatewayDataPayload{MessageId: 1, URL: "http://example.invalid"})
	callbacks.Dispatch(v, nil, 0)

	ack := <-sender.acks
	assert.False(t, ack.Success)
	assert.False(t, ack.Retryable)
	assert.Equal(t, gateway.ErrWiFiNotConnected, ack.Error)
	assert.False(t, client.called, "HTTP client must not be invoked once the WiFi pre-flight check fails")
}

func TestHandleRequestRepliesNoWANAccessWhenDNSLookupFailsWithoutCallingHTTPClient(t *testing.T) {
	sender := &serverFakeSender{selfId: 1, acks: make(chan protocol.GatewayAckPayload, 1)}
	client := &fakeHTTPDoer{}
	callbacks := callback.NewList()
	wifiConnected := func() bool { return true }

	s := gateway.NewServer(sender, client, wifiConnected, callbacks, nil)
	s.LookupHost = func(host string) ([]string, error) {
		return nil, errors.New("no such host")
	}

	v := dataRequestVariant(t, protocol.GatewayDataPayload{MessageId: 2, URL: "http://example.invalid"})
	callbacks.Dispatch(v, nil, 0)

	ack := <-sender.acks
	assert.False(t, ack.Success)
	assert.False(t, ack.Retryable)
	assert.Equal(t, gateway.ErrNoWANAccess, ack.Error)
	assert.False(t, client.called, "HTTP client must not be invoked once the WAN connectivity check fails")
}

func TestHandleRequestProceedsToHTTPWhenConnectivityChecksPass(t *testing.T) {
	sender := &serverFakeSender{selfId: 1, acks: make(chan protocol.GatewayAckPayload, 1)}
	client := &fakeHTTPDoer{resp: &http.Response{StatusCode: 200, Body: http.NoBody}}
	callbacks := callback.NewList()
	wifiConnected := func() bool { return true }

	s := gateway.NewServer(sender, client, wifiConnected, callbacks, nil)
	s.LookupHost = func(host string) ([]string, error) {
		return []string{"127.0.0.1"}, nil
	}

	v := dataRequestVariant(t, protocol.GatewayDataPayload{MessageId: 3, URL: "http://example.invalid"})
	callbacks.Dispatch(v, nil, 0)

	ack := <-sender.acks
	assert.True(t, ack.Success)
	assert.True(t, client.called)
}

package httpcap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/realmbridge/realmbridge/pkg/bridge"
)

// Dispatcher sends capability invocations to remote realms over HTTP. It is
// the bridge.Dispatcher for descriptors whose endpoint is a network address.
type Dispatcher struct {
	client *http.Client
}

// NewDispatcher creates an HTTP dispatcher. client may be nil for a default
// with a 30s timeout; per-request deadlines still come from ctx.
func NewDispatcher(client *http.Client) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Dispatcher{client: client}
}

// Dispatch posts the invocation to the descriptor's endpoint. A transport
// deadline surfaces as a TIMEOUT failure envelope so the coordinator's retry
// policy applies uniformly to local and remote steps.
func (d *Dispatcher) Dispatch(ctx context.Context, desc *bridge.CapabilityDescriptor, params map[string]any, tc bridge.TraceContext) (*bridge.InvocationResult, error) {
	endpoint, err := invokeURL(desc)
	if err != nil {
		return nil, bridge.NewInvocationError("bad endpoint for "+desc.Key(), err).WithCapability(desc.Key())
	}

	body, err := json.Marshal(invokeRequest{Params: params})
	if err != nil {
		return nil, bridge.NewInvocationError("params are not serializable", err).WithCapability(desc.Key())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, bridge.NewInvocationError("failed to build request", err).WithCapability(desc.Key())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTraceID, tc.TraceID)
	req.Header.Set(HeaderSpanID, tc.SpanID)
	if tc.ParentSpanID != "" {
		req.Header.Set(HeaderParentSpanID, tc.ParentSpanID)
	}
	req.Header.Set(HeaderCallerIdentity, tc.CallerIdentity)
	if tc.AuthorizationToken != "" {
		req.Header.Set("Authorization", tc.AuthorizationToken)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return bridge.Failure(bridge.ErrorKindTimeout, "invocation of "+desc.Key()+" timed out"), nil
		}
		return bridge.Failure(bridge.ErrorKindInvocation, "invocation of "+desc.Key()+" failed: "+err.Error()), nil
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return bridge.Failure(bridge.ErrorKindInvocation, "failed to read response from "+desc.Key()+": "+err.Error()), nil
	}

	var result bridge.InvocationResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return bridge.Failure(bridge.ErrorKindInvocation,
			fmt.Sprintf("unreadable response from %s (status %d)", desc.Key(), resp.StatusCode)), nil
	}
	return &result, nil
}

// invokeURL builds the invocation URL from the descriptor's endpoint and
// capability name.
func invokeURL(desc *bridge.CapabilityDescriptor) (string, error) {
	base, err := url.Parse(strings.TrimSuffix(desc.Endpoint, "/"))
	if err != nil {
		return "", err
	}
	return base.String() + "/v1/capabilities/" + url.PathEscape(desc.Name) + "/invoke", nil
}

var _ bridge.Dispatcher = (*Dispatcher)(nil)

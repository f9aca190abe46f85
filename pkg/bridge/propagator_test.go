package bridge

import (
	"testing"
)

func TestNewRootContext(t *testing.T) {
	tc := NewRootContext("user:alice", "bearer xyz")

	if tc.TraceID == "" {
		t.Fatal("expected non-empty trace id")
	}
	if tc.SpanID == "" {
		t.Fatal("expected non-empty span id")
	}
	if tc.ParentSpanID != "" {
		t.Errorf("root context must have no parent span, got %q", tc.ParentSpanID)
	}
	if tc.CallerIdentity != "user:alice" {
		t.Errorf("expected caller identity user:alice, got %q", tc.CallerIdentity)
	}
	if tc.AuthorizationToken != "bearer xyz" {
		t.Errorf("authorization token not carried")
	}
}

func TestNewRootContextUniqueness(t *testing.T) {
	a := NewRootContext("user:alice", "")
	b := NewRootContext("user:alice", "")

	if a.TraceID == b.TraceID {
		t.Error("two root contexts must not share a trace id")
	}
	if a.SpanID == b.SpanID {
		t.Error("two root contexts must not share a span id")
	}
}

func TestChildOf(t *testing.T) {
	root := NewRootContext("user:alice", "bearer xyz")
	child := ChildOf(root)

	if child.TraceID != root.TraceID {
		t.Errorf("child must keep the trace id: got %q, want %q", child.TraceID, root.TraceID)
	}
	if child.SpanID == root.SpanID {
		t.Error("child must get a fresh span id")
	}
	if child.ParentSpanID != root.SpanID {
		t.Errorf("child's parent span must be the root's span: got %q, want %q", child.ParentSpanID, root.SpanID)
	}
	if child.CallerIdentity != root.CallerIdentity {
		t.Error("caller identity must propagate unchanged")
	}
	if child.AuthorizationToken != root.AuthorizationToken {
		t.Error("authorization token must propagate unchanged")
	}
}

func TestChildOfChain(t *testing.T) {
	root := NewRootContext("svc:orders", "")
	hop1 := ChildOf(root)
	hop2 := ChildOf(hop1)

	if hop2.TraceID != root.TraceID {
		t.Error("trace id must be stable across the whole chain")
	}
	if hop2.ParentSpanID != hop1.SpanID {
		t.Error("each hop's parent must be the previous hop")
	}
	seen := map[string]bool{root.SpanID: true}
	for _, tc := range []TraceContext{hop1, hop2} {
		if seen[tc.SpanID] {
			t.Fatalf("duplicate span id %q in chain", tc.SpanID)
		}
		seen[tc.SpanID] = true
	}
}

func TestValidateContext(t *testing.T) {
	tests := []struct {
		name    string
		tc      TraceContext
		wantErr bool
	}{
		{
			name:    "valid",
			tc:      TraceContext{TraceID: "t1", SpanID: "s1", CallerIdentity: "user:alice"},
			wantErr: false,
		},
		{
			name:    "missing trace id",
			tc:      TraceContext{SpanID: "s1", CallerIdentity: "user:alice"},
			wantErr: true,
		},
		{
			name:    "whitespace trace id",
			tc:      TraceContext{TraceID: "   ", SpanID: "s1", CallerIdentity: "user:alice"},
			wantErr: true,
		},
		{
			name:    "missing caller identity",
			tc:      TraceContext{TraceID: "t1", SpanID: "s1"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateContext(tt.tc)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				if KindOf(err) != ErrorKindInvalidContext {
					t.Errorf("expected INVALID_CONTEXT, got %s", KindOf(err))
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

package rewrite

import (
	"net/http"
	"testing"
)

func TestHeadersStripsCredentialAndHopByHop(t *testing.T) {
	in := http.Header{}
	in.Set("Authorization", "Bearer client-key")
	in.Set("Cookie", "should-not-pass")
	in.Set("Connection", "close")
	in.Set("Content-Length", "123")
	in.Set("X-Custom", "keep-me")

	out := Headers(in, Policy{AccessToken: "upstream-token", HasBody: true})

	if got := out.Get("Authorization"); got != "Bearer upstream-token" {
		t.Fatalf("Authorization = %q, want rewritten bearer", got)
	}
	if out.Get("Content-Length") != "" {
		t.Fatalf("Content-Length should be stripped, got %q", out.Get("Content-Length"))
	}
	if out.Get("X-Custom") != "keep-me" {
		t.Fatalf("unrelated header should pass through unchanged")
	}
	if out.Get("Connection") != "Keep-Alive" {
		t.Fatalf("Connection should be overwritten to Keep-Alive, got %q", out.Get("Connection"))
	}
}

func TestHeadersAcceptReflectsStreaming(t *testing.T) {
	in := http.Header{}
	out := Headers(in, Policy{AccessToken: "t", Streaming: true})
	if out.Get("Accept") != "text/event-stream" {
		t.Fatalf("Accept = %q, want text/event-stream", out.Get("Accept"))
	}

	out = Headers(in, Policy{AccessToken: "t", Streaming: false})
	if out.Get("Accept") != "application/json" {
		t.Fatalf("Accept = %q, want application/json", out.Get("Accept"))
	}
}

func TestSessionIDDerivationIsDeterministicAndValidUUID(t *testing.T) {
	in := http.Header{}
	in.Set("x-codex-sticky", "sticky-value")

	out1 := Headers(in, Policy{AccessToken: "t"})
	out2 := Headers(in, Policy{AccessToken: "t"})

	id1 := out1.Get("session_id")
	id2 := out2.Get("session_id")
	if id1 == "" || id1 != id2 {
		t.Fatalf("expected deterministic non-empty session_id, got %q and %q", id1, id2)
	}
	if id1[14] != '4' {
		t.Fatalf("session_id version nibble = %q, want '4'", string(id1[14]))
	}
	switch id1[19] {
	case '8', '9', 'a', 'b':
	default:
		t.Fatalf("session_id variant nibble = %q, want 8/9/a/b", string(id1[19]))
	}
}

func TestSessionIDPrefersIncomingHeader(t *testing.T) {
	in := http.Header{}
	in.Set("session_id", "client-supplied-id")
	out := Headers(in, Policy{AccessToken: "t"})
	if out.Get("session_id") != "client-supplied-id" {
		t.Fatalf("session_id = %q, want passthrough of client value", out.Get("session_id"))
	}
}

func TestSessionIDStripAffinityAlwaysFresh(t *testing.T) {
	in := http.Header{}
	in.Set("session_id", "client-supplied-id")
	out := Headers(in, Policy{AccessToken: "t", StripAffinity: true})
	if out.Get("session_id") == "client-supplied-id" {
		t.Fatalf("affinity-stripped session_id should not reuse client value")
	}
}

func TestConversationIDForwardingRespectsAffinityPolicy(t *testing.T) {
	in := http.Header{}
	in.Set("conversation_id", "conv-1")

	out := Headers(in, Policy{AccessToken: "t", StripAffinity: false})
	if out.Get("conversation_id") != "conv-1" {
		t.Fatalf("conversation_id should forward when affinity is on")
	}

	out = Headers(in, Policy{AccessToken: "t", StripAffinity: true})
	if out.Get("conversation_id") != "" {
		t.Fatalf("conversation_id should not forward when affinity is stripped")
	}
}

func TestRewriteAppendsClientVersionForModelsEndpoint(t *testing.T) {
	got, err := Rewrite("https://chatgpt.com/backend-api/codex", "/v1/models", "")
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if got != "https://chatgpt.com/backend-api/codex/models?client_version="+defaultClientVersion {
		t.Fatalf("unexpected rewritten URL: %s", got)
	}
}

func TestRewriteStripsV1PrefixWhenBaseEndsInBackendAPICodex(t *testing.T) {
	got, err := Rewrite("https://chatgpt.com/backend-api/codex", "/v1/responses", "")
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if got != "https://chatgpt.com/backend-api/codex/responses" {
		t.Fatalf("unexpected rewritten URL: %s", got)
	}
}

func TestRewriteLeavesPathAloneForOtherBases(t *testing.T) {
	got, err := Rewrite("https://example.com/api", "/v1/responses", "")
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if got != "https://example.com/api/v1/responses" {
		t.Fatalf("unexpected rewritten URL: %s", got)
	}
}

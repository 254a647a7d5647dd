package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/warden-proxy/warden/httpmsg"
)

func makeReq(host, target, body string, headers ...[2]string) *httpmsg.Request {
	h := httpmsg.NewHeader()
	for _, kv := range headers {
		h.Add(kv[0], kv[1])
	}
	return &httpmsg.Request{
		Method: "GET",
		Host:   host,
		Target: target,
		Header: h,
		Body:   []byte(body),
	}
}

func TestEvaluateDomains(t *testing.T) {
	lists := Blocklists{Domains: []string{"*.bad.test", "exact.test"}}

	cases := map[string]struct {
		host string
		want Decision
	}{
		"strict subdomain blocked":     {"x.bad.test", Block},
		"deep subdomain blocked":       {"a.b.bad.test", Block},
		"apex not matched by wildcard": {"bad.test", Allow},
		"exact match blocked":          {"exact.test", Block},
		"exact is not a suffix rule":   {"sub.exact.test", Allow},
		"case insensitive":             {"X.BAD.Test", Block},
		"unrelated host":               {"ok.test", Allow},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			got := Evaluate(makeReq(c.host, "/", ""), ModeFilter, lists)
			assert.Equal(t, c.want, got)
		})
	}
}

func TestEvaluateKeywords(t *testing.T) {
	lists := Blocklists{Keywords: []string{"secret"}}

	cases := map[string]struct {
		req  *httpmsg.Request
		want Decision
	}{
		"keyword in path":   {makeReq("ok.test", "/path?q=secret", ""), Block},
		"keyword in body":   {makeReq("ok.test", "/", `{"k":"SeCrEt"}`), Block},
		"keyword in header": {makeReq("ok.test", "/", "", [2]string{"X-Token", "topsecret99"}), Block},
		"clean request":     {makeReq("ok.test", "/path", "payload"), Allow},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, c.want, Evaluate(c.req, ModeFilter, lists))
		})
	}
}

func TestEvaluateInterceptMode(t *testing.T) {
	lists := Blocklists{Domains: []string{"*.bad.test"}}

	// blocklists short-circuit even in intercept mode
	assert.Equal(t, Block, Evaluate(makeReq("x.bad.test", "/", ""), ModeIntercept, lists))
	// everything else goes to review
	assert.Equal(t, Review, Evaluate(makeReq("ok.test", "/", ""), ModeIntercept, lists))
}

func TestEvaluateEmptyListsNeverMatch(t *testing.T) {
	assert.Equal(t, Allow, Evaluate(makeReq("any.test", "/secret", "secret"), ModeFilter, Blocklists{}))
}

func TestEvaluateIPLiteralHost(t *testing.T) {
	lists := Blocklists{Domains: []string{"10.0.0.1", "*.bad.test"}}
	assert.Equal(t, Block, Evaluate(makeReq("10.0.0.1", "/", ""), ModeFilter, lists))
	assert.Equal(t, Allow, Evaluate(makeReq("10.0.0.2", "/", ""), ModeFilter, lists))
}

func TestEvaluateIsPure(t *testing.T) {
	req := makeReq("ok.test", "/q", "data")
	lists := Blocklists{Keywords: []string{"nope"}}
	first := Evaluate(req, ModeIntercept, lists)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Evaluate(req, ModeIntercept, lists))
	}
}

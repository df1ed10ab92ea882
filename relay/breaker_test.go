package relay

import (
	"errors"
	"syscall"
	"testing"

	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultBreakerClassifier(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		resp *Response
		err  error
		want bool
	}{
		{"given a 500 response, then failure", &Response{StatusCode: 500}, nil, true},
		{"given a 503 response, then failure", &Response{StatusCode: 503}, nil, true},
		{"given a 429 response, then not a failure", &Response{StatusCode: 429}, nil, false},
		{"given a 200 response, then not a failure", &Response{StatusCode: 200}, nil, false},
		{"given connection refused, then failure", nil, syscall.ECONNREFUSED, true},
		{"given a non-network error, then not a failure", nil, errors.New("parse error"), false},
		{"given no outcome, then not a failure", nil, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, DefaultBreakerClassifier(tt.resp, tt.err))
		})
	}
}

func TestBreakerGroup_PerOriginIsolation(t *testing.T) {
	t.Parallel()

	cfg := DefaultBreakerConfig()
	cfg.ConsecutiveFailures = 1
	g := newBreakerGroup(cfg)

	a := Origin{Scheme: "http", Host: "a", Port: 80}
	b := Origin{Scheme: "http", Host: "b", Port: 80}

	cbA := g.forOrigin(a)
	assert.Same(t, cbA, g.forOrigin(a), "same origin reuses the breaker")

	// Trip origin A.
	_, err := cbA.Execute(func() (*Response, error) {
		return nil, &breakerFailure{err: errors.New("boom")}
	})
	require.Error(t, err)
	assert.Equal(t, gobreaker.StateOpen, cbA.State())

	// Origin B is untouched.
	assert.Equal(t, gobreaker.StateClosed, g.forOrigin(b).State())
}

func TestBreakerGroup_UnclassifiedErrorsDoNotTrip(t *testing.T) {
	t.Parallel()

	cfg := DefaultBreakerConfig()
	cfg.ConsecutiveFailures = 1
	g := newBreakerGroup(cfg)

	cb := g.forOrigin(Origin{Scheme: "http", Host: "a", Port: 80})

	// A plain error passes through without counting as a breaker failure.
	_, err := cb.Execute(func() (*Response, error) {
		return nil, errors.New("pool exhausted")
	})
	require.Error(t, err)
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestBreakerFailure_WrapsCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	bf := &breakerFailure{err: cause}
	assert.ErrorIs(t, bf, cause)
	assert.Equal(t, "boom", bf.Error())

	empty := &breakerFailure{}
	assert.NotEmpty(t, empty.Error())
}

package model

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hupe1980/spacebot/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	transient := StatusCodeSet(DefaultTransientStatusCodes)

	cases := []struct {
		name      string
		err       error
		class     StatusClass
		retriable bool
	}{
		{"429", &StatusError{StatusCode: 429, Err: errors.New("slow down")}, ClassRateLimited, true},
		{"503", &StatusError{StatusCode: 503, Err: errors.New("unavailable")}, ClassServerTransient, true},
		{"400", &StatusError{StatusCode: 400, Err: errors.New("bad request")}, ClassFatal, false},
		{"wrapped 502", errors.Join(errors.New("ctx"), &StatusError{StatusCode: 502}), ClassServerTransient, true},
		{"classified", NewRetriableError(ClassRateLimited, 0, errors.New("quota")), ClassRateLimited, true},
		{"fatal", &FatalError{Err: errors.New("auth")}, ClassFatal, false},
		{"plain", errors.New("dial tcp"), ClassFatal, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			class, retriable := Classify(tc.err, transient)
			assert.Equal(t, tc.class, class)
			assert.Equal(t, tc.retriable, retriable)
		})
	}
}

func TestClassify_CustomTransientSet(t *testing.T) {
	class, retriable := Classify(&StatusError{StatusCode: 503}, StatusCodeSet([]int{500}))
	assert.Equal(t, ClassFatal, class)
	assert.False(t, retriable)
}

func TestStatusCodeOf(t *testing.T) {
	assert.Equal(t, 429, StatusCodeOf(NewRetriableError(ClassRateLimited, 429, nil)))
	assert.Equal(t, 0, StatusCodeOf(errors.New("x")))
}

func TestScriptedCompleter_QueuesPerModel(t *testing.T) {
	sc := NewScriptedCompleter().
		Reply("a", NewTextResponse("first"), NewTextResponse("second")).
		Fail("b", &StatusError{StatusCode: 503})

	r, err := sc.Complete(context.Background(), "a", Request{})
	require.NoError(t, err)
	assert.Equal(t, "first", r.Text())

	_, err = sc.Complete(context.Background(), "b", Request{})
	assert.Error(t, err)

	r, err = sc.Complete(context.Background(), "a", Request{})
	require.NoError(t, err)
	assert.Equal(t, "second", r.Text())

	_, err = sc.Complete(context.Background(), "a", Request{})
	var fe *FatalError
	assert.True(t, errors.As(err, &fe), "exhausted script is fatal")

	assert.Equal(t, 3, sc.CallsFor("a"))
	assert.Len(t, sc.Calls(), 4)
}

func TestScriptedCompleter_GateHonoursContext(t *testing.T) {
	started := make(chan struct{})
	sc := NewScriptedCompleter().Script("a", Step{Started: started, Gate: make(chan struct{}), Response: NewTextResponse("never")})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := sc.Complete(ctx, "a", Request{})
		errCh <- err
	}()

	<-started
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatalf("gated call did not observe cancellation")
	}
}

func TestNewToolCallResponse_AssignsIDs(t *testing.T) {
	r := NewToolCallResponse("", core.FunctionCall{Name: "branch"})
	calls := r.FunctionCalls()
	require.Len(t, calls, 1)
	assert.NotEmpty(t, calls[0].ID)
	assert.Equal(t, "", r.Text())
}

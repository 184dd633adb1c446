package api_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-rpc/api"
)

func TestNormalize(t *testing.T) {
	type point struct{ X int }
	n := 3
	cases := []struct {
		in   any
		want api.Value
	}{
		{nil, nil},
		{int64(7), 7.0},
		{uint8(2), 2.0},
		{float32(0.5), 0.5},
		{&n, 3.0},
		{[]int{1, 2}, []api.Value{1.0, 2.0}},
		{[2]string{"a", "b"}, []api.Value{"a", "b"}},
		{map[string]int{"k": 1}, map[string]api.Value{"k": 1.0}},
		{map[any]any{"k": []any{true}}, map[string]api.Value{"k": []api.Value{true}}},
		{[]string(nil), nil},
	}
	for _, tc := range cases {
		got, err := api.Normalize(tc.in)
		require.NoError(t, err, "%#v", tc.in)
		assert.True(t, api.Equal(tc.want, got), "%#v: got %#v", tc.in, got)
	}

	for _, bad := range []any{point{1}, map[int]string{1: "x"}, map[any]any{1: "x"}, func() {}} {
		_, err := api.Normalize(bad)
		assert.ErrorIs(t, err, api.ErrInvalidArgument, "%#v", bad)
	}
}

func TestEqual(t *testing.T) {
	a := map[string]api.Value{"x": []api.Value{1.0, "s", nil}}
	b := map[string]api.Value{"x": []api.Value{1.0, "s", nil}}
	assert.True(t, api.Equal(a, b))

	b["x"] = []api.Value{1.0, "s"}
	assert.False(t, api.Equal(a, b))
	assert.False(t, api.Equal(1.0, "1"))
	assert.False(t, api.Equal(map[string]api.Value{"a": nil}, map[string]api.Value{"b": nil}))
	assert.True(t, api.Equal(nil, nil))
}

func TestErrorTaxonomy(t *testing.T) {
	err := api.ErrInvalidArgument.WithContext("name", "")
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
	assert.NotErrorIs(t, err, api.ErrNotSupported)
	assert.Nil(t, api.ErrInvalidArgument.Context, "WithContext must not mutate the sentinel")
	assert.Contains(t, err.Error(), "name")

	wrapped := fmt.Errorf("reg: %w", api.ErrAlreadyExists)
	assert.Equal(t, api.ErrCodeRegistrationConflict, api.CodeOf(wrapped))
	assert.Equal(t, api.ErrCodeHandlerFault, api.CodeOf(api.Fault("boom")))
	assert.Equal(t, api.ErrCodeRemote, api.CodeOf(&api.RemoteError{Code: -32000, Message: "nope"}))
	assert.Equal(t, api.ErrCodeInternal, api.CodeOf(errors.New("plain")))
	assert.Equal(t, api.ErrCodeOK, api.CodeOf(nil))
	assert.Equal(t, "registration conflict", api.ErrCodeRegistrationConflict.String())
}

func TestFrames(t *testing.T) {
	assert.True(t, api.NewResult(1, "x").OK())
	assert.False(t, api.NewFailure(1, api.FailureHandler, "bad").OK())
	assert.False(t, api.NewRequest(1, "m", nil).OK())

	assert.Equal(t, `request{id:4 method:"echo"}`, api.NewRequest(4, "echo", nil).String())
	assert.Equal(t, `response{id:4 error:"bad"}`, api.NewFailure(4, api.FailureHandler, "bad").String())
	assert.Equal(t, `event{name:"tick"}`, api.NewEvent("tick", nil).String())
}

func TestStates(t *testing.T) {
	for _, s := range []api.State{api.StateIdle, api.StateConnecting, api.StateConnected} {
		assert.False(t, s.Terminal(), s.String())
	}
	assert.True(t, api.StateClosed.Terminal())
	assert.True(t, api.StateErrored.Terminal())
	assert.Equal(t, "connected", api.StateConnected.String())
}

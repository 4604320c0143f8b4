package invocation

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watzon/fngate/internal/apierror"
	"github.com/watzon/fngate/internal/mode"
	"github.com/watzon/fngate/internal/value"
)

func TestClassify(t *testing.T) {
	t.Run("api error passes through", func(t *testing.T) {
		in := apierror.New(apierror.KindValue, "bad")
		assert.Same(t, in, Classify(fmt.Errorf("wrap: %w", in)))
	})

	t.Run("status prefix", func(t *testing.T) {
		out := Classify(errors.New("403 go away"))
		assert.Equal(t, 403, out.Status)
		assert.Equal(t, apierror.Kind("ForbiddenError"), out.Kind)
	})

	t.Run("thrown non-error", func(t *testing.T) {
		out := Classify(&ThrownError{Message: "42", NonError: true, Stack: "at x"})
		assert.Equal(t, apierror.KindRuntime, out.Kind)
		assert.Equal(t, 420, out.Status)
		assert.Equal(t, "at x", out.Stack)
		assert.Equal(t, true, out.Details["thrown"])
	})
}

func TestSafe_RecoversPanic(t *testing.T) {
	h := Safe(HandlerFunc(func(ctx context.Context, ec *Context) (value.Value, error) {
		panic("kaboom")
	}))

	_, err := h.Invoke(context.Background(), &Context{})
	apiErr, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.KindRuntime, apiErr.Kind)
	assert.Equal(t, "kaboom", apiErr.Message)
	assert.NotEmpty(t, apiErr.Stack)
}

func TestContextSinks(t *testing.T) {
	var got []string
	sink := SinkFunc(func(channel string, payload value.Value) error {
		s, _ := payload.AsString()
		got = append(got, channel+"="+s)
		return nil
	})

	ec := &Context{Stream: sink, Debug: sink}
	require.NoError(t, ec.Emit("progress", value.String("50%")))
	ec.Stdout("hello")
	ec.Stderr("oops")

	assert.Equal(t, []string{"progress=50%", mode.ChannelStdout + "=hello", mode.ChannelStderr + "=oops"}, got)

	empty := &Context{}
	require.NoError(t, empty.Emit("x", value.Null()))
	empty.Stdout("ignored")
}

func TestRestrictKeys(t *testing.T) {
	base := Keys{"STRIPE_KEY": "sk", "OTHER": "o"}
	lookup := Restrict(base, []string{"STRIPE_KEY"})

	v, ok := lookup.Lookup("STRIPE_KEY")
	require.True(t, ok)
	assert.Equal(t, "sk", v)

	_, ok = lookup.Lookup("OTHER")
	assert.False(t, ok)

	t.Setenv("FNGATE_KEY_TOKEN", "abc")
	env := EnvKeys("FNGATE_KEY_", []string{"TOKEN", "MISSING"})
	assert.Equal(t, Keys{"TOKEN": "abc"}, env)
}

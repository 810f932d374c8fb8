package idx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForm_Reconcile(t *testing.T) {
	t.Parallel()

	t.Run("missing-required-value", func(t *testing.T) {
		require := require.New(t)
		f := &Form{Fields: []*FormValue{
			{Name: "identifier", Required: true, Mutable: true, Visible: true},
		}}
		_, err := f.reconcile(nil)
		require.ErrorIs(err, ErrMissingRequiredParameter)
	})
	t.Run("immutable-with-default-rejects-overrides", func(t *testing.T) {
		require := require.New(t)
		f := &Form{Fields: []*FormValue{
			{Name: "stateHandle", Required: true, Mutable: false, Value: "sh-1"},
		}}
		_, err := f.reconcile(map[string]interface{}{"stateHandle": "sh-2"})
		require.ErrorIs(err, ErrParameterImmutable)
	})
	t.Run("unknown-key", func(t *testing.T) {
		require := require.New(t)
		f := &Form{Fields: []*FormValue{
			{Name: "identifier", Mutable: true, Visible: true},
		}}
		_, err := f.reconcile(map[string]interface{}{"surprise": "x"})
		require.ErrorIs(err, ErrInvalidParameter)
	})
	t.Run("violations-aggregate", func(t *testing.T) {
		require := require.New(t)
		f := &Form{Fields: []*FormValue{
			{Name: "identifier", Required: true, Mutable: true},
			{Name: "stateHandle", Required: true, Mutable: false, Value: "sh-1"},
		}}
		_, err := f.reconcile(map[string]interface{}{
			"stateHandle": "sh-2",
			"surprise":    "x",
		})
		require.ErrorIs(err, ErrMissingRequiredParameter)
		require.ErrorIs(err, ErrParameterImmutable)
		require.ErrorIs(err, ErrInvalidParameter)
	})
	t.Run("defaults-and-supplied-values-merge", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := &Form{Fields: []*FormValue{
			{Name: "identifier", Required: true, Mutable: true},
			{Name: "rememberMe", Mutable: true, Value: false},
			{Name: "stateHandle", Required: true, Mutable: false, Value: "sh-1"},
		}}
		rv, err := f.reconcile(map[string]interface{}{"identifier": "user@example.com"})
		require.NoError(err)
		assert.Equal(map[string]interface{}{
			"identifier":  "user@example.com",
			"rememberMe":  false,
			"stateHandle": "sh-1",
		}, rv.values)
		assert.True(rv.callerSet["identifier"])
		assert.False(rv.callerSet["stateHandle"])
	})
	t.Run("nested-composites-recurse", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := &Form{Fields: []*FormValue{
			{Name: "stateHandle", Required: true, Mutable: false, Value: "sh-1"},
			{Name: "credentials", Required: true, Form: &Form{Fields: []*FormValue{
				{Name: "passcode", Required: true, Mutable: true, Secret: true},
			}}},
		}}

		_, err := f.reconcile(nil)
		require.ErrorIs(err, ErrMissingRequiredParameter)

		rv, err := f.reconcile(map[string]interface{}{
			"credentials": map[string]interface{}{"passcode": "hunter2"},
		})
		require.NoError(err)
		assert.Equal(map[string]interface{}{"passcode": "hunter2"}, rv.values["credentials"])
		assert.True(rv.callerSet["credentials.passcode"])
	})
	t.Run("set-value-counts-as-caller-supplied", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		field := &FormValue{Name: "identifier", Required: true, Mutable: true}
		f := &Form{Fields: []*FormValue{field}}
		field.SetValue("user@example.com")

		rv, err := f.reconcile(nil)
		require.NoError(err)
		assert.Equal("user@example.com", rv.values["identifier"])
		assert.True(rv.callerSet["identifier"])
	})
}

func TestFormValue_SelectOption(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)

	email := &FormValue{
		Label: "Email",
		Form: &Form{Fields: []*FormValue{
			{Name: "id", Value: "aut-email", Mutable: false},
			{Name: "methodType", Value: "email", Mutable: false},
		}},
	}
	field := &FormValue{Name: "authenticator", Options: []*FormValue{email}}

	require.NoError(field.SelectOption(email))
	assert.Equal(map[string]interface{}{
		"id":         "aut-email",
		"methodType": "email",
	}, field.Value)

	stranger := &FormValue{Label: "Phone"}
	err := field.SelectOption(stranger)
	require.ErrorIs(err, ErrInvalidParameter)
	require.ErrorIs(field.SelectOption(nil), ErrNilParameter)
}

func TestRequestValues_Set(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	rv := newRequestValues()
	rv.Set("credentials.signatureData", "sig-1")
	assert.Equal(map[string]interface{}{
		"credentials": map[string]interface{}{"signatureData": "sig-1"},
	}, rv.values)

	// caller-set paths are never overridden by hooks
	rv.callerSet["credentials.signatureData"] = true
	rv.Set("credentials.signatureData", "sig-2")
	creds := rv.values["credentials"].(map[string]interface{})
	assert.Equal("sig-1", creds["signatureData"])
}

package idx

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/authkit/oktaidx/oidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// emailPollBody carries a pending email challenge whose authenticator exposes
// a poll sub-remediation with the given refresh interval (milliseconds).
func emailPollBody(addr string, refreshMS int) string {
	return fmt.Sprintf(`{
		"version": "1.0.0",
		"stateHandle": "sh-1",
		"currentAuthenticator": {"type": "object", "value": {
			"id": "aut-email", "type": "email", "key": "okta_email", "displayName": "Email",
			"methods": [{"type": "email"}],
			"poll": {
				"name": "poll",
				"method": "POST",
				"href": "%s/idp/idx/challenge/poll",
				"refresh": %d,
				"value": [
					{"name": "stateHandle", "required": true, "value": "sh-1", "visible": false, "mutable": false}
				]
			}
		}}
	}`, addr, refreshMS)
}

// barePollBody has no email authenticator, only a top-level challenge-poll
// remediation, so chaining must fall back to the remediation list.
func barePollBody(addr string) string {
	return fmt.Sprintf(`{
		"version": "1.0.0",
		"stateHandle": "sh-1",
		"remediation": {"type": "array", "value": [
			{
				"name": "challenge-poll",
				"method": "POST",
				"href": "%s/idp/idx/challenge/poll",
				"refresh": 10,
				"value": [
					{"name": "stateHandle", "required": true, "value": "sh-1", "visible": false, "mutable": false}
				]
			}
		]}
	}`, addr)
}

func startedPollable(t *testing.T, s *TestIDXProvider, refreshMS int) *Pollable {
	t.Helper()
	c := providerClient(t, s)
	resp, err := parseResponse(c, []byte(emailPollBody(s.Addr(), refreshMS)))
	require.NoError(t, err)
	require.Len(t, resp.Authenticators, 1)
	p := resp.Authenticators[0].Pollable()
	require.NotNil(t, p)
	return p
}

func TestPollable_ChainsToCompletion(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	s := StartTestIDXProvider(t)
	p := startedPollable(t, s, 10)
	assert.Equal(10*time.Millisecond, p.RefreshInterval())

	// two pending rounds (one rotating the poll target through the bare
	// remediation form), then the terminal answer
	s.Enqueue("/idp/idx/challenge/poll", emailPollBody(s.Addr(), 10))
	s.Enqueue("/idp/idx/challenge/poll", barePollBody(s.Addr()))
	s.Enqueue("/idp/idx/challenge/poll", terminalSuccessBody)

	type outcome struct {
		resp *Response
		err  error
	}
	done := make(chan outcome, 2)
	require.NoError(p.StartPolling(context.Background(), func(resp *Response, err error) {
		done <- outcome{resp, err}
	}))
	require.True(p.IsPolling())
	require.ErrorIs(p.StartPolling(context.Background(), func(*Response, error) {}), ErrPollingActive)

	select {
	case got := <-done:
		require.NoError(got.err)
		require.NotNil(got.resp)
		assert.True(got.resp.IsLoginSuccessful())
	case <-time.After(5 * time.Second):
		t.Fatal("polling session never completed")
	}
	assert.False(p.IsPolling())
	assert.Len(s.RequestBodies("/idp/idx/challenge/poll"), 3)

	// completion fires exactly once
	select {
	case <-done:
		t.Fatal("completion callback invoked twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPollable_ServerErrorEndsSession(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	s := StartTestIDXProvider(t)
	p := startedPollable(t, s, 10)
	s.SetError("/idp/idx/challenge/poll", 401, `{
		"messages": {"type": "array", "value": [
			{"message": "The session has expired.", "i18n": {"key": "idx.session.expired"}, "class": "ERROR"}
		]}
	}`)

	errCh := make(chan error, 1)
	require.NoError(p.StartPolling(context.Background(), func(_ *Response, err error) {
		errCh <- err
	}))
	select {
	case err := <-errCh:
		require.Error(err)
		var srvErr *oidc.ServerError
		require.ErrorAs(err, &srvErr)
		assert.Equal("idx.session.expired", srvErr.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("polling session never completed")
	}
	assert.False(p.IsPolling())
	// structured server errors are terminal, never retried
	assert.Len(s.RequestBodies("/idp/idx/challenge/poll"), 1)
}

func TestPollable_StopAbandonsWithoutCallback(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	s := StartTestIDXProvider(t)
	p := startedPollable(t, s, 3_600_000) // the tick must never fire

	called := make(chan struct{}, 1)
	require.NoError(p.StartPolling(context.Background(), func(*Response, error) {
		called <- struct{}{}
	}))
	require.True(p.IsPolling())

	p.StopPolling()
	assert.False(p.IsPolling())
	p.StopPolling() // idempotent

	select {
	case <-called:
		t.Fatal("abandoned session must not invoke the completion callback")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Empty(s.Requests())

	// a stopped session can be restarted
	require.NoError(p.StartPolling(context.Background(), func(*Response, error) {}))
	p.StopPolling()
}

// mismatchedPollBody answers a poll with a different factor: an Okta Verify
// push challenge whose poll remediation relates to the app authenticator,
// not the email one the session was started for.
func mismatchedPollBody(addr string) string {
	return fmt.Sprintf(`{
		"version": "1.0.0",
		"stateHandle": "sh-1",
		"currentAuthenticator": {"type": "object", "value": {
			"id": "aut-okta-verify", "type": "app", "key": "okta_verify", "displayName": "Okta Verify",
			"methods": [{"type": "push"}]
		}},
		"remediation": {"type": "array", "value": [
			{
				"name": "challenge-poll",
				"method": "POST",
				"href": "%s/idp/idx/challenge/poll",
				"refresh": 10,
				"relatesTo": ["$.currentAuthenticator"],
				"value": [
					{"name": "stateHandle", "required": true, "value": "sh-1", "visible": false, "mutable": false}
				]
			}
		]}
	}`, addr)
}

func TestPollable_DoesNotChainAcrossAuthenticatorTypes(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	s := StartTestIDXProvider(t)
	p := startedPollable(t, s, 10)
	s.Enqueue("/idp/idx/challenge/poll", mismatchedPollBody(s.Addr()))

	done := make(chan *Response, 1)
	require.NoError(p.StartPolling(context.Background(), func(resp *Response, err error) {
		assert.NoError(err)
		done <- resp
	}))

	select {
	case resp := <-done:
		require.NotNil(resp)
		// the email session ends here; the push challenge is a new flow
		// for the caller to drive, not a rotation of this one
		assert.False(resp.IsLoginSuccessful())
		assert.NotNil(resp.Remediation(TypeChallengePoll))
	case <-time.After(5 * time.Second):
		t.Fatal("polling session never completed")
	}
	assert.False(p.IsPolling())
	assert.Len(s.RequestBodies("/idp/idx/challenge/poll"), 1)
}

func TestPollable_SupersededLoopLeavesStateAlone(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	s := StartTestIDXProvider(t)
	p := startedPollable(t, s, 10)

	// a running session identified by a newer generation
	p.mu.Lock()
	p.gen = 7
	p.polling = true
	p.mu.Unlock()

	// a loop left over from a superseded session must exit without touching
	// the current session's state or invoking its own callback
	called := false
	p.loop(context.Background(), 6, func(*Response, error) { called = true })

	assert.False(called, "superseded session invoked its completion callback")
	assert.True(p.IsPolling(), "superseded session cleared the current session's state")
	assert.Empty(s.Requests())
}

func TestPollable_StopStartRace(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	s := StartTestIDXProvider(t)
	p := startedPollable(t, s, 1)

	// Repeatedly stop a session whose round trip may be completing at that
	// very moment, then immediately park a new session on a long interval.
	// A completion from the superseded session must neither surface through
	// the new session nor clear its state.
	for i := 0; i < 300; i++ {
		s.Enqueue("/idp/idx/challenge/poll", terminalSuccessBody)

		require.NoError(p.StartPolling(context.Background(), func(*Response, error) {}))
		p.StopPolling()

		p.mu.Lock()
		p.refresh = time.Hour
		p.mu.Unlock()
		require.NoError(p.StartPolling(context.Background(), func(*Response, error) {
			t.Error("parked session received a completion from a superseded round trip")
		}))
		time.Sleep(2 * time.Millisecond)
		assert.True(p.IsPolling(), "superseded round trip cleared the restarted session's state")
		p.StopPolling()

		p.mu.Lock()
		p.refresh = time.Millisecond
		p.mu.Unlock()
	}
}

func TestPollable_StartPolling_NilCallback(t *testing.T) {
	t.Parallel()
	s := StartTestIDXProvider(t)
	p := startedPollable(t, s, 10)
	require.ErrorIs(t, p.StartPolling(context.Background(), nil), ErrNilParameter)
	require.False(t, p.IsPolling())
}

func TestPollable_StopWithoutStart(t *testing.T) {
	t.Parallel()
	p := &Pollable{}
	p.StopPolling()
	require.False(t, p.IsPolling())
}

package controlplane

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/edgebitio/edgebit-agentd/pkg/controlplane/rpcpb"
)

type fakeClient struct {
	mu           sync.Mutex
	enrollCalls  int
	renewCalls   int
	tokens       []string
	enrollErr    error
	renewErr     error
	expireIn     time.Duration
}

func (f *fakeClient) EnrollAgent(ctx context.Context, req rpcpb.EnrollAgentRequest) (*rpcpb.EnrollAgentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enrollCalls++
	if f.enrollErr != nil {
		return nil, f.enrollErr
	}
	return &rpcpb.EnrollAgentResponse{
		RefreshToken: "refresh-1",
		SessionToken: "session-1",
		Expiration:   timestamppb.New(time.Now().Add(f.expireIn)),
	}, nil
}

func (f *fakeClient) GetSessionToken(ctx context.Context, req rpcpb.GetSessionTokenRequest) (*rpcpb.GetSessionTokenResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewCalls++
	if f.renewErr != nil {
		return nil, f.renewErr
	}
	return &rpcpb.GetSessionTokenResponse{
		SessionToken: "session-renewed",
		Expiration:   timestamppb.New(time.Now().Add(f.expireIn)),
	}, nil
}

func (f *fakeClient) SetToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
}

func TestSessionEnrollsWhenNoCachedToken(t *testing.T) {
	TokenFile = filepath.Join(t.TempDir(), "token")

	fc := &fakeClient{expireIn: time.Hour}
	s := newSession(fc, "deploy-tok", "host1", "machine1", "v1.0.0")

	expiration, err := s.enroll(context.Background())
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiration, time.Minute)
	assert.Equal(t, 1, fc.enrollCalls)
	assert.Equal(t, []string{"session-1"}, fc.tokens)
}

func TestSessionResumesFromCachedRefreshToken(t *testing.T) {
	dir := t.TempDir()
	TokenFile = filepath.Join(dir, "token")
	require.NoError(t, saveToken("cached-refresh"))

	fc := &fakeClient{expireIn: time.Hour}
	s := newSession(fc, "deploy-tok", "host1", "machine1", "v1.0.0")

	_, err := s.enroll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, fc.enrollCalls, "should not re-enroll when a cached refresh token works")
	assert.Equal(t, 1, fc.renewCalls)
}

func TestSessionFallsBackToEnrollOnBadCachedToken(t *testing.T) {
	dir := t.TempDir()
	TokenFile = filepath.Join(dir, "token")
	require.NoError(t, saveToken("stale-refresh"))

	fc := &fakeClient{expireIn: time.Hour, renewErr: assertError("expired")}
	s := newSession(fc, "deploy-tok", "host1", "machine1", "v1.0.0")

	_, err := s.enroll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fc.enrollCalls)
}

func TestHoldSessionRenewsBeforeExpirationSlack(t *testing.T) {
	TokenFile = filepath.Join(t.TempDir(), "token")

	fc := &fakeClient{expireIn: 0}
	s := newSession(fc, "deploy-tok", "host1", "machine1", "v1.0.0")
	s.refreshToken = "refresh-1"

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := s.holdSession(ctx, time.Now())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, fc.renewCalls, 1)
}

type assertError string

func (e assertError) Error() string { return string(e) }

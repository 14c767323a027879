package controlplane

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/edgebitio/edgebit-agentd/pkg/controlplane/rpcpb"
	"github.com/edgebitio/edgebit-agentd/pkg/log"
)

// SessionState names the phases of the session-keeper state machine.
type SessionState int

const (
	StateUnauthenticated SessionState = iota
	StateEnrolling
	StateAuthenticated
	StateRefreshing
	StateReenrolling
)

func (s SessionState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateEnrolling:
		return "enrolling"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	case StateReenrolling:
		return "re-enrolling"
	default:
		return "unknown"
	}
}

// ExpirationSlack is how far ahead of a session token's actual
// expiration the keeper wakes up to renew it.
const ExpirationSlack = 10 * time.Minute

// maxSleepChunk bounds each individual sleep the keeper does while
// waiting out a long-lived session, so a system clock jump or a test
// context cancellation is noticed promptly rather than after the full
// remaining lifetime.
const maxSleepChunk = 60 * time.Second

// enrollRetryDelay is how long the keeper waits between enrollment
// attempts while the control plane is unreachable; enrollment blocks
// startup, so this stays short rather than backing off.
const enrollRetryDelay = 1 * time.Second

// TokenFile is where the refresh token is cached across restarts, so a
// restarted agent doesn't have to re-enroll (and potentially burn a
// single-use deploy token) every time. Var rather than const so tests
// can redirect it into a scratch directory.
var TokenFile = "/var/lib/edgebit/token"

// sessionClient is the subset of Client the session-keeper needs, broken
// out as an interface so tests can exercise the state machine against a
// fake control plane instead of a live gRPC connection.
type sessionClient interface {
	EnrollAgent(ctx context.Context, req rpcpb.EnrollAgentRequest) (*rpcpb.EnrollAgentResponse, error)
	GetSessionToken(ctx context.Context, req rpcpb.GetSessionTokenRequest) (*rpcpb.GetSessionTokenResponse, error)
	SetToken(token string)
}

// Session holds the agent's current authentication material and keeps it
// renewed in the background.
type Session struct {
	client      sessionClient
	deployToken string
	hostname    string
	machineID   string
	agentVersion string

	state        SessionState
	refreshToken string
}

// NewSession builds a session-keeper for client, authenticating as
// hostname/machineID using deployToken if no cached refresh token exists.
func NewSession(client *Client, deployToken, hostname, machineID, agentVersion string) *Session {
	return newSession(client, deployToken, hostname, machineID, agentVersion)
}

func newSession(client sessionClient, deployToken, hostname, machineID, agentVersion string) *Session {
	return &Session{
		client:       client,
		deployToken:  deployToken,
		hostname:     hostname,
		machineID:    machineID,
		agentVersion: agentVersion,
		state:        StateUnauthenticated,
	}
}

// Run drives the session state machine until ctx is canceled: enroll (or
// resume from a cached refresh token), then loop sleeping until shortly
// before the session token expires, renewing, and repeating. A refresh
// failure restarts the cycle from enrollment.
func (s *Session) Run(ctx context.Context) error {
	logger := log.WithComponent("session")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.state = StateEnrolling
		expiration, err := s.enroll(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("enrollment failed, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(enrollRetryDelay):
			}
			continue
		}
		s.state = StateAuthenticated

		if err := s.holdSession(ctx, expiration); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn().Err(err).Msg("session refresh failed, re-enrolling")
			s.state = StateReenrolling
			continue
		}
	}
}

func (s *Session) enroll(ctx context.Context) (time.Time, error) {
	if token, err := loadToken(); err == nil {
		s.refreshToken = token
		resp, err := s.client.GetSessionToken(ctx, rpcpb.GetSessionTokenRequest{RefreshToken: token})
		if err == nil {
			s.client.SetToken(resp.SessionToken)
			return resp.ExpirationTime(), nil
		}
	}

	resp, err := s.client.EnrollAgent(ctx, rpcpb.EnrollAgentRequest{
		DeployToken:  s.deployToken,
		Hostname:     s.hostname,
		MachineID:    s.machineID,
		AgentVersion: s.agentVersion,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("enrolling agent: %w", err)
	}
	if !isASCII(resp.SessionToken) {
		return time.Time{}, fmt.Errorf("enrolling agent: session token is not ASCII")
	}

	s.refreshToken = resp.RefreshToken
	s.client.SetToken(resp.SessionToken)

	if err := saveToken(resp.RefreshToken); err != nil {
		log.WithComponent("session").Warn().Err(err).Msg("could not persist refresh token")
	}

	return resp.ExpirationTime(), nil
}

// holdSession sleeps until expiration minus ExpirationSlack, in bounded
// chunks so ctx cancellation is noticed promptly, then renews.
func (s *Session) holdSession(ctx context.Context, expiration time.Time) error {
	for {
		wake := expiration.Add(-ExpirationSlack)
		remaining := time.Until(wake)
		if remaining <= 0 {
			break
		}

		sleep := remaining
		if sleep > maxSleepChunk {
			sleep = maxSleepChunk
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	s.state = StateRefreshing
	resp, err := s.client.GetSessionToken(ctx, rpcpb.GetSessionTokenRequest{RefreshToken: s.refreshToken})
	if err != nil {
		return err
	}
	if !isASCII(resp.SessionToken) {
		return fmt.Errorf("refreshing session: session token is not ASCII")
	}

	s.client.SetToken(resp.SessionToken)
	s.state = StateAuthenticated
	return s.holdSession(ctx, resp.ExpirationTime())
}

// isASCII reports whether s contains only 7-bit ASCII bytes, the
// constraint the control plane's session tokens are generated under;
// anything else indicates a corrupted response or a protocol mismatch.
func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > unicode.MaxASCII {
			return false
		}
	}
	return true
}

func loadToken() (string, error) {
	data, err := os.ReadFile(TokenFile)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func saveToken(token string) error {
	if err := os.MkdirAll(filepath.Dir(TokenFile), 0o700); err != nil {
		return err
	}
	return os.WriteFile(TokenFile, []byte(token), 0o600)
}

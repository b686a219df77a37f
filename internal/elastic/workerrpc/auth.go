package workerrpc

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// tokenTTL bounds how long a signed notification token is valid for,
// limiting the replay window if a token is intercepted.
const tokenTTL = 30 * time.Second

// signingKeyFromSecret derives an HMAC signing key from a worker's
// plaintext secret_key (spec.md §4.4's RegisterWorkerServer contract). The
// plaintext itself is not retained past this call; only the derived key is
// kept, inside the client's per-RPC credential.
func signingKeyFromSecret(secretKey string) []byte {
	sum := sha256.Sum256([]byte(secretKey))
	return sum[:]
}

// hashSecret returns a bcrypt hash of secretKey suitable for long-lived
// storage and later comparison, never the plaintext itself.
func hashSecret(secretKey string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(secretKey), bcrypt.DefaultCost)
}

// verifySecret reports whether candidate matches the bcrypt hash produced
// by hashSecret.
func verifySecret(hash []byte, candidate string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(candidate)) == nil
}

// perRPCToken attaches a short-lived HS256 JWT to every outgoing call, so a
// notification a worker receives can be verified as coming from a driver
// that holds its registered secret, not spoofed by a stale or blacklisted
// peer.
type perRPCToken struct {
	signingKey    []byte
	allowInsecure bool
}

// GetRequestMetadata implements credentials.PerRPCCredentials.
func (t perRPCToken) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		Issuer:    "elastic-driver",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.signingKey)
	if err != nil {
		return nil, fmt.Errorf("sign worker notification token: %w", err)
	}
	return map[string]string{"authorization": "Bearer " + token}, nil
}

// RequireTransportSecurity implements credentials.PerRPCCredentials.
func (t perRPCToken) RequireTransportSecurity() bool {
	return !t.allowInsecure
}

// KeyLookup resolves the signing key that should have produced an incoming
// token's signature, keyed however the caller's server wants (commonly by
// peer address or a claim). Returns ok=false to reject the call outright.
type KeyLookup func(ctx context.Context) (signingKey []byte, ok bool)

// NewAuthInterceptor builds a grpc.UnaryServerInterceptor that verifies the
// bearer token attached by perRPCToken against the key returned by lookup.
// A NotifyServer implementation (run by a worker process, outside this
// core's scope) can install this to authenticate incoming
// notify_hosts_updated calls.
func NewAuthInterceptor(lookup KeyLookup) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		key, ok := lookup(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "no signing key registered for caller")
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}
		values := md.Get("authorization")
		if len(values) == 0 {
			return nil, status.Error(codes.Unauthenticated, "missing authorization token")
		}
		raw := strings.TrimPrefix(values[0], "Bearer ")

		_, err := jwt.Parse(raw, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return key, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil {
			return nil, status.Errorf(codes.Unauthenticated, "invalid token: %v", err)
		}

		return handler(ctx, req)
	}
}

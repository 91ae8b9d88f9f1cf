package testutil

import (
	"time"

	"github.com/1wilber/currency-manager/libs/auth"
)

const OperatorSubject = "operator@test"

func GenerateJWT(subject string, secret []byte, ttl time.Duration) (string, error) {
	return auth.IssueToken(subject, []string{"operator"}, secret, ttl)
}

func GenerateJWTWithRoles(subject string, roles []string, secret []byte, ttl time.Duration) (string, error) {
	return auth.IssueToken(subject, roles, secret, ttl)
}

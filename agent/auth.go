package agent

import (
	"net/http"

	"github.com/pkg/errors"
)

// Authenticator derives the identity of a connecting client from its
// handshake request. Authenticators are registered per request path so
// different login channels can coexist on one listener.
type Authenticator func(req *http.Request) (username string, err error)

// usernameAuthenticator accepts the username claimed in the query string.
// Production deployments register real token validation per path instead.
func usernameAuthenticator(req *http.Request) (string, error) {
	username := req.URL.Query().Get("username")
	if len(username) < 3 {
		return "", errors.New("username too short")
	}
	return username, nil
}

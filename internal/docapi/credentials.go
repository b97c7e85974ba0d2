package docapi

import (
	"net/http"

	"document-intake/internal/apperr"
)

// Credentials produces the auth header for requests to the processing service.
type Credentials interface {
	Apply(req *http.Request) error
}

// BasicAuth authenticates with a static username and password.
type BasicAuth struct {
	Username string
	Password string
}

func (b BasicAuth) Apply(req *http.Request) error {
	if b.Username == "" || b.Password == "" {
		return &apperr.ConfigurationError{Keys: []string{"DOC_API_USERNAME", "DOC_API_PASSWORD"}}
	}
	req.SetBasicAuth(b.Username, b.Password)
	return nil
}

// CredentialsFunc adapts a function to Credentials.
type CredentialsFunc func(req *http.Request) error

func (f CredentialsFunc) Apply(req *http.Request) error { return f(req) }

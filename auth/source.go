package auth

// TokenSource supplies the current bearer token. The realtime connection reads
// it once at creation time; the REST client reads it per request. An empty
// string means "not authenticated" and is passed through as such — whether
// that is acceptable is the server's call.
type TokenSource interface {
	Token() string
}

// TokenSourceFunc adapts a function to a TokenSource.
type TokenSourceFunc func() string

func (f TokenSourceFunc) Token() string {
	return f()
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

func (t StaticToken) Token() string {
	return string(t)
}

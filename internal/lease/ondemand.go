package lease

import "strings"

// OnDemand hands every generation the same long-lived access token; the
// container provisions its own backing store with it.
type OnDemand struct {
	token string
}

// NewOnDemand creates an on-demand source.
func NewOnDemand(token string) (*OnDemand, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}
	return &OnDemand{token: token}, nil
}

// Acquire always succeeds.
func (o *OnDemand) Acquire(int64) (Credentials, error) {
	return Credentials{Mode: ModeOnDemand, AccessToken: o.token}, nil
}

// Release is a no-op.
func (o *OnDemand) Release(int64) {}

// Info reports an unbounded source.
func (o *OnDemand) Info() Info {
	return Info{Mode: ModeOnDemand}
}

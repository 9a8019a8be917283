package domain

// LoginRequest is the JSON body sent to the hub login endpoint.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// SpawnRequest is the JSON body sent to start a named server. Options are
// passed through verbatim to the spawner.
type SpawnRequest struct {
	Options map[string]string `json:"options,omitempty"`
}

// SpawnResponse is returned once the server is reachable.
type SpawnResponse struct {
	User    string `json:"user"`
	Server  string `json:"server,omitempty"`
	State   string `json:"state"`
	URL     string `json:"url,omitempty"`
	Pending bool   `json:"pending,omitempty"`
}

// ShareRequest is the JSON body for granting a share. Exactly one of User
// and Group must be set.
type ShareRequest struct {
	Scopes []string `json:"scopes,omitempty"`
	User   string   `json:"user,omitempty"`
	Group  string   `json:"group,omitempty"`
}

// ShareCodeRequest is the JSON body for minting a redeemable share code.
type ShareCodeRequest struct {
	Scopes       []string `json:"scopes,omitempty"`
	ExpiresIn    int      `json:"expires_in,omitempty"` // seconds
	MaxExchanges int      `json:"max_exchanges,omitempty"`
}

// ErrorResponse is the JSON body returned by the hub for structured errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
}

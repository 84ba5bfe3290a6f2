package auth

// Credentials are optional: a participant only needs them when it calls the
// API directly instead of going through an upstream gateway. The core ledger
// never sees tokens, only the resolved participant address.

// IssueRequest contains the fields a caller supplies to obtain a token.
type IssueRequest struct {
	Address string `json:"address"`
	Secret  string `json:"secret"`
}

// IssueResult bundles the signed token returned after a successful issue.
type IssueResult struct {
	Token   string
	Address string
}

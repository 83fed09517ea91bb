package abx

// UserInfo identifies the operator performing a mutation. It travels on domain
// events and page-erasure calls; the stores do not persist it.
type UserInfo struct {
	Username string `json:"username"`
}

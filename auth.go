package gocbclient

// ServiceType specifies a service a cluster node may host.
type ServiceType int

const (
	// MemdService represents the key/value service.
	MemdService = ServiceType(1)

	// MgmtService represents the cluster management service.
	MgmtService = ServiceType(2)

	// CapiService represents the views service.
	CapiService = ServiceType(3)

	// N1qlService represents the query service.
	N1qlService = ServiceType(4)

	// FtsService represents the full-text search service.
	FtsService = ServiceType(5)

	// CbasService represents the analytics service.
	CbasService = ServiceType(6)
)

// UserPassPair represents a username and password pair.
type UserPassPair struct {
	Username string
	Password string
}

// Authenticator provides credentials for cluster authentication.
type Authenticator interface {
	// Credentials returns the credentials to authenticate against a service.
	Credentials(service ServiceType, endpoint string) (UserPassPair, error)
}

// PasswordAuthenticator authenticates against all services with a single
// username and password.
type PasswordAuthenticator struct {
	Username string
	Password string
}

// Credentials implements Authenticator.
func (auth PasswordAuthenticator) Credentials(_ ServiceType, _ string) (UserPassPair, error) {
	return UserPassPair{
		Username: auth.Username,
		Password: auth.Password,
	}, nil
}

package zkclient

import "context"

// User is one user record stored on a terminal
type User struct {
	UID       int    // Internal slot index assigned by the terminal
	UserID    string // Enrollment number shown on the terminal (the PIN)
	Name      string
	Privilege int
	Password  string
	GroupID   string
	Card      uint32
}

// DeviceClient is the direct-link interface to a terminal that does not push
// its data. Every method except Connect fails with ErrNotConnected until
// Connect succeeds.
type DeviceClient interface {
	// Connect opens the session, authenticating with the comm key when the
	// terminal asks for it
	Connect(ctx context.Context) error

	// Disconnect ends the session and closes the socket
	Disconnect() error

	// GetUsers reads every user record from the terminal
	GetUsers(ctx context.Context) ([]User, error)

	// SetUser creates or overwrites the record in slot user.UID
	SetUser(ctx context.Context, user User) error

	// DeleteUser removes the record in slot uid
	DeleteUser(ctx context.Context, uid int) error

	// EnrollUser starts fingerprint capture for userID on finger 0-9; the
	// employee completes it on the terminal
	EnrollUser(ctx context.Context, userID string, fingerIndex int) error

	EnableDevice(ctx context.Context) error
	DisableDevice(ctx context.Context) error

	IsConnected() bool
}

package relay

import "time"

// Session binds a registered user to the connection it registered on.
type Session struct {
	ConnectionID string    `json:"connectionId"`
	UserID       string    `json:"userId"`
	UserType     Role      `json:"userType"`
	ConnectedAt  time.Time `json:"connectedAt"`
}

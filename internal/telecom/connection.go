package telecom

// ConnectionState is the state a backend reports for a newly created connection.
type ConnectionState string

const (
	ConnectionDialing ConnectionState = "dialing"
	ConnectionRinging ConnectionState = "ringing"
	ConnectionActive  ConnectionState = "active"
)

// Connection is what a backend hands back when it accepts a call.
type Connection struct {
	ID      string
	Address string
	State   ConnectionState
}

// Conference is what a backend hands back when it accepts an ad-hoc conference.
type Conference struct {
	ID           string
	Participants []string
}

// IDMapper maps call IDs to the connection IDs a backend assigned to them.
type IDMapper map[string]string

// ConnectionID returns the backend connection ID for a call.
func (m IDMapper) ConnectionID(callID string) (string, bool) {
	id, ok := m[callID]
	return id, ok
}

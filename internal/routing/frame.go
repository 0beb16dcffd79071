package routing

import "encoding/json"

// Frame is the outbound client wire format. Admin-bound frames carry the
// sender's connection id so the admin can address a reply; visitor-bound
// frames never leak another party's id.
type Frame struct {
	Type      string `json:"type,omitempty"`
	FromAdmin bool   `json:"fromAdmin"`
	From      string `json:"from,omitempty"`
	Message   string `json:"message,omitempty"`
	FullName  string `json:"fullName,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	IsAdmin   *bool  `json:"isAdmin,omitempty"`
}

// ErrorFrame is the structured error envelope sent back to a client.
type ErrorFrame struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// FrameFor renders the client frame a delivered envelope becomes.
func FrameFor(envelope Envelope) Frame {
	switch message := envelope.(type) {
	case GuestMessage:
		return Frame{
			FromAdmin: false,
			From:      message.ConnectionID,
			Message:   message.Message,
			FullName:  message.Name,
			Email:     message.Email,
			Phone:     message.Phone,
		}
	case AdminMessage:
		return Frame{
			FromAdmin: true,
			Message:   message.Message,
		}
	case Welcome:
		isAdmin := message.IsAdmin
		return Frame{
			Type:      string(KindWelcome),
			FromAdmin: true,
			IsAdmin:   &isAdmin,
		}
	case NewConnection:
		return Frame{
			Type: string(KindNewConnection),
			From: message.ConnectionID,
		}
	case EndConnection:
		return Frame{
			Type: string(KindEndConnection),
			From: message.ConnectionID,
		}
	default:
		return Frame{}
	}
}

// NoAdminsFrame is the explicit acknowledgment a guest receives when no
// admin is reachable; it must not read as a delivery confirmation.
func NoAdminsFrame() ErrorFrame {
	return ErrorFrame{
		Error:   "noAdmins",
		Message: "No admin currently connected.",
	}
}

// EncodeFrame renders a frame for the transport.
func EncodeFrame(frame any) ([]byte, error) {
	return json.Marshal(frame)
}

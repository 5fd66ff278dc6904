// ABOUTME: Relay protocol message type definitions
// ABOUTME: One concrete struct per frame type, decoded at the codec boundary
package protocol

// FrameType is the one-byte tag following the length prefix
type FrameType uint8

const (
	TypeAudio       FrameType = 0 // S->C raw audio frame
	TypeServerInit  FrameType = 1 // S->C channel and user lists on accept
	TypeClientInit  FrameType = 2 // C->S handshake half
	TypeServerChat  FrameType = 3 // S->C chat broadcast or notice
	TypeClientChat  FrameType = 4 // C->S chat text
	TypeJoin        FrameType = 5 // C->S join a channel
	TypeListRequest FrameType = 6 // C->S ask for channel names
	TypeChannelList FrameType = 7 // S->C channel names
	TypeRequest     FrameType = 8 // C->S retarget current channel
	TypeServerError FrameType = 9 // S->C error reason
)

var typeNames = map[FrameType]string{
	TypeAudio:       "AUDIO",
	TypeServerInit:  "S_INIT",
	TypeClientInit:  "C_INIT",
	TypeServerChat:  "S_MSG",
	TypeClientChat:  "C_MSG",
	TypeJoin:        "C_JOIN",
	TypeListRequest: "C_LIST",
	TypeChannelList: "S_LIST",
	TypeRequest:     "C_REQ",
	TypeServerError: "S_ERR",
}

func (t FrameType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// Role identifies which half of a client a connection is
type Role string

const (
	RoleControl Role = "control"
	RoleAudio   Role = "audio"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	return r == RoleControl || r == RoleAudio
}

// Message is implemented by every decoded frame variant
type Message interface {
	FrameType() FrameType
}

// Audio carries one fixed-size raw audio frame, passed through uninterpreted
type Audio struct {
	Data []byte
}

// ServerInit is sent to every newly accepted connection
type ServerInit struct {
	Channels     []string `json:"channels"`
	Users        []string `json:"users"`
	FrameSize    int      `json:"frame_size,omitempty"`
	SampleRate   int      `json:"sample_rate,omitempty"`
	ChannelCount int      `json:"channel_count,omitempty"`
}

// ClientInit is the handshake frame sent on both halves of a client
type ClientInit struct {
	Role     Role   `json:"role"`
	Nonce    string `json:"nonce"`
	Username string `json:"username,omitempty"`
}

// ServerChat is a chat line already prefixed with the sender, or a server notice
type ServerChat struct {
	Text string
}

// ClientChat is chat text typed by a listener
type ClientChat struct {
	Text string
}

// Join moves the sender into the named channel
type Join struct {
	Channel string
}

// ListRequest asks for the current channel names
type ListRequest struct{}

// ChannelList is the reply to ListRequest and the pairing acknowledgement
type ChannelList struct {
	Channels []string
}

// Request retargets the sender's channel to a new query
type Request struct {
	Query string
}

// ServerError reports a rejected handshake or command
type ServerError struct {
	Reason string
}

func (Audio) FrameType() FrameType       { return TypeAudio }
func (ServerInit) FrameType() FrameType  { return TypeServerInit }
func (ClientInit) FrameType() FrameType  { return TypeClientInit }
func (ServerChat) FrameType() FrameType  { return TypeServerChat }
func (ClientChat) FrameType() FrameType  { return TypeClientChat }
func (Join) FrameType() FrameType        { return TypeJoin }
func (ListRequest) FrameType() FrameType { return TypeListRequest }
func (ChannelList) FrameType() FrameType { return TypeChannelList }
func (Request) FrameType() FrameType     { return TypeRequest }
func (ServerError) FrameType() FrameType { return TypeServerError }

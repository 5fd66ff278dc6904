// ABOUTME: Client commands validated locally before anything is sent
// ABOUTME: ParseCommand maps slash-prefixed input lines onto commands
package client

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Resonate-Protocol/chanrelay/internal/protocol"
)

var (
	ErrChatTooLong     = errors.New("chat message too long")
	ErrEmptyArgument   = errors.New("argument required")
	ErrUnknownCommand  = errors.New("unknown command")
	ErrRejected        = errors.New("server rejected handshake")
	ErrNotPaired       = errors.New("handshake not complete")
	ErrHandshakeFailed = errors.New("handshake failed")
)

// CommandKind identifies a parsed input line
type CommandKind int

const (
	CommandChat CommandKind = iota
	CommandJoin
	CommandList
	CommandRequest
	CommandQuit
)

// Command is one parsed input line
type Command struct {
	Kind CommandKind
	Arg  string
}

// ParseCommand understands /join, /list, /req and /quit. Anything not
// starting with a slash is chat; "//" escapes a leading slash.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.HasPrefix(line, "//") {
		return Command{Kind: CommandChat, Arg: line[1:]}, nil
	}
	if !strings.HasPrefix(line, "/") {
		return Command{Kind: CommandChat, Arg: line}, nil
	}

	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(name) {
	case "join", "j":
		return Command{Kind: CommandJoin, Arg: arg}, nil
	case "list", "ls":
		return Command{Kind: CommandList}, nil
	case "req", "request":
		return Command{Kind: CommandRequest, Arg: arg}, nil
	case "quit", "q", "exit":
		return Command{Kind: CommandQuit}, nil
	}
	return Command{}, fmt.Errorf("%w: /%s", ErrUnknownCommand, name)
}

// Execute sends cmd. CommandQuit is left to the caller.
func (c *Client) Execute(cmd Command) error {
	switch cmd.Kind {
	case CommandChat:
		return c.Chat(cmd.Arg)
	case CommandJoin:
		return c.Join(cmd.Arg)
	case CommandList:
		return c.List()
	case CommandRequest:
		return c.Request(cmd.Arg)
	}
	return nil
}

// Join asks to move this client to the named channel, creating it if
// needed. Channel() changes once the server's S_LIST names it.
func (c *Client) Join(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: channel name", ErrEmptyArgument)
	}

	c.mu.Lock()
	c.joining = name
	c.mu.Unlock()

	if err := c.send(protocol.Join{Channel: name}); err != nil {
		c.mu.Lock()
		c.joining = ""
		c.mu.Unlock()
		return err
	}
	return nil
}

// List asks for the channel names; the reply arrives as an EventChannels
func (c *Client) List() error {
	return c.send(protocol.ListRequest{})
}

// Request retargets the current channel to query
func (c *Client) Request(query string) error {
	query = strings.TrimSpace(query)
	if query == "" {
		return fmt.Errorf("%w: search query", ErrEmptyArgument)
	}
	return c.send(protocol.Request{Query: query})
}

// Chat sends text to everyone in the current channel
func (c *Client) Chat(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: message text", ErrEmptyArgument)
	}
	if len(text) > c.config.MaxChatLength {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrChatTooLong, len(text), c.config.MaxChatLength)
	}
	return c.send(protocol.ClientChat{Text: text})
}

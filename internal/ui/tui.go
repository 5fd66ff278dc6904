// ABOUTME: TUI initialization and control
// ABOUTME: Wraps the bubbletea program and feeds it client events and buffer stats
package ui

import (
	"context"
	"time"

	"github.com/Resonate-Protocol/chanrelay/internal/client"
	tea "github.com/charmbracelet/bubbletea"
)

const statusInterval = 250 * time.Millisecond

// controls routes model actions to the client and the playback device
type controls struct {
	client *client.Client
	device client.Device
}

func (c controls) Execute(cmd client.Command) error { return c.client.Execute(cmd) }
func (c controls) SetVolume(volume int)             { c.device.SetVolume(volume) }
func (c controls) SetMuted(muted bool)              { c.device.SetMuted(muted) }

// Run shows the TUI until the user quits or ctx is done
func Run(ctx context.Context, c *client.Client, device client.Device, server string) error {
	model := NewModel(controls{client: c, device: device}, server, c.Username())
	model.channels = c.Channels()
	model.volume = device.Volume()

	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	done := make(chan struct{})
	defer close(done)
	go pump(p, c, done)

	_, err := p.Run()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// pump forwards client events and periodic status to the program
func pump(p *tea.Program, c *client.Client, done <-chan struct{}) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			p.Send(StatusMsg{Channel: c.Channel(), Channels: c.Channels(), Stats: c.Stream().Stats()})
		case ev := <-c.Events():
			p.Send(eventMsg(ev))
		}
	}
}

func eventMsg(ev client.Event) tea.Msg {
	switch ev.Kind {
	case client.EventError:
		return ChatMsg{Text: ev.Text, Error: true}
	case client.EventDisconnected:
		return DisconnectedMsg{Err: ev.Err}
	case client.EventChannels:
		return StatusMsg{Channels: ev.Channels}
	}
	return ChatMsg{Text: ev.Text}
}

// ABOUTME: Read-only view of server state published after every tick
// ABOUTME: The TUI and HTTP handlers read snapshots instead of live state
package server

import (
	"sort"
	"time"
)

// Snapshot is an immutable copy of the loop's state
type Snapshot struct {
	Name     string         `json:"name"`
	ServerID string         `json:"server_id"`
	Port     int            `json:"port"`
	HTTPPort int            `json:"http_port"`
	Started  time.Time      `json:"started"`
	Ticks    uint64         `json:"ticks"`
	Pending  int            `json:"pending"`
	Channels []ChannelInfo  `json:"channels"`
	Users    []UserInfo     `json:"users"`
	Format   SnapshotFormat `json:"format"`
}

// SnapshotFormat is the stream format announced in S_INIT
type SnapshotFormat struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
	FrameSize  int `json:"frame_size"`
}

// ChannelInfo describes one channel
type ChannelInfo struct {
	Name       string   `json:"name"`
	Query      string   `json:"query"`
	NowPlaying string   `json:"now_playing"`
	Queued     int      `json:"queued"`
	Members    []string `json:"members"`
}

// UserInfo describes one paired session
type UserInfo struct {
	Username  string    `json:"username"`
	Channel   string    `json:"channel"`
	Transport string    `json:"transport"`
	JoinedAt  time.Time `json:"joined_at"`
}

// Uptime is measured from Started
func (s *Snapshot) Uptime() time.Duration {
	return time.Since(s.Started).Round(time.Second)
}

func (s *Server) buildSnapshot() *Snapshot {
	snap := &Snapshot{
		Name:     s.config.Name,
		ServerID: s.serverID,
		Port:     s.port,
		HTTPPort: s.httpPort,
		Started:  s.startTime,
		Ticks:    s.ticks,
		Pending:  s.registry.PendingCount(),
		Channels: make([]ChannelInfo, 0, len(s.channels)),
		Users:    []UserInfo{},
		Format: SnapshotFormat{
			SampleRate: s.config.Format.SampleRate,
			Channels:   s.config.Format.Channels,
			FrameSize:  s.config.FrameSize,
		},
	}

	for _, ch := range s.channels {
		members := make([]string, 0, ch.Len())
		for _, id := range ch.Members() {
			if sess, ok := s.registry.Session(id); ok {
				members = append(members, sess.Username)
			}
		}
		sort.Strings(members)
		snap.Channels = append(snap.Channels, ChannelInfo{
			Name:       ch.Name(),
			Query:      ch.Query(),
			NowPlaying: ch.NowPlaying(),
			Queued:     ch.Queued(),
			Members:    members,
		})
	}

	for _, sess := range s.registry.Sessions() {
		kind := ""
		if p, ok := s.peers[sess.Control.ID()]; ok {
			kind = p.conn.Kind()
		}
		snap.Users = append(snap.Users, UserInfo{
			Username:  sess.Username,
			Channel:   sess.ChannelName(),
			Transport: kind,
			JoinedAt:  sess.JoinedAt,
		})
	}

	return snap
}

// publish stores a fresh snapshot for readers outside the loop
func (s *Server) publish() {
	snap := s.buildSnapshot()
	s.snapshot.Store(snap)
	s.updateTUI(snap)
}

// Snapshot returns the latest published state; never nil after New
func (s *Server) Snapshot() *Snapshot {
	return s.snapshot.Load()
}

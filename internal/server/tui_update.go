// ABOUTME: TUI update helpers for server
// ABOUTME: Forwards snapshots to the TUI at a rate a terminal can keep up with
package server

import "time"

// updateTUI sends the snapshot to the TUI at most once per tuiInterval
func (s *Server) updateTUI(snap *Snapshot) {
	if s.tui == nil {
		return
	}
	if time.Since(s.lastTUIUpdate) < tuiInterval {
		return
	}
	s.lastTUIUpdate = time.Now()
	s.tui.Update(snap)
}

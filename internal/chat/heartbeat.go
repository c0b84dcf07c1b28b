// ABOUTME: Per-connection heartbeat that pings the client on a fixed interval
// ABOUTME: Stops on the first failed send; pong handling only updates last activity

package chat

import (
	"time"
)

// runHeartbeat pings the client every interval until the connection ends or a send fails
func runHeartbeat(s *Session, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.Send(newBareFrame(OutPing)); err != nil {
				s.logger.Debug("heartbeat stopped", "error", err)
				return
			}
		}
	}
}

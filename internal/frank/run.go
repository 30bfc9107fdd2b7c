package frank

import (
	"context"
	"log"
	"time"
)

// Run awaits the initial firmware connection, then issues a Status
// query on a periodic tick until ctx is cancelled, keeping Snapshot()
// current for the status page and MQTT telemetry. The command
// transactions (SetTempLeft, Prime, ...) may be called on the same
// Server from other goroutines while Run is active; transact()
// serializes the exchanges.
func (s *Server) Run(ctx context.Context, tick time.Duration) {
	if err := s.WaitForPeer(ctx); err != nil {
		return
	}
	log.Printf("frank: initial firmware connection established")

	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.RefreshStatus(); err != nil {
				log.Printf("frank: status refresh: %v", err)
			}
		}
	}
}

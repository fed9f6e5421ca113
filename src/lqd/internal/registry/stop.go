package registry

import (
	"fmt"
	"net"

	"github.com/akesson/language-query/src/lqd/internal/wire"
	"github.com/gofrs/uuid"
)

// sendStop issues the stop admin request over an established connection and
// waits for the daemon's acknowledgement.
func sendStop(conn net.Conn) error {
	id := uuid.Must(uuid.NewV4()).String()
	if err := wire.WriteFrame(conn, &wire.Request{ID: id, Method: wire.MethodStop}); err != nil {
		return fmt.Errorf("sending stop request: %w", err)
	}

	resp, err := wire.NewReader(conn, 0).NextResponse()
	if err != nil {
		return fmt.Errorf("reading stop response: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("daemon refused stop: %s", resp.Error.Message)
	}
	return nil
}

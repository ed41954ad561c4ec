// Package ports discovers free TCP ports by live probing.
package ports

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/previewd/previewd/internal/logger"
)

// probeTimeout bounds each connect attempt. A port that neither accepts nor
// refuses within this window is treated as free.
const probeTimeout = 500 * time.Millisecond

// Find returns the first port >= start that is not currently accepting TCP
// connections on host. Probes run one at a time; a successful connect means
// the port is occupied and the next one is tried. Connection refusal and
// probe timeout both count as free, which is optimistic: another process can
// still grab the port before the caller binds it, so the bind is the
// authoritative failure point.
//
// No upper bound on the port number is enforced here; callers that want one
// should cancel the context.
func Find(ctx context.Context, host string, start int) (int, error) {
	for port := start; ; port++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		dialer := net.Dialer{Timeout: probeTimeout}
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			logger.Debug("port %d on %s is free", port, host)
			return port, nil
		}

		// Something answered: the port is taken, move on.
		conn.Close()
		logger.Debug("port %d on %s is occupied, trying next", port, host)
	}
}

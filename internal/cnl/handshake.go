package cnl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const hello = "CANNELLONIv1"

// ErrBadHello is returned when the peer greets with anything but the cannelloni magic.
var ErrBadHello = errors.New("bad hello")

// Handshake exchanges the cannelloni hello in both directions. Both sides send
// first, so the write and the read run concurrently. Cancelling ctx expires
// the connection deadline to unblock them.
func Handshake(ctx context.Context, c net.Conn, timeout time.Duration) error {
	if deadlineErr := c.SetDeadline(time.Now().Add(timeout)); deadlineErr != nil {
		return fmt.Errorf("set deadline: %w", deadlineErr)
	}
	defer c.SetDeadline(time.Time{})

	errCh := make(chan error, 2)
	go func() {
		_, err := io.WriteString(c, hello)
		errCh <- err
	}()
	go func() {
		buf := make([]byte, len(hello))
		_, err := io.ReadFull(c, buf)
		if err == nil && string(buf) != hello {
			err = fmt.Errorf("%w: %q", ErrBadHello, buf)
		}
		errCh <- err
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-ctx.Done():
			_ = c.SetDeadline(time.Now())
			return ctx.Err()
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("handshake: %w", err)
			}
		}
	}
	return nil
}

//go:build linux

package bluez

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/gg-glitch-88/desklink/internal/transport"
)

const pollInterval = 100 * time.Millisecond

// ChannelStrategy connects a raw RFCOMM socket to a fixed channel,
// bypassing the service record lookup.
type ChannelStrategy struct {
	channel uint8
}

func NewChannelStrategy(channel uint8) *ChannelStrategy {
	if channel == 0 {
		channel = 1
	}
	return &ChannelStrategy{channel: channel}
}

func (s *ChannelStrategy) Name() string { return fmt.Sprintf("rfcomm-channel-%d", s.channel) }

func (s *ChannelStrategy) Open(ctx context.Context, dev transport.PairedDevice) (io.ReadWriteCloser, error) {
	addr, err := bdaddr(dev.Address)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("rfcomm socket: %w", err)
	}
	if err := connectFD(ctx, fd, &unix.SockaddrRFCOMM{Addr: addr, Channel: s.channel}); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return os.NewFile(uintptr(fd), "rfcomm:"+dev.Address), nil
}

// connectFD runs a non-blocking connect, polling for completion so ctx can
// abort it.
func connectFD(ctx context.Context, fd int, sa unix.Sockaddr) error {
	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EINPROGRESS) && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("rfcomm connect: %w", err)
	}
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Poll(pfd, int(pollInterval/time.Millisecond))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("rfcomm poll: %w", err)
		}
		if n == 0 {
			continue
		}
		soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return fmt.Errorf("rfcomm connect: %w", err)
		}
		if soErr != 0 {
			return fmt.Errorf("rfcomm connect: %w", unix.Errno(soErr))
		}
		return nil
	}
}

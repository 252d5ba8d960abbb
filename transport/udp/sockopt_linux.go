/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025 Quilt Authors. All Rights Reserved.
 */

package udp

import (
	"net"

	"golang.org/x/sys/unix"
)

// tuneSocket enlarges the receive buffer so bursts during allocator stalls
// are absorbed by the kernel instead of dropped.
func tuneSocket(conn *net.UDPConn) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return
	}
	raw.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUFFORCE, readBufferSize); err != nil {
			unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, readBufferSize)
		}
	})
}

/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025 Quilt Authors. All Rights Reserved.
 */

//go:build !linux

package udp

import "net"

func tuneSocket(conn *net.UDPConn) {
	conn.SetReadBuffer(readBufferSize)
}

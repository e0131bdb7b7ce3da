// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides bounded readiness waits for a single connection:
// epoll(7) on Linux, read deadlines everywhere else.
package reactor
